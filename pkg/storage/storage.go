package storage

import "context"

// KV is a raw byte store scoped to a single prefix.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([][]byte, error)
	Delete(ctx context.Context, key string) error
}

type KVBroker interface {
	KeyValue(prefix string) KV
}

// KeyValue is a typed view over a KV. Get returns an error satisfying
// grpcutil.IsErrorNotFound when the key does not exist.
type KeyValue[T any] interface {
	Put(ctx context.Context, key string, obj T) error
	Get(ctx context.Context, key string) (T, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, key string) error
}
