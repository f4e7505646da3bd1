package storage

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
)

// Codec converts values of T to and from the bytes kept in a KV.
type Codec[T any] interface {
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}

type protoCodec[T proto.Message] struct{}

func (protoCodec[T]) Marshal(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (protoCodec[T]) Unmarshal(raw []byte) (T, error) {
	t := newMessage[T]()
	return t, proto.Unmarshal(raw, t)
}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type cborCodec[T any] struct{}

func (cborCodec[T]) Marshal(v T) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (cborCodec[T]) Unmarshal(raw []byte) (T, error) {
	var t T
	return t, cbor.Unmarshal(raw, &t)
}

// NewProtoKV stores protobuf messages.
func NewProtoKV[T proto.Message](logger *slog.Logger, kv KV) KeyValue[T] {
	return NewCodecKV[T](logger, kv, protoCodec[T]{})
}

// NewCBORKV stores plain Go structs using deterministic CBOR encoding.
func NewCBORKV[T any](logger *slog.Logger, kv KV) KeyValue[T] {
	return NewCodecKV[T](logger, kv, cborCodec[T]{})
}

func NewCodecKV[T any](logger *slog.Logger, kv KV, codec Codec[T]) KeyValue[T] {
	return &codecKeyValue[T]{
		logger:     logger.With("type", reflect.TypeFor[T]().String()),
		underlying: kv,
		codec:      codec,
	}
}

type codecKeyValue[T any] struct {
	logger     *slog.Logger
	underlying KV
	codec      Codec[T]
}

func (kv *codecKeyValue[T]) Put(ctx context.Context, key string, obj T) error {
	data, err := kv.codec.Marshal(obj)
	if err != nil {
		return err
	}
	return kv.underlying.Put(ctx, key, data)
}

func (kv *codecKeyValue[T]) Get(ctx context.Context, key string) (T, error) {
	raw, err := kv.underlying.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return kv.codec.Unmarshal(raw)
}

func (kv *codecKeyValue[T]) ListKeys(ctx context.Context) ([]string, error) {
	return kv.underlying.ListKeys(ctx)
}

// List skips records that fail to decode.
func (kv *codecKeyValue[T]) List(ctx context.Context) ([]T, error) {
	raw, err := kv.underlying.List(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]T, 0, len(raw))
	for _, el := range raw {
		t, err := kv.codec.Unmarshal(el)
		if err != nil {
			kv.logger.With("error", err).Error("failed to decode stored record")
			continue
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func (kv *codecKeyValue[T]) Delete(ctx context.Context, key string) error {
	return kv.underlying.Delete(ctx, key)
}

func newMessage[T proto.Message]() T {
	var t T
	return t.ProtoReflect().New().Interface().(T)
}
