package util

import (
	"slices"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/samber/lo"
)

func KeyVal(key, val string) *protobufs.KeyValue {
	return &protobufs.KeyValue{
		Key: key,
		Value: &protobufs.AnyValue{
			Value: &protobufs.AnyValue_StringValue{StringValue: val},
		},
	}
}

// KeyVals converts m into string attributes sorted by key, so the same map always
// yields the same description hash.
func KeyVals(m map[string]string) []*protobufs.KeyValue {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return lo.Map(keys, func(k string, _ int) *protobufs.KeyValue {
		return KeyVal(k, m[k])
	})
}
