// Package hashing is the single content-hashing primitive used for change
// detection of configs, packages, connection settings and reported agent state.
//
// The algorithm is part of the protocol contract between server and agents: a
// hash produced by one build must compare equal to the hash another build produces
// for the same content. It is pinned to SHA-256 and must not be swapped without a
// coordinated migration of every persisted hash.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"slices"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"
)

const (
	Algorithm = "sha256"
	Size      = sha256.Size
)

var deterministic = proto.MarshalOptions{Deterministic: true}

// Builder accumulates length-prefixed fields so that adjacent fields can never
// run into each other ("ab"+"c" and "a"+"bc" hash differently).
type Builder struct {
	h hash.Hash
}

func NewBuilder() *Builder {
	return &Builder{h: sha256.New()}
}

func (b *Builder) Bytes(p []byte) *Builder {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(p)))
	b.h.Write(n[:])
	b.h.Write(p)
	return b
}

func (b *Builder) String(s string) *Builder {
	return b.Bytes([]byte(s))
}

func (b *Builder) Uint64(v uint64) *Builder {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	b.h.Write(n[:])
	return b
}

// Present records whether an optional field exists, keeping "absent" distinct
// from "present but empty".
func (b *Builder) Present(ok bool) *Builder {
	if ok {
		b.h.Write([]byte{1})
	} else {
		b.h.Write([]byte{0})
	}
	return b
}

func (b *Builder) Sum() []byte {
	return b.h.Sum(nil)
}

// ConfigMap computes a stable hash of an AgentConfigMap over sorted section names
// and bodies only, so map iteration order and content type metadata do not matter.
// An empty map hashes to an empty slice.
func ConfigMap(configMap *protobufs.AgentConfigMap) []byte {
	if configMap == nil || len(configMap.ConfigMap) == 0 {
		return []byte{}
	}

	keys := make([]string, 0, len(configMap.ConfigMap))
	for k := range configMap.ConfigMap {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	b := NewBuilder()
	for _, k := range keys {
		file := configMap.ConfigMap[k]
		if file == nil {
			continue
		}
		b.String(k).Bytes(file.Body)
	}
	return b.Sum()
}

// Message hashes the deterministic encoding of a reported protobuf message. A nil
// message hashes to nil.
func Message(m proto.Message) ([]byte, error) {
	if m == nil || !m.ProtoReflect().IsValid() {
		return nil, nil
	}
	raw, err := deterministic.Marshal(m)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// Hex renders a hash for logs and map keys.
func Hex(h []byte) string {
	return hex.EncodeToString(h)
}
