// Package field implements presence-aware message fields. On the wire an absent
// field means "unchanged", never "reset to default", so every optional value the
// engine handles carries one of three explicit states.
package field

import "fmt"

type State uint8

const (
	// Unset means the sender said nothing about this field; keep the current value.
	Unset State = iota
	// Value means the sender supplied a new value.
	Value
	// Clear means the sender explicitly removed the value.
	Clear
)

func (s State) String() string {
	switch s {
	case Unset:
		return "unset"
	case Value:
		return "value"
	case Clear:
		return "clear"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Field is a value of T together with its presence state. The zero value is Unset.
type Field[T any] struct {
	state State
	value T
}

func Of[T any](v T) Field[T] {
	return Field[T]{state: Value, value: v}
}

func Cleared[T any]() Field[T] {
	return Field[T]{state: Clear}
}

// FromPtr maps a nil pointer to Unset and anything else to Value.
func FromPtr[T any](v *T) Field[T] {
	if v == nil {
		return Field[T]{}
	}
	return Of(*v)
}

func (f Field[T]) State() State { return f.state }
func (f Field[T]) IsSet() bool { return f.state == Value }
func (f Field[T]) IsUnset() bool { return f.state == Unset }
func (f Field[T]) IsClear() bool { return f.state == Clear }

// Get returns the value and whether it is present.
func (f Field[T]) Get() (T, bool) {
	if f.state != Value {
		var zero T
		return zero, false
	}
	return f.value, true
}

// Apply returns the result of applying this field on top of current: Unset keeps
// current, Value replaces it and Clear yields the zero value.
func (f Field[T]) Apply(current T) T {
	switch f.state {
	case Value:
		return f.value
	case Clear:
		var zero T
		return zero
	default:
		return current
	}
}

// Complete converts an Unset field into Clear. It is used when a message is known to
// carry complete state, where absence really does mean "not present".
func (f Field[T]) Complete() Field[T] {
	if f.state == Unset {
		return Cleared[T]()
	}
	return f
}

func (f Field[T]) String() string {
	if f.state == Value {
		return fmt.Sprintf("%v", f.value)
	}
	return f.state.String()
}
