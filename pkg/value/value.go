// Package value is the script-like value model stored by the instance cache:
// null, booleans, integers, floats, byte strings and ordered arrays whose keys
// are integers or strings.
//
// Values live either on the Go heap ([Value]) or detached inside an arena as
// a tree of nodes linked by offsets ([CopyInto], [Destroy], [Load]).
package value

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMemoryLimitExceeded reports that the arena could not hold a copy.
	ErrMemoryLimitExceeded = errors.New("value: memory limit exceeded")

	// ErrDepthLimitExceeded reports a value nested deeper than [MaxDepth].
	ErrDepthLimitExceeded = errors.New("value: depth limit exceeded")

	// ErrInvalidKey reports an array key that is neither Int nor String.
	ErrInvalidKey = errors.New("value: invalid array key")

	// ErrCorrupt reports an arena node with an impossible kind, owner or size.
	ErrCorrupt = errors.New("value: corrupt node")
)

// MaxDepth is the deepest nesting accepted. A scalar has depth 1, an array
// of scalars depth 2.
const MaxDepth = 128

// Kind identifies the type of a value.
type Kind uint8

// Kinds. Zero is never a valid kind in an arena node.
const (
	KindNull Kind = iota + 1
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is one of [Null], [Bool], [Int], [Float], [String] or *[Array].
type Value interface {
	Kind() Kind
}

type (
	Null   struct{}
	Bool   bool
	Int    int64
	Float  float64
	String string
)

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Int) Kind() Kind    { return KindInt }
func (Float) Kind() Kind  { return KindFloat }
func (String) Kind() Kind { return KindString }

// Array is an ordered map. Keys are [Int] or [String].
type Array struct {
	Pairs []Pair
}

// Pair is one array entry.
type Pair struct {
	Key Value
	Val Value
}

func (*Array) Kind() Kind { return KindArray }

// List returns an array with keys 0..len(vals)-1.
func List(vals ...Value) *Array {
	arr := &Array{Pairs: make([]Pair, len(vals))}
	for i, v := range vals {
		arr.Pairs[i] = Pair{Key: Int(i), Val: v}
	}

	return arr
}

// Get returns the value stored under key.
func (a *Array) Get(key Value) (Value, bool) {
	for _, p := range a.Pairs {
		if p.Key == key {
			return p.Val, true
		}
	}

	return nil, false
}

// Set replaces the value under key or appends a new pair.
func (a *Array) Set(key, val Value) {
	for i, p := range a.Pairs {
		if p.Key == key {
			a.Pairs[i].Val = val

			return
		}
	}

	a.Pairs = append(a.Pairs, Pair{Key: key, Val: val})
}

func (a *Array) isList() bool {
	for i, p := range a.Pairs {
		if p.Key != Int(i) {
			return false
		}
	}

	return true
}

func validKey(k Value) bool {
	switch k.(type) {
	case Int, String:
		return true
	default:
		return false
	}
}

// Clone returns a deep heap copy of v, sharing nothing with it.
func Clone(v Value) (Value, error) {
	return clone(v, 1)
}

func clone(v Value, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, ErrDepthLimitExceeded
	}

	arr, ok := v.(*Array)
	if !ok {
		if v == nil {
			return Null{}, nil
		}

		return v, nil
	}

	out := &Array{Pairs: make([]Pair, len(arr.Pairs))}

	for i, p := range arr.Pairs {
		if !validKey(p.Key) {
			return nil, fmt.Errorf("%w: %T", ErrInvalidKey, p.Key)
		}

		val, err := clone(p.Val, depth+1)
		if err != nil {
			return nil, err
		}

		out.Pairs[i] = Pair{Key: p.Key, Val: val}
	}

	return out, nil
}

// Format renders v in a JSON-like notation. Lists print as [..], other
// arrays as {..} with their keys.
func Format(v Value) string {
	var b strings.Builder
	format(&b, v)

	return b.String()
}

func format(b *strings.Builder, v Value) {
	switch v := v.(type) {
	case nil, Null:
		b.WriteString("null")
	case Bool:
		b.WriteString(strconv.FormatBool(bool(v)))
	case Int:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case Float:
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 64))
	case String:
		b.WriteString(strconv.Quote(string(v)))
	case *Array:
		list := v.isList()

		if list {
			b.WriteByte('[')
		} else {
			b.WriteByte('{')
		}

		for i, p := range v.Pairs {
			if i > 0 {
				b.WriteString(", ")
			}

			if !list {
				format(b, p.Key)
				b.WriteString(": ")
			}

			format(b, p.Val)
		}

		if list {
			b.WriteByte(']')
		} else {
			b.WriteByte('}')
		}
	}
}
