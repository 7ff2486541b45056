package executive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOutOfBounds is returned when an intrinsic addresses memory past
	// the end of its view.
	ErrOutOfBounds = errors.New("executive: address out of bounds")

	// ErrUnsupportedAtomic is returned for an operation the element type
	// does not support.
	ErrUnsupportedAtomic = errors.New("executive: unsupported atomic operation")
)

// AtomicOp selects the read-modify-write operation of an atomic intrinsic.
type AtomicOp int

const (
	AtomicAdd AtomicOp = iota
	AtomicMin
	AtomicMax
	AtomicAnd
	AtomicOr
	AtomicXor
	AtomicExch
	AtomicInc
	AtomicDec
)

func (op AtomicOp) String() string {
	switch op {
	case AtomicAdd:
		return "add"
	case AtomicMin:
		return "min"
	case AtomicMax:
		return "max"
	case AtomicAnd:
		return "and"
	case AtomicOr:
		return "or"
	case AtomicXor:
		return "xor"
	case AtomicExch:
		return "exch"
	case AtomicInc:
		return "inc"
	case AtomicDec:
		return "dec"
	}
	return fmt.Sprintf("atomic(%d)", int(op))
}

// Atomics below are plain read-modify-write sequences. Threads of a CTA are
// dispatched one at a time, so program order of dispatch is the global order
// of every atomic on a buffer.

func check(mem []byte, offset, width int) error {
	if offset < 0 || offset+width > len(mem) {
		return fmt.Errorf("%w: %d bytes at %d of %d", ErrOutOfBounds, width, offset, len(mem))
	}
	return nil
}

// Atomic32 applies op to the unsigned 32-bit word at offset and returns the
// previous value.
func Atomic32(mem []byte, op AtomicOp, offset int, b uint32) (uint32, error) {
	if err := check(mem, offset, 4); err != nil {
		return 0, err
	}
	word := mem[offset : offset+4]
	d := binary.NativeEndian.Uint32(word)
	var r uint32
	switch op {
	case AtomicAdd:
		r = d + b
	case AtomicMin:
		r = min(d, b)
	case AtomicMax:
		r = max(d, b)
	case AtomicAnd:
		r = d & b
	case AtomicOr:
		r = d | b
	case AtomicXor:
		r = d ^ b
	case AtomicExch:
		r = b
	case AtomicInc:
		if d >= b {
			r = 0
		} else {
			r = d + 1
		}
	case AtomicDec:
		if d == 0 || d > b {
			r = b
		} else {
			r = d - 1
		}
	default:
		return 0, fmt.Errorf("%w: %s.u32", ErrUnsupportedAtomic, op)
	}
	binary.NativeEndian.PutUint32(word, r)
	return d, nil
}

// AtomicS32 applies op to the signed 32-bit word at offset. Only add, min
// and max differ from the unsigned form.
func AtomicS32(mem []byte, op AtomicOp, offset int, b int32) (int32, error) {
	switch op {
	case AtomicMin, AtomicMax:
	default:
		d, err := Atomic32(mem, op, offset, uint32(b))
		return int32(d), err
	}
	if err := check(mem, offset, 4); err != nil {
		return 0, err
	}
	word := mem[offset : offset+4]
	d := int32(binary.NativeEndian.Uint32(word))
	r := min(d, b)
	if op == AtomicMax {
		r = max(d, b)
	}
	binary.NativeEndian.PutUint32(word, uint32(r))
	return d, nil
}

// Atomic64 applies op to the unsigned 64-bit word at offset and returns the
// previous value.
func Atomic64(mem []byte, op AtomicOp, offset int, b uint64) (uint64, error) {
	if err := check(mem, offset, 8); err != nil {
		return 0, err
	}
	word := mem[offset : offset+8]
	d := binary.NativeEndian.Uint64(word)
	var r uint64
	switch op {
	case AtomicAdd:
		r = d + b
	case AtomicMin:
		r = min(d, b)
	case AtomicMax:
		r = max(d, b)
	case AtomicAnd:
		r = d & b
	case AtomicOr:
		r = d | b
	case AtomicXor:
		r = d ^ b
	case AtomicExch:
		r = b
	default:
		return 0, fmt.Errorf("%w: %s.u64", ErrUnsupportedAtomic, op)
	}
	binary.NativeEndian.PutUint64(word, r)
	return d, nil
}

// AtomicF32 supports add, min, max and exch on a float32.
func AtomicF32(mem []byte, op AtomicOp, offset int, b float32) (float32, error) {
	if err := check(mem, offset, 4); err != nil {
		return 0, err
	}
	word := mem[offset : offset+4]
	d := math.Float32frombits(binary.NativeEndian.Uint32(word))
	var r float32
	switch op {
	case AtomicAdd:
		r = d + b
	case AtomicMin:
		r = min(d, b)
	case AtomicMax:
		r = max(d, b)
	case AtomicExch:
		r = b
	default:
		return 0, fmt.Errorf("%w: %s.f32", ErrUnsupportedAtomic, op)
	}
	binary.NativeEndian.PutUint32(word, math.Float32bits(r))
	return d, nil
}

// AtomicCAS32 stores c at offset if the current value equals b and returns
// the previous value.
func AtomicCAS32(mem []byte, offset int, b, c uint32) (uint32, error) {
	if err := check(mem, offset, 4); err != nil {
		return 0, err
	}
	word := mem[offset : offset+4]
	d := binary.NativeEndian.Uint32(word)
	if d == b {
		binary.NativeEndian.PutUint32(word, c)
	}
	return d, nil
}

// AtomicCAS64 is the 64-bit form of AtomicCAS32.
func AtomicCAS64(mem []byte, offset int, b, c uint64) (uint64, error) {
	if err := check(mem, offset, 8); err != nil {
		return 0, err
	}
	word := mem[offset : offset+8]
	d := binary.NativeEndian.Uint64(word)
	if d == b {
		binary.NativeEndian.PutUint64(word, c)
	}
	return d, nil
}

// VoteMode selects the reduction of a warp vote.
type VoteMode int

const (
	VoteAll VoteMode = iota
	VoteAny
	VoteUni
)

// Vote evaluates a warp vote for one lane. Lanes run one at a time, so a
// lane only sees its own predicate: all and any reduce to it and uni always
// holds.
func Vote(pred bool, mode VoteMode, invert bool) bool {
	if invert {
		pred = !pred
	}
	switch mode {
	case VoteAll, VoteAny:
		return pred
	}
	return true
}
