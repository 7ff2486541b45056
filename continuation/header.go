// Package continuation encodes the control block a sub-kernel writes at the
// start of its thread's current local frame before handing control back to
// the scheduler.
//
// Layout, in 32-bit words of native byte order:
//
//	word0  next function id (Finished marks a completed thread)
//	word1  call kind
//	word2  callee frame size   (NormalCall only)
//	word3  argument bytes      (NormalCall only)
//
// A NormalCall passes its arguments in the caller's frame starting at
// CallHeaderSize; the call stack copies them to the same offset of the
// callee frame.
package continuation

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	wordSize = 4

	// HeaderSize is the size of a tail, return or finished header.
	HeaderSize = 2 * wordSize

	// CallHeaderSize is the size of a NormalCall header and the offset of
	// call arguments in a frame.
	CallHeaderSize = 4 * wordSize

	// Finished in word0 marks a thread that has run to completion.
	Finished uint32 = 0xFFFFFFFF

	// Unset in word0 marks a header nobody has written since the scheduler
	// last consumed it.
	Unset uint32 = 0xFFFFFFFE
)

var (
	// ErrInvalidKind is returned for a call kind outside the known set.
	ErrInvalidKind = errors.New("continuation: invalid call kind")

	// ErrMissingHeader is returned when a function returned without
	// writing a header.
	ErrMissingHeader = errors.New("continuation: header not written")

	// ErrShortFrame is returned when a frame cannot hold the header.
	ErrShortFrame = errors.New("continuation: frame too small for header")
)

// Kind says how the scheduler must adjust the thread's call stack.
type Kind uint32

const (
	TailCall Kind = iota
	NormalCall
	ReturnCall
	Exit
)

func (k Kind) String() string {
	switch k {
	case TailCall:
		return "tail"
	case NormalCall:
		return "call"
	case ReturnCall:
		return "return"
	case Exit:
		return "exit"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Header is the decoded continuation. CalleeSize and ArgSize are only
// meaningful for NormalCall; Next is unused for Exit.
type Header struct {
	Kind       Kind
	Next       uint32
	CalleeSize uint32
	ArgSize    uint32
}

// Tail continues the thread in function next on the current frame.
func Tail(next uint32) Header { return Header{Kind: TailCall, Next: next} }

// Call pushes a frame of calleeSize bytes and continues in function next.
func Call(next, calleeSize, argSize uint32) Header {
	return Header{Kind: NormalCall, Next: next, CalleeSize: calleeSize, ArgSize: argSize}
}

// Return pops the current frame and resumes the caller in function next.
func Return(next uint32) Header { return Header{Kind: ReturnCall, Next: next} }

// Done marks the thread as finished.
func Done() Header { return Header{Kind: Exit, Next: Finished} }

// Finished reports whether the thread is complete.
func (h Header) Finished() bool { return h.Kind == Exit }

// Size returns the encoded size of the header.
func (h Header) Size() int {
	if h.Kind == NormalCall {
		return CallHeaderSize
	}
	return HeaderSize
}

func (h Header) String() string {
	switch h.Kind {
	case Exit:
		return "exit"
	case NormalCall:
		return fmt.Sprintf("call %d (frame %d, args %d)", h.Next, h.CalleeSize, h.ArgSize)
	}
	return fmt.Sprintf("%s %d", h.Kind, h.Next)
}

func word(frame []byte, i int) uint32 {
	return binary.NativeEndian.Uint32(frame[i*wordSize:])
}

func putWord(frame []byte, i int, v uint32) {
	binary.NativeEndian.PutUint32(frame[i*wordSize:], v)
}

// Encode writes h at the start of frame.
func Encode(frame []byte, h Header) error {
	if len(frame) < h.Size() {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, h.Size(), len(frame))
	}
	switch h.Kind {
	case Exit:
		putWord(frame, 0, Finished)
		putWord(frame, 1, 0)
	case TailCall, ReturnCall:
		putWord(frame, 0, h.Next)
		putWord(frame, 1, uint32(h.Kind))
	case NormalCall:
		putWord(frame, 0, h.Next)
		putWord(frame, 1, uint32(h.Kind))
		putWord(frame, 2, h.CalleeSize)
		putWord(frame, 3, h.ArgSize)
	default:
		return fmt.Errorf("%w: %d", ErrInvalidKind, uint32(h.Kind))
	}
	return nil
}

// Decode reads the header at the start of frame.
func Decode(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, HeaderSize, len(frame))
	}
	next := word(frame, 0)
	switch next {
	case Finished:
		return Done(), nil
	case Unset:
		return Header{}, ErrMissingHeader
	}
	kind := Kind(word(frame, 1))
	switch kind {
	case TailCall, ReturnCall:
		return Header{Kind: kind, Next: next}, nil
	case NormalCall:
		if len(frame) < CallHeaderSize {
			return Header{}, fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, CallHeaderSize, len(frame))
		}
		return Call(next, word(frame, 2), word(frame, 3)), nil
	}
	return Header{}, fmt.Errorf("%w: %d", ErrInvalidKind, uint32(kind))
}

// Clear marks the header at the start of frame as unwritten.
func Clear(frame []byte) {
	if len(frame) < wordSize {
		return
	}
	putWord(frame, 0, Unset)
}

// Consume decodes the header and clears it.
func Consume(frame []byte) (Header, error) {
	h, err := Decode(frame)
	if err != nil {
		return h, err
	}
	Clear(frame)
	return h, nil
}
