// Package callstack gives each logical thread an independent, growable
// local-memory region holding its nested call frames.
//
// Sub-kernels are separate native functions that reach each other through
// the scheduler instead of native call instructions, so frames live in an
// explicit buffer rather than on the host stack.
package callstack

import (
	"errors"
	"fmt"

	"github.com/LynnColeArt/simt/continuation"
)

// FrameAlignment is the alignment of every frame base within the stack.
const FrameAlignment = 16

var (
	// ErrUnderflow is returned when returning from the root frame.
	ErrUnderflow = errors.New("callstack: return from root frame")

	// ErrOverflow is returned when a call would exceed the stack limit.
	ErrOverflow = errors.New("callstack: stack limit exceeded")

	// ErrArguments is returned when call arguments do not fit the caller
	// or callee frame.
	ErrArguments = errors.New("callstack: arguments do not fit frame")
)

type frame struct {
	offset int
	size   int
}

// Stack is one thread's call stack. Frame 0 always exists and holds the
// thread's top-level locals.
type Stack struct {
	buf    []byte
	frames []frame
	limit  int
}

// New creates a stack whose root frame is rootSize bytes. A positive limit
// caps the total bytes the stack may use.
func New(rootSize, limit int) *Stack {
	s := &Stack{limit: limit}
	s.Reset(rootSize)
	return s
}

// Reset drops every frame above the root and resizes the root frame.
func (s *Stack) Reset(rootSize int) {
	if cap(s.buf) < rootSize {
		s.buf = make([]byte, rootSize)
	} else {
		s.buf = s.buf[:rootSize]
		clear(s.buf)
	}
	s.frames = append(s.frames[:0], frame{offset: 0, size: rootSize})
}

// LocalMemory returns the current frame. The view is invalidated by the next
// Call, which may move the stack.
func (s *Stack) LocalMemory() []byte {
	top := s.frames[len(s.frames)-1]
	return s.buf[top.offset : top.offset+top.size : top.offset+top.size]
}

// Depth returns the number of live frames, root included.
func (s *Stack) Depth() int { return len(s.frames) }

// Used returns the number of bytes covered by live frames.
func (s *Stack) Used() int {
	top := s.frames[len(s.frames)-1]
	return top.offset + top.size
}

// Call pushes a zeroed frame of calleeSize bytes, copies argSize argument
// bytes from the caller's frame into it, and returns the new frame.
func (s *Stack) Call(calleeSize, argSize int) ([]byte, error) {
	caller := s.frames[len(s.frames)-1]
	if argSize < 0 || calleeSize < continuation.HeaderSize ||
		continuation.CallHeaderSize+argSize > caller.size ||
		continuation.CallHeaderSize+argSize > calleeSize {
		return nil, fmt.Errorf("%w: %d argument bytes, caller frame %d, callee frame %d",
			ErrArguments, argSize, caller.size, calleeSize)
	}

	offset := caller.offset + caller.size
	offset += (FrameAlignment - offset%FrameAlignment) % FrameAlignment
	end := offset + calleeSize
	if s.limit > 0 && end > s.limit {
		return nil, fmt.Errorf("%w: need %d bytes, limit %d", ErrOverflow, end, s.limit)
	}
	s.grow(end)
	clear(s.buf[caller.offset+caller.size : end])

	args := continuation.CallHeaderSize
	copy(s.buf[offset+args:offset+args+argSize], s.buf[caller.offset+args:caller.offset+args+argSize])

	s.frames = append(s.frames, frame{offset: offset, size: calleeSize})
	return s.LocalMemory(), nil
}

// Returned pops the current frame and returns the caller's.
func (s *Stack) Returned() ([]byte, error) {
	if len(s.frames) == 1 {
		return nil, ErrUnderflow
	}
	s.frames = s.frames[:len(s.frames)-1]
	s.buf = s.buf[:s.Used()]
	return s.LocalMemory(), nil
}

func (s *Stack) grow(size int) {
	if size <= cap(s.buf) {
		s.buf = s.buf[:size]
		return
	}
	n := max(2*cap(s.buf), size)
	buf := make([]byte, size, n)
	copy(buf, s.buf)
	s.buf = buf
}
