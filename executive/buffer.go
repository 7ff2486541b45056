package executive

import "unsafe"

// DefaultAlignment is the base alignment of every Buffer (one cache line).
const DefaultAlignment = 64

// Buffer is an owned, zero-initialized byte region whose base address is
// aligned. Resizing replaces the backing storage; views handed out earlier
// keep the old storage alive and must be refreshed by their owner.
type Buffer struct {
	data      []byte
	alignment int
}

// NewBuffer allocates a buffer of size bytes aligned to alignment.
func NewBuffer(size, alignment int) *Buffer {
	if alignment <= 0 {
		alignment = DefaultAlignment
	}
	b := &Buffer{alignment: alignment}
	b.data = alignedBytes(size, alignment)
	return b
}

// alignedBytes over-allocates and slices so that the first byte sits on an
// alignment boundary.
func alignedBytes(size, alignment int) []byte {
	if size == 0 {
		return []byte{}
	}
	buf := make([]byte, size+alignment-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := int(ptr % uintptr(alignment)); mod != 0 {
		offset = alignment - mod
	}
	return buf[offset : offset+size : offset+size]
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Resize replaces the storage when size differs from the current size and
// reports whether it did. The new storage is zeroed.
func (b *Buffer) Resize(size int) bool {
	if size == len(b.data) {
		return false
	}
	b.data = alignedBytes(size, b.alignment)
	return true
}

// Zero clears the buffer contents.
func (b *Buffer) Zero() {
	clear(b.data)
}
