package simt

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/LynnColeArt/simt/executive"
)

// MemcpyKind specifies the direction of memory transfer.
// All memory is host memory here; the kinds are kept so driver code reads
// like its CUDA counterpart.
type MemcpyKind int

const (
	MemcpyHostToHost     MemcpyKind = iota // Host to host transfer
	MemcpyHostToDevice                     // Host to device transfer
	MemcpyDeviceToHost                     // Device to host transfer
	MemcpyDeviceToDevice                   // Device to device transfer
	MemcpyDefault                          // Default transfer (infer direction)
)

// DevicePtr is a view of global memory allocated from a MemoryPool. Kernels
// reach it through BindGlobal.
type DevicePtr struct {
	data   []byte
	offset int
	size   int
}

// MemoryPool manages global memory allocation with reuse.
// It keeps a free list of released blocks to reduce allocation overhead.
type MemoryPool struct {
	mu         sync.Mutex
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	totalAlloc int64
	peakAlloc  int64
}

type allocation struct {
	buf  *executive.Buffer
	used bool
}

// NewMemoryPool creates a new memory pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		allocated: make(map[uintptr]*allocation),
	}
}

func base(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Allocate returns zeroed memory of at least size bytes.
func (mp *MemoryPool) Allocate(size int) (DevicePtr, error) {
	if size <= 0 {
		return DevicePtr{}, ErrInvalidSize
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	// Round up to alignment
	alignedSize := max(MinAllocationSize, (size+MemoryAlignment-1)&^(MemoryAlignment-1))

	// Try to reuse from free list
	for i, alloc := range mp.freeList {
		if alloc.buf.Len() >= alignedSize {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			alloc.buf.Zero()
			mp.track(int64(alloc.buf.Len()))
			return DevicePtr{data: alloc.buf.Bytes(), size: size}, nil
		}
	}

	buf := executive.NewBuffer(alignedSize, MemoryAlignment)
	mp.allocated[base(buf.Bytes())] = &allocation{buf: buf, used: true}
	mp.track(int64(alignedSize))
	return DevicePtr{data: buf.Bytes(), size: size}, nil
}

func (mp *MemoryPool) track(n int64) {
	mp.totalAlloc += n
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}
}

// Free returns memory to the pool. Freeing a zero DevicePtr is a no-op.
func (mp *MemoryPool) Free(ptr DevicePtr) error {
	if ptr.IsNil() {
		return nil
	}
	if ptr.offset != 0 {
		return NewInvalidArgError("Free", "pointer is an offset into an allocation")
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	alloc, ok := mp.allocated[base(ptr.data)]
	if !ok {
		return NewMemoryError("Free", "pointer not found in allocation pool", nil)
	}
	if !alloc.used {
		return ErrDoubleFree
	}

	alloc.used = false
	mp.freeList = append(mp.freeList, alloc)
	mp.totalAlloc -= int64(alloc.buf.Len())
	return nil
}

// GetStats returns memory pool statistics
func (mp *MemoryPool) GetStats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}

// DevicePtr methods for convenience

// IsNil reports whether the pointer refers to no memory.
func (d DevicePtr) IsNil() bool { return d.data == nil }

// Byte returns a byte slice view of the device memory.
func (d DevicePtr) Byte() []byte {
	if d.data == nil {
		return nil
	}
	return d.data[d.offset : d.offset+d.size : d.offset+d.size]
}

// Uint32 returns a uint32 slice view of the device memory.
func (d DevicePtr) Uint32() []uint32 {
	b := d.Byte()
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Int32 returns an int32 slice view of the device memory.
func (d DevicePtr) Int32() []int32 {
	b := d.Byte()
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Float32 returns a float32 slice view of the device memory.
//
// Example:
//
//	d_data, _ := simt.Malloc(1024 * 4) // Allocate for 1024 float32s
//	data := d_data.Float32()
//	data[0] = 3.14 // Direct access
func (d DevicePtr) Float32() []float32 {
	b := d.Byte()
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Offset returns a new DevicePtr offset by the given number of bytes.
// The returned DevicePtr shares the same underlying memory.
func (d DevicePtr) Offset(bytes int) DevicePtr {
	if bytes < 0 || bytes > d.size {
		return DevicePtr{}
	}
	return DevicePtr{
		data:   d.data,
		offset: d.offset + bytes,
		size:   d.size - bytes,
	}
}

// Size returns the size in bytes of the memory region
func (d DevicePtr) Size() int {
	return d.size
}

// asBytes returns a byte view of a DevicePtr or a supported host slice.
func asBytes(v interface{}) ([]byte, error) {
	switch s := v.(type) {
	case DevicePtr:
		return s.Byte(), nil
	case []byte:
		return s, nil
	case []uint32:
		if len(s) == 0 {
			return nil, nil
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), 4*len(s)), nil
	case []int32:
		if len(s) == 0 {
			return nil, nil
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), 4*len(s)), nil
	case []float32:
		if len(s) == 0 {
			return nil, nil
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), 4*len(s)), nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

// Memcpy copies size bytes between DevicePtrs and Go slices.
func (ctx *Context) Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	d, err := asBytes(dst)
	if err != nil {
		return NewInvalidArgError("Memcpy", "dst: "+err.Error())
	}
	s, err := asBytes(src)
	if err != nil {
		return NewInvalidArgError("Memcpy", "src: "+err.Error())
	}
	if size < 0 || size > len(d) || size > len(s) {
		return NewInvalidArgError("Memcpy", fmt.Sprintf("copy of %d bytes from %d into %d", size, len(s), len(d)))
	}
	copy(d[:size], s[:size])
	return nil
}

// Malloc allocates global memory of the specified size in bytes.
//
// Example:
//
//	ptr, err := ctx.Malloc(1024 * 4) // Allocate 1024 float32s
//	if err != nil {
//		return err
//	}
//	defer ctx.Free(ptr)
func (ctx *Context) Malloc(size int) (DevicePtr, error) {
	return ctx.memory.Allocate(size)
}

// Free releases memory allocated by Malloc.
func (ctx *Context) Free(ptr DevicePtr) error {
	return ctx.memory.Free(ptr)
}
