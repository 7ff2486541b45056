// Package executive defines the per-thread execution context that native
// sub-kernel functions receive, along with the runtime helpers they call.
package executive

import (
	"time"

	"github.com/LynnColeArt/simt/ir"
)

// Dim3 represents 3D dimensions for grid and block configurations.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the total number of elements
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

// Linear converts a 3D index inside d to its row-major linear position.
func (d Dim3) Linear(idx Dim3) int {
	return (idx.Z*d.Y+idx.Y)*d.X + idx.X
}

// Unlinear converts a linear index to 3D coordinates inside d.
func (d Dim3) Unlinear(linear int) Dim3 {
	return Dim3{
		X: linear % d.X,
		Y: (linear / d.X) % d.Y,
		Z: linear / (d.X * d.Y),
	}
}

// NativeFunction is a compiled sub-kernel. It runs one logical thread until
// the next suspend point, writes the continuation header at the start of
// ctx.Local, and returns the header's next-function word as a hint.
type NativeFunction func(ctx *Context) uint32

// Opaque is the auxiliary per-kernel state native code reaches through the
// context: texture table, instruction metadata, timer and bound globals.
type Opaque struct {
	Textures     []string
	Instructions []ir.Instruction
	Globals      map[string][]byte

	start time.Time
}

// NewOpaque creates auxiliary state with its timer started.
func NewOpaque() *Opaque {
	return &Opaque{
		Globals: make(map[string][]byte),
		start:   time.Now(),
	}
}

// Cycles returns the elapsed time since the timer started, in nanoseconds
// truncated to 32 bits like a hardware cycle counter.
func (o *Opaque) Cycles() uint32 {
	return uint32(time.Since(o.start).Nanoseconds())
}

// Context is the record handed to native code for one thread dispatch.
//
// The index fields and Local change per dispatch; the memory views are
// shared by every thread of the CTA. Dispatch is serialized, so nothing here
// is locked.
type Context struct {
	GridDim   Dim3
	BlockDim  Dim3
	BlockIdx  Dim3
	ThreadIdx Dim3

	Parameter []byte
	Shared    []byte
	Local     []byte
	Constant  []byte

	Other *Opaque
}

// ThreadID returns the linear index of the thread inside its block.
func (c *Context) ThreadID() int {
	return c.BlockDim.Linear(c.ThreadIdx)
}

// BlockID returns the linear index of the block inside the grid.
func (c *Context) BlockID() int {
	return c.GridDim.Linear(c.BlockIdx)
}

// Global returns the global X index, matching CUDA's
// blockIdx.x*blockDim.x + threadIdx.x.
func (c *Context) Global() int {
	return c.BlockIdx.X*c.BlockDim.X + c.ThreadIdx.X
}

// Clock returns the kernel timer.
func (c *Context) Clock() uint32 {
	if c.Other == nil {
		return 0
	}
	return c.Other.Cycles()
}

// GlobalMemory returns the bound view of a module global.
func (c *Context) GlobalMemory(name string) []byte {
	if c.Other == nil {
		return nil
	}
	return c.Other.Globals[name]
}

// Memory returns the view for an address space. Global space is addressed by
// name through GlobalMemory instead.
func (c *Context) Memory(space ir.AddressSpace) []byte {
	switch space {
	case ir.Param:
		return c.Parameter
	case ir.Shared:
		return c.Shared
	case ir.Local:
		return c.Local
	case ir.Const:
		return c.Constant
	}
	return nil
}
