// Package simt emulates a GPU's single-instruction-multiple-thread execution
// model on the CPU. A kernel is split into sub-kernels at barriers and calls;
// each sub-kernel is translated to a native Go function, and the threads of
// every cooperative thread array (CTA) are scheduled through those functions
// in warps.
//
// Example usage:
//
//	ctx, _ := simt.NewContext(simt.DefaultConfig())
//	defer ctx.Destroy()
//
//	k, _ := ctx.NewKernel(module, "reduce", translator)
//	k.SetBlockShape(256, 1, 1)
//	k.BindGlobal("out", out)
//	k.Launch(blocks, 1)
package simt

import (
	"runtime"
	"sync"

	"github.com/LynnColeArt/simt/executive"
)

// Dim3 represents 3D dimensions for grid and block configurations.
type Dim3 = executive.Dim3

// Device represents the compute device: the host CPU with its cores and the
// warp width chosen for it.
type Device struct {
	ID       int    // Unique device identifier
	Name     string // Human-readable device name
	NumCores int    // Number of CPU cores
	WarpSize int    // Threads issued per warp
	Features string // Detected SIMD extensions
}

// Context owns global memory and the kernels created from it. A Context
// should be destroyed when no longer needed.
type Context struct {
	device *Device
	memory *MemoryPool
	config Config

	mu      sync.Mutex
	kernels []*Kernel
}

// Global runtime state
var (
	defaultDevice  *Device
	defaultContext *Context
	initOnce       sync.Once
)

func init() {
	initOnce.Do(func() {
		defaultContext = newContext(DefaultConfig())
		defaultDevice = defaultContext.device
	})
}

// NewContext creates a context with the given configuration.
func NewContext(cfg Config) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newContext(cfg), nil
}

func newContext(cfg Config) *Context {
	return &Context{
		device: &Device{
			ID:       0,
			Name:     "CPU",
			NumCores: runtime.NumCPU(),
			WarpSize: cfg.Executive.WarpSize,
			Features: GetCPUInfo(),
		},
		memory: NewMemoryPool(),
		config: cfg,
	}
}

// Config returns the context configuration.
func (ctx *Context) Config() Config { return ctx.config }

// Device returns the device the context runs on.
func (ctx *Context) Device() *Device { return ctx.device }

// Destroy closes every kernel created from the context.
func (ctx *Context) Destroy() {
	ctx.mu.Lock()
	kernels := ctx.kernels
	ctx.kernels = nil
	ctx.mu.Unlock()
	for _, k := range kernels {
		k.Close()
	}
}

// Malloc allocates global memory from the default context.
//
// Example:
//
//	d_data, err := simt.Malloc(1024 * 4) // Allocate 1024 uint32s
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer simt.Free(d_data)
func Malloc(size int) (DevicePtr, error) {
	return defaultContext.Malloc(size)
}

// Free releases memory allocated by Malloc.
func Free(ptr DevicePtr) error {
	return defaultContext.Free(ptr)
}

// Memcpy copies memory between DevicePtrs and Go slices.
func Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	return defaultContext.Memcpy(dst, src, size, kind)
}

// GetDevice returns the current device information.
func GetDevice() *Device {
	return defaultDevice
}

// GetDeviceCount returns the number of available devices.
func GetDeviceCount() int {
	return 1 // Only CPU
}
