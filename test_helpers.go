package simt

import (
	"testing"

	"github.com/LynnColeArt/simt/codecache"
	"github.com/LynnColeArt/simt/ir"
)

// ContextOrFail creates a context and fails the test if unsuccessful
func ContextOrFail(t testing.TB, cfg Config) *Context {
	t.Helper()
	ctx, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("Failed to create context: %v", err)
	}
	t.Cleanup(ctx.Destroy)
	return ctx
}

// MallocOrFail allocates global memory and fails the test if unsuccessful
func MallocOrFail(t testing.TB, ctx *Context, size int) DevicePtr {
	t.Helper()
	ptr, err := ctx.Malloc(size)
	if err != nil {
		t.Fatalf("Failed to allocate %d bytes: %v", size, err)
	}
	return ptr
}

// NewKernelOrFail prepares a kernel and fails the test if unsuccessful
func NewKernelOrFail(t testing.TB, ctx *Context, m *ir.Module, name string, translator codecache.Translator) *Kernel {
	t.Helper()
	k, err := ctx.NewKernel(m, name, translator)
	if err != nil {
		t.Fatalf("NewKernel(%q) failed: %v", name, err)
	}
	return k
}

// LaunchOrFail launches a kernel and fails the test if unsuccessful
func LaunchOrFail(t testing.TB, k *Kernel, gridX, gridY int) {
	t.Helper()
	if err := k.Launch(gridX, gridY); err != nil {
		t.Fatalf("Kernel launch failed: %v", err)
	}
}
