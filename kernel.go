package simt

import (
	"fmt"
	"slices"
	"time"

	"github.com/tliron/commonlog"

	"github.com/LynnColeArt/simt/codecache"
	"github.com/LynnColeArt/simt/continuation"
	"github.com/LynnColeArt/simt/cta"
	"github.com/LynnColeArt/simt/executive"
	"github.com/LynnColeArt/simt/ir"
	"github.com/LynnColeArt/simt/layout"
	"github.com/LynnColeArt/simt/trace"
)

var log = commonlog.GetLogger("simt.kernel")

// LaunchStats accumulates scheduler statistics over one Launch.
type LaunchStats struct {
	CTAs            int
	LaunchWarps     int
	DrainIterations int
	DrainWarps      int
	Dispatches      int
	Switches        int
	JITRequests     int
	MaxDepth        int
	Elapsed         time.Duration
}

func (s *LaunchStats) add(c cta.Stats) {
	s.CTAs++
	s.LaunchWarps += c.LaunchWarps
	s.DrainIterations += c.DrainIterations
	s.DrainWarps += c.DrainWarps
	s.Dispatches += c.Dispatches
	s.Switches += c.Switches
	s.JITRequests += c.JITRequests
	s.MaxDepth = max(s.MaxDepth, c.MaxDepth)
}

// Kernel is an executable kernel: its laid-out IR, the memory of its
// parameter, shared and constant spaces, its code cache and the scheduler
// that runs its CTAs. A Kernel is not safe for concurrent use.
type Kernel struct {
	Name string

	ctx     *Context
	config  Config
	module  *ir.Module
	ir      *ir.Kernel
	layouts *layout.Layouts

	cache *codecache.Cache
	cta   *cta.CooperativeThreadArray

	blockDim     Dim3
	externShared int

	parameter *executive.Buffer
	shared    *executive.Buffer
	constant  *executive.Buffer
	arguments map[string][]byte
	opaque    *executive.Opaque

	trace generators
	stats LaunchStats
}

// generators forwards scheduler events to the kernel's trace generators.
type generators struct {
	list trace.Multi
}

func (g *generators) Initialize(k trace.Kernel) error { return g.list.Initialize(k) }
func (g *generators) Event(e trace.Event) error       { return g.list.Event(e) }
func (g *generators) Finish() error                   { return g.list.Finish() }

// NewKernel lays out kernel name of module m and prepares it for launch.
// The module's IR is not modified; translator receives sub-kernel ids and
// may consult Instructions and Layouts for the rewritten operands.
func (ctx *Context) NewKernel(m *ir.Module, name string, translator codecache.Translator) (*Kernel, error) {
	if m == nil || translator == nil {
		return nil, NewInvalidArgError("NewKernel", "module and translator are required")
	}
	src, ok := m.Kernels[name]
	if !ok {
		return nil, NewInvalidArgError("NewKernel", fmt.Sprintf("module %q has no kernel %q", m.Path, name))
	}
	k := cloneKernel(src)

	layouts, err := layout.Allocate(m, k, continuation.CallHeaderSize)
	if err != nil {
		return nil, classify("NewKernel", err)
	}

	kernel := &Kernel{
		Name:      name,
		ctx:       ctx,
		config:    ctx.config,
		module:    m,
		ir:        k,
		layouts:   layouts,
		blockDim:  Dim3{X: 1, Y: 1, Z: 1},
		arguments: make(map[string][]byte),
		opaque:    executive.NewOpaque(),
	}
	if err := kernel.checkLimits(); err != nil {
		return nil, err
	}
	kernel.opaque.Textures = layouts.Textures
	kernel.opaque.Instructions = k.Instructions
	kernel.parameter = executive.NewBuffer(layouts.Parameter.Size, MemoryAlignment)
	kernel.shared = executive.NewBuffer(layouts.Shared.Size, MemoryAlignment)
	kernel.constant = executive.NewBuffer(layouts.Constant.Size, MemoryAlignment)
	if err := kernel.UpdateConstantMemory(); err != nil {
		return nil, err
	}

	kernel.cache = codecache.New(translator)
	kernel.cta = cta.New(kernel.cache, cta.Options{
		WarpSize:           ctx.config.Executive.WarpSize,
		StackLimit:         ctx.config.Executive.StackLimit,
		StrictHints:        ctx.config.Executive.StrictHints,
		MaxDrainIterations: ctx.config.Executive.MaxDrainIterations,
		Trace:              &kernel.trace,
	})

	log.Infof("loaded kernel %s: parameter %d, shared %d, local %d, constant %d bytes, %d textures",
		name, layouts.Parameter.Size, layouts.Shared.Size, layouts.Local.Size, layouts.Constant.Size, len(layouts.Textures))
	if len(ctx.config.Optimizer.Passes) > 0 {
		log.Debugf("kernel %s: optimizer passes %v", name, ctx.config.Optimizer.Passes)
	}

	ctx.mu.Lock()
	ctx.kernels = append(ctx.kernels, kernel)
	ctx.mu.Unlock()
	return kernel, nil
}

func cloneKernel(k *ir.Kernel) *ir.Kernel {
	c := *k
	c.Parameters = slices.Clone(k.Parameters)
	c.Locals = slices.Clone(k.Locals)
	c.Instructions = slices.Clone(k.Instructions)
	return &c
}

func (k *Kernel) checkLimits() error {
	lim := k.config.Limits
	if size := k.layouts.Shared.Size + k.externShared; size > lim.MaxSharedMemory {
		return NewResourceError("SharedMemory",
			fmt.Sprintf("kernel %s needs %d bytes of shared memory, limit %d", k.Name, size, lim.MaxSharedMemory))
	}
	if size := k.layouts.Local.Size; size > lim.MaxLocalMemory {
		return NewResourceError("LocalMemory",
			fmt.Sprintf("kernel %s needs %d bytes of local memory per thread, limit %d", k.Name, size, lim.MaxLocalMemory))
	}
	if threads := k.blockDim.Size(); threads > lim.MaxThreadsPerBlock {
		return NewResourceError("BlockShape",
			fmt.Sprintf("block of %d threads exceeds limit %d", threads, lim.MaxThreadsPerBlock))
	}
	return nil
}

// Instructions returns the kernel's instructions with every memory operand
// rewritten to its address-space offset.
func (k *Kernel) Instructions() []ir.Instruction { return k.ir.Instructions }

// Layouts returns the kernel's address-space layouts.
func (k *Kernel) Layouts() *layout.Layouts { return k.layouts }

// Passes returns the optimizer passes the translator is asked to apply.
func (k *Kernel) Passes() []string { return k.config.Optimizer.Passes }

// BlockShape returns the current block dimensions.
func (k *Kernel) BlockShape() Dim3 { return k.blockDim }

// Stats returns the statistics of the most recent Launch.
func (k *Kernel) Stats() LaunchStats { return k.stats }

// Cache returns the kernel's code cache.
func (k *Kernel) Cache() *codecache.Cache { return k.cache }

// SetBlockShape sets the block dimensions used by the next Launch. Thread
// contexts and their local memory are reallocated only when the thread
// count changes.
func (k *Kernel) SetBlockShape(x, y, z int) error {
	if x < 1 || y < 1 || z < 1 {
		return NewInvalidArgError("SetBlockShape", fmt.Sprintf("invalid block %dx%dx%d", x, y, z))
	}
	old := k.blockDim
	k.blockDim = Dim3{X: x, Y: y, Z: z}
	if err := k.checkLimits(); err != nil {
		k.blockDim = old
		return err
	}
	if k.blockDim.Size() != old.Size() {
		log.Debugf("kernel %s: block %dx%dx%d, %d bytes of local memory", k.Name, x, y, z,
			k.blockDim.Size()*k.layouts.Local.Size)
	}
	return nil
}

// SetExternSharedMemory sets the size of the launch-sized shared region
// placed after the declared shared variables.
func (k *Kernel) SetExternSharedMemory(bytes int) error {
	if bytes < 0 {
		return NewInvalidArgError("SetExternSharedMemory", "size must not be negative")
	}
	old := k.externShared
	k.externShared = bytes
	if err := k.checkLimits(); err != nil {
		k.externShared = old
		return err
	}
	if k.shared.Resize(k.layouts.Shared.Size + bytes) {
		log.Debugf("kernel %s: shared memory resized to %d bytes (%d extern at %d)",
			k.Name, k.shared.Len(), bytes, k.layouts.Shared.ExternOffset)
	}
	return nil
}

// ExternSharedOffset returns the offset of the launch-sized shared region.
func (k *Kernel) ExternSharedOffset() int { return k.layouts.Shared.ExternOffset }

// SetParameter records the value of a kernel parameter. It takes effect
// with the next UpdateParameterMemory.
func (k *Kernel) SetParameter(name string, value []byte) error {
	a, ok := k.layouts.Parameter.Lookup(name)
	if !ok {
		return NewInvalidArgError("SetParameter", fmt.Sprintf("kernel %s has no parameter %q", k.Name, name))
	}
	if len(value) > a.Size {
		return NewInvalidArgError("SetParameter",
			fmt.Sprintf("parameter %q is %d bytes, value has %d", name, a.Size, len(value)))
	}
	k.arguments[name] = slices.Clone(value)
	return nil
}

// UpdateParameterMemory copies every recorded parameter value into
// parameter memory at its allocated offset.
func (k *Kernel) UpdateParameterMemory() error {
	mem := k.parameter.Bytes()
	clear(mem)
	for name, value := range k.arguments {
		a, _ := k.layouts.Parameter.Lookup(name)
		copy(mem[a.Offset:a.End()], value)
	}
	return nil
}

// UpdateConstantMemory copies the initializers of the module's constant
// variables into constant memory.
func (k *Kernel) UpdateConstantMemory() error {
	mem := k.constant.Bytes()
	for _, a := range k.layouts.Constant.Allocations {
		g, _ := k.module.Global(a.Name)
		if len(g.Init) > a.Size {
			return NewResourceError("UpdateConstantMemory",
				fmt.Sprintf("initializer of %q has %d bytes, variable %d", a.Name, len(g.Init), a.Size))
		}
		copy(mem[a.Offset:a.End()], g.Init)
	}
	return nil
}

// BindGlobal makes device memory visible to the kernel as the module
// variable name in global space.
func (k *Kernel) BindGlobal(name string, ptr DevicePtr) error {
	g, ok := k.module.Global(name)
	if !ok || g.Space != ir.Global {
		return NewInvalidArgError("BindGlobal", fmt.Sprintf("module has no global variable %q", name))
	}
	if ptr.IsNil() || ptr.Size() < g.Size {
		return NewInvalidArgError("BindGlobal",
			fmt.Sprintf("global %q needs %d bytes, pointer has %d", name, g.Size, ptr.Size()))
	}
	k.opaque.Globals[name] = ptr.Byte()
	return nil
}

// AddTraceGenerator registers a generator for the events of later launches.
func (k *Kernel) AddTraceGenerator(g trace.Generator) {
	k.trace.list = append(k.trace.list, g)
}

// ClearTraceGenerators removes every trace generator.
func (k *Kernel) ClearTraceGenerators() {
	k.trace.list = nil
}

// Launch runs a gridX by gridY grid of CTAs, one after another. The first
// error aborts the launch.
func (k *Kernel) Launch(gridX, gridY int) error {
	if gridX < 1 || gridY < 1 {
		return NewInvalidArgError("Launch", fmt.Sprintf("invalid grid %dx%d", gridX, gridY))
	}
	grid := Dim3{X: gridX, Y: gridY, Z: 1}
	start := time.Now()
	k.stats = LaunchStats{}

	err := k.cta.Setup(cta.Setup{
		GridDim:   grid,
		BlockDim:  k.blockDim,
		Parameter: k.parameter.Bytes(),
		Shared:    k.shared.Bytes(),
		Constant:  k.constant.Bytes(),
		LocalSize: k.layouts.Local.Size,
		Other:     k.opaque,
	})
	if err != nil {
		return NewInvalidArgError("Launch", err.Error())
	}

	if len(k.trace.list) > 0 {
		info := trace.NewKernel(k.Name,
			[3]int{grid.X, grid.Y, grid.Z},
			[3]int{k.blockDim.X, k.blockDim.Y, k.blockDim.Z},
			k.config.Executive.WarpSize)
		if err := k.trace.Initialize(info); err != nil {
			log.Warningf("trace: %s", err)
		}
		defer func() {
			if err := k.trace.Finish(); err != nil {
				log.Warningf("trace: %s", err)
			}
		}()
	}

	log.Infof("launching %s: grid %dx%d, block %dx%dx%d", k.Name, gridX, gridY, k.blockDim.X, k.blockDim.Y, k.blockDim.Z)
	for id := 0; id < grid.Size(); id++ {
		stats, err := k.cta.Execute(id)
		k.stats.add(stats)
		if err != nil {
			k.stats.Elapsed = time.Since(start)
			log.Errorf("kernel %s cta %d: %s", k.Name, id, err)
			return classify("Launch", err)
		}
	}
	k.stats.Elapsed = time.Since(start)
	log.Debugf("kernel %s: %d CTAs, %d dispatches in %s", k.Name, k.stats.CTAs, k.stats.Dispatches, k.stats.Elapsed)
	return nil
}

// Close releases the kernel's native code.
func (k *Kernel) Close() {
	k.cta.Release()
	k.cache.Close()
}
