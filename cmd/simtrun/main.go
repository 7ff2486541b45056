// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command simtrun launches the built-in demonstration kernels on the SIMT
// emulator and reports scheduler statistics.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/LynnColeArt/simt"
	"github.com/LynnColeArt/simt/codecache"
	"github.com/LynnColeArt/simt/continuation"
	"github.com/LynnColeArt/simt/executive"
	"github.com/LynnColeArt/simt/ir"
	"github.com/LynnColeArt/simt/trace"
)

func main() {
	var (
		configFile = flag.String("config", "", "TOML configuration file")
		traceFile  = flag.String("trace", "", "Write a CBOR event trace to file (overrides [trace] output)")
		demo       = flag.String("demo", "all", "Demo to run: reduce, call or all")
		blocks     = flag.Int("blocks", 4, "Number of thread blocks")
		threads    = flag.Int("threads", 64, "Threads per block")
		verbose    = flag.Int("v", 0, "Log verbosity (0 = errors only)")
	)
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	cfg := simt.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = simt.LoadConfig(*configFile); err != nil {
			fatal(err)
		}
	}
	if *traceFile != "" {
		cfg.Trace.Output = *traceFile
	}

	ctx, err := simt.NewContext(cfg)
	if err != nil {
		fatal(err)
	}
	defer ctx.Destroy()

	dev := ctx.Device()
	fmt.Printf("=== SIMT emulator ===\n")
	fmt.Printf("Device: %s, %d cores, warp %d\n", dev.Name, dev.NumCores, dev.WarpSize)
	fmt.Printf("%s\n", dev.Features)

	var sink *trace.Writer
	if cfg.Trace.Output != "" {
		f, err := os.Create(cfg.Trace.Output)
		if err != nil {
			fatal(err)
		}
		sink = trace.NewWriter(f)
	}

	run := func(name string, fn func(*simt.Context, *trace.Writer, int, int) (*simt.Kernel, error)) {
		if *demo != "all" && *demo != name {
			return
		}
		start := time.Now()
		k, err := fn(ctx, sink, *blocks, *threads)
		if err != nil {
			fatal(err)
		}
		s := k.Stats()
		fmt.Printf("\n%s: %d CTAs in %v\n", name, s.CTAs, time.Since(start))
		fmt.Printf("  launch warps %d, drain iterations %d, drain warps %d\n", s.LaunchWarps, s.DrainIterations, s.DrainWarps)
		fmt.Printf("  dispatches %d, function switches %d, JIT requests %d, max depth %d\n",
			s.Dispatches, s.Switches, s.JITRequests, s.MaxDepth)
	}
	run("reduce", runReduce)
	run("call", runCall)

	if sink != nil {
		if err := sink.Finish(); err != nil {
			fatal(err)
		}
		fmt.Printf("\nTrace written to %s\n", cfg.Trace.Output)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "simtrun: %v\n", err)
	os.Exit(1)
}

// wrapGenerator keeps the shared trace file open across kernels.
type wrapGenerator struct{ w *trace.Writer }

func (g wrapGenerator) Initialize(k trace.Kernel) error { return g.w.Initialize(k) }
func (g wrapGenerator) Event(e trace.Event) error       { return g.w.Event(e) }
func (g wrapGenerator) Finish() error                   { return nil }

func attach(k *simt.Kernel, w *trace.Writer) {
	if w != nil {
		k.AddTraceGenerator(wrapGenerator{w})
	}
}

func memOp(op ir.Opcode, space ir.AddressSpace, name string) ir.Instruction {
	return ir.Instruction{
		Opcode: op,
		Space:  space,
		D:      ir.Operand{Mode: ir.Register, Reg: 1},
		A:      ir.Operand{Mode: ir.Address, Identifier: name},
	}
}

func yield(ctx *executive.Context, h continuation.Header) uint32 {
	if err := continuation.Encode(ctx.Local, h); err != nil {
		panic(err)
	}
	return h.Next
}

// runReduce sums each block's slice of the input through shared memory.
// The barrier between the store and the sum splits the kernel in two.
func runReduce(ctx *simt.Context, w *trace.Writer, blocks, threads int) (*simt.Kernel, error) {
	m := &ir.Module{
		Path: "demo",
		Globals: []ir.Variable{
			{Name: "in", Space: ir.Global, Size: 4 * blocks * threads, Alignment: 4},
			{Name: "out", Space: ir.Global, Size: 4 * blocks, Alignment: 4},
		},
		Kernels: map[string]*ir.Kernel{
			"reduce": {
				Name:   "reduce",
				Locals: []ir.Variable{{Name: "tile", Space: ir.Shared, Size: 4 * threads, Alignment: 4}},
				Instructions: []ir.Instruction{
					memOp(ir.Ld, ir.Global, "in"),
					memOp(ir.St, ir.Shared, "tile"),
					{Opcode: ir.Bar},
					memOp(ir.Ld, ir.Shared, "tile"),
					memOp(ir.St, ir.Global, "out"),
				},
			},
		},
	}

	var k *simt.Kernel
	translator := codecache.TranslatorFunc(func(id uint32) (executive.NativeFunction, error) {
		tile, _ := k.Layouts().Shared.Lookup("tile")
		switch id {
		case 0:
			return func(c *executive.Context) uint32 {
				n := c.BlockDim.Size()
				v := binary.NativeEndian.Uint32(c.GlobalMemory("in")[4*(c.BlockID()*n+c.ThreadID()):])
				binary.NativeEndian.PutUint32(c.Shared[tile.Offset+4*c.ThreadID():], v)
				return yield(c, continuation.Tail(1))
			}, nil
		case 1:
			return func(c *executive.Context) uint32 {
				if c.ThreadID() == 0 {
					var sum uint32
					for i := 0; i < c.BlockDim.Size(); i++ {
						sum += binary.NativeEndian.Uint32(c.Shared[tile.Offset+4*i:])
					}
					binary.NativeEndian.PutUint32(c.GlobalMemory("out")[4*c.BlockID():], sum)
				}
				return yield(c, continuation.Done())
			}, nil
		}
		return nil, fmt.Errorf("no sub-kernel %d", id)
	})

	k, err := ctx.NewKernel(m, "reduce", translator)
	if err != nil {
		return nil, err
	}
	attach(k, w)

	in, err := ctx.Malloc(4 * blocks * threads)
	if err != nil {
		return nil, err
	}
	defer ctx.Free(in)
	out, err := ctx.Malloc(4 * blocks)
	if err != nil {
		return nil, err
	}
	defer ctx.Free(out)
	for i := range in.Uint32() {
		in.Uint32()[i] = uint32(i)
	}
	if err := k.BindGlobal("in", in); err != nil {
		return nil, err
	}
	if err := k.BindGlobal("out", out); err != nil {
		return nil, err
	}
	if err := k.SetBlockShape(threads, 1, 1); err != nil {
		return nil, err
	}
	if err := k.Launch(blocks, 1); err != nil {
		return nil, err
	}

	for b, got := range out.Uint32()[:blocks] {
		first := uint32(b * threads)
		want := uint32(threads)*first + uint32(threads*(threads-1)/2)
		if got != want {
			return nil, fmt.Errorf("reduce: block %d sum %d, want %d", b, got, want)
		}
	}
	return k, nil
}

// runCall has every thread call a helper sub-kernel that squares its
// argument, then return to the caller and finish.
func runCall(ctx *simt.Context, w *trace.Writer, blocks, threads int) (*simt.Kernel, error) {
	const arg = continuation.CallHeaderSize
	n := blocks * threads
	m := &ir.Module{
		Path:    "demo",
		Globals: []ir.Variable{{Name: "out", Space: ir.Global, Size: 4 * n, Alignment: 4}},
		Kernels: map[string]*ir.Kernel{
			"square": {
				Name:         "square",
				Locals:       []ir.Variable{{Name: "x", Space: ir.Local, Size: 4, Alignment: 4}},
				Instructions: []ir.Instruction{memOp(ir.St, ir.Local, "x"), {Opcode: ir.Call}},
			},
		},
	}
	table := codecache.Table{
		0: func(c *executive.Context) uint32 {
			binary.NativeEndian.PutUint32(c.Local[arg:], uint32(c.BlockID()*c.BlockDim.Size()+c.ThreadID()))
			return yield(c, continuation.Call(1, 32, 4))
		},
		1: func(c *executive.Context) uint32 {
			x := binary.NativeEndian.Uint32(c.Local[arg:])
			binary.NativeEndian.PutUint32(c.GlobalMemory("out")[4*x:], x*x)
			return yield(c, continuation.Return(2))
		},
		2: func(c *executive.Context) uint32 {
			return yield(c, continuation.Done())
		},
	}

	k, err := ctx.NewKernel(m, "square", table)
	if err != nil {
		return nil, err
	}
	attach(k, w)
	out, err := ctx.Malloc(4 * n)
	if err != nil {
		return nil, err
	}
	defer ctx.Free(out)
	if err := k.BindGlobal("out", out); err != nil {
		return nil, err
	}
	if err := k.SetBlockShape(threads, 1, 1); err != nil {
		return nil, err
	}
	if err := k.Launch(blocks, 1); err != nil {
		return nil, err
	}
	for i, v := range out.Uint32()[:n] {
		if v != uint32(i*i) {
			return nil, fmt.Errorf("call: out[%d] = %d, want %d", i, v, i*i)
		}
	}
	return k, nil
}
