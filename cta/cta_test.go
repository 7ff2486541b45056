package cta

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/LynnColeArt/simt/callstack"
	"github.com/LynnColeArt/simt/codecache"
	"github.com/LynnColeArt/simt/continuation"
	"github.com/LynnColeArt/simt/executive"
	"github.com/LynnColeArt/simt/trace"
)

// emit writes h into the thread's current frame and returns the hint a
// generated function would return.
func emit(ctx *executive.Context, h continuation.Header) uint32 {
	if err := continuation.Encode(ctx.Local, h); err != nil {
		panic(err)
	}
	return h.Next
}

func finish(ctx *executive.Context) uint32 { return emit(ctx, continuation.Done()) }

func newCTA(t *testing.T, table codecache.Table, opts Options, block executive.Dim3, shared []byte) *CooperativeThreadArray {
	t.Helper()
	c := New(codecache.New(table), opts)
	err := c.Setup(Setup{
		GridDim:   executive.Dim3{X: 1, Y: 1, Z: 1},
		BlockDim:  block,
		Shared:    shared,
		LocalSize: 32,
	})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return c
}

func line(n int) executive.Dim3 { return executive.Dim3{X: n, Y: 1, Z: 1} }

func warpSizes(events []trace.Event, phase trace.Phase) []int {
	var sizes []int
	for _, e := range events {
		if e.Kind == trace.Warp && e.Phase == phase {
			sizes = append(sizes, len(e.Threads))
		}
	}
	return sizes
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestImmediateFinish(t *testing.T) {
	rec := &trace.Recorder{}
	c := newCTA(t, codecache.Table{0: finish}, Options{WarpSize: 4, Trace: rec}, line(10), nil)

	stats, err := c.Execute(0)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := warpSizes(rec.Events, trace.Launch); !equalInts(got, []int{4, 4, 2}) {
		t.Errorf("launch warps = %v, want [4 4 2]", got)
	}
	if stats.DrainIterations != 0 {
		t.Errorf("DrainIterations = %d, want 0", stats.DrainIterations)
	}
	if stats.Reclaims != 10 {
		t.Errorf("Reclaims = %d, want 10", stats.Reclaims)
	}
	if len(c.free) != 10 || len(c.reclaimed) != 0 {
		t.Errorf("after shutdown free=%d reclaimed=%d, want 10 and 0", len(c.free), len(c.reclaimed))
	}

	// Reclaimed slots are reused by later launch warps, so only the first
	// warp draws from the free pool.
	end := rec.Filter(trace.CTAEnd)
	if len(end) != 1 || end[0].Free != 6 || end[0].Reclaimed != 4 {
		t.Errorf("CTAEnd = %+v, want 6 free and 4 reclaimed", end)
	}
}

func TestNormalCallThenFinish(t *testing.T) {
	rec := &trace.Recorder{}
	frames := 0
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 {
			return emit(ctx, continuation.Call(2, 64, 0))
		},
		2: func(ctx *executive.Context) uint32 {
			if len(ctx.Local) == 64 {
				frames++
			}
			return finish(ctx)
		},
	}
	c := newCTA(t, table, Options{WarpSize: 4, Trace: rec}, line(4), nil)

	stats, err := c.Execute(0)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if stats.DrainIterations != 1 {
		t.Errorf("DrainIterations = %d, want 1", stats.DrainIterations)
	}
	drain := rec.Filter(trace.Warp)[1:]
	if len(drain) != 1 || drain[0].Function != 2 || len(drain[0].Threads) != 4 {
		t.Fatalf("drain warps = %+v, want one warp of 4 in function 2", drain)
	}
	if drain[0].Free != 4 {
		t.Errorf("free after drain warp = %d, want 4", drain[0].Free)
	}
	if launch := rec.Filter(trace.Warp)[0]; launch.Free != 0 || launch.Queued != 4 {
		t.Errorf("after launch free=%d queued=%d, want 0 and 4", launch.Free, launch.Queued)
	}
	if frames != 4 {
		t.Errorf("%d callee frames had 64 bytes, want 4", frames)
	}
	if stats.MaxDepth != 2 {
		t.Errorf("MaxDepth = %d, want 2", stats.MaxDepth)
	}
}

func TestTailCallKeepsFrame(t *testing.T) {
	seen := 0
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 {
			ctx.Local[continuation.CallHeaderSize] = byte(ctx.ThreadID() + 1)
			return emit(ctx, continuation.Tail(1))
		},
		1: func(ctx *executive.Context) uint32 {
			if ctx.Local[continuation.CallHeaderSize] == byte(ctx.ThreadID()+1) {
				seen++
			}
			return finish(ctx)
		},
	}
	c := newCTA(t, table, Options{WarpSize: 2}, line(5), nil)
	stats, err := c.Execute(0)
	if err != nil {
		t.Fatal(err)
	}
	if seen != 5 {
		t.Errorf("%d threads kept their frame across the tail call, want 5", seen)
	}
	if stats.MaxDepth != 0 {
		t.Errorf("tail calls pushed frames: MaxDepth = %d", stats.MaxDepth)
	}
}

func TestCallAndReturn(t *testing.T) {
	const argOff = continuation.CallHeaderSize
	shared := make([]byte, 4*6)
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 {
			binary.NativeEndian.PutUint32(ctx.Local[argOff:], uint32(ctx.ThreadID()*10))
			ctx.Local[argOff+8] = 0x5A
			return emit(ctx, continuation.Call(1, 32, 4))
		},
		1: func(ctx *executive.Context) uint32 {
			arg := binary.NativeEndian.Uint32(ctx.Local[argOff:])
			binary.NativeEndian.PutUint32(ctx.Shared[4*ctx.ThreadID():], arg+1)
			return emit(ctx, continuation.Return(2))
		},
		2: func(ctx *executive.Context) uint32 {
			if len(ctx.Local) != 32 || ctx.Local[argOff+8] != 0x5A {
				binary.NativeEndian.PutUint32(ctx.Shared[4*ctx.ThreadID():], 0)
			}
			return finish(ctx)
		},
	}
	c := newCTA(t, table, Options{WarpSize: 4}, line(6), shared)
	if _, err := c.Execute(0); err != nil {
		t.Fatal(err)
	}
	for tid := 0; tid < 6; tid++ {
		if got := binary.NativeEndian.Uint32(shared[4*tid:]); got != uint32(tid*10+1) {
			t.Errorf("thread %d result = %d, want %d", tid, got, tid*10+1)
		}
	}
}

func TestReturnFromRoot(t *testing.T) {
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 { return emit(ctx, continuation.Return(1)) },
	}
	c := newCTA(t, table, Options{WarpSize: 4}, line(2), nil)
	if _, err := c.Execute(0); !errors.Is(err, callstack.ErrUnderflow) {
		t.Errorf("err = %v, want ErrUnderflow", err)
	}
}

func TestUnresolvedFunction(t *testing.T) {
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 { return emit(ctx, continuation.Tail(9)) },
	}
	c := newCTA(t, table, Options{WarpSize: 4}, line(4), nil)
	_, err := c.Execute(0)
	if !errors.Is(err, ErrUnresolvedFunction) {
		t.Fatalf("err = %v, want ErrUnresolvedFunction", err)
	}
	if !errors.Is(err, codecache.ErrTranslation) {
		t.Errorf("err = %v does not carry the translation failure", err)
	}
}

func TestMissingHeader(t *testing.T) {
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 { return 1 },
	}
	c := newCTA(t, table, Options{WarpSize: 4}, line(3), nil)
	if _, err := c.Execute(0); !errors.Is(err, continuation.ErrMissingHeader) {
		t.Errorf("err = %v, want ErrMissingHeader", err)
	}
}

func TestHintMismatch(t *testing.T) {
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 {
			emit(ctx, continuation.Done())
			return 3
		},
	}
	lenient := newCTA(t, table, Options{WarpSize: 4}, line(2), nil)
	if _, err := lenient.Execute(0); err != nil {
		t.Errorf("lenient hints: %v", err)
	}
	strict := newCTA(t, table, Options{WarpSize: 4, StrictHints: true}, line(2), nil)
	if _, err := strict.Execute(0); !errors.Is(err, ErrHintMismatch) {
		t.Errorf("strict hints: err = %v, want ErrHintMismatch", err)
	}
}

func TestLivelockGuard(t *testing.T) {
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 { return emit(ctx, continuation.Tail(0)) },
	}
	c := newCTA(t, table, Options{WarpSize: 4, MaxDrainIterations: 5}, line(4), nil)
	stats, err := c.Execute(0)
	if !errors.Is(err, ErrLivelock) {
		t.Fatalf("err = %v, want ErrLivelock", err)
	}
	if stats.DrainIterations != 5 {
		t.Errorf("DrainIterations = %d, want 5", stats.DrainIterations)
	}
}

func TestNextFunction(t *testing.T) {
	tests := []struct {
		name   string
		queues map[uint32]int
		guess  uint32
		want   uint32
	}{
		{"entry holds all", map[uint32]int{0: 3}, 4, 0},
		{"guess holds all", map[uint32]int{5: 3}, 5, 5},
		{"largest", map[uint32]int{1: 1, 4: 3, 7: 6}, 0, 7},
		{"tie goes to lowest id", map[uint32]int{1: 2, 2: 2, 3: 1}, 0, 1},
		{"early exit past half", map[uint32]int{1: 4, 2: 3, 3: 5}, 0, 1},
		{"guess not holding all", map[uint32]int{2: 1, 6: 4}, 2, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(codecache.New(codecache.Table{}), Options{WarpSize: 4})
			slot := 0
			for id, n := range tt.queues {
				for i := 0; i < n; i++ {
					c.queues[id] = append(c.queues[id], slot)
					slot++
				}
				c.queued += n
			}
			c.guess = tt.guess
			if got := c.nextFunction(); got != tt.want {
				t.Errorf("nextFunction = %d, want %d", got, tt.want)
			}
		})
	}
}

// Divergent threads take different paths through four functions; every
// observation keeps the pool balanced and every thread finishes exactly once.
func TestPoolBalanceUnderDivergence(t *testing.T) {
	const n = 37
	const argOff = continuation.CallHeaderSize
	shared := make([]byte, 4*n)
	count := func(ctx *executive.Context) {
		off := 4 * ctx.ThreadID()
		binary.NativeEndian.PutUint32(ctx.Shared[off:], binary.NativeEndian.Uint32(ctx.Shared[off:])+1)
	}
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 {
			switch ctx.ThreadID() % 3 {
			case 0:
				count(ctx)
				return finish(ctx)
			case 1:
				return emit(ctx, continuation.Tail(1))
			}
			binary.NativeEndian.PutUint32(ctx.Local[argOff:], uint32(ctx.ThreadID()))
			return emit(ctx, continuation.Call(2, 48, 4))
		},
		1: func(ctx *executive.Context) uint32 {
			count(ctx)
			return finish(ctx)
		},
		2: func(ctx *executive.Context) uint32 {
			if int(binary.NativeEndian.Uint32(ctx.Local[argOff:])) != ctx.ThreadID() {
				return finish(ctx)
			}
			return emit(ctx, continuation.Return(3))
		},
		3: func(ctx *executive.Context) uint32 {
			count(ctx)
			return finish(ctx)
		},
	}
	rec := &trace.Recorder{}
	c := newCTA(t, table, Options{WarpSize: 8, Trace: rec}, line(n), shared)

	for cta := 0; cta < 2; cta++ {
		clear(shared)
		if _, err := c.Execute(cta); err != nil {
			t.Fatalf("cta %d: %v", cta, err)
		}
		for tid := 0; tid < n; tid++ {
			if got := binary.NativeEndian.Uint32(shared[4*tid:]); got != 1 {
				t.Errorf("cta %d thread %d finished %d times", cta, tid, got)
			}
		}
	}
	for i, e := range rec.Events {
		if !e.Balanced() {
			t.Fatalf("event %d unbalanced: %+v", i, e)
		}
	}
	if len(c.free) != n {
		t.Errorf("free after shutdown = %d, want %d", len(c.free), n)
	}
}

func TestThreadAndBlockIndices(t *testing.T) {
	block := executive.Dim3{X: 4, Y: 2, Z: 2}
	seen := make(map[int]executive.Dim3)
	var blockIdx executive.Dim3
	table := codecache.Table{
		0: func(ctx *executive.Context) uint32 {
			seen[ctx.ThreadID()] = ctx.ThreadIdx
			blockIdx = ctx.BlockIdx
			return finish(ctx)
		},
	}
	c := New(codecache.New(table), Options{WarpSize: 4})
	if err := c.Setup(Setup{GridDim: executive.Dim3{X: 2, Y: 2, Z: 1}, BlockDim: block}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(3); err != nil {
		t.Fatal(err)
	}
	if len(seen) != block.Size() {
		t.Errorf("%d distinct thread ids, want %d", len(seen), block.Size())
	}
	if seen[13] != (executive.Dim3{X: 1, Y: 1, Z: 1}) {
		t.Errorf("thread 13 index = %+v, want {1 1 1}", seen[13])
	}
	if blockIdx != (executive.Dim3{X: 1, Y: 1}) {
		t.Errorf("BlockIdx = %+v, want {1 1 0}", blockIdx)
	}
}

func TestExecuteBeforeSetup(t *testing.T) {
	c := New(codecache.New(codecache.Table{}), Options{WarpSize: 4})
	if _, err := c.Execute(0); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}
