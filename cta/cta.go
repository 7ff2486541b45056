// Package cta schedules the logical threads of one cooperative thread array
// through a kernel's native sub-kernel functions.
//
// Threads are issued in warps. A warp is a batch of threads sent through the
// same native function one after another; after the batch returns, each
// thread's continuation header says which function it waits for next. The
// scheduler keeps one queue per function and repeatedly drains the queue its
// heuristic picks until no thread is left.
package cta

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tliron/commonlog"

	"github.com/LynnColeArt/simt/callstack"
	"github.com/LynnColeArt/simt/continuation"
	"github.com/LynnColeArt/simt/executive"
	"github.com/LynnColeArt/simt/trace"
)

var log = commonlog.GetLogger("simt.cta")

// EntryFunction is the id of a kernel's entry sub-kernel.
const EntryFunction uint32 = 0

var (
	// ErrUnresolvedFunction is returned when no native code can be produced
	// for a function id the scheduler must run.
	ErrUnresolvedFunction = errors.New("cta: unresolved function")

	// ErrHintMismatch is returned under strict hints when a native function's
	// return value differs from the next-function word it wrote.
	ErrHintMismatch = errors.New("cta: native hint does not match header")

	// ErrLivelock is returned when the drain loop exceeds its iteration limit.
	ErrLivelock = errors.New("cta: drain iteration limit exceeded")

	// ErrNotConfigured is returned by Execute before a successful Setup.
	ErrNotConfigured = errors.New("cta: not configured")
)

// CodeCache supplies native functions by id.
type CodeCache interface {
	Has(id uint32) bool
	Get(id uint32) (executive.NativeFunction, error)
}

// Options tune a scheduler.
type Options struct {
	WarpSize           int
	StackLimit         int
	StrictHints        bool
	MaxDrainIterations int
	Trace              trace.Generator
}

// Setup describes the CTAs a scheduler is about to run. The memory views are
// shared by every thread; LocalSize is the root frame of each thread.
type Setup struct {
	GridDim   executive.Dim3
	BlockDim  executive.Dim3
	Parameter []byte
	Shared    []byte
	Constant  []byte
	LocalSize int
	Other     *executive.Opaque
}

// Stats summarizes one Execute call.
type Stats struct {
	LaunchWarps     int
	DrainIterations int
	DrainWarps      int
	Dispatches      int
	Switches        int
	JITRequests     int
	Reclaims        int
	MaxDepth        int
	Elapsed         time.Duration
}

type slot struct {
	ctx   executive.Context
	stack *callstack.Stack
}

// CooperativeThreadArray owns the thread-slot pool of one kernel and runs
// CTAs on it one at a time. It is not safe for concurrent use.
type CooperativeThreadArray struct {
	cache CodeCache
	opts  Options

	setup Setup
	ready bool
	slots []slot

	free      []int
	reclaimed []int
	queues    map[uint32][]int
	queued    int
	active    int

	resident map[uint32]executive.NativeFunction
	current  uint32
	guess    uint32

	ctaID int
	start time.Time
	stats Stats
}

// New creates a scheduler drawing native code from cache.
func New(cache CodeCache, opts Options) *CooperativeThreadArray {
	if opts.WarpSize < 1 {
		opts.WarpSize = 1
	}
	return &CooperativeThreadArray{
		cache:    cache,
		opts:     opts,
		queues:   make(map[uint32][]int),
		resident: make(map[uint32]executive.NativeFunction),
	}
}

// Setup sizes the slot pool for s.BlockDim and points every context at the
// shared memory views. Slots are reallocated only when the thread count
// changes.
func (c *CooperativeThreadArray) Setup(s Setup) error {
	if s.GridDim.Size() <= 0 || s.BlockDim.Size() <= 0 {
		return fmt.Errorf("cta: invalid shape grid %+v block %+v", s.GridDim, s.BlockDim)
	}
	s.LocalSize = max(s.LocalSize, continuation.CallHeaderSize)
	if s.Other == nil {
		s.Other = executive.NewOpaque()
	}

	n := s.BlockDim.Size()
	if len(c.slots) != n {
		log.Debugf("allocating %d thread contexts", n)
		c.slots = make([]slot, n)
		for i := range c.slots {
			c.slots[i].stack = callstack.New(s.LocalSize, c.opts.StackLimit)
		}
	}
	for i := range c.slots {
		c.slots[i].ctx = executive.Context{
			GridDim:   s.GridDim,
			BlockDim:  s.BlockDim,
			Parameter: s.Parameter,
			Shared:    s.Shared,
			Constant:  s.Constant,
			Other:     s.Other,
		}
	}
	c.setup = s
	c.ready = true
	c.shutdown()
	return nil
}

// Threads returns the size of the slot pool.
func (c *CooperativeThreadArray) Threads() int { return len(c.slots) }

// Execute runs every thread of CTA ctaID to completion.
func (c *CooperativeThreadArray) Execute(ctaID int) (Stats, error) {
	if !c.ready {
		return Stats{}, ErrNotConfigured
	}
	c.ctaID = ctaID
	c.start = time.Now()
	c.stats = Stats{}
	defer c.shutdown()

	gx := c.setup.GridDim.X
	blockIdx := executive.Dim3{X: ctaID % gx, Y: ctaID / gx}
	for i := range c.slots {
		c.slots[i].ctx.BlockIdx = blockIdx
	}

	c.emit(trace.Event{Kind: trace.CTABegin})
	if err := c.launch(); err != nil {
		return c.finish(), err
	}
	if err := c.drain(); err != nil {
		return c.finish(), err
	}
	c.emit(trace.Event{Kind: trace.CTAEnd})
	return c.finish(), nil
}

func (c *CooperativeThreadArray) finish() Stats {
	c.stats.Elapsed = time.Since(c.start)
	return c.stats
}

// launch issues every thread of the CTA through the entry function in
// thread order. Threads finishing here are reclaimed and their slots
// reused by later launch warps.
func (c *CooperativeThreadArray) launch() error {
	fn, err := c.function(EntryFunction)
	if err != nil {
		return err
	}
	c.current = EntryFunction
	c.guess = EntryFunction

	n := len(c.slots)
	w := c.opts.WarpSize
	warp := make([]int, 0, w)
	for first := 0; first < n; first += w {
		warp = warp[:0]
		for t := first; t < min(first+w, n); t++ {
			s := c.acquire()
			sl := &c.slots[s]
			sl.ctx.ThreadIdx = c.setup.BlockDim.Unlinear(t)
			sl.stack.Reset(c.setup.LocalSize)
			continuation.Clear(sl.stack.LocalMemory())
			warp = append(warp, s)
		}
		c.stats.LaunchWarps++
		if err := c.issue(fn, EntryFunction, warp, trace.Launch); err != nil {
			return err
		}
	}
	return nil
}

// drain services the function queues until no thread is left.
func (c *CooperativeThreadArray) drain() error {
	for c.queued > 0 {
		if lim := c.opts.MaxDrainIterations; lim > 0 && c.stats.DrainIterations >= lim {
			return fmt.Errorf("%w: %d iterations, %d threads still queued", ErrLivelock, lim, c.queued)
		}
		c.stats.DrainIterations++

		id := c.nextFunction()
		queue := c.queues[id]
		delete(c.queues, id)

		resident := c.resident[id] != nil
		fn, err := c.function(id)
		if err != nil {
			return err
		}
		if id != c.current {
			c.stats.Switches++
			log.Debugf("cta %d: switching to function %d (%d threads)", c.ctaID, id, len(queue))
			c.emit(trace.Event{Kind: trace.Switch, Phase: trace.Drain, Function: id, Resident: resident})
			c.current = id
		}

		w := c.opts.WarpSize
		for first := 0; first < len(queue); first += w {
			warp := queue[first:min(first+w, len(queue))]
			c.queued -= len(warp)
			c.stats.DrainWarps++
			if err := c.issue(fn, id, warp, trace.Drain); err != nil {
				return err
			}
		}
	}
	return nil
}

// issue runs one warp through fn, then reads each thread's header and
// routes the thread.
func (c *CooperativeThreadArray) issue(fn executive.NativeFunction, id uint32, warp []int, phase trace.Phase) error {
	c.active += len(warp)
	hints := make([]uint32, len(warp))
	for i, s := range warp {
		sl := &c.slots[s]
		sl.ctx.Local = sl.stack.LocalMemory()
		hints[i] = fn(&sl.ctx)
		c.stats.Dispatches++
	}

	for i, s := range warp {
		if err := c.route(s, hints[i], phase); err != nil {
			return fmt.Errorf("cta %d thread %d in function %d: %w",
				c.ctaID, c.slots[s].ctx.ThreadID(), id, err)
		}
	}

	threads := make([]int, len(warp))
	for i, s := range warp {
		threads[i] = c.slots[s].ctx.ThreadID()
	}
	c.emit(trace.Event{Kind: trace.Warp, Phase: phase, Function: id, Threads: threads})
	return nil
}

// route consumes a dispatched thread's header, applies its stack effect and
// moves the thread to its next queue or out of the pool.
func (c *CooperativeThreadArray) route(s int, hint uint32, phase trace.Phase) error {
	sl := &c.slots[s]
	h, err := continuation.Consume(sl.stack.LocalMemory())
	if err != nil {
		return err
	}
	if hint != h.Next {
		if c.opts.StrictHints {
			return fmt.Errorf("%w: returned %#x, header %s", ErrHintMismatch, hint, h)
		}
		log.Warningf("cta %d thread %d: native hint %#x, header %s", c.ctaID, sl.ctx.ThreadID(), hint, h)
	}
	c.active--

	switch h.Kind {
	case continuation.Exit:
		if phase == trace.Launch {
			c.reclaimed = append(c.reclaimed, s)
			c.stats.Reclaims++
		} else {
			c.free = append(c.free, s)
		}
		return nil
	case continuation.TailCall:
	case continuation.NormalCall:
		frame, err := sl.stack.Call(int(h.CalleeSize), int(h.ArgSize))
		if err != nil {
			return err
		}
		continuation.Clear(frame)
		c.stats.MaxDepth = max(c.stats.MaxDepth, sl.stack.Depth())
	case continuation.ReturnCall:
		if _, err := sl.stack.Returned(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %d", continuation.ErrInvalidKind, uint32(h.Kind))
	}

	c.queues[h.Next] = append(c.queues[h.Next], s)
	c.queued++
	c.guess = h.Next
	return nil
}

// nextFunction picks the queue the drain loop services next. The entry
// function wins when it holds every live thread, then the function the last
// routed thread asked for. Otherwise the largest queue wins, lowest id on
// ties, scanning ids in order and stopping once the queues seen hold more
// than half the live threads.
func (c *CooperativeThreadArray) nextFunction() uint32 {
	live := c.queued
	if len(c.queues[EntryFunction]) == live {
		return EntryFunction
	}
	if len(c.queues[c.guess]) == live {
		return c.guess
	}

	ids := make([]uint32, 0, len(c.queues))
	for id, q := range c.queues {
		if len(q) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	best, most, seen := ids[0], 0, 0
	for _, id := range ids {
		n := len(c.queues[id])
		if n > most {
			best, most = id, n
		}
		seen += n
		if 2*seen > live {
			break
		}
	}
	return best
}

// function returns the resident native function for id, asking the code
// cache when it is not resident yet.
func (c *CooperativeThreadArray) function(id uint32) (executive.NativeFunction, error) {
	if fn := c.resident[id]; fn != nil {
		return fn, nil
	}
	c.stats.JITRequests++
	if !c.cache.Has(id) {
		log.Debugf("cta %d: requesting translation of function %d", c.ctaID, id)
	}
	fn, err := c.cache.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %w", ErrUnresolvedFunction, id, err)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w %d", ErrUnresolvedFunction, id)
	}
	c.resident[id] = fn
	return fn, nil
}

func (c *CooperativeThreadArray) acquire() int {
	if n := len(c.reclaimed); n > 0 {
		s := c.reclaimed[n-1]
		c.reclaimed = c.reclaimed[:n-1]
		return s
	}
	n := len(c.free)
	s := c.free[n-1]
	c.free = c.free[:n-1]
	return s
}

// shutdown returns every slot to the free pool, lowest slot on top.
func (c *CooperativeThreadArray) shutdown() {
	n := len(c.slots)
	c.free = c.free[:0]
	for s := n - 1; s >= 0; s-- {
		c.free = append(c.free, s)
	}
	c.reclaimed = c.reclaimed[:0]
	clear(c.queues)
	c.queued = 0
	c.active = 0
}

// Release drops the resident functions. The next Execute fetches them from
// the code cache again.
func (c *CooperativeThreadArray) Release() {
	clear(c.resident)
}

func (c *CooperativeThreadArray) emit(e trace.Event) {
	if c.opts.Trace == nil {
		return
	}
	e.CTA = c.ctaID
	e.Total = len(c.slots)
	e.Free = len(c.free)
	e.Reclaimed = len(c.reclaimed)
	e.Active = c.active
	e.Queued = c.queued
	e.Iteration = c.stats.DrainIterations
	e.Elapsed = time.Since(c.start).Nanoseconds()
	if err := c.opts.Trace.Event(e); err != nil {
		log.Warningf("trace: %s", err)
	}
}
