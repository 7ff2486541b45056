// Package trace defines the events a CTA scheduler reports while it runs and
// the generators that consume them.
package trace

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies an event.
type Kind uint8

const (
	// CTABegin is reported once per CTA before any thread runs.
	CTABegin Kind = iota
	// Warp is reported after one warp has been dispatched and routed.
	Warp
	// CTAEnd is reported after the last thread of a CTA has finished.
	CTAEnd
	// Switch is reported when the drain loop selects a new function.
	Switch
)

func (k Kind) String() string {
	switch k {
	case CTABegin:
		return "cta-begin"
	case Warp:
		return "warp"
	case CTAEnd:
		return "cta-end"
	case Switch:
		return "switch"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Phase tells the launch sweep from the drain loop.
type Phase uint8

const (
	Launch Phase = iota
	Drain
)

func (p Phase) String() string {
	if p == Drain {
		return "drain"
	}
	return "launch"
}

// Kernel describes the launch a trace belongs to.
type Kernel struct {
	Session string `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint"`
	Grid    [3]int `cbor:"3,keyasint"`
	Block   [3]int `cbor:"4,keyasint"`
	Warp    int    `cbor:"5,keyasint"`
}

// NewKernel creates a kernel description under a fresh session id.
func NewKernel(name string, grid, block [3]int, warp int) Kernel {
	return Kernel{
		Session: uuid.New().String(),
		Name:    name,
		Grid:    grid,
		Block:   block,
		Warp:    warp,
	}
}

// Event is one scheduler observation. Pool counts are taken between warps,
// so Free+Reclaimed+Active+Queued always equals Total.
type Event struct {
	Kind      Kind   `cbor:"1,keyasint"`
	CTA       int    `cbor:"2,keyasint"`
	Phase     Phase  `cbor:"3,keyasint"`
	Function  uint32 `cbor:"4,keyasint"`
	Threads   []int  `cbor:"5,keyasint,omitempty"`
	Total     int    `cbor:"6,keyasint"`
	Free      int    `cbor:"7,keyasint"`
	Reclaimed int    `cbor:"8,keyasint"`
	Queued    int    `cbor:"9,keyasint"`
	Iteration int    `cbor:"10,keyasint"`
	Elapsed   int64  `cbor:"11,keyasint"`
	Active    int    `cbor:"12,keyasint"`
	Resident  bool   `cbor:"13,keyasint"`
}

// Balanced reports whether the pool counts account for every context.
func (e Event) Balanced() bool {
	return e.Free+e.Reclaimed+e.Active+e.Queued == e.Total
}

// Generator consumes a kernel's events. Initialize is called once per
// launch, Finish after the last CTA.
type Generator interface {
	Initialize(k Kernel) error
	Event(e Event) error
	Finish() error
}

// Recorder keeps events in memory.
type Recorder struct {
	Kernels []Kernel
	Events  []Event
}

func (r *Recorder) Initialize(k Kernel) error {
	r.Kernels = append(r.Kernels, k)
	return nil
}

func (r *Recorder) Event(e Event) error {
	r.Events = append(r.Events, e)
	return nil
}

func (r *Recorder) Finish() error { return nil }

// Filter returns the recorded events of kind k.
func (r *Recorder) Filter(k Kind) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans events out to several generators.
type Multi []Generator

func (m Multi) Initialize(k Kernel) error {
	var errs []error
	for _, g := range m {
		errs = append(errs, g.Initialize(k))
	}
	return errors.Join(errs...)
}

func (m Multi) Event(e Event) error {
	var errs []error
	for _, g := range m {
		errs = append(errs, g.Event(e))
	}
	return errors.Join(errs...)
}

func (m Multi) Finish() error {
	var errs []error
	for _, g := range m {
		errs = append(errs, g.Finish())
	}
	return errors.Join(errs...)
}
