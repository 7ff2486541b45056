// Package layout assigns byte offsets to a kernel's parameter, shared, local
// and constant variables and rewrites every memory operand that names one of
// them to an address-space relative offset.
//
// Each space is laid out in a single pass in discovery order. Every variable
// is placed at the running offset padded up to its alignment.
package layout

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/LynnColeArt/simt/ir"
)

var log = commonlog.GetLogger("simt.layout")

var (
	// ErrUndeclared is returned when an instruction addresses a variable
	// that no address space declares.
	ErrUndeclared = errors.New("layout: undeclared variable")

	// ErrDuplicate is returned when a name is declared more than once in
	// the same scope.
	ErrDuplicate = errors.New("layout: duplicate declaration")
)

// Pad returns the number of bytes needed to bring offset up to a multiple of
// alignment. Alignments below one are treated as one.
func Pad(offset, alignment int) int {
	if alignment <= 1 {
		return 0
	}
	padding := alignment - offset%alignment
	if padding == alignment {
		return 0
	}
	return padding
}

// Allocation is the placement of one variable.
type Allocation struct {
	Name      string
	Offset    int
	Size      int
	Alignment int
}

// End returns the first byte past the allocation.
func (a Allocation) End() int { return a.Offset + a.Size }

// Layout is the result of allocating one address space.
type Layout struct {
	Space       ir.AddressSpace
	Allocations []Allocation

	// Reserved bytes at the start of the space that belong to no variable.
	Reserved int

	// Size is the declared size of the space including inserted padding
	// and the trailing alignment.
	Size int

	// Padding counts every byte inserted for alignment, trailing included.
	Padding int

	// Extern names the launch-sized shared variables. All of them alias
	// ExternOffset, which is Size once the trailing alignment is applied.
	Extern          []string
	ExternOffset    int
	ExternAlignment int

	index map[string]int
}

func newLayout(space ir.AddressSpace, reserved int) *Layout {
	return &Layout{
		Space:           space,
		Reserved:        reserved,
		Size:            reserved,
		ExternAlignment: 1,
		index:           make(map[string]int),
	}
}

// Lookup returns the allocation for a variable name.
func (l *Layout) Lookup(name string) (Allocation, bool) {
	if l == nil {
		return Allocation{}, false
	}
	i, ok := l.index[name]
	if !ok {
		return Allocation{}, false
	}
	return l.Allocations[i], true
}

// IsExtern reports whether name is a launch-sized shared variable.
func (l *Layout) IsExtern(name string) bool {
	if l == nil {
		return false
	}
	for _, e := range l.Extern {
		if e == name {
			return true
		}
	}
	return false
}

// Len returns the number of allocated variables.
func (l *Layout) Len() int { return len(l.Allocations) }

func (l *Layout) add(v ir.Variable) (Allocation, error) {
	if _, dup := l.index[v.Name]; dup {
		return Allocation{}, fmt.Errorf("%w: %s variable %q", ErrDuplicate, l.Space, v.Name)
	}
	l.align(v.Align())
	a := Allocation{
		Name:      v.Name,
		Offset:    l.Size,
		Size:      v.Size,
		Alignment: v.Align(),
	}
	l.index[v.Name] = len(l.Allocations)
	l.Allocations = append(l.Allocations, a)
	l.Size += v.Size
	log.Debugf("allocated %s variable %s from %d to %d", l.Space, v.Name, a.Offset, a.End())
	return a, nil
}

func (l *Layout) align(alignment int) {
	p := Pad(l.Size, alignment)
	l.Size += p
	l.Padding += p
}

// rewrite patches every unresolved address operand of a memory instruction
// that names a variable of this layout.
func (l *Layout) rewrite(k *ir.Kernel) {
	for i := range k.Instructions {
		inst := &k.Instructions[i]
		if !inst.Opcode.AddressesMemory() {
			continue
		}
		for _, op := range inst.Operands() {
			if op.Mode != ir.Address || op.Identifier == "" || op.Resolved {
				continue
			}
			a, ok := l.Lookup(op.Identifier)
			if !ok {
				continue
			}
			resolve(inst, op, l.Space, a.Offset)
		}
	}
}

func resolve(inst *ir.Instruction, op *ir.Operand, space ir.AddressSpace, offset int) {
	op.Offset += int64(offset)
	op.Resolved = true
	inst.Space = space
	log.Debugf("mapping %s label %s to %d in %q", space, op.Identifier, offset, inst.String())
}

// AllocateParameters lays out the kernel parameters in declaration order.
func AllocateParameters(k *ir.Kernel) (*Layout, error) {
	l := newLayout(ir.Param, 0)
	for _, p := range k.Parameters {
		if _, err := l.add(p); err != nil {
			return nil, err
		}
	}
	l.rewrite(k)
	log.Debugf("allocated %d bytes of parameter memory for %s", l.Size, k.Name)
	return l, nil
}

// AllocateShared lays out shared memory. Kernel-scope shared declarations
// come first in declaration order, followed by module-scope shared variables
// in the order instructions first reference them; unreferenced module
// variables get no space. Extern variables all alias the padded end of the
// declared region.
func AllocateShared(m *ir.Module, k *ir.Kernel) (*Layout, error) {
	l := newLayout(ir.Shared, 0)

	pending := make(map[string]ir.Variable)
	external := make(map[string]bool)
	addExtern := func(v ir.Variable) error {
		if external[v.Name] {
			return fmt.Errorf("%w: extern shared variable %q", ErrDuplicate, v.Name)
		}
		external[v.Name] = true
		l.Extern = append(l.Extern, v.Name)
		l.ExternAlignment = max(l.ExternAlignment, v.Align(), v.ElementSize)
		log.Debugf("found external shared variable %s", v.Name)
		return nil
	}

	if m != nil {
		for _, g := range m.Globals {
			if g.Space != ir.Shared {
				continue
			}
			if g.Extern {
				if err := addExtern(g); err != nil {
					return nil, err
				}
				continue
			}
			pending[g.Name] = g
		}
	}

	for _, v := range k.Locals {
		if v.Space != ir.Shared {
			continue
		}
		if v.Extern {
			if err := addExtern(v); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := l.add(v); err != nil {
			return nil, err
		}
	}

	// Kernel-scope declarations shadow module-scope ones.
	for name := range l.index {
		delete(pending, name)
	}

	var externOperands []*ir.Operand
	for i := range k.Instructions {
		inst := &k.Instructions[i]
		if !inst.Opcode.AddressesMemory() {
			continue
		}
		for _, op := range inst.Operands() {
			if op.Mode != ir.Address || op.Identifier == "" || op.Resolved {
				continue
			}
			if external[op.Identifier] {
				inst.Space = ir.Shared
				externOperands = append(externOperands, op)
				continue
			}
			if g, ok := pending[op.Identifier]; ok {
				delete(pending, op.Identifier)
				if _, err := l.add(g); err != nil {
					return nil, err
				}
			}
			if a, ok := l.Lookup(op.Identifier); ok {
				resolve(inst, op, ir.Shared, a.Offset)
			}
		}
	}

	l.align(l.ExternAlignment)
	l.ExternOffset = l.Size
	for _, op := range externOperands {
		op.Offset += int64(l.ExternOffset)
		op.Resolved = true
		log.Debugf("mapping external shared label %s to %d", op.Identifier, l.ExternOffset)
	}
	log.Debugf("allocated %d bytes of declared shared memory for %s", l.Size, k.Name)
	return l, nil
}

// AllocateLocal lays out per-thread local variables after reserved leading
// bytes, which hold the continuation header of the thread's root frame.
func AllocateLocal(k *ir.Kernel, reserved int) (*Layout, error) {
	l := newLayout(ir.Local, reserved)
	for _, v := range k.Locals {
		if v.Space != ir.Local {
			continue
		}
		if _, err := l.add(v); err != nil {
			return nil, err
		}
	}
	l.rewrite(k)
	log.Debugf("allocated %d bytes of local memory per thread for %s", l.Size, k.Name)
	return l, nil
}

// AllocateConstant lays out module-scope constant variables in declaration
// order.
func AllocateConstant(m *ir.Module, k *ir.Kernel) (*Layout, error) {
	l := newLayout(ir.Const, 0)
	if m != nil {
		for _, g := range m.Globals {
			if g.Space != ir.Const {
				continue
			}
			if _, err := l.add(g); err != nil {
				return nil, err
			}
		}
	}
	l.rewrite(k)
	log.Debugf("allocated %d bytes of constant memory", l.Size)
	return l, nil
}

// AllocateTextures assigns dense indices to the textures referenced by tex
// instructions in first-use order and stores the index in the A operand's
// register slot.
func AllocateTextures(m *ir.Module, k *ir.Kernel) ([]string, error) {
	var textures []string
	index := make(map[string]int)
	for i := range k.Instructions {
		inst := &k.Instructions[i]
		if inst.Opcode != ir.Tex {
			continue
		}
		name := inst.A.Identifier
		if !m.HasTexture(name) {
			return nil, fmt.Errorf("%w: texture %q in %q", ErrUndeclared, name, inst.String())
		}
		n, ok := index[name]
		if !ok {
			n = len(textures)
			index[name] = n
			textures = append(textures, name)
			log.Debugf("allocating texture %s to index %d", name, n)
		}
		inst.A.Reg = uint32(n)
		inst.A.Resolved = true
	}
	return textures, nil
}

// Layouts holds the result of allocating every address space of a kernel.
type Layouts struct {
	Parameter *Layout
	Shared    *Layout
	Local     *Layout
	Constant  *Layout
	Textures  []string
}

// Allocate lays out every address space of k and rewrites its operands.
// Any memory operand still naming an unknown variable afterwards is an
// error; module variables in global space are bound at launch and stay
// symbolic.
func Allocate(m *ir.Module, k *ir.Kernel, localReserved int) (*Layouts, error) {
	var (
		out Layouts
		err error
	)
	if out.Parameter, err = AllocateParameters(k); err != nil {
		return nil, err
	}
	if out.Shared, err = AllocateShared(m, k); err != nil {
		return nil, err
	}
	if out.Local, err = AllocateLocal(k, localReserved); err != nil {
		return nil, err
	}
	if out.Constant, err = AllocateConstant(m, k); err != nil {
		return nil, err
	}
	if out.Textures, err = AllocateTextures(m, k); err != nil {
		return nil, err
	}
	if err := out.checkSpaces(); err != nil {
		return nil, err
	}
	if err := validate(m, k); err != nil {
		return nil, err
	}
	return &out, nil
}

// checkSpaces rejects a name allocated in more than one address space.
func (ls *Layouts) checkSpaces() error {
	seen := make(map[string]ir.AddressSpace)
	for _, l := range []*Layout{ls.Parameter, ls.Shared, ls.Local, ls.Constant} {
		names := append([]string(nil), l.Extern...)
		for _, a := range l.Allocations {
			names = append(names, a.Name)
		}
		for _, name := range names {
			if other, ok := seen[name]; ok && other != l.Space {
				return fmt.Errorf("%w: %q is both %s and %s", ErrDuplicate, name, other, l.Space)
			}
			seen[name] = l.Space
		}
	}
	return nil
}

func validate(m *ir.Module, k *ir.Kernel) error {
	for i := range k.Instructions {
		inst := &k.Instructions[i]
		if !inst.Opcode.AddressesMemory() {
			continue
		}
		for _, op := range inst.Operands() {
			if op.Mode != ir.Address || op.Identifier == "" || op.Resolved {
				continue
			}
			if g, ok := m.Global(op.Identifier); ok && g.Space == ir.Global {
				continue
			}
			log.Errorf("instruction %q references undeclared variable %q", inst.String(), op.Identifier)
			return fmt.Errorf("%w: %q in %q", ErrUndeclared, op.Identifier, inst.String())
		}
	}
	return nil
}
