// Package ir holds the minimal kernel representation consumed by the memory
// layout allocator and the executable kernel.
//
// Building these values from the virtual instruction text is the parser's job
// and happens elsewhere; this package only describes the result.
package ir

import "fmt"

// AddressSpace identifies the memory region an instruction or variable uses.
type AddressSpace int

const (
	Generic AddressSpace = iota
	Param
	Shared
	Local
	Const
	Global
	Texture
)

// String returns the address space name as written in kernel source.
func (s AddressSpace) String() string {
	switch s {
	case Generic:
		return "generic"
	case Param:
		return "param"
	case Shared:
		return "shared"
	case Local:
		return "local"
	case Const:
		return "const"
	case Global:
		return "global"
	case Texture:
		return "tex"
	default:
		return fmt.Sprintf("space(%d)", int(s))
	}
}

// Opcode is the subset of operations the allocator needs to tell apart.
type Opcode int

const (
	Other Opcode = iota
	Mov
	Ld
	St
	Atom
	Tex
	Bar
	Call
	Ret
	Exit
)

var opcodeNames = map[Opcode]string{
	Other: "other",
	Mov:   "mov",
	Ld:    "ld",
	St:    "st",
	Atom:  "atom",
	Tex:   "tex",
	Bar:   "bar",
	Call:  "call",
	Ret:   "ret",
	Exit:  "exit",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// AddressesMemory reports whether operands of this opcode may name a variable
// that must be rewritten to an address-space offset.
func (o Opcode) AddressesMemory() bool {
	switch o {
	case Mov, Ld, St, Atom:
		return true
	}
	return false
}

// AddressMode describes how an operand is interpreted.
type AddressMode int

const (
	Invalid AddressMode = iota
	Register
	Immediate
	Address
	Label
)

// Operand is one instruction operand. An Address operand with a non-empty
// Identifier refers to a declared variable; after allocation Offset holds the
// byte offset relative to the base of the variable's address space and
// Resolved is set.
type Operand struct {
	Mode       AddressMode
	Identifier string
	Offset     int64
	Reg        uint32
	Imm        uint64
	Resolved   bool
}

// Instruction is a single kernel instruction.
type Instruction struct {
	Opcode Opcode
	Space  AddressSpace
	D      Operand
	A      Operand
	B      Operand
	C      Operand
}

// Operands returns pointers to the four operand slots in d, a, b, c order.
func (i *Instruction) Operands() [4]*Operand {
	return [4]*Operand{&i.D, &i.A, &i.B, &i.C}
}

func (i *Instruction) String() string {
	s := i.Opcode.String()
	if i.Space != Generic {
		s += "." + i.Space.String()
	}
	for _, op := range i.Operands() {
		switch op.Mode {
		case Address:
			if op.Identifier != "" {
				s += fmt.Sprintf(" [%s+%d]", op.Identifier, op.Offset)
			} else {
				s += fmt.Sprintf(" [%d]", op.Offset)
			}
		case Register:
			s += fmt.Sprintf(" %%r%d", op.Reg)
		case Immediate:
			s += fmt.Sprintf(" %d", op.Imm)
		case Label:
			s += " " + op.Identifier
		}
	}
	return s
}

// Variable is a declaration in one address space.
type Variable struct {
	Name      string
	Space     AddressSpace
	Size      int
	Alignment int

	// ElementSize is the byte width of the declared element type. It
	// contributes to the alignment of extern shared variables.
	ElementSize int

	// Extern marks a shared variable whose size is only known at launch.
	Extern bool

	// Init is the initial contents of a constant variable.
	Init []byte
}

// Align returns the effective alignment, treating zero as byte alignment.
func (v Variable) Align() int {
	if v.Alignment <= 0 {
		return 1
	}
	return v.Alignment
}

// Kernel is a single entry point with its parameters, kernel-scope
// declarations and instruction stream.
type Kernel struct {
	Name         string
	Parameters   []Variable
	Locals       []Variable
	Instructions []Instruction
}

// Module groups kernels with their module-scope declarations.
type Module struct {
	Path     string
	Globals  []Variable
	Textures []string
	Kernels  map[string]*Kernel
}

// Global returns the module-scope variable with the given name.
func (m *Module) Global(name string) (Variable, bool) {
	if m == nil {
		return Variable{}, false
	}
	for _, g := range m.Globals {
		if g.Name == name {
			return g, true
		}
	}
	return Variable{}, false
}

// HasTexture reports whether the module declares the named texture.
func (m *Module) HasTexture(name string) bool {
	if m == nil {
		return false
	}
	for _, t := range m.Textures {
		if t == name {
			return true
		}
	}
	return false
}
