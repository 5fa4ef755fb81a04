package bytecode

import (
	"fmt"
	"sort"
)

// CodeStart is the position of the first instruction in a compiled program.
// The header ("NCS V1.0", a marker byte and the big-endian file size)
// occupies the bytes before it, and every jump is relative to positions
// counted from the start of the file.
const CodeStart = 13

// SlotSize is the width of one stack slot in bytes.
const SlotSize = 4

// Instruction is one decoded instruction. Only the operand fields that the
// opcode uses are populated.
type Instruction struct {
	Pos    int      `cbor:"1,keyasint"`           // Byte position in the program
	Op     Opcode   `cbor:"2,keyasint"`           // Opcode
	Type   TypeCode `cbor:"3,keyasint"`           // Qualifier
	Offset int32    `cbor:"4,keyasint,omitempty"` // Stack offset or relative jump
	Size   int16    `cbor:"5,keyasint,omitempty"` // Bytes copied, struct size, or DESTRUCT size
	Keep   int16    `cbor:"6,keyasint,omitempty"` // DESTRUCT kept bytes
	Int    int32    `cbor:"7,keyasint,omitempty"` // Integer or object constant
	Float  float32  `cbor:"8,keyasint,omitempty"` // Float constant
	Str    string   `cbor:"9,keyasint,omitempty"` // String constant
	Action uint16   `cbor:"10,keyasint,omitempty"`
	Argc   uint8    `cbor:"11,keyasint,omitempty"`
	BPSize int32    `cbor:"12,keyasint,omitempty"` // STORESTATE captured globals
	SPSize int32    `cbor:"13,keyasint,omitempty"` // STORESTATE captured locals
}

// Len returns the encoded length of the instruction in bytes.
func (in *Instruction) Len() int {
	switch in.Op {
	case OpConst:
		if in.Type == TypeString {
			return 4 + len(in.Str)
		}
		return 6
	case OpEqual, OpNEqual:
		if in.Type == TypeTT {
			return 4
		}
		return 2
	}
	return GetOpcodeInfo(in.Op).Len
}

// Next returns the position of the instruction that follows in memory.
func (in *Instruction) Next() int {
	return in.Pos + in.Len()
}

// Dest returns the absolute target of a jump or call.
func (in *Instruction) Dest() int {
	return in.Pos + int(in.Offset)
}

// Slots returns the number of stack slots named by the offset operand,
// for MOVSP and the copy instructions.
func (in *Instruction) Slots() int {
	o := int(in.Offset)
	if o < 0 {
		o = -o
	}
	return o / SlotSize
}

// SizeSlots returns the number of slots named by the size operand.
func (in *Instruction) SizeSlots() int {
	return int(in.Size) / SlotSize
}

// String returns the instruction in listing form.
func (in *Instruction) String() string {
	name := in.Op.String()
	if in.Op != OpStoreState {
		name += in.Type.String()
	}
	switch in.Op {
	case OpCPDownSP, OpCPTopSP, OpCPDownBP, OpCPTopBP:
		return fmt.Sprintf("%s %d, %d", name, in.Offset, in.Size)
	case OpConst:
		switch in.Type {
		case TypeFloat:
			return fmt.Sprintf("%s %g", name, in.Float)
		case TypeString:
			return fmt.Sprintf("%s %q", name, in.Str)
		default:
			return fmt.Sprintf("%s %d", name, in.Int)
		}
	case OpAction:
		return fmt.Sprintf("%s %d, %d", name, in.Action, in.Argc)
	case OpMovSP, OpDecISP, OpIncISP, OpDecIBP, OpIncIBP, OpStoreStateAll:
		return fmt.Sprintf("%s %d", name, in.Offset)
	case OpJmp, OpJSR, OpJZ, OpJNZ:
		return fmt.Sprintf("%s %04X", name, in.Dest())
	case OpDestruct:
		return fmt.Sprintf("%s %d, %d, %d", name, in.Size, in.Offset, in.Keep)
	case OpEqual, OpNEqual:
		if in.Type == TypeTT {
			return fmt.Sprintf("%s %d", name, in.Size)
		}
	case OpStoreState:
		return fmt.Sprintf("%s %d, %d", name, in.BPSize, in.SPSize)
	}
	return name
}

// Program is a decoded instruction sequence in position order.
type Program struct {
	Name         string        `cbor:"1,keyasint,omitempty"`
	Instructions []Instruction `cbor:"2,keyasint"`

	byPos map[int]int
}

// NewProgram creates a program from instructions ordered by position.
func NewProgram(name string, ins []Instruction) (*Program, error) {
	p := &Program{Name: name, Instructions: ins}
	if err := p.index(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Program) index() error {
	if !sort.SliceIsSorted(p.Instructions, func(i, j int) bool {
		return p.Instructions[i].Pos < p.Instructions[j].Pos
	}) {
		return fmt.Errorf("program %s: instructions out of order", p.Name)
	}
	p.byPos = make(map[int]int, len(p.Instructions))
	for i := range p.Instructions {
		in := &p.Instructions[i]
		if i > 0 && p.Instructions[i-1].Next() != in.Pos {
			return fmt.Errorf("program %s: gap before %04X", p.Name, in.Pos)
		}
		p.byPos[in.Pos] = i
	}
	return nil
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Instructions)
}

// At returns the instruction at index i.
func (p *Program) At(i int) *Instruction {
	return &p.Instructions[i]
}

// IndexOf returns the instruction index at byte position pos.
func (p *Program) IndexOf(pos int) (int, bool) {
	if p.byPos == nil {
		if err := p.index(); err != nil {
			return 0, false
		}
	}
	i, ok := p.byPos[pos]
	return i, ok
}

// End returns the position one past the last instruction.
func (p *Program) End() int {
	if len(p.Instructions) == 0 {
		return CodeStart
	}
	return p.Instructions[len(p.Instructions)-1].Next()
}
