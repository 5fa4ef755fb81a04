package bytecode

import (
	"fmt"
	"strings"
)

// Builder assembles a Program instruction by instruction. Jumps and calls
// name a label which is resolved when Build is called, so forward
// references need no patching by the caller.
type Builder struct {
	name   string
	ins    []Instruction
	pos    int
	labels map[string]int
	fixups []fixup
	errs   []string
}

type fixup struct {
	index int
	label string
}

// NewBuilder creates a builder whose first instruction sits at CodeStart.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		pos:    CodeStart,
		labels: make(map[string]int),
	}
}

// Pos returns the position the next instruction will occupy.
func (b *Builder) Pos() int {
	return b.pos
}

// Label binds name to the current position.
func (b *Builder) Label(name string) int {
	if _, dup := b.labels[name]; dup {
		b.errs = append(b.errs, fmt.Sprintf("label %q defined twice", name))
	}
	b.labels[name] = b.pos
	return b.pos
}

// Emit appends an instruction and returns its position.
func (b *Builder) Emit(in Instruction) int {
	in.Pos = b.pos
	b.ins = append(b.ins, in)
	b.pos += in.Len()
	return in.Pos
}

// RSAdd reserves one slot of type t.
func (b *Builder) RSAdd(t TypeCode) int {
	return b.Emit(Instruction{Op: OpRSAdd, Type: t})
}

// ConstInt pushes an integer constant.
func (b *Builder) ConstInt(v int32) int {
	return b.Emit(Instruction{Op: OpConst, Type: TypeInt, Int: v})
}

// ConstFloat pushes a float constant.
func (b *Builder) ConstFloat(v float32) int {
	return b.Emit(Instruction{Op: OpConst, Type: TypeFloat, Float: v})
}

// ConstString pushes a string constant.
func (b *Builder) ConstString(s string) int {
	return b.Emit(Instruction{Op: OpConst, Type: TypeString, Str: s})
}

// ConstObject pushes an object constant such as OBJECT_SELF (0).
func (b *Builder) ConstObject(v int32) int {
	return b.Emit(Instruction{Op: OpConst, Type: TypeObject, Int: v})
}

// CPDownSP copies size bytes from the top into the slots at offset.
func (b *Builder) CPDownSP(offset int32, size int16) int {
	return b.Emit(Instruction{Op: OpCPDownSP, Type: TypeNone, Offset: offset, Size: size})
}

// CPTopSP copies size bytes at offset to the top.
func (b *Builder) CPTopSP(offset int32, size int16) int {
	return b.Emit(Instruction{Op: OpCPTopSP, Type: TypeNone, Offset: offset, Size: size})
}

// CPDownBP copies size bytes from the top into the globals frame.
func (b *Builder) CPDownBP(offset int32, size int16) int {
	return b.Emit(Instruction{Op: OpCPDownBP, Type: TypeNone, Offset: offset, Size: size})
}

// CPTopBP copies size bytes of the globals frame to the top.
func (b *Builder) CPTopBP(offset int32, size int16) int {
	return b.Emit(Instruction{Op: OpCPTopBP, Type: TypeNone, Offset: offset, Size: size})
}

// MovSP drops -offset bytes from the top.
func (b *Builder) MovSP(offset int32) int {
	return b.Emit(Instruction{Op: OpMovSP, Type: TypeNone, Offset: offset})
}

// Action calls engine routine id with argc arguments.
func (b *Builder) Action(id uint16, argc uint8) int {
	return b.Emit(Instruction{Op: OpAction, Type: TypeNone, Action: id, Argc: argc})
}

// Binary emits a binary operator with an operand pair qualifier.
func (b *Builder) Binary(op Opcode, t TypeCode) int {
	return b.Emit(Instruction{Op: op, Type: t})
}

// Compare emits a struct-wise EQUAL or NEQUAL over size bytes per side.
func (b *Builder) Compare(op Opcode, size int16) int {
	return b.Emit(Instruction{Op: op, Type: TypeTT, Size: size})
}

// Unary emits NEG, COMP or NOT.
func (b *Builder) Unary(op Opcode, t TypeCode) int {
	return b.Emit(Instruction{Op: op, Type: t})
}

// Jump emits JMP, JZ, JNZ or JSR to label.
func (b *Builder) Jump(op Opcode, label string) int {
	b.fixups = append(b.fixups, fixup{index: len(b.ins), label: label})
	return b.Emit(Instruction{Op: op, Type: TypeNone})
}

// Retn returns from the current subroutine.
func (b *Builder) Retn() int {
	return b.Emit(Instruction{Op: OpRetn, Type: TypeNone})
}

// Destruct drops size bytes from the top, keeping keep bytes at offset.
func (b *Builder) Destruct(size, offset, keep int16) int {
	return b.Emit(Instruction{Op: OpDestruct, Type: TypeNone, Size: size, Offset: int32(offset), Keep: keep})
}

// IncISP increments the int at offset in place.
func (b *Builder) IncISP(offset int32) int {
	return b.Emit(Instruction{Op: OpIncISP, Type: TypeInt, Offset: offset})
}

// DecISP decrements the int at offset in place.
func (b *Builder) DecISP(offset int32) int {
	return b.Emit(Instruction{Op: OpDecISP, Type: TypeInt, Offset: offset})
}

// IncIBP increments the global int at offset in place.
func (b *Builder) IncIBP(offset int32) int {
	return b.Emit(Instruction{Op: OpIncIBP, Type: TypeInt, Offset: offset})
}

// DecIBP decrements the global int at offset in place.
func (b *Builder) DecIBP(offset int32) int {
	return b.Emit(Instruction{Op: OpDecIBP, Type: TypeInt, Offset: offset})
}

// SaveBP freezes the globals frame.
func (b *Builder) SaveBP() int {
	return b.Emit(Instruction{Op: OpSaveBP, Type: TypeNone})
}

// RestoreBP restores the previous globals frame.
func (b *Builder) RestoreBP() int {
	return b.Emit(Instruction{Op: OpRestoreBP, Type: TypeNone})
}

// StoreState captures state for the deferred action that follows.
func (b *Builder) StoreState(bp, sp int32) int {
	return b.Emit(Instruction{Op: OpStoreState, Type: TypeCode(0x10), BPSize: bp, SPSize: sp})
}

// Nop emits a no-op.
func (b *Builder) Nop() int {
	return b.Emit(Instruction{Op: OpNop, Type: TypeNone})
}

// Build resolves labels and returns the program.
func (b *Builder) Build() (*Program, error) {
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			b.errs = append(b.errs, fmt.Sprintf("undefined label %q", f.label))
			continue
		}
		in := &b.ins[f.index]
		in.Offset = int32(target - in.Pos)
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("build %s: %s", b.name, strings.Join(b.errs, "; "))
	}
	ins := make([]Instruction, len(b.ins))
	copy(ins, b.ins)
	return NewProgram(b.name, ins)
}

// MustBuild is like Build but panics on error. Intended for tests and fixtures.
func (b *Builder) MustBuild() *Program {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
