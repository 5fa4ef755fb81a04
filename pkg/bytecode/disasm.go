package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the program.
func (p *Program) Disassemble() string {
	return p.DisassembleWithMarks(nil)
}

// DisassembleWithMarks returns a listing where positions present in marks
// are preceded by a label line, e.g. subroutine starts.
func (p *Program) DisassembleWithMarks(marks map[int]string) string {
	var sb strings.Builder

	if p.Name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", p.Name))
	}
	sb.WriteString(fmt.Sprintf("; %d instructions, %d bytes\n\n", len(p.Instructions), p.End()))

	for i := range p.Instructions {
		in := &p.Instructions[i]
		if m, ok := marks[in.Pos]; ok {
			sb.WriteString(fmt.Sprintf("%s:\n", m))
		}
		sb.WriteString(fmt.Sprintf("%04X  %s\n", in.Pos, in.String()))
	}
	return sb.String()
}
