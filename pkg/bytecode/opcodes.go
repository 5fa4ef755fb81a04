package bytecode

import "fmt"

// Opcode represents a compiled script instruction.
// Opcodes follow the engine's numbering so raw programs map one to one.
type Opcode byte

const (
	// ========================================================================
	// Stack copies and reservations (0x01-0x05)
	// ========================================================================

	OpCPDownSP Opcode = 0x01 // Copy top slots down into the stack: offset:i32 size:u16
	OpRSAdd    Opcode = 0x02 // Reserve one slot of the qualifier's type
	OpCPTopSP  Opcode = 0x03 // Copy slots from inside the stack to the top: offset:i32 size:u16
	OpConst    Opcode = 0x04 // Push a constant of the qualifier's type
	OpAction   Opcode = 0x05 // Call an engine routine: id:u16 argc:u8

	// ========================================================================
	// Logical and bitwise (0x06-0x0A)
	// ========================================================================

	OpLogAnd  Opcode = 0x06 // a && b
	OpLogOr   Opcode = 0x07 // a || b
	OpIncOr   Opcode = 0x08 // a | b
	OpExcOr   Opcode = 0x09 // a ^ b
	OpBoolAnd Opcode = 0x0A // a & b

	// ========================================================================
	// Comparison (0x0B-0x10)
	// ========================================================================

	OpEqual  Opcode = 0x0B // a == b; struct form carries size:u16
	OpNEqual Opcode = 0x0C // a != b; struct form carries size:u16
	OpGEq    Opcode = 0x0D
	OpGT     Opcode = 0x0E
	OpLT     Opcode = 0x0F
	OpLEq    Opcode = 0x10

	// ========================================================================
	// Shifts and arithmetic (0x11-0x1A)
	// ========================================================================

	OpShLeft   Opcode = 0x11
	OpShRight  Opcode = 0x12
	OpUShRight Opcode = 0x13
	OpAdd      Opcode = 0x14
	OpSub      Opcode = 0x15
	OpMul      Opcode = 0x16
	OpDiv      Opcode = 0x17
	OpMod      Opcode = 0x18
	OpNeg      Opcode = 0x19 // Unary minus
	OpComp     Opcode = 0x1A // Ones' complement

	// ========================================================================
	// Stack pointer and control flow (0x1B-0x25)
	// ========================================================================

	OpMovSP         Opcode = 0x1B // Drop slots: offset:i32 (negative byte count)
	OpStoreStateAll Opcode = 0x1C // Legacy closure capture: offset:i32
	OpJmp           Opcode = 0x1D // Unconditional jump: offset:i32
	OpJSR           Opcode = 0x1E // Call subroutine: offset:i32
	OpJZ            Opcode = 0x1F // Pop, jump if zero: offset:i32
	OpRetn          Opcode = 0x20 // Return from subroutine
	OpDestruct      Opcode = 0x21 // Keep a slice of the top slots: size:u16 offset:u16 keep:u16
	OpNot           Opcode = 0x22 // Logical not
	OpDecISP        Opcode = 0x23 // Decrement stack slot in place: offset:i32
	OpIncISP        Opcode = 0x24 // Increment stack slot in place: offset:i32
	OpJNZ           Opcode = 0x25 // Pop, jump if not zero: offset:i32

	// ========================================================================
	// Base pointer (globals) access (0x26-0x2B)
	// ========================================================================

	OpCPDownBP  Opcode = 0x26 // Copy top slots into the globals frame: offset:i32 size:u16
	OpCPTopBP   Opcode = 0x27 // Copy globals frame slots to the top: offset:i32 size:u16
	OpDecIBP    Opcode = 0x28 // Decrement global in place: offset:i32
	OpIncIBP    Opcode = 0x29 // Increment global in place: offset:i32
	OpSaveBP    Opcode = 0x2A // Freeze the globals frame
	OpRestoreBP Opcode = 0x2B

	// ========================================================================
	// Closures (0x2C-0x2D)
	// ========================================================================

	OpStoreState Opcode = 0x2C // Capture state for a deferred action: bp:u32 sp:u32
	OpNop        Opcode = 0x2D
)

// TypeCode is the qualifier byte following an opcode. For binary operators
// it names both operand types.
type TypeCode byte

const (
	TypeNone   TypeCode = 0x00
	TypeInt    TypeCode = 0x03
	TypeFloat  TypeCode = 0x04
	TypeString TypeCode = 0x05
	TypeObject TypeCode = 0x06

	// Engine structures occupy 0x10-0x19.
	TypeEffect       TypeCode = 0x10
	TypeEvent        TypeCode = 0x11
	TypeLocation     TypeCode = 0x12
	TypeTalent       TypeCode = 0x13
	TypeItemProperty TypeCode = 0x14
	TypeEngineLast   TypeCode = 0x19

	// Operand pairs.
	TypeII TypeCode = 0x20
	TypeFF TypeCode = 0x21
	TypeOO TypeCode = 0x22
	TypeSS TypeCode = 0x23
	TypeTT TypeCode = 0x24 // struct vs struct, size operand follows
	TypeIF TypeCode = 0x25
	TypeFI TypeCode = 0x26

	// Engine structure pairs occupy 0x30-0x39.
	TypeEngineEngine     TypeCode = 0x30
	TypeEngineEngineLast TypeCode = 0x39

	TypeVV TypeCode = 0x3A
	TypeVF TypeCode = 0x3B
	TypeFV TypeCode = 0x3C
)

// IsEngine reports whether t names a single engine structure.
func (t TypeCode) IsEngine() bool {
	return t >= TypeEffect && t <= TypeEngineLast
}

// IsEnginePair reports whether t names an engine structure operand pair.
func (t TypeCode) IsEnginePair() bool {
	return t >= TypeEngineEngine && t <= TypeEngineEngineLast
}

// String returns the qualifier suffix used in listings.
func (t TypeCode) String() string {
	switch t {
	case TypeNone:
		return ""
	case TypeInt:
		return "I"
	case TypeFloat:
		return "F"
	case TypeString:
		return "S"
	case TypeObject:
		return "O"
	case TypeII:
		return "II"
	case TypeFF:
		return "FF"
	case TypeOO:
		return "OO"
	case TypeSS:
		return "SS"
	case TypeTT:
		return "TT"
	case TypeIF:
		return "IF"
	case TypeFI:
		return "FI"
	case TypeVV:
		return "VV"
	case TypeVF:
		return "VF"
	case TypeFV:
		return "FV"
	}
	if t.IsEngine() {
		return fmt.Sprintf("E%d", byte(t-TypeEffect))
	}
	if t.IsEnginePair() {
		return fmt.Sprintf("E%dE%d", byte(t-TypeEngineEngine), byte(t-TypeEngineEngine))
	}
	return fmt.Sprintf("?%02X", byte(t))
}

// Class groups opcodes by how the analysis engines treat them.
type Class uint8

const (
	ClassOther Class = iota
	ClassStack
	ClassConst
	ClassCall
	ClassBinary
	ClassUnary
	ClassJump
	ClassReturn
	ClassGlobal
	ClassClosure
)

// OpcodeInfo provides metadata about each opcode for listings and validation.
type OpcodeInfo struct {
	Name  string // Mnemonic
	Class Class  // Dispatch group
	Len   int    // Encoded length in bytes; 0 = depends on the qualifier
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpCPDownSP: {"CPDOWNSP", ClassStack, 8},
	OpRSAdd:    {"RSADD", ClassStack, 2},
	OpCPTopSP:  {"CPTOPSP", ClassStack, 8},
	OpConst:    {"CONST", ClassConst, 0},
	OpAction:   {"ACTION", ClassCall, 5},

	OpLogAnd:  {"LOGAND", ClassBinary, 2},
	OpLogOr:   {"LOGOR", ClassBinary, 2},
	OpIncOr:   {"INCOR", ClassBinary, 2},
	OpExcOr:   {"EXCOR", ClassBinary, 2},
	OpBoolAnd: {"BOOLAND", ClassBinary, 2},

	OpEqual:  {"EQUAL", ClassBinary, 0},
	OpNEqual: {"NEQUAL", ClassBinary, 0},
	OpGEq:    {"GEQ", ClassBinary, 2},
	OpGT:     {"GT", ClassBinary, 2},
	OpLT:     {"LT", ClassBinary, 2},
	OpLEq:    {"LEQ", ClassBinary, 2},

	OpShLeft:   {"SHLEFT", ClassBinary, 2},
	OpShRight:  {"SHRIGHT", ClassBinary, 2},
	OpUShRight: {"USHRIGHT", ClassBinary, 2},
	OpAdd:      {"ADD", ClassBinary, 2},
	OpSub:      {"SUB", ClassBinary, 2},
	OpMul:      {"MUL", ClassBinary, 2},
	OpDiv:      {"DIV", ClassBinary, 2},
	OpMod:      {"MOD", ClassBinary, 2},
	OpNeg:      {"NEG", ClassUnary, 2},
	OpComp:     {"COMP", ClassUnary, 2},

	OpMovSP:         {"MOVSP", ClassStack, 6},
	OpStoreStateAll: {"STORESTATEALL", ClassClosure, 6},
	OpJmp:           {"JMP", ClassJump, 6},
	OpJSR:           {"JSR", ClassCall, 6},
	OpJZ:            {"JZ", ClassJump, 6},
	OpRetn:          {"RETN", ClassReturn, 2},
	OpDestruct:      {"DESTRUCT", ClassStack, 8},
	OpNot:           {"NOT", ClassUnary, 2},
	OpDecISP:        {"DECISP", ClassStack, 6},
	OpIncISP:        {"INCISP", ClassStack, 6},
	OpJNZ:           {"JNZ", ClassJump, 6},

	OpCPDownBP:  {"CPDOWNBP", ClassGlobal, 8},
	OpCPTopBP:   {"CPTOPBP", ClassGlobal, 8},
	OpDecIBP:    {"DECIBP", ClassGlobal, 6},
	OpIncIBP:    {"INCIBP", ClassGlobal, 6},
	OpSaveBP:    {"SAVEBP", ClassGlobal, 2},
	OpRestoreBP: {"RESTOREBP", ClassGlobal, 2},

	OpStoreState: {"STORESTATE", ClassClosure, 10},
	OpNop:        {"NOP", ClassOther, 2},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op)), Class: ClassOther, Len: 2}
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Class returns the dispatch group of an opcode.
func (op Opcode) Class() Class {
	return GetOpcodeInfo(op).Class
}

// Known reports whether op is a defined opcode.
func (op Opcode) Known() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// IsJump returns true for JMP, JZ and JNZ. JSR is a call, not a jump.
func (op Opcode) IsJump() bool {
	return op == OpJmp || op == OpJZ || op == OpJNZ
}

// IsConditional returns true for the popping jumps.
func (op Opcode) IsConditional() bool {
	return op == OpJZ || op == OpJNZ
}

// IsTransfer returns true if control never falls through to the next instruction.
func (op Opcode) IsTransfer() bool {
	return op == OpJmp || op == OpRetn
}

// AllOpcodes returns a slice of all defined opcodes.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
