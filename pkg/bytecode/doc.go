// Package bytecode models compiled scripts for the engine's stack machine.
//
// Every stack slot is four bytes wide. Vectors take three consecutive float
// slots and structures take one slot per member. Instructions carry an
// opcode, a qualifier byte naming operand types, and fixed-width big-endian
// operands.
//
// # Components
//
//   - Opcodes: the instruction set with per-opcode metadata (mnemonic,
//     dispatch class, encoded length).
//
//   - Instruction and Program: decoded instructions addressed both by index
//     and by byte position. Jumps are relative to the jump's own position.
//
//   - Builder: assembles programs with symbolic labels. Used by tests and
//     fixtures to write scripts by hand.
//
//   - Decode / Encode: the compiled file image ("NCS V1.0" header).
//
//   - MarshalProgram / UnmarshalProgram: canonical CBOR for caching.
//
// # Calling Convention
//
// A caller reserves return slots with RSADD, pushes arguments last to
// first (so the first argument ends up on top) and issues JSR. The callee
// pops its own parameters with MOVSP before RETN. Engine routines (ACTION)
// follow the same argument order; arguments of action type are captured
// by STORESTATE and occupy no slots.
package bytecode
