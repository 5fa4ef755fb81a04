package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Header bytes of a compiled program.
var (
	FileMagic   = []byte("NCS V1.0")
	programMark = byte(0x42)
)

// Decode parses a compiled program image. All multi-byte operands are
// big-endian.
func Decode(name string, data []byte) (*Program, error) {
	if len(data) < CodeStart || !bytes.Equal(data[:len(FileMagic)], FileMagic) {
		return nil, fmt.Errorf("decode %s: not a compiled script", name)
	}
	if data[8] != programMark {
		return nil, fmt.Errorf("decode %s: bad program marker 0x%02X", name, data[8])
	}
	size := int(binary.BigEndian.Uint32(data[9:13]))
	if size > len(data) {
		return nil, fmt.Errorf("decode %s: truncated: header says %d bytes, have %d", name, size, len(data))
	}
	if size < CodeStart {
		size = len(data)
	}

	var ins []Instruction
	pos := CodeStart
	for pos < size {
		in, err := decodeOne(data[:size], pos)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ins = append(ins, in)
		pos += in.Len()
	}
	return NewProgram(name, ins)
}

func decodeOne(data []byte, pos int) (Instruction, error) {
	if pos+2 > len(data) {
		return Instruction{}, fmt.Errorf("truncated instruction at %04X", pos)
	}
	in := Instruction{Pos: pos, Op: Opcode(data[pos]), Type: TypeCode(data[pos+1])}
	if !in.Op.Known() {
		return in, fmt.Errorf("unknown opcode 0x%02X at %04X", data[pos], pos)
	}
	body := data[pos+2:]
	need := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("truncated %s at %04X", in.Op, pos)
		}
		return nil
	}

	switch in.Op {
	case OpCPDownSP, OpCPTopSP, OpCPDownBP, OpCPTopBP:
		if err := need(6); err != nil {
			return in, err
		}
		in.Offset = int32(binary.BigEndian.Uint32(body))
		in.Size = int16(binary.BigEndian.Uint16(body[4:]))
	case OpConst:
		switch in.Type {
		case TypeString:
			if err := need(2); err != nil {
				return in, err
			}
			n := int(binary.BigEndian.Uint16(body))
			if err := need(2 + n); err != nil {
				return in, err
			}
			in.Str = string(body[2 : 2+n])
		case TypeFloat:
			if err := need(4); err != nil {
				return in, err
			}
			in.Float = math.Float32frombits(binary.BigEndian.Uint32(body))
		default:
			if err := need(4); err != nil {
				return in, err
			}
			in.Int = int32(binary.BigEndian.Uint32(body))
		}
	case OpAction:
		if err := need(3); err != nil {
			return in, err
		}
		in.Action = binary.BigEndian.Uint16(body)
		in.Argc = body[2]
	case OpMovSP, OpJmp, OpJSR, OpJZ, OpJNZ, OpDecISP, OpIncISP, OpDecIBP, OpIncIBP, OpStoreStateAll:
		if err := need(4); err != nil {
			return in, err
		}
		in.Offset = int32(binary.BigEndian.Uint32(body))
	case OpDestruct:
		if err := need(6); err != nil {
			return in, err
		}
		in.Size = int16(binary.BigEndian.Uint16(body))
		in.Offset = int32(int16(binary.BigEndian.Uint16(body[2:])))
		in.Keep = int16(binary.BigEndian.Uint16(body[4:]))
	case OpEqual, OpNEqual:
		if in.Type == TypeTT {
			if err := need(2); err != nil {
				return in, err
			}
			in.Size = int16(binary.BigEndian.Uint16(body))
		}
	case OpStoreState:
		if err := need(8); err != nil {
			return in, err
		}
		in.BPSize = int32(binary.BigEndian.Uint32(body))
		in.SPSize = int32(binary.BigEndian.Uint32(body[4:]))
	}
	return in, nil
}

// Encode produces a compiled program image from p.
func Encode(p *Program) []byte {
	var buf bytes.Buffer
	buf.Write(FileMagic)
	buf.WriteByte(programMark)
	buf.Write(make([]byte, 4))

	for i := range p.Instructions {
		in := &p.Instructions[i]
		buf.WriteByte(byte(in.Op))
		buf.WriteByte(byte(in.Type))
		switch in.Op {
		case OpCPDownSP, OpCPTopSP, OpCPDownBP, OpCPTopBP:
			buf.Write(binary.BigEndian.AppendUint32(nil, uint32(in.Offset)))
			buf.Write(binary.BigEndian.AppendUint16(nil, uint16(in.Size)))
		case OpConst:
			switch in.Type {
			case TypeString:
				buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(in.Str))))
				buf.WriteString(in.Str)
			case TypeFloat:
				buf.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(in.Float)))
			default:
				buf.Write(binary.BigEndian.AppendUint32(nil, uint32(in.Int)))
			}
		case OpAction:
			buf.Write(binary.BigEndian.AppendUint16(nil, in.Action))
			buf.WriteByte(in.Argc)
		case OpMovSP, OpJmp, OpJSR, OpJZ, OpJNZ, OpDecISP, OpIncISP, OpDecIBP, OpIncIBP, OpStoreStateAll:
			buf.Write(binary.BigEndian.AppendUint32(nil, uint32(in.Offset)))
		case OpDestruct:
			buf.Write(binary.BigEndian.AppendUint16(nil, uint16(in.Size)))
			buf.Write(binary.BigEndian.AppendUint16(nil, uint16(int16(in.Offset))))
			buf.Write(binary.BigEndian.AppendUint16(nil, uint16(in.Keep)))
		case OpEqual, OpNEqual:
			if in.Type == TypeTT {
				buf.Write(binary.BigEndian.AppendUint16(nil, uint16(in.Size)))
			}
		case OpStoreState:
			buf.Write(binary.BigEndian.AppendUint32(nil, uint32(in.BPSize)))
			buf.Write(binary.BigEndian.AppendUint32(nil, uint32(in.SPSize)))
		}
	}

	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[9:13], uint32(len(out)))
	return out
}
