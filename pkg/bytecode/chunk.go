package bytecode

import (
	"encoding/binary"
	"fmt"
)

// ChunkVersion is the current chunk format version.
// Increment when making incompatible changes to the format.
const ChunkVersion uint16 = 1

// Chunk is one compiled function body: code, a word constant pool, a
// read-only data segment, and frame sizing. It is the unit of execution
// the VM runs; a module bundles chunks and names its entry points.
type Chunk struct {
	Version uint16

	// Code section
	Code []byte

	// Constant pool — 64-bit words referenced by OpConst
	Consts []int64

	// Read-only data segment referenced by OpMemData
	Data []byte

	// Frame sizing
	ParamCount uint8 // Number of parameter words
	LocalCount uint8 // Number of local variable slots
}

// NewChunk creates a new empty chunk with the current version.
func NewChunk() *Chunk {
	return &Chunk{
		Version: ChunkVersion,
		Code:    make([]byte, 0, 64),
	}
}

// AddConst adds a word constant to the pool and returns its index.
// If the constant already exists, returns the existing index.
func (c *Chunk) AddConst(v int64) uint16 {
	for i, w := range c.Consts {
		if w == v {
			return uint16(i)
		}
	}
	idx := uint16(len(c.Consts))
	c.Consts = append(c.Consts, v)
	return idx
}

// AddData appends bytes to the data segment and returns their offset.
func (c *Chunk) AddData(b []byte) (off uint16) {
	off = uint16(len(c.Data))
	c.Data = append(c.Data, b...)
	return off
}

// Emit appends a single-byte opcode to the code section.
func (c *Chunk) Emit(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Code = append(c.Code, operands...)
	return offset
}

// EmitConst emits an OpConst instruction for the given word, adding it
// to the pool if not already present.
func (c *Chunk) EmitConst(v int64) int {
	idx := c.AddConst(v)
	return c.EmitWithOperand(OpConst, byte(idx>>8), byte(idx))
}

// EmitData appends b to the data segment and emits the sequence that
// copies it into guest memory at the address on the stack, leaving a
// region handle. The common way to stage an encoded value for a host
// call.
func (c *Chunk) EmitData(b []byte) int {
	off := c.AddData(b)
	n := uint16(len(b))
	return c.EmitWithOperand(OpMemData, byte(off>>8), byte(off), byte(n>>8), byte(n))
}

// EmitJump emits a jump instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (c *Chunk) EmitJump(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op), 0xFF, 0xFF)
	return offset + 1
}

// PatchJump patches a jump instruction's offset to jump to the current position.
func (c *Chunk) PatchJump(placeholderOffset int) {
	jumpFrom := placeholderOffset + 2 // After the 2-byte offset
	delta := len(c.Code) - jumpFrom

	c.Code[placeholderOffset] = byte(delta >> 8)
	c.Code[placeholderOffset+1] = byte(delta)
}

// EmitLoop emits a backward jump to the given loop start.
func (c *Chunk) EmitLoop(loopStart int) {
	jumpFrom := len(c.Code) + 3 // After this instruction
	delta := loopStart - jumpFrom

	c.Code = append(c.Code, byte(OpJump))
	c.Code = append(c.Code, byte(delta>>8), byte(delta))
}

// CurrentOffset returns the current offset in the code section.
func (c *Chunk) CurrentOffset() int {
	return len(c.Code)
}

// Serialize encodes the chunk to bytes for embedding in a module.
// Format:
//
//	[version:2]
//	[code_len:4] [code:...]
//	[const_count:2] [consts: 8 bytes each]
//	[data_len:4] [data:...]
//	[param_count:1] [local_count:1]
func (c *Chunk) Serialize() []byte {
	buf := make([]byte, 0, 16+len(c.Code)+len(c.Consts)*8+len(c.Data))

	buf = binary.BigEndian.AppendUint16(buf, c.Version)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Code)))
	buf = append(buf, c.Code...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Consts)))
	for _, w := range c.Consts {
		buf = binary.BigEndian.AppendUint64(buf, uint64(w))
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Data)))
	buf = append(buf, c.Data...)

	buf = append(buf, c.ParamCount, c.LocalCount)
	return buf
}

// DeserializeChunk decodes a chunk from bytes.
func DeserializeChunk(data []byte) (*Chunk, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("bytecode: chunk too short: %d bytes", len(data))
	}
	c := &Chunk{Version: binary.BigEndian.Uint16(data[0:2])}
	if c.Version > ChunkVersion {
		return nil, fmt.Errorf("bytecode: chunk version %d is newer than supported version %d", c.Version, ChunkVersion)
	}
	pos := 2

	codeLen := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	if pos+int(codeLen) > len(data) {
		return nil, fmt.Errorf("bytecode: unexpected end of chunk reading code section")
	}
	c.Code = make([]byte, codeLen)
	copy(c.Code, data[pos:pos+int(codeLen)])
	pos += int(codeLen)

	if pos+2 > len(data) {
		return nil, fmt.Errorf("bytecode: unexpected end of chunk reading constant count")
	}
	constCount := binary.BigEndian.Uint16(data[pos:])
	pos += 2
	if pos+int(constCount)*8 > len(data) {
		return nil, fmt.Errorf("bytecode: unexpected end of chunk reading constants")
	}
	c.Consts = make([]int64, constCount)
	for i := range c.Consts {
		c.Consts[i] = int64(binary.BigEndian.Uint64(data[pos:]))
		pos += 8
	}

	if pos+4 > len(data) {
		return nil, fmt.Errorf("bytecode: unexpected end of chunk reading data length")
	}
	dataLen := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	if pos+int(dataLen) > len(data) {
		return nil, fmt.Errorf("bytecode: unexpected end of chunk reading data section")
	}
	c.Data = make([]byte, dataLen)
	copy(c.Data, data[pos:pos+int(dataLen)])
	pos += int(dataLen)

	if pos+2 > len(data) {
		return nil, fmt.Errorf("bytecode: unexpected end of chunk reading frame sizes")
	}
	c.ParamCount = data[pos]
	c.LocalCount = data[pos+1]
	return c, nil
}

// Validate walks the code section checking that every opcode is known
// and every operand is complete. It does not prove stack discipline;
// the VM still guards at runtime.
func (c *Chunk) Validate() error {
	pos := 0
	for pos < len(c.Code) {
		op := Opcode(c.Code[pos])
		if !op.Known() {
			return fmt.Errorf("bytecode: unknown opcode 0x%02x at %d", byte(op), pos)
		}
		if pos+op.InstructionLen() > len(c.Code) {
			return fmt.Errorf("bytecode: truncated %s operand at %d", op, pos)
		}
		if op == OpConst {
			idx := binary.BigEndian.Uint16(c.Code[pos+1:])
			if int(idx) >= len(c.Consts) {
				return fmt.Errorf("bytecode: constant index %d out of range at %d", idx, pos)
			}
		}
		if op == OpMemData {
			off := binary.BigEndian.Uint16(c.Code[pos+1:])
			n := binary.BigEndian.Uint16(c.Code[pos+3:])
			if int(off)+int(n) > len(c.Data) {
				return fmt.Errorf("bytecode: data segment reference [%d,%d) out of range at %d", off, int(off)+int(n), pos)
			}
		}
		pos += op.InstructionLen()
	}
	return nil
}
