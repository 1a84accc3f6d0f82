package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble renders a chunk's code section as one instruction per
// line, for logs and debugging.
func Disassemble(c *Chunk) string {
	var b strings.Builder
	pos := 0
	for pos < len(c.Code) {
		op := Opcode(c.Code[pos])
		info := GetOpcodeInfo(op)
		fmt.Fprintf(&b, "%04x  %-12s", pos, info.Name)

		if pos+op.InstructionLen() > len(c.Code) {
			b.WriteString("  <truncated>\n")
			return b.String()
		}

		switch op {
		case OpConst:
			idx := binary.BigEndian.Uint16(c.Code[pos+1:])
			if int(idx) < len(c.Consts) {
				fmt.Fprintf(&b, "  #%d (%d)", idx, c.Consts[idx])
			} else {
				fmt.Fprintf(&b, "  #%d <bad index>", idx)
			}
		case OpLoadLocal, OpStoreLocal, OpLoadParam:
			fmt.Fprintf(&b, "  %d", c.Code[pos+1])
		case OpJump, OpJumpTrue, OpJumpFalse:
			delta := int16(binary.BigEndian.Uint16(c.Code[pos+1:]))
			fmt.Fprintf(&b, "  %+d -> %04x", delta, pos+3+int(delta))
		case OpMemData:
			off := binary.BigEndian.Uint16(c.Code[pos+1:])
			n := binary.BigEndian.Uint16(c.Code[pos+3:])
			fmt.Fprintf(&b, "  data[%d:%d]", off, int(off)+int(n))
		case OpHostCall:
			fmt.Fprintf(&b, "  id=%d", c.Code[pos+1])
		case OpCall:
			fmt.Fprintf(&b, "  chunk=%d", binary.BigEndian.Uint16(c.Code[pos+1:]))
		}
		b.WriteByte('\n')
		pos += op.InstructionLen()
	}
	return b.String()
}
