package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpPop  Opcode = 0x01 // Pop top of stack
	OpDup  Opcode = 0x02 // Duplicate top of stack
	OpSwap Opcode = 0x03 // Swap top two stack elements

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConst     Opcode = 0x10 // Push constant from pool: OpConst <index:u16>
	OpConstZero Opcode = 0x11 // Push 0
	OpConstOne  Opcode = 0x12 // Push 1

	// ========================================================================
	// Locals and parameters (0x20-0x2F)
	// ========================================================================

	OpLoadLocal  Opcode = 0x20 // Push local variable: OpLoadLocal <slot:u8>
	OpStoreLocal Opcode = 0x21 // Pop and store to local: OpStoreLocal <slot:u8>
	OpLoadParam  Opcode = 0x22 // Push parameter word: OpLoadParam <index:u8>

	// ========================================================================
	// Arithmetic (0x50-0x5F) — signed 64-bit
	// ========================================================================

	OpAdd Opcode = 0x50 // Pop two, push sum
	OpSub Opcode = 0x51 // Pop two, push a - b where b is TOS
	OpMul Opcode = 0x52 // Pop two, push product
	OpDiv Opcode = 0x53 // Pop two, push quotient; division by zero traps
	OpMod Opcode = 0x54 // Pop two, push remainder; division by zero traps
	OpNeg Opcode = 0x55 // Negate top of stack

	// ========================================================================
	// Comparison (0x60-0x6F) — push 1 or 0
	// ========================================================================

	OpEq Opcode = 0x60
	OpNe Opcode = 0x61
	OpLt Opcode = 0x62
	OpLe Opcode = 0x63
	OpGt Opcode = 0x64
	OpGe Opcode = 0x65

	// ========================================================================
	// Logical (0x68-0x6F) — zero is false, everything else true
	// ========================================================================

	OpNot Opcode = 0x68
	OpAnd Opcode = 0x69
	OpOr  Opcode = 0x6A

	// ========================================================================
	// Control flow (0x80-0x8F)
	// ========================================================================

	OpJump      Opcode = 0x80 // Unconditional jump: OpJump <offset:i16>
	OpJumpTrue  Opcode = 0x81 // Jump if top is nonzero: OpJumpTrue <offset:i16>
	OpJumpFalse Opcode = 0x82 // Jump if top is zero: OpJumpFalse <offset:i16>

	// ========================================================================
	// Linear memory (0x90-0x9F)
	// ========================================================================

	OpMemLoad8   Opcode = 0x90 // Pop addr, push byte at addr
	OpMemStore8  Opcode = 0x91 // Pop value then addr, store low byte at addr
	OpMemLoad64  Opcode = 0x92 // Pop addr, push big-endian word at addr
	OpMemStore64 Opcode = 0x93 // Pop value then addr, store big-endian word
	OpMemData    Opcode = 0x94 // Copy chunk data into memory: OpMemData <off:u16> <len:u16>; pops dst addr, pushes region
	OpMemSize    Opcode = 0x95 // Push current memory size in bytes

	// ========================================================================
	// Regions (0xA0-0xAF) — packed (offset, length) handles
	// ========================================================================

	OpRegion    Opcode = 0xA0 // Pop length then offset, push packed region
	OpRegionOff Opcode = 0xA1 // Pop region, push its offset
	OpRegionLen Opcode = 0xA2 // Pop region, push its length

	// ========================================================================
	// Host calls and intra-module calls (0xB0-0xCF)
	// ========================================================================

	OpHostCall Opcode = 0xB0 // Pop args region, push reply region: OpHostCall <id:u8>
	OpCall     Opcode = 0xC0 // Call module chunk: OpCall <chunk:u16>; pops args region, pushes result word

	// ========================================================================
	// Return (0xF0-0xFF)
	// ========================================================================

	OpReturn    Opcode = 0xF0 // Return top of stack (a result region)
	OpReturnNil Opcode = 0xF1 // Return the empty region
)

// OpcodeInfo provides metadata about each opcode for the disassembler
// and for validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // Values popped from stack
	StackPush  int    // Values pushed to stack
	OperandLen int    // Operand bytes following the opcode
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:  {"NOP", 0, 0, 0},
	OpPop:  {"POP", 1, 0, 0},
	OpDup:  {"DUP", 1, 2, 0},
	OpSwap: {"SWAP", 2, 2, 0},

	OpConst:     {"CONST", 0, 1, 2},
	OpConstZero: {"CONST_ZERO", 0, 1, 0},
	OpConstOne:  {"CONST_ONE", 0, 1, 0},

	OpLoadLocal:  {"LOAD_LOCAL", 0, 1, 1},
	OpStoreLocal: {"STORE_LOCAL", 1, 0, 1},
	OpLoadParam:  {"LOAD_PARAM", 0, 1, 1},

	OpAdd: {"ADD", 2, 1, 0},
	OpSub: {"SUB", 2, 1, 0},
	OpMul: {"MUL", 2, 1, 0},
	OpDiv: {"DIV", 2, 1, 0},
	OpMod: {"MOD", 2, 1, 0},
	OpNeg: {"NEG", 1, 1, 0},

	OpEq: {"EQ", 2, 1, 0},
	OpNe: {"NE", 2, 1, 0},
	OpLt: {"LT", 2, 1, 0},
	OpLe: {"LE", 2, 1, 0},
	OpGt: {"GT", 2, 1, 0},
	OpGe: {"GE", 2, 1, 0},

	OpNot: {"NOT", 1, 1, 0},
	OpAnd: {"AND", 2, 1, 0},
	OpOr:  {"OR", 2, 1, 0},

	OpJump:      {"JUMP", 0, 0, 2},
	OpJumpTrue:  {"JUMP_TRUE", 1, 0, 2},
	OpJumpFalse: {"JUMP_FALSE", 1, 0, 2},

	OpMemLoad8:   {"MEM_LOAD8", 1, 1, 0},
	OpMemStore8:  {"MEM_STORE8", 2, 0, 0},
	OpMemLoad64:  {"MEM_LOAD64", 1, 1, 0},
	OpMemStore64: {"MEM_STORE64", 2, 0, 0},
	OpMemData:    {"MEM_DATA", 1, 1, 4},
	OpMemSize:    {"MEM_SIZE", 0, 1, 0},

	OpRegion:    {"REGION", 2, 1, 0},
	OpRegionOff: {"REGION_OFF", 1, 1, 0},
	OpRegionLen: {"REGION_LEN", 1, 1, 0},

	OpHostCall: {"HOST_CALL", 1, 1, 1},
	OpCall:     {"CALL", 1, 1, 2},

	OpReturn:    {"RETURN", 1, 0, 0},
	OpReturnNil: {"RETURN_NIL", 0, 0, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode is a jump instruction.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpFalse
}

// IsReturn returns true if this opcode terminates execution.
func (op Opcode) IsReturn() bool {
	return op == OpReturn || op == OpReturnNil
}

// Known reports whether the opcode is defined. The VM traps on unknown
// opcodes rather than skipping them.
func (op Opcode) Known() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// AllOpcodes returns a slice of all defined opcodes.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}
