package bytecode

import "fmt"

// Opcode is a JVM instruction opcode.
type Opcode byte

const (
	// ========================================================================
	// Constants (0x00-0x14)
	// ========================================================================

	NOP         Opcode = 0x00
	ACONST_NULL Opcode = 0x01
	ICONST_M1   Opcode = 0x02
	ICONST_0    Opcode = 0x03
	ICONST_1    Opcode = 0x04
	ICONST_2    Opcode = 0x05
	ICONST_3    Opcode = 0x06
	ICONST_4    Opcode = 0x07
	ICONST_5    Opcode = 0x08
	LCONST_0    Opcode = 0x09
	LCONST_1    Opcode = 0x0a
	FCONST_0    Opcode = 0x0b
	FCONST_1    Opcode = 0x0c
	FCONST_2    Opcode = 0x0d
	DCONST_0    Opcode = 0x0e
	DCONST_1    Opcode = 0x0f
	BIPUSH      Opcode = 0x10
	SIPUSH      Opcode = 0x11
	LDC         Opcode = 0x12
	LDC_W       Opcode = 0x13
	LDC2_W      Opcode = 0x14

	// ========================================================================
	// Loads (0x15-0x35)
	// ========================================================================

	ILOAD   Opcode = 0x15
	LLOAD   Opcode = 0x16
	FLOAD   Opcode = 0x17
	DLOAD   Opcode = 0x18
	ALOAD   Opcode = 0x19
	ILOAD_0 Opcode = 0x1a // through ALOAD_3 (0x2d); decoded to the long forms
	ALOAD_3 Opcode = 0x2d
	IALOAD  Opcode = 0x2e
	LALOAD  Opcode = 0x2f
	FALOAD  Opcode = 0x30
	DALOAD  Opcode = 0x31
	AALOAD  Opcode = 0x32
	BALOAD  Opcode = 0x33
	CALOAD  Opcode = 0x34
	SALOAD  Opcode = 0x35

	// ========================================================================
	// Stores (0x36-0x56)
	// ========================================================================

	ISTORE   Opcode = 0x36
	LSTORE   Opcode = 0x37
	FSTORE   Opcode = 0x38
	DSTORE   Opcode = 0x39
	ASTORE   Opcode = 0x3a
	ISTORE_0 Opcode = 0x3b // through ASTORE_3 (0x4e); decoded to the long forms
	ASTORE_3 Opcode = 0x4e
	IASTORE  Opcode = 0x4f
	LASTORE  Opcode = 0x50
	FASTORE  Opcode = 0x51
	DASTORE  Opcode = 0x52
	AASTORE  Opcode = 0x53
	BASTORE  Opcode = 0x54
	CASTORE  Opcode = 0x55
	SASTORE  Opcode = 0x56

	// ========================================================================
	// Stack (0x57-0x5f)
	// ========================================================================

	POP     Opcode = 0x57
	POP2    Opcode = 0x58
	DUP     Opcode = 0x59
	DUP_X1  Opcode = 0x5a
	DUP_X2  Opcode = 0x5b
	DUP2    Opcode = 0x5c
	DUP2_X1 Opcode = 0x5d
	DUP2_X2 Opcode = 0x5e
	SWAP    Opcode = 0x5f

	// ========================================================================
	// Arithmetic and conversion (0x60-0x98)
	// ========================================================================

	IADD  Opcode = 0x60
	LADD  Opcode = 0x61
	FADD  Opcode = 0x62
	DADD  Opcode = 0x63
	ISUB  Opcode = 0x64
	LSUB  Opcode = 0x65
	FSUB  Opcode = 0x66
	DSUB  Opcode = 0x67
	IMUL  Opcode = 0x68
	LMUL  Opcode = 0x69
	FMUL  Opcode = 0x6a
	DMUL  Opcode = 0x6b
	IDIV  Opcode = 0x6c
	LDIV  Opcode = 0x6d
	FDIV  Opcode = 0x6e
	DDIV  Opcode = 0x6f
	IREM  Opcode = 0x70
	LREM  Opcode = 0x71
	FREM  Opcode = 0x72
	DREM  Opcode = 0x73
	INEG  Opcode = 0x74
	LNEG  Opcode = 0x75
	FNEG  Opcode = 0x76
	DNEG  Opcode = 0x77
	ISHL  Opcode = 0x78
	LSHL  Opcode = 0x79
	ISHR  Opcode = 0x7a
	LSHR  Opcode = 0x7b
	IUSHR Opcode = 0x7c
	LUSHR Opcode = 0x7d
	IAND  Opcode = 0x7e
	LAND  Opcode = 0x7f
	IOR   Opcode = 0x80
	LOR   Opcode = 0x81
	IXOR  Opcode = 0x82
	LXOR  Opcode = 0x83
	IINC  Opcode = 0x84
	I2L   Opcode = 0x85
	I2F   Opcode = 0x86
	I2D   Opcode = 0x87
	L2I   Opcode = 0x88
	L2F   Opcode = 0x89
	L2D   Opcode = 0x8a
	F2I   Opcode = 0x8b
	F2L   Opcode = 0x8c
	F2D   Opcode = 0x8d
	D2I   Opcode = 0x8e
	D2L   Opcode = 0x8f
	D2F   Opcode = 0x90
	I2B   Opcode = 0x91
	I2C   Opcode = 0x92
	I2S   Opcode = 0x93
	LCMP  Opcode = 0x94
	FCMPL Opcode = 0x95
	FCMPG Opcode = 0x96
	DCMPL Opcode = 0x97
	DCMPG Opcode = 0x98

	// ========================================================================
	// Control flow (0x99-0xb1)
	// ========================================================================

	IFEQ         Opcode = 0x99
	IFNE         Opcode = 0x9a
	IFLT         Opcode = 0x9b
	IFGE         Opcode = 0x9c
	IFGT         Opcode = 0x9d
	IFLE         Opcode = 0x9e
	IF_ICMPEQ    Opcode = 0x9f
	IF_ICMPNE    Opcode = 0xa0
	IF_ICMPLT    Opcode = 0xa1
	IF_ICMPGE    Opcode = 0xa2
	IF_ICMPGT    Opcode = 0xa3
	IF_ICMPLE    Opcode = 0xa4
	IF_ACMPEQ    Opcode = 0xa5
	IF_ACMPNE    Opcode = 0xa6
	GOTO         Opcode = 0xa7
	JSR          Opcode = 0xa8
	RET          Opcode = 0xa9
	TABLESWITCH  Opcode = 0xaa
	LOOKUPSWITCH Opcode = 0xab
	IRETURN      Opcode = 0xac
	LRETURN      Opcode = 0xad
	FRETURN      Opcode = 0xae
	DRETURN      Opcode = 0xaf
	ARETURN      Opcode = 0xb0
	RETURN       Opcode = 0xb1

	// ========================================================================
	// Objects and invocation (0xb2-0xc9)
	// ========================================================================

	GETSTATIC       Opcode = 0xb2
	PUTSTATIC       Opcode = 0xb3
	GETFIELD        Opcode = 0xb4
	PUTFIELD        Opcode = 0xb5
	INVOKEVIRTUAL   Opcode = 0xb6
	INVOKESPECIAL   Opcode = 0xb7
	INVOKESTATIC    Opcode = 0xb8
	INVOKEINTERFACE Opcode = 0xb9
	INVOKEDYNAMIC   Opcode = 0xba
	NEW             Opcode = 0xbb
	NEWARRAY        Opcode = 0xbc
	ANEWARRAY       Opcode = 0xbd
	ARRAYLENGTH     Opcode = 0xbe
	ATHROW          Opcode = 0xbf
	CHECKCAST       Opcode = 0xc0
	INSTANCEOF      Opcode = 0xc1
	MONITORENTER    Opcode = 0xc2
	MONITOREXIT     Opcode = 0xc3
	WIDE            Opcode = 0xc4
	MULTIANEWARRAY  Opcode = 0xc5
	IFNULL          Opcode = 0xc6
	IFNONNULL       Opcode = 0xc7
	GOTO_W          Opcode = 0xc8
	JSR_W           Opcode = 0xc9
)

// Format describes how an instruction's operands are encoded.
type Format uint8

const (
	FmtNone      Format = iota // no operands
	FmtVar                     // u1 local index (u2 under wide)
	FmtByte                    // s1 immediate
	FmtShort                   // s2 immediate
	FmtLdc                     // u1 constant pool index
	FmtConst                   // u2 constant pool index
	FmtBranch                  // s2 branch offset
	FmtBranchW                 // s4 branch offset
	FmtIinc                    // u1 index, s1 increment (u2/s2 under wide)
	FmtTable                   // tableswitch
	FmtLookup                  // lookupswitch
	FmtInterface               // u2 index, u1 count, u1 zero
	FmtDynamic                 // u2 index, u2 zero
	FmtMultiArray              // u2 index, u1 dimensions
	FmtWide                    // wide prefix
)

// OpcodeInfo provides metadata about each opcode.
// StackPop and StackPush count slots; -1 means the effect depends on the
// operand (invocations, field access, ldc, stack shuffles on wide values).
type OpcodeInfo struct {
	Name      string
	Format    Format
	StackPop  int
	StackPush int
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	NOP:         {"nop", FmtNone, 0, 0},
	ACONST_NULL: {"aconst_null", FmtNone, 0, 1},
	ICONST_M1:   {"iconst_m1", FmtNone, 0, 1},
	ICONST_0:    {"iconst_0", FmtNone, 0, 1},
	ICONST_1:    {"iconst_1", FmtNone, 0, 1},
	ICONST_2:    {"iconst_2", FmtNone, 0, 1},
	ICONST_3:    {"iconst_3", FmtNone, 0, 1},
	ICONST_4:    {"iconst_4", FmtNone, 0, 1},
	ICONST_5:    {"iconst_5", FmtNone, 0, 1},
	LCONST_0:    {"lconst_0", FmtNone, 0, 2},
	LCONST_1:    {"lconst_1", FmtNone, 0, 2},
	FCONST_0:    {"fconst_0", FmtNone, 0, 1},
	FCONST_1:    {"fconst_1", FmtNone, 0, 1},
	FCONST_2:    {"fconst_2", FmtNone, 0, 1},
	DCONST_0:    {"dconst_0", FmtNone, 0, 2},
	DCONST_1:    {"dconst_1", FmtNone, 0, 2},
	BIPUSH:      {"bipush", FmtByte, 0, 1},
	SIPUSH:      {"sipush", FmtShort, 0, 1},
	LDC:         {"ldc", FmtLdc, 0, 1},
	LDC_W:       {"ldc_w", FmtConst, 0, 1},
	LDC2_W:      {"ldc2_w", FmtConst, 0, 2},

	ILOAD:  {"iload", FmtVar, 0, 1},
	LLOAD:  {"lload", FmtVar, 0, 2},
	FLOAD:  {"fload", FmtVar, 0, 1},
	DLOAD:  {"dload", FmtVar, 0, 2},
	ALOAD:  {"aload", FmtVar, 0, 1},
	IALOAD: {"iaload", FmtNone, 2, 1},
	LALOAD: {"laload", FmtNone, 2, 2},
	FALOAD: {"faload", FmtNone, 2, 1},
	DALOAD: {"daload", FmtNone, 2, 2},
	AALOAD: {"aaload", FmtNone, 2, 1},
	BALOAD: {"baload", FmtNone, 2, 1},
	CALOAD: {"caload", FmtNone, 2, 1},
	SALOAD: {"saload", FmtNone, 2, 1},

	ISTORE:  {"istore", FmtVar, 1, 0},
	LSTORE:  {"lstore", FmtVar, 2, 0},
	FSTORE:  {"fstore", FmtVar, 1, 0},
	DSTORE:  {"dstore", FmtVar, 2, 0},
	ASTORE:  {"astore", FmtVar, 1, 0},
	IASTORE: {"iastore", FmtNone, 3, 0},
	LASTORE: {"lastore", FmtNone, 4, 0},
	FASTORE: {"fastore", FmtNone, 3, 0},
	DASTORE: {"dastore", FmtNone, 4, 0},
	AASTORE: {"aastore", FmtNone, 3, 0},
	BASTORE: {"bastore", FmtNone, 3, 0},
	CASTORE: {"castore", FmtNone, 3, 0},
	SASTORE: {"sastore", FmtNone, 3, 0},

	POP:     {"pop", FmtNone, 1, 0},
	POP2:    {"pop2", FmtNone, 2, 0},
	DUP:     {"dup", FmtNone, 1, 2},
	DUP_X1:  {"dup_x1", FmtNone, 2, 3},
	DUP_X2:  {"dup_x2", FmtNone, 3, 4},
	DUP2:    {"dup2", FmtNone, 2, 4},
	DUP2_X1: {"dup2_x1", FmtNone, 3, 5},
	DUP2_X2: {"dup2_x2", FmtNone, 4, 6},
	SWAP:    {"swap", FmtNone, 2, 2},

	IADD: {"iadd", FmtNone, 2, 1}, LADD: {"ladd", FmtNone, 4, 2},
	FADD: {"fadd", FmtNone, 2, 1}, DADD: {"dadd", FmtNone, 4, 2},
	ISUB: {"isub", FmtNone, 2, 1}, LSUB: {"lsub", FmtNone, 4, 2},
	FSUB: {"fsub", FmtNone, 2, 1}, DSUB: {"dsub", FmtNone, 4, 2},
	IMUL: {"imul", FmtNone, 2, 1}, LMUL: {"lmul", FmtNone, 4, 2},
	FMUL: {"fmul", FmtNone, 2, 1}, DMUL: {"dmul", FmtNone, 4, 2},
	IDIV: {"idiv", FmtNone, 2, 1}, LDIV: {"ldiv", FmtNone, 4, 2},
	FDIV: {"fdiv", FmtNone, 2, 1}, DDIV: {"ddiv", FmtNone, 4, 2},
	IREM: {"irem", FmtNone, 2, 1}, LREM: {"lrem", FmtNone, 4, 2},
	FREM: {"frem", FmtNone, 2, 1}, DREM: {"drem", FmtNone, 4, 2},
	INEG: {"ineg", FmtNone, 1, 1}, LNEG: {"lneg", FmtNone, 2, 2},
	FNEG: {"fneg", FmtNone, 1, 1}, DNEG: {"dneg", FmtNone, 2, 2},
	ISHL: {"ishl", FmtNone, 2, 1}, LSHL: {"lshl", FmtNone, 3, 2},
	ISHR: {"ishr", FmtNone, 2, 1}, LSHR: {"lshr", FmtNone, 3, 2},
	IUSHR: {"iushr", FmtNone, 2, 1}, LUSHR: {"lushr", FmtNone, 3, 2},
	IAND: {"iand", FmtNone, 2, 1}, LAND: {"land", FmtNone, 4, 2},
	IOR: {"ior", FmtNone, 2, 1}, LOR: {"lor", FmtNone, 4, 2},
	IXOR: {"ixor", FmtNone, 2, 1}, LXOR: {"lxor", FmtNone, 4, 2},
	IINC: {"iinc", FmtIinc, 0, 0},
	I2L:  {"i2l", FmtNone, 1, 2}, I2F: {"i2f", FmtNone, 1, 1}, I2D: {"i2d", FmtNone, 1, 2},
	L2I: {"l2i", FmtNone, 2, 1}, L2F: {"l2f", FmtNone, 2, 1}, L2D: {"l2d", FmtNone, 2, 2},
	F2I: {"f2i", FmtNone, 1, 1}, F2L: {"f2l", FmtNone, 1, 2}, F2D: {"f2d", FmtNone, 1, 2},
	D2I: {"d2i", FmtNone, 2, 1}, D2L: {"d2l", FmtNone, 2, 2}, D2F: {"d2f", FmtNone, 2, 1},
	I2B: {"i2b", FmtNone, 1, 1}, I2C: {"i2c", FmtNone, 1, 1}, I2S: {"i2s", FmtNone, 1, 1},
	LCMP:  {"lcmp", FmtNone, 4, 1},
	FCMPL: {"fcmpl", FmtNone, 2, 1}, FCMPG: {"fcmpg", FmtNone, 2, 1},
	DCMPL: {"dcmpl", FmtNone, 4, 1}, DCMPG: {"dcmpg", FmtNone, 4, 1},

	IFEQ: {"ifeq", FmtBranch, 1, 0}, IFNE: {"ifne", FmtBranch, 1, 0},
	IFLT: {"iflt", FmtBranch, 1, 0}, IFGE: {"ifge", FmtBranch, 1, 0},
	IFGT: {"ifgt", FmtBranch, 1, 0}, IFLE: {"ifle", FmtBranch, 1, 0},
	IF_ICMPEQ: {"if_icmpeq", FmtBranch, 2, 0}, IF_ICMPNE: {"if_icmpne", FmtBranch, 2, 0},
	IF_ICMPLT: {"if_icmplt", FmtBranch, 2, 0}, IF_ICMPGE: {"if_icmpge", FmtBranch, 2, 0},
	IF_ICMPGT: {"if_icmpgt", FmtBranch, 2, 0}, IF_ICMPLE: {"if_icmple", FmtBranch, 2, 0},
	IF_ACMPEQ: {"if_acmpeq", FmtBranch, 2, 0}, IF_ACMPNE: {"if_acmpne", FmtBranch, 2, 0},
	GOTO:         {"goto", FmtBranch, 0, 0},
	JSR:          {"jsr", FmtBranch, 0, 1},
	RET:          {"ret", FmtVar, 0, 0},
	TABLESWITCH:  {"tableswitch", FmtTable, 1, 0},
	LOOKUPSWITCH: {"lookupswitch", FmtLookup, 1, 0},
	IRETURN:      {"ireturn", FmtNone, 1, 0},
	LRETURN:      {"lreturn", FmtNone, 2, 0},
	FRETURN:      {"freturn", FmtNone, 1, 0},
	DRETURN:      {"dreturn", FmtNone, 2, 0},
	ARETURN:      {"areturn", FmtNone, 1, 0},
	RETURN:       {"return", FmtNone, 0, 0},

	GETSTATIC:       {"getstatic", FmtConst, -1, -1},
	PUTSTATIC:       {"putstatic", FmtConst, -1, -1},
	GETFIELD:        {"getfield", FmtConst, -1, -1},
	PUTFIELD:        {"putfield", FmtConst, -1, -1},
	INVOKEVIRTUAL:   {"invokevirtual", FmtConst, -1, -1},
	INVOKESPECIAL:   {"invokespecial", FmtConst, -1, -1},
	INVOKESTATIC:    {"invokestatic", FmtConst, -1, -1},
	INVOKEINTERFACE: {"invokeinterface", FmtInterface, -1, -1},
	INVOKEDYNAMIC:   {"invokedynamic", FmtDynamic, -1, -1},
	NEW:             {"new", FmtConst, 0, 1},
	NEWARRAY:        {"newarray", FmtByte, 1, 1},
	ANEWARRAY:       {"anewarray", FmtConst, 1, 1},
	ARRAYLENGTH:     {"arraylength", FmtNone, 1, 1},
	ATHROW:          {"athrow", FmtNone, 1, 0},
	CHECKCAST:       {"checkcast", FmtConst, 1, 1},
	INSTANCEOF:      {"instanceof", FmtConst, 1, 1},
	MONITORENTER:    {"monitorenter", FmtNone, 1, 0},
	MONITOREXIT:     {"monitorexit", FmtNone, 1, 0},
	WIDE:            {"wide", FmtWide, 0, 0},
	MULTIANEWARRAY:  {"multianewarray", FmtMultiArray, -1, 1},
	IFNULL:          {"ifnull", FmtBranch, 1, 0},
	IFNONNULL:       {"ifnonnull", FmtBranch, 1, 0},
	GOTO_W:          {"goto_w", FmtBranchW, 0, 0},
	JSR_W:           {"jsr_w", FmtBranchW, 0, 1},
}

// shortForms maps the implicit-index loads and stores onto their base
// opcode. ILOAD_0..ALOAD_3 and ISTORE_0..ASTORE_3 run in groups of four.
func shortForm(op Opcode) (base Opcode, index int, ok bool) {
	switch {
	case op >= ILOAD_0 && op <= ALOAD_3:
		d := int(op - ILOAD_0)
		return ILOAD + Opcode(d/4), d % 4, true
	case op >= ISTORE_0 && op <= ASTORE_3:
		d := int(op - ISTORE_0)
		return ISTORE + Opcode(d/4), d % 4, true
	}
	return 0, 0, false
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	if base, index, ok := shortForm(op); ok {
		info := opcodeInfoTable[base]
		info.Name = fmt.Sprintf("%s_%d", info.Name, index)
		info.Format = FmtNone
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the mnemonic.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined JVM opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	if !ok {
		_, _, ok = shortForm(op)
	}
	return ok
}

// IsJump reports whether op transfers control to a label operand.
func (op Opcode) IsJump() bool {
	f := GetOpcodeInfo(op).Format
	return f == FmtBranch || f == FmtBranchW
}

// IsConditional reports whether op is a two-way branch.
func (op Opcode) IsConditional() bool {
	return (op >= IFEQ && op <= IF_ACMPNE) || op == IFNULL || op == IFNONNULL
}

// IsReturn reports whether op returns from the method.
func (op Opcode) IsReturn() bool {
	return op >= IRETURN && op <= RETURN
}

// IsInvoke reports whether op is a method invocation.
func (op Opcode) IsInvoke() bool {
	return op >= INVOKEVIRTUAL && op <= INVOKEDYNAMIC
}

// EndsBlock reports whether execution never falls through op.
func (op Opcode) EndsBlock() bool {
	switch op {
	case GOTO, GOTO_W, RET, TABLESWITCH, LOOKUPSWITCH, ATHROW:
		return true
	}
	return op.IsReturn()
}

// IsLoad reports whether op reads a local variable.
func (op Opcode) IsLoad() bool { return op >= ILOAD && op <= ALOAD }

// IsStore reports whether op writes a local variable.
func (op Opcode) IsStore() bool { return op >= ISTORE && op <= ASTORE }

// invert returns the conditional branch with the opposite sense.
func invert(op Opcode) Opcode {
	switch op {
	case IFNULL:
		return IFNONNULL
	case IFNONNULL:
		return IFNULL
	}
	// IFEQ/IFNE, IFLT/IFGE ... pair up on odd/even boundaries.
	if (op-IFEQ)%2 == 0 {
		return op + 1
	}
	return op - 1
}

// AllOpcodes returns every defined opcode, short forms excluded.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}
