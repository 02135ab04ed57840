package bytecode

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// supers is a fixed class hierarchy for frame merging.
type supers map[string]string

func (s supers) SuperName(class string) (string, bool) {
	super, ok := s[class]
	return super, ok
}

var jdk = supers{
	"java/lang/String":    "java/lang/Object",
	"java/lang/Integer":   "java/lang/Number",
	"java/lang/Number":    "java/lang/Object",
	"java/lang/Exception": "java/lang/Throwable",
	"java/lang/Throwable": "java/lang/Object",
}

type codeAttr struct {
	maxStack  int
	maxLocals int
	body      []byte
	handlers  [][4]int
	attrs     map[string][]byte
}

func parseCodeAttr(t *testing.T, pool *classfile.ConstantPool, data []byte) codeAttr {
	t.Helper()
	c := &cursor{data: data}
	out := codeAttr{maxStack: c.u2(), maxLocals: c.u2(), attrs: map[string][]byte{}}
	out.body = c.bytes(int(c.s4()))
	for n := c.u2(); n > 0; n-- {
		out.handlers = append(out.handlers, [4]int{c.u2(), c.u2(), c.u2(), c.u2()})
	}
	for n := c.u2(); n > 0; n-- {
		name, err := pool.Utf8(uint16(c.u2()))
		require.NoError(t, err)
		out.attrs[name] = c.bytes(int(c.s4()))
	}
	require.NoError(t, c.err)
	require.Equal(t, len(data), c.pos, "code attribute fully consumed")
	return out
}

func newMethod(t *testing.T, access uint16, name, desc string) (*classfile.Class, *classfile.Member, *Emitter) {
	t.Helper()
	cls := classfile.New(classfile.Java7, classfile.AccPublic|classfile.AccSuper, "t/C", "java/lang/Object")
	m := cls.AddMethod(access, name, desc)
	code, err := NewCode(access, desc)
	require.NoError(t, err)
	return cls, m, NewEmitter(cls.Pool, code)
}

func encode(t *testing.T, cls *classfile.Class, m *classfile.Member, e *Emitter, mode Mode, h Hierarchy) codeAttr {
	t.Helper()
	e.Code.Insns = e.Take()
	attr, err := e.Code.Encode(cls, m, mode, h)
	require.NoError(t, err)
	require.Equal(t, AttrCode, attr.Name)
	return parseCodeAttr(t, cls.Pool, attr.Data)
}

const static = classfile.AccPublic | classfile.AccStatic

func TestEncodeStraightLine(t *testing.T) {
	cls, m, e := newMethod(t, static, "add", "(II)I")
	e.EmitLoad("I", 0)
	e.EmitLoad("I", 1)
	e.Emit(IADD)
	e.EmitReturn("I")

	got := encode(t, cls, m, e, ModeFrames, nil)
	assert.Equal(t, 2, got.maxStack)
	assert.Equal(t, 2, got.maxLocals)
	assert.Equal(t, []byte{0x1a, 0x1b, 0x60, 0xac}, got.body)
	assert.Empty(t, got.attrs, "no branches, no frames")
}

func TestEncodeBinaryOperators(t *testing.T) {
	cls, m, e := newMethod(t, static, "cmp", "(JJ)I")
	e.EmitLoad("J", 0)
	e.EmitLoad("J", 2)
	e.Emit(LADD)
	e.EmitLoad("J", 2)
	e.Emit(LCMP)
	e.EmitInt(1)
	e.Emit(ISHL)
	e.EmitReturn("I")

	got := encode(t, cls, m, e, ModeFrames, nil)
	assert.Equal(t, 4, got.maxLocals)
	assert.Equal(t, []byte{0x1e, 0x20, 0x61, 0x20, 0x94, 0x04, 0x78, 0xac}, got.body)
}

func TestEncodeOperandForms(t *testing.T) {
	cls, m, e := newMethod(t, static, "f", "()J")
	e.EmitInt(3)
	e.EmitInt(100)
	e.EmitInt(1000)
	e.EmitInt(100000)
	e.Emit(POP2)
	e.Emit(POP2)
	slot := e.NewLocal("J")
	e.Emit(LCONST_1)
	e.EmitStore("J", slot)
	e.EmitLoad("J", slot)
	e.EmitReturn("J")

	got := encode(t, cls, m, e, ModeFrames, nil)
	assert.Equal(t, 0, slot)
	assert.Equal(t, 4, got.maxStack)
	assert.Equal(t, 2, got.maxLocals)
	assert.Equal(t, byte(ICONST_3), got.body[0])
	assert.Equal(t, []byte{byte(BIPUSH), 100}, got.body[1:3])
	assert.Equal(t, []byte{byte(SIPUSH), 0x03, 0xe8}, got.body[3:6])
	assert.Equal(t, byte(LDC), got.body[6])
	assert.Equal(t, byte(0x3f), got.body[len(got.body)-3], "lstore_0")
	assert.Equal(t, byte(0x1e), got.body[len(got.body)-2], "lload_0")
	assert.Equal(t, byte(LRETURN), got.body[len(got.body)-1])
}

func branchyMethod(t *testing.T) (*classfile.Class, *classfile.Member, *Emitter) {
	cls, m, e := newMethod(t, static, "pick", "(I)Ljava/lang/Object;")
	other, join := e.NewLabel(), e.NewLabel()
	e.EmitLoad("I", 0)
	e.EmitJump(IFEQ, other)
	e.EmitInvoke(INVOKESTATIC, "t/C", "s", "()Ljava/lang/String;", false)
	e.EmitStore("Ljava/lang/String;", 1)
	e.EmitJump(GOTO, join)
	e.Mark(other)
	e.EmitInvoke(INVOKESTATIC, "t/C", "i", "()Ljava/lang/Integer;", false)
	e.EmitStore("Ljava/lang/Integer;", 1)
	e.Mark(join)
	e.EmitLoad("Ljava/lang/Object;", 1)
	e.EmitReturn("Ljava/lang/Object;")
	return cls, m, e
}

func TestEncodeFramesAtMerge(t *testing.T) {
	cls, m, e := branchyMethod(t)
	got := encode(t, cls, m, e, ModeFrames, jdk)

	assert.Equal(t, 2, got.maxLocals)
	assert.Equal(t, 17, len(got.body))

	object := cls.Pool.AddClass("java/lang/Object")
	want := []byte{0, 2,
		11,                 // same at 11
		252, 0, 3, 7, 0, 0, // append Object at 15
	}
	binary.BigEndian.PutUint16(want[7:], object)
	assert.Equal(t, want, got.attrs[AttrStackMapTable])
}

func TestEncodeUnknownHierarchy(t *testing.T) {
	cls, m, e := branchyMethod(t)
	e.Code.Insns = e.Take()
	_, err := e.Code.Encode(cls, m, ModeFrames, supers{})
	assert.ErrorIs(t, err, ErrFrameComputation)

	// maxs mode does not need the hierarchy
	attr, err := e.Code.Encode(cls, m, ModeMaxs, nil)
	require.NoError(t, err)
	got := parseCodeAttr(t, cls.Pool, attr.Data)
	assert.NotContains(t, got.attrs, AttrStackMapTable)
	assert.Equal(t, 1, got.maxStack)
}

func TestEncodeOldClassUsesMaxs(t *testing.T) {
	cls, m, e := branchyMethod(t)
	cls.Major = 49
	got := encode(t, cls, m, e, ModeFrames, nil)
	assert.NotContains(t, got.attrs, AttrStackMapTable)
}

func TestDecodeEncodeIdentity(t *testing.T) {
	cls, m, e := branchyMethod(t)
	e.Code.Insns = e.Take()
	first, err := e.Code.Encode(cls, m, ModeFrames, jdk)
	require.NoError(t, err)

	code, err := Decode(cls.Pool, first)
	require.NoError(t, err)
	second, err := code.Encode(cls, m, ModeFrames, jdk)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
}

func TestEncodeWidensBranches(t *testing.T) {
	cls, m, e := newMethod(t, static, "far", "(I)V")
	end := e.NewLabel()
	e.EmitLoad("I", 0)
	e.EmitJump(IFEQ, end)
	for i := 0; i < 40000; i++ {
		e.Emit(NOP)
	}
	e.Mark(end)
	e.EmitReturn("")

	got := encode(t, cls, m, e, ModeFrames, nil)
	require.Equal(t, 40010, len(got.body))
	assert.Equal(t, []byte{byte(IFNE), 0, 8}, got.body[1:4])
	assert.Equal(t, byte(GOTO_W), got.body[4])
	assert.Equal(t, int32(40005), int32(binary.BigEndian.Uint32(got.body[5:9])))

	// one frame after the goto_w, one at the far target
	assert.Equal(t, []byte{0, 2, 9, 251, 0x9c, 0x3f}, got.attrs[AttrStackMapTable])

	code, err := Decode(cls.Pool, cls.NewAttribute(AttrCode, rebuild(got)))
	require.NoError(t, err)
	insns := code.Real()
	assert.Equal(t, IFNE, insns[1].Op)
	assert.Equal(t, GOTO, insns[2].Op)
}

// rebuild reassembles a parsed code attribute without its sub-attributes.
func rebuild(c codeAttr) []byte {
	w := &out{}
	w.u2(c.maxStack)
	w.u2(c.maxLocals)
	w.u4(len(c.body))
	w.raw(c.body)
	w.u2(0)
	w.u2(0)
	return w.buf
}

func TestEncodeExceptionHandler(t *testing.T) {
	cls, m, e := newMethod(t, static, "guarded", "()V")
	start, end, handler := e.NewLabel(), e.NewLabel(), e.NewLabel()
	e.Mark(start)
	e.EmitInvoke(INVOKESTATIC, "t/C", "risky", "()V", false)
	e.Mark(end)
	e.EmitReturn("")
	e.Mark(handler)
	e.EmitStore("Ljava/lang/Exception;", 0)
	e.EmitReturn("")
	e.TryCatch(start, end, handler, "java/lang/Exception")

	got := encode(t, cls, m, e, ModeFrames, jdk)
	catch := int(cls.Pool.AddClass("java/lang/Exception"))
	assert.Equal(t, [][4]int{{0, 3, 4, catch}}, got.handlers)
	assert.Equal(t, 1, got.maxStack)
	assert.Equal(t, 1, got.maxLocals)

	want := []byte{0, 1, 64 + 4, 7, 0, 0}
	binary.BigEndian.PutUint16(want[4:], uint16(catch))
	assert.Equal(t, want, got.attrs[AttrStackMapTable])
}

func TestEncodeDropsDeadCode(t *testing.T) {
	cls, m, e := newMethod(t, static, "dead", "()V")
	start, end, handler := e.NewLabel(), e.NewLabel(), e.NewLabel()
	e.EmitReturn("")
	e.Mark(start)
	e.Emit(NOP)
	e.Mark(end)
	e.Mark(handler)
	e.EmitStore("Ljava/lang/Throwable;", 0)
	e.EmitReturn("")
	e.TryCatch(start, end, handler, "")

	got := encode(t, cls, m, e, ModeFrames, jdk)
	assert.Equal(t, []byte{byte(RETURN)}, got.body)
	assert.Empty(t, got.handlers)
}

func TestEncodeUninitializedAcrossBranch(t *testing.T) {
	cls, m, e := newMethod(t, static, "build", "(I)Ljava/lang/Object;")
	other, join := e.NewLabel(), e.NewLabel()
	e.EmitType(NEW, "java/lang/StringBuilder")
	e.Emit(DUP)
	e.EmitLoad("I", 0)
	e.EmitJump(IFEQ, other)
	e.EmitString("a")
	e.EmitJump(GOTO, join)
	e.Mark(other)
	e.EmitString("b")
	e.Mark(join)
	e.EmitInvoke(INVOKESPECIAL, "java/lang/StringBuilder", "<init>", "(Ljava/lang/String;)V", false)
	e.EmitReturn("Ljava/lang/Object;")

	got := encode(t, cls, m, e, ModeFrames, jdk)
	assert.Equal(t, 3, got.maxStack)
	smt := got.attrs[AttrStackMapTable]
	require.NotNil(t, smt)
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(smt))
	assert.Equal(t, byte(255), smt[2], "uninitialized values on the stack need a full frame")
}

func TestLookupswitchKeysSorted(t *testing.T) {
	cls, m, e := newMethod(t, static, "sw", "(I)I")
	a, b, d := e.NewLabel(), e.NewLabel(), e.NewLabel()
	e.EmitLoad("I", 0)
	e.Append(&Insn{Op: LOOKUPSWITCH, Default: d, Keys: []int32{5, 1}, Targets: []*Label{a, b}})
	e.Mark(a)
	e.EmitInt(1)
	e.EmitReturn("I")
	e.Mark(b)
	e.EmitInt(2)
	e.EmitReturn("I")
	e.Mark(d)
	e.EmitInt(0)
	e.EmitReturn("I")

	got := encode(t, cls, m, e, ModeFrames, nil)
	require.Len(t, got.body, 34)
	// opcode at 1, two pad bytes, default, npairs, then sorted pairs
	pairs := got.body[12:28]
	assert.Equal(t, int32(1), int32(binary.BigEndian.Uint32(pairs[0:])))
	assert.Equal(t, int32(29), int32(binary.BigEndian.Uint32(pairs[4:])))
	assert.Equal(t, int32(5), int32(binary.BigEndian.Uint32(pairs[8:])))
	assert.Equal(t, int32(27), int32(binary.BigEndian.Uint32(pairs[12:])))

	code, err := Decode(cls.Pool, cls.NewAttribute(AttrCode, rebuild(got)))
	require.NoError(t, err)
	sw := code.Real()[1]
	assert.Equal(t, []int32{1, 5}, sw.Keys)
}

func TestDecodeRejectsBadCode(t *testing.T) {
	cls, _, _ := newMethod(t, static, "x", "()V")
	tests := []struct {
		name string
		body []byte
	}{
		{"unknown opcode", []byte{0xcb}},
		{"branch into operand", []byte{byte(GOTO), 0, 1, byte(RETURN)}},
		{"truncated operand", []byte{byte(SIPUSH), 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr := cls.NewAttribute(AttrCode, rebuild(codeAttr{maxStack: 1, maxLocals: 0, body: tt.body}))
			_, err := Decode(cls.Pool, attr)
			assert.ErrorIs(t, err, ErrBadCode)
		})
	}
}

func TestCommonSuperclass(t *testing.T) {
	tests := []struct {
		x, y string
		want string
		ok   bool
	}{
		{"java/lang/String", "java/lang/String", "java/lang/String", true},
		{"java/lang/String", "java/lang/Integer", "java/lang/Object", true},
		{"java/lang/Integer", "java/lang/Number", "java/lang/Number", true},
		{"java/lang/Exception", "java/lang/Throwable", "java/lang/Throwable", true},
		{"java/lang/String", "com/unknown/Thing", "", false},
	}
	for _, tt := range tests {
		got, ok := CommonSuperclass(jdk, tt.x, tt.y)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CommonSuperclass(%s, %s) = %q, %v; want %q, %v", tt.x, tt.y, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDisassemble(t *testing.T) {
	cls, m, e := branchyMethod(t)
	e.Code.Insns = e.Take()
	attr, err := e.Code.Encode(cls, m, ModeFrames, jdk)
	require.NoError(t, err)
	m.Attributes = append(m.Attributes, attr)

	text, err := DisassembleMethod(cls, m)
	require.NoError(t, err)
	assert.Contains(t, text, "invokestatic")
	assert.Contains(t, text, "t/C.s()Ljava/lang/String;")
	assert.Contains(t, text, "ifeq")
	assert.True(t, strings.HasPrefix(text, "; max_stack=1 max_locals=2"))
}

func TestOpcodeTable(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("opcode 0x%02x has no metadata", byte(op))
		}
	}
	if got := ILOAD_0.String(); got != "iload_0" {
		t.Errorf("ILOAD_0.String() = %q", got)
	}
	if got := Opcode(0xcb).String(); !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("undefined opcode String() = %q", got)
	}
	for op, want := range map[Opcode]Opcode{IFEQ: IFNE, IFLT: IFGE, IF_ICMPGT: IF_ICMPLE, IF_ACMPEQ: IF_ACMPNE, IFNULL: IFNONNULL} {
		if got := invert(op); got != want {
			t.Errorf("invert(%s) = %s, want %s", op, got, want)
		}
		if got := invert(want); got != op {
			t.Errorf("invert(%s) = %s, want %s", want, got, op)
		}
	}
}
