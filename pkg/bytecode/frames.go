package bytecode

import (
	"fmt"
	"strings"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

const objectClass = "java/lang/Object"

// Hierarchy answers superclass queries for frame merging. ok is false when
// the class is unknown.
type Hierarchy interface {
	SuperName(class string) (super string, ok bool)
}

// Kind is a verification type category.
type Kind uint8

const (
	KindTop Kind = iota
	KindInt
	KindFloat
	KindLong
	KindDouble
	KindNull
	KindUninitThis
	KindObject
	KindUninit
)

// VType is a verification type. Name holds the internal name (or array
// descriptor) of KindObject; New points at the NEW instruction that
// created a KindUninit value.
type VType struct {
	Kind Kind
	Name string
	New  *Insn
}

var (
	vTop    = VType{Kind: KindTop}
	vInt    = VType{Kind: KindInt}
	vFloat  = VType{Kind: KindFloat}
	vLong   = VType{Kind: KindLong}
	vDouble = VType{Kind: KindDouble}
	vNull   = VType{Kind: KindNull}
)

func vObject(name string) VType { return VType{Kind: KindObject, Name: name} }

// Size returns the slot count of the value.
func (v VType) Size() int {
	if v.Kind == KindLong || v.Kind == KindDouble {
		return 2
	}
	return 1
}

func (v VType) isReference() bool {
	switch v.Kind {
	case KindNull, KindObject, KindUninit, KindUninitThis:
		return true
	}
	return false
}

func (v VType) String() string {
	switch v.Kind {
	case KindTop:
		return "top"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindNull:
		return "null"
	case KindUninitThis:
		return "uninitializedThis"
	case KindUninit:
		return "uninitialized"
	}
	return v.Name
}

// vtypeOf maps a field descriptor onto its verification type.
func vtypeOf(t classfile.Type) VType {
	switch t.Sort() {
	case classfile.SortBoolean, classfile.SortByte, classfile.SortChar, classfile.SortShort, classfile.SortInt:
		return vInt
	case classfile.SortFloat:
		return vFloat
	case classfile.SortLong:
		return vLong
	case classfile.SortDouble:
		return vDouble
	case classfile.SortArray, classfile.SortObject:
		return vObject(t.InternalName())
	}
	return vTop
}

// Frame is the type state before an instruction.
type Frame struct {
	Locals []VType
	Stack  []VType
}

func (f *Frame) clone() *Frame {
	return &Frame{
		Locals: append([]VType(nil), f.Locals...),
		Stack:  append([]VType(nil), f.Stack...),
	}
}

func (f *Frame) depth() int {
	n := 0
	for _, v := range f.Stack {
		n += v.Size()
	}
	return n
}

func (f *Frame) push(v VType) { f.Stack = append(f.Stack, v) }

func (f *Frame) pop() (VType, error) {
	if len(f.Stack) == 0 {
		return vTop, fmt.Errorf("%w: stack underflow", ErrStackInconsistent)
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, nil
}

func (f *Frame) popN(n int) error {
	for i := 0; i < n; i++ {
		if _, err := f.pop(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Frame) setLocal(i int, v VType) {
	for len(f.Locals) < i+v.Size() {
		f.Locals = append(f.Locals, vTop)
	}
	if i > 0 && f.Locals[i-1].Size() == 2 {
		f.Locals[i-1] = vTop
	}
	f.Locals[i] = v
	if v.Size() == 2 {
		f.Locals[i+1] = vTop
	}
}

func (f *Frame) local(i int) VType {
	if i < len(f.Locals) {
		return f.Locals[i]
	}
	return vTop
}

// ---------------------------------------------------------------------------
// analyzer: forward dataflow over the instruction list
// ---------------------------------------------------------------------------

type analyzer struct {
	pool      *classfile.ConstantPool
	className string
	method    *classfile.Member
	code      *Code
	hier      Hierarchy

	// strict computes exact types for stack map frames; otherwise only
	// operand sizes must agree.
	strict bool

	index    map[*Label]int
	handlers [][]Handler
	frames   []*Frame
	maxStack int
}

func newAnalyzer(pool *classfile.ConstantPool, className string, m *classfile.Member, code *Code, strict bool, h Hierarchy) (*analyzer, error) {
	a := &analyzer{
		pool:      pool,
		className: className,
		method:    m,
		code:      code,
		hier:      h,
		strict:    strict,
		index:     make(map[*Label]int),
		frames:    make([]*Frame, len(code.Insns)),
		handlers:  make([][]Handler, len(code.Insns)),
	}
	for i, in := range code.Insns {
		if in.Mark != nil {
			a.index[in.Mark] = i
		}
	}
	for _, h := range code.Handlers {
		start, ok1 := a.index[h.Start]
		end, ok2 := a.index[h.End]
		_, ok3 := a.index[h.Handler]
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("%w: handler references unplaced label", ErrBadCode)
		}
		for i := start; i < end; i++ {
			a.handlers[i] = append(a.handlers[i], h)
		}
	}
	return a, nil
}

func (a *analyzer) initialFrame() (*Frame, error) {
	mt, err := classfile.ParseMethodDescriptor(a.method.Desc)
	if err != nil {
		return nil, err
	}
	f := &Frame{}
	if !a.method.IsStatic() {
		if a.method.Name == "<init>" && a.className != objectClass {
			f.Locals = append(f.Locals, VType{Kind: KindUninitThis})
		} else {
			f.Locals = append(f.Locals, vObject(a.className))
		}
	}
	for _, arg := range mt.Args {
		v := vtypeOf(arg)
		f.Locals = append(f.Locals, v)
		if v.Size() == 2 {
			f.Locals = append(f.Locals, vTop)
		}
	}
	return f, nil
}

func (a *analyzer) run() error {
	if len(a.code.Insns) == 0 {
		return fmt.Errorf("%w: empty method body", ErrBadCode)
	}
	initial, err := a.initialFrame()
	if err != nil {
		return err
	}
	a.frames[0] = initial
	queued := make([]bool, len(a.code.Insns))
	work := []int{0}
	queued[0] = true

	flow := func(to int, f *Frame) error {
		if to >= len(a.code.Insns) {
			return fmt.Errorf("%w: execution falls off the end of the code", ErrBadCode)
		}
		changed, err := a.merge(to, f)
		if err != nil {
			return err
		}
		if changed && !queued[to] {
			queued[to] = true
			work = append(work, to)
		}
		return nil
	}

	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		queued[i] = false

		in := a.code.Insns[i]
		f := a.frames[i].clone()
		if in.Mark != nil {
			if err := flow(i+1, f); err != nil {
				return err
			}
			continue
		}

		for _, h := range a.handlers[i] {
			hf := &Frame{Locals: append([]VType(nil), f.Locals...)}
			catch := "java/lang/Throwable"
			if h.CatchType != 0 {
				if catch, err = a.pool.ClassName(h.CatchType); err != nil {
					return err
				}
			}
			hf.Stack = []VType{vObject(catch)}
			if err := flow(a.index[h.Handler], hf); err != nil {
				return err
			}
		}

		if err := a.execute(in, f); err != nil {
			return fmt.Errorf("%s at instruction %d: %w", in.Op, i, err)
		}
		if d := f.depth(); d > a.maxStack {
			a.maxStack = d
		}

		for _, l := range a.successors(in) {
			to, ok := a.index[l]
			if !ok {
				return fmt.Errorf("%w: branch to unplaced label", ErrBadCode)
			}
			target := f
			if in.Op == JSR {
				// the subroutine sees its return address; the
				// continuation after ret does not
				target = f.clone()
				target.push(vTop)
			}
			if err := flow(to, target); err != nil {
				return err
			}
		}
		if !in.Op.EndsBlock() {
			if err := flow(i+1, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *analyzer) successors(in *Insn) []*Label {
	switch {
	case in.Op == TABLESWITCH || in.Op == LOOKUPSWITCH:
		return append([]*Label{in.Default}, in.Targets...)
	case in.Op.IsJump():
		return []*Label{in.Target}
	}
	return nil
}

func (a *analyzer) merge(i int, f *Frame) (bool, error) {
	cur := a.frames[i]
	if cur == nil {
		a.frames[i] = f.clone()
		if d := f.depth(); d > a.maxStack {
			a.maxStack = d
		}
		return true, nil
	}
	if len(cur.Stack) != len(f.Stack) {
		return false, fmt.Errorf("%w: stack height %d vs %d", ErrStackInconsistent, len(cur.Stack), len(f.Stack))
	}
	changed := false
	for k := range cur.Stack {
		v, err := a.mergeValue(cur.Stack[k], f.Stack[k], true)
		if err != nil {
			return false, err
		}
		if v != cur.Stack[k] {
			cur.Stack[k] = v
			changed = true
		}
	}
	n := len(cur.Locals)
	if len(f.Locals) < n {
		n = len(f.Locals)
	}
	for k := 0; k < n; k++ {
		v, err := a.mergeValue(cur.Locals[k], f.Locals[k], false)
		if err != nil {
			return false, err
		}
		if v != cur.Locals[k] {
			cur.Locals[k] = v
			changed = true
		}
	}
	if len(cur.Locals) > n {
		for k := n; k < len(cur.Locals); k++ {
			if cur.Locals[k] != vTop {
				changed = true
			}
		}
		cur.Locals = cur.Locals[:n]
	}
	return changed, nil
}

func (a *analyzer) mergeValue(x, y VType, onStack bool) (VType, error) {
	if x == y {
		return x, nil
	}
	if x.Kind == KindTop || y.Kind == KindTop {
		if onStack && x.Size() != y.Size() {
			return vTop, fmt.Errorf("%w: %s vs %s", ErrStackInconsistent, x, y)
		}
		return vTop, nil
	}
	switch {
	case x.Kind == KindNull && (y.Kind == KindObject || y.Kind == KindNull):
		return y, nil
	case y.Kind == KindNull && x.Kind == KindObject:
		return x, nil
	case x.Kind == KindObject && y.Kind == KindObject:
		if !a.strict {
			return vObject(objectClass), nil
		}
		name, err := a.commonType(x.Name, y.Name)
		if err != nil {
			return vTop, err
		}
		return vObject(name), nil
	}
	if !onStack {
		return vTop, nil
	}
	if x.Size() != y.Size() {
		return vTop, fmt.Errorf("%w: %s vs %s", ErrStackInconsistent, x, y)
	}
	if a.strict {
		return vTop, fmt.Errorf("%w: incompatible stack values %s and %s", ErrFrameComputation, x, y)
	}
	return x, nil
}

// commonType returns the most specific common supertype of two reference
// types.
func (a *analyzer) commonType(x, y string) (string, error) {
	if x == y {
		return x, nil
	}
	xArr, yArr := strings.HasPrefix(x, "["), strings.HasPrefix(y, "[")
	if xArr || yArr {
		if !xArr || !yArr {
			return objectClass, nil
		}
		ex, ey := classfile.Type(x[1:]), classfile.Type(y[1:])
		if !ex.IsReference() || !ey.IsReference() {
			return objectClass, nil
		}
		elem, err := a.commonType(ex.InternalName(), ey.InternalName())
		if err != nil {
			return "", err
		}
		return "[" + string(classfile.ObjectType(elem)), nil
	}
	if name, ok := CommonSuperclass(a.hier, x, y); ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: no common superclass for %s and %s", ErrFrameComputation, x, y)
}

// CommonSuperclass finds the nearest class that both x and y extend. It
// fails when the hierarchy does not know enough of either chain.
func CommonSuperclass(h Hierarchy, x, y string) (string, bool) {
	if x == y {
		return x, true
	}
	seen := make(map[string]bool)
	for cur, n := x, 0; cur != "" && n < 256; n++ {
		seen[cur] = true
		if cur == objectClass || h == nil {
			break
		}
		super, ok := h.SuperName(cur)
		if !ok {
			break
		}
		cur = super
	}
	for cur, n := y, 0; cur != "" && n < 256; n++ {
		if seen[cur] {
			return cur, true
		}
		if cur == objectClass || h == nil {
			break
		}
		super, ok := h.SuperName(cur)
		if !ok {
			break
		}
		cur = super
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Instruction semantics
// ---------------------------------------------------------------------------

func (a *analyzer) execute(in *Insn, f *Frame) error {
	op := in.Op
	switch {
	case op == NOP, op == GOTO, op == IINC, op == RETURN:
		return nil
	case op == ACONST_NULL:
		f.push(vNull)
	case op >= ICONST_M1 && op <= ICONST_5, op == BIPUSH, op == SIPUSH:
		f.push(vInt)
	case op == LCONST_0 || op == LCONST_1:
		f.push(vLong)
	case op >= FCONST_0 && op <= FCONST_2:
		f.push(vFloat)
	case op == DCONST_0 || op == DCONST_1:
		f.push(vDouble)
	case op == LDC || op == LDC_W || op == LDC2_W:
		v, err := a.constantType(in.Index)
		if err != nil {
			return err
		}
		f.push(v)
	case op.IsLoad():
		switch op {
		case ILOAD:
			f.push(vInt)
		case LLOAD:
			f.push(vLong)
		case FLOAD:
			f.push(vFloat)
		case DLOAD:
			f.push(vDouble)
		default:
			v := f.local(in.Var)
			if a.strict && !v.isReference() {
				return fmt.Errorf("%w: aload of %s from local %d", ErrFrameComputation, v, in.Var)
			}
			f.push(v)
		}
	case op >= IALOAD && op <= SALOAD:
		if err := f.popN(1); err != nil {
			return err
		}
		arr, err := f.pop()
		if err != nil {
			return err
		}
		switch op {
		case LALOAD:
			f.push(vLong)
		case FALOAD:
			f.push(vFloat)
		case DALOAD:
			f.push(vDouble)
		case AALOAD:
			f.push(elementType(arr))
		default:
			f.push(vInt)
		}
	case op.IsStore():
		v, err := f.pop()
		if err != nil {
			return err
		}
		f.setLocal(in.Var, v)
	case op >= IASTORE && op <= SASTORE:
		return f.popN(3)
	case op >= POP && op <= SWAP:
		return stackOp(op, f)
	case op >= IADD && op <= DREM:
		return binaryOp(f, arith(int(op-IADD)%4))
	case op >= INEG && op <= DNEG:
		if err := f.popN(1); err != nil {
			return err
		}
		f.push(arith(int(op-INEG) % 4))
	case op >= ISHL && op <= LXOR:
		kind := vInt
		if (op-ISHL)%2 == 1 {
			kind = vLong
		}
		return binaryOp(f, kind)
	case op >= I2L && op <= I2S:
		if err := f.popN(1); err != nil {
			return err
		}
		f.push(conversions[op])
	case op >= LCMP && op <= DCMPG:
		return binaryOp(f, vInt)
	case op >= IFEQ && op <= IFLE, op == IFNULL, op == IFNONNULL, op == TABLESWITCH, op == LOOKUPSWITCH:
		return f.popN(1)
	case op >= IF_ICMPEQ && op <= IF_ACMPNE:
		return f.popN(2)
	case op == JSR:
		if a.strict {
			return fmt.Errorf("%w: jsr is not supported with stack map frames", ErrFrameComputation)
		}
	case op == RET:
		if a.strict {
			return fmt.Errorf("%w: ret is not supported with stack map frames", ErrFrameComputation)
		}
	case op >= IRETURN && op <= ARETURN, op == ATHROW, op == MONITORENTER, op == MONITOREXIT:
		return f.popN(1)
	case op >= GETSTATIC && op <= PUTFIELD:
		return a.fieldInsn(in, f)
	case op.IsInvoke():
		return a.invoke(in, f)
	case op == NEW:
		f.push(VType{Kind: KindUninit, New: in})
	case op == NEWARRAY:
		if err := f.popN(1); err != nil {
			return err
		}
		desc, ok := primitiveArrays[in.Value]
		if !ok {
			return fmt.Errorf("%w: newarray type %d", ErrBadCode, in.Value)
		}
		f.push(vObject(desc))
	case op == ANEWARRAY:
		if err := f.popN(1); err != nil {
			return err
		}
		name, err := a.pool.ClassName(in.Index)
		if err != nil {
			return err
		}
		f.push(vObject("[" + string(classfile.ObjectType(name))))
	case op == ARRAYLENGTH, op == INSTANCEOF:
		if err := f.popN(1); err != nil {
			return err
		}
		f.push(vInt)
	case op == CHECKCAST:
		if err := f.popN(1); err != nil {
			return err
		}
		name, err := a.pool.ClassName(in.Index)
		if err != nil {
			return err
		}
		f.push(vObject(name))
	case op == MULTIANEWARRAY:
		if err := f.popN(int(in.Value)); err != nil {
			return err
		}
		name, err := a.pool.ClassName(in.Index)
		if err != nil {
			return err
		}
		f.push(vObject(name))
	default:
		return fmt.Errorf("%w: unsupported opcode %s", ErrBadCode, op)
	}
	return nil
}

var primitiveArrays = map[int32]string{
	4: "[Z", 5: "[C", 6: "[F", 7: "[D", 8: "[B", 9: "[S", 10: "[I", 11: "[J",
}

var conversions = map[Opcode]VType{
	I2L: vLong, I2F: vFloat, I2D: vDouble,
	L2I: vInt, L2F: vFloat, L2D: vDouble,
	F2I: vInt, F2L: vLong, F2D: vDouble,
	D2I: vInt, D2L: vLong, D2F: vFloat,
	I2B: vInt, I2C: vInt, I2S: vInt,
}

func arith(i int) VType {
	return [...]VType{vInt, vLong, vFloat, vDouble}[i]
}

func binaryOp(f *Frame, result VType) error {
	if err := f.popN(2); err != nil {
		return err
	}
	f.push(result)
	return nil
}

func elementType(arr VType) VType {
	if arr.Kind == KindObject && strings.HasPrefix(arr.Name, "[") {
		return vtypeOf(classfile.Type(arr.Name[1:]))
	}
	if arr.Kind == KindNull {
		return vNull
	}
	return vObject(objectClass)
}

func stackOp(op Opcode, f *Frame) error {
	var err error
	pop := func() VType {
		if err != nil {
			return vTop
		}
		v, e := f.pop()
		if e != nil {
			err = e
		}
		return v
	}
	switch op {
	case POP:
		pop()
	case POP2:
		if v := pop(); v.Size() == 1 {
			pop()
		}
	case DUP:
		v := pop()
		f.Stack = append(f.Stack, v, v)
	case DUP_X1:
		v1, v2 := pop(), pop()
		f.Stack = append(f.Stack, v1, v2, v1)
	case DUP_X2:
		v1, v2 := pop(), pop()
		if v2.Size() == 2 {
			f.Stack = append(f.Stack, v1, v2, v1)
		} else {
			v3 := pop()
			f.Stack = append(f.Stack, v1, v3, v2, v1)
		}
	case DUP2:
		v1 := pop()
		if v1.Size() == 2 {
			f.Stack = append(f.Stack, v1, v1)
		} else {
			v2 := pop()
			f.Stack = append(f.Stack, v2, v1, v2, v1)
		}
	case DUP2_X1:
		v1 := pop()
		if v1.Size() == 2 {
			v2 := pop()
			f.Stack = append(f.Stack, v1, v2, v1)
		} else {
			v2, v3 := pop(), pop()
			f.Stack = append(f.Stack, v2, v1, v3, v2, v1)
		}
	case DUP2_X2:
		v1 := pop()
		if v1.Size() == 2 {
			v2 := pop()
			if v2.Size() == 2 {
				f.Stack = append(f.Stack, v1, v2, v1)
			} else {
				v3 := pop()
				f.Stack = append(f.Stack, v1, v3, v2, v1)
			}
		} else {
			v2, v3 := pop(), pop()
			if v3.Size() == 2 {
				f.Stack = append(f.Stack, v2, v1, v3, v2, v1)
			} else {
				v4 := pop()
				f.Stack = append(f.Stack, v2, v1, v4, v3, v2, v1)
			}
		}
	case SWAP:
		v1, v2 := pop(), pop()
		f.Stack = append(f.Stack, v1, v2)
	}
	return err
}

func (a *analyzer) constantType(index uint16) (VType, error) {
	c, err := a.pool.Get(index)
	if err != nil {
		return vTop, err
	}
	switch c.Tag {
	case classfile.TagInteger:
		return vInt, nil
	case classfile.TagFloat:
		return vFloat, nil
	case classfile.TagLong:
		return vLong, nil
	case classfile.TagDouble:
		return vDouble, nil
	case classfile.TagString:
		return vObject("java/lang/String"), nil
	case classfile.TagClass:
		return vObject("java/lang/Class"), nil
	case classfile.TagMethodType:
		return vObject("java/lang/invoke/MethodType"), nil
	case classfile.TagMethodHandle:
		return vObject("java/lang/invoke/MethodHandle"), nil
	case classfile.TagDynamic:
		_, desc, err := a.pool.InvokeDynamic(index)
		if err != nil {
			return vTop, err
		}
		return vtypeOf(classfile.Type(desc)), nil
	}
	return vTop, fmt.Errorf("%w: ldc of %s", ErrBadCode, c.Tag)
}

func (a *analyzer) fieldInsn(in *Insn, f *Frame) error {
	ref, err := a.pool.MemberRef(in.Index)
	if err != nil {
		return err
	}
	t := vtypeOf(classfile.Type(ref.Desc))
	switch in.Op {
	case GETSTATIC:
		f.push(t)
	case PUTSTATIC:
		return f.popN(1)
	case GETFIELD:
		if err := f.popN(1); err != nil {
			return err
		}
		f.push(t)
	case PUTFIELD:
		return f.popN(2)
	}
	return nil
}

func (a *analyzer) invoke(in *Insn, f *Frame) error {
	var name, desc string
	if in.Op == INVOKEDYNAMIC {
		n, d, err := a.pool.InvokeDynamic(in.Index)
		if err != nil {
			return err
		}
		name, desc = n, d
	} else {
		ref, err := a.pool.MemberRef(in.Index)
		if err != nil {
			return err
		}
		name, desc = ref.Name, ref.Desc
	}
	mt, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return err
	}
	if err := f.popN(len(mt.Args)); err != nil {
		return err
	}
	if in.Op != INVOKESTATIC && in.Op != INVOKEDYNAMIC {
		recv, err := f.pop()
		if err != nil {
			return err
		}
		if in.Op == INVOKESPECIAL && name == "<init>" {
			if err := a.initialize(recv, f); err != nil {
				return err
			}
		}
	}
	if mt.Return != "" {
		f.push(vtypeOf(mt.Return))
	}
	return nil
}

// initialize replaces every copy of an uninitialized reference with its
// initialized type once its constructor has run.
func (a *analyzer) initialize(recv VType, f *Frame) error {
	var init VType
	switch recv.Kind {
	case KindUninitThis:
		init = vObject(a.className)
	case KindUninit:
		name, err := a.pool.ClassName(recv.New.Index)
		if err != nil {
			return err
		}
		init = vObject(name)
	default:
		if a.strict {
			return fmt.Errorf("%w: <init> on initialized %s", ErrFrameComputation, recv)
		}
		return nil
	}
	for i := range f.Locals {
		if f.Locals[i] == recv {
			f.Locals[i] = init
		}
	}
	for i := range f.Stack {
		if f.Stack[i] == recv {
			f.Stack[i] = init
		}
	}
	return nil
}
