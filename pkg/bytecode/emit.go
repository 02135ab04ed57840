package bytecode

import (
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Emitter appends instructions for a method body, interning the constants
// they reference in the class pool.
type Emitter struct {
	Pool  *classfile.ConstantPool
	Code  *Code
	Insns []*Insn
}

// NewEmitter returns an emitter that allocates labels and locals from code.
func NewEmitter(pool *classfile.ConstantPool, code *Code) *Emitter {
	return &Emitter{Pool: pool, Code: code}
}

// Take returns the emitted instructions and resets the emitter.
func (e *Emitter) Take() []*Insn {
	out := e.Insns
	e.Insns = nil
	return out
}

// Append adds existing instructions unchanged.
func (e *Emitter) Append(insns ...*Insn) {
	e.Insns = append(e.Insns, insns...)
}

// NewLabel allocates an unplaced label.
func (e *Emitter) NewLabel() *Label { return e.Code.NewLabel() }

// NewLocal reserves a local for a value of type t.
func (e *Emitter) NewLocal(t classfile.Type) int { return e.Code.NewLocal(t.Size()) }

// Mark places l at the current position.
func (e *Emitter) Mark(l *Label) {
	e.Insns = append(e.Insns, &Insn{Mark: l})
}

// Emit appends an instruction without operands.
func (e *Emitter) Emit(op Opcode) {
	e.Insns = append(e.Insns, &Insn{Op: op})
}

// EmitVar appends a load, store or ret on slot.
func (e *Emitter) EmitVar(op Opcode, slot int) {
	e.Insns = append(e.Insns, &Insn{Op: op, Var: slot})
}

// EmitLoad loads a local of type t.
func (e *Emitter) EmitLoad(t classfile.Type, slot int) {
	e.EmitVar(typed(ILOAD, t), slot)
}

// EmitStore stores into a local of type t.
func (e *Emitter) EmitStore(t classfile.Type, slot int) {
	e.EmitVar(typed(ISTORE, t), slot)
}

// EmitReturn returns a value of type t; the empty type returns void.
func (e *Emitter) EmitReturn(t classfile.Type) {
	if t == "" {
		e.Emit(RETURN)
		return
	}
	e.Emit(typed(IRETURN, t))
}

// typed offsets an int-flavoured opcode to the variant for t. Loads,
// stores and returns all order their variants I, L, F, D, A.
func typed(base Opcode, t classfile.Type) Opcode {
	switch t.Sort() {
	case classfile.SortLong:
		return base + 1
	case classfile.SortFloat:
		return base + 2
	case classfile.SortDouble:
		return base + 3
	case classfile.SortArray, classfile.SortObject:
		return base + 4
	}
	return base
}

// EmitPop discards a value of type t.
func (e *Emitter) EmitPop(t classfile.Type) {
	if t.Size() == 2 {
		e.Emit(POP2)
	} else if t.Size() == 1 {
		e.Emit(POP)
	}
}

// EmitInt pushes an int constant with the shortest encoding.
func (e *Emitter) EmitInt(v int32) {
	switch {
	case v >= -1 && v <= 5:
		e.Emit(ICONST_0 + Opcode(v))
	case v >= -128 && v <= 127:
		e.Insns = append(e.Insns, &Insn{Op: BIPUSH, Value: v})
	case v >= -32768 && v <= 32767:
		e.Insns = append(e.Insns, &Insn{Op: SIPUSH, Value: v})
	default:
		e.Insns = append(e.Insns, &Insn{Op: LDC, Index: e.Pool.AddInteger(v)})
	}
}

// EmitString pushes a string constant.
func (e *Emitter) EmitString(s string) {
	e.Insns = append(e.Insns, &Insn{Op: LDC, Index: e.Pool.AddString(s)})
}

// EmitInvoke appends a method invocation.
func (e *Emitter) EmitInvoke(op Opcode, owner, name, desc string, itf bool) {
	in := &Insn{Op: op}
	if itf {
		in.Index = e.Pool.AddInterfaceMethodref(owner, name, desc)
	} else {
		in.Index = e.Pool.AddMethodref(owner, name, desc)
	}
	if op == INVOKEINTERFACE {
		in.Count = interfaceCount(desc)
	}
	e.Insns = append(e.Insns, in)
}

// EmitField appends a field access.
func (e *Emitter) EmitField(op Opcode, owner, name, desc string) {
	e.Insns = append(e.Insns, &Insn{Op: op, Index: e.Pool.AddFieldref(owner, name, desc)})
}

// EmitType appends NEW, ANEWARRAY, CHECKCAST or INSTANCEOF.
func (e *Emitter) EmitType(op Opcode, internalName string) {
	e.Insns = append(e.Insns, &Insn{Op: op, Index: e.Pool.AddClass(internalName)})
}

// EmitJump appends a branch to l.
func (e *Emitter) EmitJump(op Opcode, l *Label) {
	e.Insns = append(e.Insns, &Insn{Op: op, Target: l})
}

// TryCatch registers a handler for [start, end) jumping to handler.
// catchType "" catches everything.
func (e *Emitter) TryCatch(start, end, handler *Label, catchType string) {
	h := Handler{Start: start, End: end, Handler: handler}
	if catchType != "" {
		h.CatchType = e.Pool.AddClass(catchType)
	}
	e.Code.Handlers = append(e.Code.Handlers, h)
}

func interfaceCount(desc string) uint8 {
	mt, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return 1
	}
	return uint8(mt.ArgSize() + 1)
}

// Ref resolves the member referenced by a field or method instruction.
func (in *Insn) Ref(pool *classfile.ConstantPool) (classfile.MemberRef, error) {
	return pool.MemberRef(in.Index)
}
