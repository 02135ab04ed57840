package instrument

import (
	"fmt"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
	"github.com/newrelic/newrelic-android-agent-sub003/rules"
)

// callSiteStage applies the wrap, replace and shadow rules to every
// invocation in the class.
type callSiteStage struct{}

func (callSiteStage) Name() string { return "callsite" }

func (callSiteStage) Apply(ctx *Context, c *ClassModel) error {
	for _, m := range c.Methods {
		if ctx.IsSkippedMethod(m.Name, m.Desc) {
			continue
		}
		code, err := c.Body(m)
		if err != nil {
			return err
		}
		if code == nil {
			continue
		}
		rw := &callSiteRewriter{ctx: ctx, c: c, method: m, e: c.Emitter(code)}
		changed, err := rw.run(code.Insns)
		if err != nil {
			return fmt.Errorf("%s%s: %w", m.Name, m.Desc, err)
		}
		if changed {
			code.Insns = rw.e.Take()
			c.Touch(m)
			ctx.MarkModified()
		}
	}
	return nil
}

// callSiteRewriter rewrites one method body. newFound and dupFound follow
// the most recent NEW and whether a DUP came after it; compilers drop the
// DUP when the constructed object is never used.
type callSiteRewriter struct {
	ctx    *Context
	c      *ClassModel
	method *classfile.Member
	e      *bytecode.Emitter

	newFound bool
	dupFound bool
}

func (r *callSiteRewriter) run(insns []*bytecode.Insn) (bool, error) {
	changed := false
	for _, in := range insns {
		switch {
		case in.IsLabel():
		case in.Op == bytecode.NEW:
			r.newFound, r.dupFound = true, false
		case in.Op == bytecode.DUP:
			r.dupFound = true
		case in.Op == bytecode.INVOKEDYNAMIC:
			r.ctx.Log.Warningf("[%s] INVOKEDYNAMIC instruction cannot be instrumented", r.ctx.FriendlyClassName())
		case in.Op.IsInvoke():
			ref, err := in.Ref(r.c.Pool)
			if err != nil {
				return false, err
			}
			ok, err := r.rewrite(in, ref)
			if err != nil {
				return false, err
			}
			if ok {
				changed = true
				continue
			}
		}
		r.e.Append(in)
	}
	return changed, nil
}

func (r *callSiteRewriter) rewrite(in *bytecode.Insn, ref classfile.MemberRef) (bool, error) {
	if ok, err := r.tryReplace(in, ref); ok || err != nil {
		return ok, err
	}
	if r.tryWrap(in, ref) {
		return true, nil
	}
	return r.tryShadow(in, ref)
}

func (r *callSiteRewriter) tryWrap(in *bytecode.Insn, ref classfile.MemberRef) bool {
	call := rules.MethodKey{Owner: ref.Owner, Name: ref.Name, Desc: ref.Desc}
	w, ok := r.ctx.Rules.Wrapper(call)
	if !ok {
		return false
	}
	r.ctx.Log.Debugf("[%s] wrapping call to %s with %s", r.ctx.FriendlyClassName(), call, w)
	r.e.Append(in)
	r.e.EmitInvoke(bytecode.INVOKESTATIC, w.Owner, w.Name, w.Desc, false)
	return true
}

func (r *callSiteRewriter) tryReplace(in *bytecode.Insn, ref classfile.MemberRef) (bool, error) {
	candidates := r.ctx.Rules.Replacements(ref.Owner, ref.Name, ref.Desc)
	if len(candidates) == 0 {
		return false, nil
	}

	// super.m(...) inside an override of m
	if in.Op == bytecode.INVOKESPECIAL && ref.Owner != r.ctx.ClassName() &&
		ref.Name == r.method.Name && ref.Desc == r.method.Desc {
		r.ctx.Log.Debugf("[%s] skipping call site replacement for super call in overridden method: %s:%s",
			r.ctx.FriendlyClassName(), r.method.Name, r.method.Desc)
		return false, nil
	}

	call, err := classfile.ParseMethodDescriptor(ref.Desc)
	if err != nil {
		return false, err
	}

	for _, target := range candidates {
		tt, err := classfile.ParseMethodDescriptor(target.Desc)
		if err != nil {
			return false, &HaltError{Reason: "corrupt replacement rule " + target.String(), Err: err}
		}

		switch {
		case in.Op == bytecode.INVOKESPECIAL && ref.Name == "<init>":
			if r.ctx.SuperName() == ref.Owner {
				r.ctx.Log.Debugf("[%s] skipping call site replacement for class extending %s",
					r.ctx.FriendlyClassName(), classfile.DottedName(ref.Owner))
				return false, nil
			}
			r.ctx.Log.Debugf("[%s] replacing constructor call to %s with %s", r.ctx.FriendlyClassName(), ref, target)
			r.replaceConstructor(call.Args, target)

		case in.Op == bytecode.INVOKESTATIC:
			r.ctx.Log.Debugf("[%s] replacing static call to %s with %s", r.ctx.FriendlyClassName(), ref, target)
			r.e.EmitInvoke(bytecode.INVOKESTATIC, target.Owner, target.Name, target.Desc, false)

		default:
			if len(tt.Args) == 0 || !tt.Args[0].IsReference() {
				r.ctx.Log.Warningf("[%s] replacement %s takes no receiver, ignored", r.ctx.FriendlyClassName(), target)
				continue
			}
			r.ctx.Log.Debugf("[%s] replacing call to %s with %s (with instance check)", r.ctx.FriendlyClassName(), ref, target)
			r.replaceInstanceCall(in, call.Args, tt.Args[0], target)
		}
		return true, nil
	}
	return false, nil
}

// replaceConstructor drops the allocated object and calls a static factory
// with the constructor arguments instead.
func (r *callSiteRewriter) replaceConstructor(args []classfile.Type, target rules.MethodKey) {
	locals := r.storeArgs(args)
	r.e.Emit(bytecode.POP)
	if r.newFound && r.dupFound {
		r.e.Emit(bytecode.POP)
	}
	r.loadArgs(args, locals)
	r.e.EmitInvoke(bytecode.INVOKESTATIC, target.Owner, target.Name, target.Desc, false)
	if r.newFound && !r.dupFound {
		r.e.Emit(bytecode.POP)
	}
}

// replaceInstanceCall guards the replacement with an instanceof check on
// the receiver. Receivers of any other type get the original call.
func (r *callSiteRewriter) replaceInstanceCall(in *bytecode.Insn, args []classfile.Type, recv classfile.Type, target rules.MethodKey) {
	locals := r.storeArgs(args)

	isInstance := r.e.NewLabel()
	end := r.e.NewLabel()

	r.e.Emit(bytecode.DUP)
	r.e.EmitType(bytecode.INSTANCEOF, recv.InternalName())
	r.e.EmitJump(bytecode.IFNE, isInstance)

	r.loadArgs(args, locals)
	r.e.Append(in)
	r.e.EmitJump(bytecode.GOTO, end)

	r.e.Mark(isInstance)
	// the verifier needs the typed reference
	r.e.EmitType(bytecode.CHECKCAST, recv.InternalName())
	r.loadArgs(args, locals)
	r.e.EmitInvoke(bytecode.INVOKESTATIC, target.Owner, target.Name, target.Desc, false)
	r.e.Mark(end)
}

// tryShadow calls every compatible observer with copies of the call's
// operands just before the call.
func (r *callSiteRewriter) tryShadow(in *bytecode.Insn, ref classfile.MemberRef) (bool, error) {
	observers := r.ctx.Rules.Shadows(ref.Owner, ref.Name, ref.Desc)
	if len(observers) == 0 || ref.Name == "<init>" {
		return false, nil
	}
	call, err := classfile.ParseMethodDescriptor(ref.Desc)
	if err != nil {
		return false, err
	}
	operands := call.Args
	if in.Op != bytecode.INVOKESTATIC {
		operands = append([]classfile.Type{classfile.ObjectType(ref.Owner)}, call.Args...)
	}

	var compatible []rules.MethodKey
	for _, o := range observers {
		if observes(o, operands) {
			compatible = append(compatible, o)
		} else {
			r.ctx.Log.Warningf("[%s] observer %s does not match operands of %s, ignored", r.ctx.FriendlyClassName(), o, ref)
		}
	}
	if len(compatible) == 0 {
		return false, nil
	}

	locals := r.storeArgs(operands)
	for _, o := range compatible {
		r.ctx.Log.Debugf("[%s] shadowing call to %s with %s", r.ctx.FriendlyClassName(), ref, o)
		r.loadArgs(operands, locals)
		r.e.EmitInvoke(bytecode.INVOKESTATIC, o.Owner, o.Name, o.Desc, false)
	}
	r.loadArgs(operands, locals)
	r.e.Append(in)
	return true, nil
}

// observes reports whether o is a static void method that accepts the
// operands in order. Reference operands may widen to java/lang/Object.
func observes(o rules.MethodKey, operands []classfile.Type) bool {
	mt, err := classfile.ParseMethodDescriptor(o.Desc)
	if err != nil || mt.Return != "" || len(mt.Args) != len(operands) {
		return false
	}
	for i, a := range mt.Args {
		if a == operands[i] {
			continue
		}
		if a == classfile.ObjectType("java/lang/Object") && operands[i].IsReference() {
			continue
		}
		return false
	}
	return true
}

// storeArgs pops args off the stack into fresh locals, last argument
// first, and returns the slots in argument order.
func (r *callSiteRewriter) storeArgs(args []classfile.Type) []int {
	locals := make([]int, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		locals[i] = r.e.NewLocal(args[i])
		r.e.EmitStore(args[i], locals[i])
	}
	return locals
}

func (r *callSiteRewriter) loadArgs(args []classfile.Type, locals []int) {
	for i, t := range args {
		r.e.EmitLoad(t, locals[i])
	}
}
