package instrument

import (
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Agent tracing API.
const (
	TraceMachineClass   = "com/newrelic/agent/android/tracing/TraceMachine"
	TraceClass          = "com/newrelic/agent/android/tracing/Trace"
	TraceFieldInterface = "com/newrelic/agent/android/api/v2/TraceFieldInterface"
	TraceField          = "_nr_trace"
	TraceSetter         = "_nr_setTrace"

	enterMethodDesc  = "(Lcom/newrelic/agent/android/tracing/Trace;Ljava/lang/String;Ljava/util/ArrayList;)V"
	traceSetterDesc  = "(Lcom/newrelic/agent/android/tracing/Trace;)V"
	startTracingDesc = "(Ljava/lang/String;)V"
)

var traceType = classfile.ObjectType(TraceClass)

// traceStage injects tracing into methods annotated @Trace.
type traceStage struct{}

func (traceStage) Name() string { return "trace" }

func (traceStage) Apply(ctx *Context, c *ClassModel) error {
	for _, r := range ctx.TraceRules() {
		p := r.Pattern
		if !ctx.IsTracedMethod(p.Name, p.Desc) || ctx.IsSkippedMethod(p.Name, p.Desc) {
			continue
		}
		m := c.Method(p.Name, p.Desc)
		if m == nil {
			ctx.Log.Debugf("[Tracing] No method [%s] in class", p)
			continue
		}
		if err := injectTrace(ctx, c, m, false); err != nil {
			return err
		}
	}
	return nil
}

// injectTrace brackets the body of m with TraceMachine enter and exit
// calls. Constructors, bodiless methods and methods already traced in
// this pass are left alone.
func injectTrace(ctx *Context, c *ClassModel, m *classfile.Member, startTracing bool) error {
	if m.Name == "<init>" || m.Name == "<clinit>" || c.traced[m] {
		return nil
	}
	code, err := c.Body(m)
	if err != nil || code == nil {
		return err
	}
	c.traced[m] = true

	e := c.Emitter(code)
	label := ctx.SimpleClassName() + "#" + m.Name

	if startTracing {
		ctx.Log.Debugf("[Tracing] Start tracing [%s]", ctx.SimpleClassName())
		e.EmitString(ctx.SimpleClassName())
		e.EmitInvoke(bytecode.INVOKESTATIC, TraceMachineClass, "startTracing", startTracingDesc, false)
	}

	if m.IsStatic() {
		ctx.Log.Debugf("[Tracing] Static method [%s#%s]", ctx.ClassName(), m.Name)
		e.Emit(bytecode.ACONST_NULL)
		e.EmitString(label)
		emitTraceParams(ctx, e, m.Name)
		e.EmitInvoke(bytecode.INVOKESTATIC, TraceMachineClass, "enterMethod", enterMethodDesc, false)
	} else {
		// The trace field is missing from classes whose decoration was not
		// in scope; a NoSuchFieldError falls back to a null trace.
		ctx.Log.Debugf("[Tracing] Instrumenting method [%s#%s]", ctx.ClassName(), m.Name)
		start, handler, end := e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.TryCatch(start, handler, handler, "java/lang/NoSuchFieldError")

		e.Mark(start)
		e.EmitLoad(classfile.ObjectType(ctx.ClassName()), 0)
		e.EmitField(bytecode.GETFIELD, ctx.ClassName(), TraceField, string(traceType))
		e.EmitString(label)
		emitTraceParams(ctx, e, m.Name)
		e.EmitInvoke(bytecode.INVOKESTATIC, TraceMachineClass, "enterMethod", enterMethodDesc, false)
		e.EmitJump(bytecode.GOTO, end)

		e.Mark(handler)
		e.Emit(bytecode.POP)
		e.Emit(bytecode.ACONST_NULL)
		e.EmitString(label)
		emitTraceParams(ctx, e, m.Name)
		e.EmitInvoke(bytecode.INVOKESTATIC, TraceMachineClass, "enterMethod", enterMethodDesc, false)
		e.Mark(end)
	}
	prologue := e.Take()

	body := make([]*bytecode.Insn, 0, len(prologue)+len(code.Insns)+4)
	body = append(body, prologue...)
	for _, in := range code.Insns {
		if !in.IsLabel() && (in.Op.IsReturn() || in.Op == bytecode.ATHROW) {
			e.EmitInvoke(bytecode.INVOKESTATIC, TraceMachineClass, "exitMethod", "()V", false)
			body = append(body, e.Take()...)
		}
		body = append(body, in)
	}
	code.Insns = body

	ctx.Log.Debugf("[Tracing] [%s] calls enterMethod() and exitMethod()", m.Name)
	c.Touch(m)
	ctx.MarkModified()
	return nil
}

// emitTraceParams pushes the captured annotation values as an ArrayList,
// or null when there are none.
func emitTraceParams(ctx *Context, e *bytecode.Emitter, method string) {
	params := ctx.TracedMethodParameters(method)
	if len(params) == 0 {
		e.Emit(bytecode.ACONST_NULL)
		return
	}
	e.EmitType(bytecode.NEW, "java/util/ArrayList")
	e.Emit(bytecode.DUP)
	e.EmitInvoke(bytecode.INVOKESPECIAL, "java/util/ArrayList", "<init>", "()V", false)
	for _, p := range params {
		e.Emit(bytecode.DUP)
		e.EmitString(p)
		e.EmitInvoke(bytecode.INVOKEVIRTUAL, "java/util/ArrayList", "add", "(Ljava/lang/Object;)Z", false)
		e.Emit(bytecode.POP)
	}
}

// decorateTraceInterface makes the class implement TraceFieldInterface,
// listed once and last.
func decorateTraceInterface(ctx *Context, c *ClassModel) {
	c.AddInterface(TraceFieldInterface)
	ctx.Log.Infof("[%s] Added Trace interface to class [%s] superName [%s]", ctx.SimpleClassName(), ctx.ClassName(), ctx.SuperName())
}

// decorateTraceField adds the public per-instance trace field.
func decorateTraceField(ctx *Context, c *ClassModel) {
	if c.Field(TraceField) != nil {
		return
	}
	c.AddField(classfile.AccPublic, TraceField, string(traceType))
	ctx.Log.Debugf("Added Trace object to %s", ctx.ClassName())
}

// decorateTraceSetter adds _nr_setTrace, which stores its argument in the
// trace field and swallows any exception doing so.
func decorateTraceSetter(ctx *Context, c *ClassModel) error {
	if c.Method(TraceSetter, traceSetterDesc) != nil {
		return nil
	}
	_, code, err := c.NewMethod(classfile.AccPublic, TraceSetter, traceSetterDesc)
	if err != nil {
		return err
	}
	e := c.Emitter(code)
	start, handler, end := e.NewLabel(), e.NewLabel(), e.NewLabel()
	e.TryCatch(start, handler, handler, "java/lang/Exception")

	e.Mark(start)
	e.EmitLoad(classfile.ObjectType(ctx.ClassName()), 0)
	e.EmitLoad(traceType, 1)
	e.EmitField(bytecode.PUTFIELD, ctx.ClassName(), TraceField, string(traceType))
	e.EmitJump(bytecode.GOTO, end)

	e.Mark(handler)
	e.Emit(bytecode.POP)
	e.Mark(end)
	e.EmitReturn("")
	code.Insns = e.Take()

	ctx.Log.Infof("Added TraceFieldInterface implementation to [%s]", ctx.ClassName())
	return nil
}
