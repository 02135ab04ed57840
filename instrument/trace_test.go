package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

const (
	enterMethod = "invokestatic " + TraceMachineClass + ".enterMethod" + enterMethodDesc
	exitMethod  = "invokestatic " + TraceMachineClass + ".exitMethod()V"
)

func countOf(lines []string, s string) int {
	n := 0
	for _, l := range lines {
		if l == s {
			n++
		}
	}
	return n
}

func TestTraceInstanceMethod(t *testing.T) {
	b := newClass(t, "com/example/Worker", "java/lang/Object")
	m := b.method(virtual, "work", "()V", func(e *bytecode.Emitter) {
		e.EmitReturn("")
	})
	b.annotate(m, TraceAnnotation, b.str("category", "NETWORK"))

	out := visit(t, testDispatcher(t, nil), b.bytes())
	require.True(t, out.Modified)
	cls := parse(t, out.Bytes)
	got := listing(t, cls, "work", "()V")

	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, []string{
		"aload 0",
		"getfield com/example/Worker._nr_traceLcom/newrelic/agent/android/tracing/Trace;",
		`ldc "Worker#work"`,
	}, got[:3])

	// the parameter list is built on both paths
	assert.Equal(t, 2, countOf(got, enterMethod))
	assert.Equal(t, 2, countOf(got, `ldc "category"`))
	assert.Equal(t, 2, countOf(got, `ldc "java.lang.String"`))
	assert.Equal(t, 2, countOf(got, `ldc "NETWORK"`))
	assert.Equal(t, 1, countOf(got, "aconst_null"))

	assert.Equal(t, []string{exitMethod, "return"}, got[len(got)-2:])
	assert.Equal(t, []string{"java/lang/NoSuchFieldError"}, catchTypes(t, cls, "work", "()V"))
}

func TestTraceStaticMethod(t *testing.T) {
	b := newClass(t, "com/example/Worker", "java/lang/Object")
	m := b.method(static, "compute", "(I)I", func(e *bytecode.Emitter) {
		e.EmitLoad("I", 0)
		e.EmitReturn("I")
	})
	b.annotate(m, TraceAnnotation)

	out := visit(t, testDispatcher(t, nil), b.bytes())
	require.True(t, out.Modified)
	cls := parse(t, out.Bytes)

	assert.Equal(t, []string{
		"aconst_null",
		`ldc "Worker#compute"`,
		"aconst_null",
		enterMethod,
		"iload 0",
		exitMethod,
		"ireturn",
	}, listing(t, cls, "compute", "(I)I"))
	assert.Empty(t, catchTypes(t, cls, "compute", "(I)I"))
}

func TestTraceExitBeforeEveryReturnAndThrow(t *testing.T) {
	b := newClass(t, "com/example/Worker", "java/lang/Object")
	m := b.method(static, "check", "(I)V", func(e *bytecode.Emitter) {
		ok := e.NewLabel()
		e.EmitLoad("I", 0)
		e.EmitJump(bytecode.IFNE, ok)
		e.EmitType(bytecode.NEW, "java/lang/RuntimeException")
		e.Emit(bytecode.DUP)
		e.EmitInvoke(bytecode.INVOKESPECIAL, "java/lang/RuntimeException", "<init>", "()V", false)
		e.Emit(bytecode.ATHROW)
		e.Mark(ok)
		e.EmitReturn("")
	})
	b.annotate(m, TraceAnnotation)

	out := visit(t, testDispatcher(t, nil), b.bytes())
	got := listing(t, parse(t, out.Bytes), "check", "(I)V")

	assert.Equal(t, 2, countOf(got, exitMethod))
	for i, l := range got {
		if l == "athrow" || l == "return" {
			assert.Equal(t, exitMethod, got[i-1], "instruction before %s", l)
		}
	}
}

func TestTraceSkippedWins(t *testing.T) {
	b := newClass(t, "com/example/Worker", "java/lang/Object")
	m := b.method(static, "quiet", "()V", func(e *bytecode.Emitter) {
		e.EmitReturn("")
	})
	b.annotate(m, TraceAnnotation)
	b.annotate(m, SkipTraceAnnotation)
	in := b.bytes()

	out := visit(t, testDispatcher(t, nil), in)
	assert.False(t, out.Modified)
	assert.Equal(t, in, out.Bytes)
}

func TestTracedOverloadsMatchByDescriptor(t *testing.T) {
	b := newClass(t, "com/example/Worker", "java/lang/Object")
	b.method(static, "run", "()V", func(e *bytecode.Emitter) {
		e.EmitReturn("")
	})
	m := b.method(static, "run", "(I)V", func(e *bytecode.Emitter) {
		e.EmitReturn("")
	})
	b.annotate(m, TraceAnnotation)

	out := visit(t, testDispatcher(t, nil), b.bytes())
	cls := parse(t, out.Bytes)
	assert.Equal(t, []string{"return"}, listing(t, cls, "run", "()V"))
	assert.Contains(t, listing(t, cls, "run", "(I)V"), enterMethod)
}

func TestTraceStageFollowsTraceRules(t *testing.T) {
	b := newClass(t, "com/example/Worker", "java/lang/Object")
	b.method(static, "work", "()V", func(e *bytecode.Emitter) { e.EmitReturn("") })
	b.method(static, "idle", "()V", func(e *bytecode.Emitter) { e.EmitReturn("") })
	cls := parse(t, b.bytes())

	ctx := NewContext(testLog, testTable(t), testOptions())
	ctx.SetClass("com/example/Worker", "java/lang/Object")
	ctx.AddTracedMethod("work", "()V")
	ctx.AddTracedMethod("gone", "()V")
	ctx.AddTracedMethod("idle", "()V")
	ctx.AddSkippedMethod("idle", "()V")

	c := NewClassModel(cls)
	require.NoError(t, traceStage{}.Apply(ctx, c))
	assert.True(t, c.traced[cls.Method("work", "()V")])
	assert.False(t, c.traced[cls.Method("idle", "()V")])
	assert.Len(t, c.traced, 1)
}

func TestPrefilterRecordsAnnotations(t *testing.T) {
	b := newClass(t, "com/example/Worker", "java/lang/Object")
	traced := b.method(virtual, "work", "()V", func(e *bytecode.Emitter) { e.EmitReturn("") })
	b.annotate(traced, TraceAnnotation, b.str("metricName", "work"))
	skipped := b.method(virtual, "idle", "()V", func(e *bytecode.Emitter) { e.EmitReturn("") })
	b.annotate(skipped, SkipTraceAnnotation)

	h := NewClassHierarchy()
	ctx := NewContext(testLog, testTable(t), testOptions())
	require.NoError(t, Prefilter(ctx, parse(t, b.bytes()), h))

	assert.Equal(t, "com/example/Worker", ctx.ClassName())
	assert.True(t, ctx.IsTracedMethod("work", "()V"))
	assert.False(t, ctx.IsTracedMethod("work", "(I)V"))
	assert.True(t, ctx.IsSkippedMethod("idle", "()V"))
	assert.Equal(t, []string{"metricName", "java.lang.String", "work"}, ctx.TracedMethodParameters("work"))

	super, ok := h.SuperName("com/example/Worker")
	assert.True(t, ok)
	assert.Equal(t, "java/lang/Object", super)

	rs := ctx.TraceRules()
	require.Len(t, rs, 2)
}

func TestEmitTraceParams(t *testing.T) {
	ctx := NewContext(testLog, testTable(t), testOptions())
	ctx.SetClass("com/example/Worker", "java/lang/Object")

	cls := classfile.New(classfile.Java7, classfile.AccPublic, "com/example/Worker", "java/lang/Object")
	code, err := bytecode.NewCode(classfile.AccStatic, "()V")
	require.NoError(t, err)
	e := bytecode.NewEmitter(cls.Pool, code)

	emitTraceParams(ctx, e, "work")
	insns := e.Take()
	require.Len(t, insns, 1)
	assert.Equal(t, bytecode.ACONST_NULL, insns[0].Op)

	ctx.AddTracedMethodParameter("work", classfile.Literal{Name: "a", Type: "java.lang.Integer", Value: "1"})
	emitTraceParams(ctx, e, "work")
	insns = e.Take()
	// new, dup, <init>, then dup, ldc, add, pop for each of three strings
	assert.Len(t, insns, 3+3*4)
	assert.Equal(t, bytecode.NEW, insns[0].Op)
}
