package instrument

import (
	"regexp"
	"strings"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Agent delegate classes called from lifecycle methods.
const (
	ApplicationStateMonitorClass = "com/newrelic/agent/android/background/ApplicationStateMonitor"
	ComposeNavigationDelegate    = "com/newrelic/agent/android/instrumentation/androidx/compose/ComposeNavigationDelegate"
)

const (
	onCreateDesc     = "(Landroid/os/Bundle;)V"
	onCreateViewDesc = "(Landroid/view/LayoutInflater;Landroid/view/ViewGroup;Landroid/os/Bundle;)Landroid/view/View;"
)

// delegateMethod maps a lifecycle method onto the agent method called at
// its entry.
type delegateMethod struct {
	Name, Desc             string
	Delegate, DelegateDesc string
	Access                 uint16
}

type tracedMethod struct {
	Name, Desc   string
	StartTracing bool
}

// delegateTable describes which subclasses of an SDK base class get agent
// delegate calls, which lifecycle methods carry them and which methods are
// traced.
type delegateTable struct {
	Name     string
	Patterns []*regexp.Regexp
	Methods  []delegateMethod
	Traced   []tracedMethod

	// GenerateMissing adds lifecycle methods the class does not override.
	GenerateMissing bool
	// Interactions gates tracing and the trace field on DefaultInteractions.
	Interactions bool

	instrumentable func(ctx *Context) bool
	inject         func(ctx *Context, e *bytecode.Emitter, m *classfile.Member, d delegateMethod)
}

func patterns(res ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(res))
	for i, re := range res {
		out[i] = regexp.MustCompile(`^(?:` + re + `)$`)
	}
	return out
}

var activityTable = &delegateTable{
	Name: "ActivityClassVisitor",
	Patterns: patterns(
		`android/.*/.*Activity`,
		`android/app/ActivityGroup`,
		`android/.*/.*Activity[DGH].*`,
		`androidx/.*/.*Activity`,
		`androidx/ActivityCompat`,
	),
	Methods: []delegateMethod{
		{Name: "onStart", Desc: "()V", Delegate: "activityStarted", DelegateDesc: "()V", Access: classfile.AccProtected},
		{Name: "onStop", Desc: "()V", Delegate: "activityStopped", DelegateDesc: "()V", Access: classfile.AccProtected},
	},
	Traced: []tracedMethod{
		{Name: "onCreate", Desc: onCreateDesc, StartTracing: true},
		{Name: "onCreateView", Desc: onCreateViewDesc},
	},
	GenerateMissing: true,
	Interactions:    true,
	inject:          injectStateMonitor,
}

var fragmentTable = &delegateTable{
	Name: "FragmentClassVisitor",
	Patterns: patterns(
		`android/.*/.*Fragment`,
		`android/support/v\d+/.*/.*FragmentCompat`,
		`androidx/.*/Fragment`,
		`androidx/.*/FragmentCompat`,
		`androidx/.*/.*Fragment`,
	),
	Methods: []delegateMethod{
		{Name: "onStart", Desc: "()V", Delegate: "onActivityStarted", DelegateDesc: "(Ljava/lang/Object;)V", Access: classfile.AccProtected},
		{Name: "onStop", Desc: "()V", Delegate: "onActivityStopped", DelegateDesc: "(Ljava/lang/Object;)V", Access: classfile.AccProtected},
	},
	Traced: []tracedMethod{
		{Name: "onCreate", Desc: onCreateDesc, StartTracing: true},
		{Name: "onCreateView", Desc: onCreateViewDesc},
	},
	GenerateMissing: true,
	inject: func(ctx *Context, _ *bytecode.Emitter, m *classfile.Member, _ delegateMethod) {
		ctx.Log.Debugf("[FragmentClassVisitor] injecting %s method", m.Name)
	},
}

var composeTable = &delegateTable{
	Name: "ComposeNavigatorClassVisitor",
	Methods: []delegateMethod{
		{
			Name: "navigate", Desc: "(Ljava/util/List;Landroidx/navigation/NavOptions;Landroidx/navigation/Navigator$Extras;)V",
			Delegate: "navigate", DelegateDesc: "(Landroidx/navigation/compose/ComposeNavigator;Ljava/util/List;Landroidx/navigation/NavOptions;Landroidx/navigation/Navigator$Extras;)V",
		},
		{
			Name: "createDestination", Desc: "()Landroidx/navigation/compose/ComposeNavigator$Destination;",
			Delegate: "createDestination", DelegateDesc: "(Landroidx/navigation/compose/ComposeNavigator;)Landroidx/navigation/compose/ComposeNavigator$Destination;",
		},
		{
			Name: "popBackStack", Desc: "(Landroidx/navigation/NavBackStackEntry;Z)V",
			Delegate: "popBackStack", DelegateDesc: "(Landroidx/navigation/compose/ComposeNavigator;Landroidx/navigation/NavBackStackEntry;Ljava/lang/Boolean;)V",
		},
	},
	Traced: []tracedMethod{
		{Name: "navigate", Desc: "(Ljava/util/List;Landroidx/navigation/NavOptions;Landroidx/navigation/Navigator$Extras;)V", StartTracing: true},
	},
	instrumentable: func(ctx *Context) bool {
		return strings.HasPrefix(ctx.ClassName(), composeNavigatorPrefix)
	},
	inject: injectComposeDelegate,
}

// isInstrumentable reports whether the class is an application subclass
// of one of the table's SDK base classes.
func (t *delegateTable) isInstrumentable(ctx *Context) bool {
	if t.instrumentable != nil {
		return t.instrumentable(ctx)
	}
	if androidPackage.MatchString(strings.ToLower(ctx.ClassName())) {
		return false
	}
	for _, p := range t.Patterns {
		if p.MatchString(ctx.SuperName()) {
			return true
		}
	}
	return false
}

func injectStateMonitor(ctx *Context, e *bytecode.Emitter, m *classfile.Member, d delegateMethod) {
	e.EmitInvoke(bytecode.INVOKESTATIC, ApplicationStateMonitorClass, "getInstance",
		"()"+string(classfile.ObjectType(ApplicationStateMonitorClass)), false)
	e.EmitInvoke(bytecode.INVOKEVIRTUAL, ApplicationStateMonitorClass, d.Delegate, d.DelegateDesc, false)
	ctx.Log.Debugf("[ActivityClassVisitor] injecting %s method", m.Name)
}

// injectComposeDelegate passes the navigator and the method arguments to
// the delegate. Primitive booleans are boxed where the delegate takes a
// java/lang/Boolean.
func injectComposeDelegate(ctx *Context, e *bytecode.Emitter, m *classfile.Member, d delegateMethod) {
	mt, err := classfile.ParseMethodDescriptor(m.Desc)
	if err != nil {
		return
	}
	dt, err := classfile.ParseMethodDescriptor(d.DelegateDesc)
	if err != nil || len(dt.Args) != len(mt.Args)+1 {
		return
	}
	e.EmitInvoke(bytecode.INVOKESTATIC, ComposeNavigationDelegate, "getInstance",
		"()"+string(classfile.ObjectType(ComposeNavigationDelegate)), false)
	e.EmitLoad(classfile.ObjectType(ctx.ClassName()), 0)
	slot := 1
	for i, a := range mt.Args {
		e.EmitLoad(a, slot)
		slot += a.Size()
		if a.Sort() == classfile.SortBoolean && dt.Args[i+1] == classfile.ObjectType("java/lang/Boolean") {
			e.EmitInvoke(bytecode.INVOKESTATIC, "java/lang/Boolean", "valueOf", "(Z)Ljava/lang/Boolean;", false)
		}
	}
	e.EmitInvoke(bytecode.INVOKEVIRTUAL, ComposeNavigationDelegate, d.Delegate, d.DelegateDesc, false)
	e.EmitPop(dt.Return)
	ctx.Log.Debugf("[ComposeNavigatorClassVisitor] injecting method [%s]", m.Name)
}

// delegateStage applies one delegate table.
type delegateStage struct {
	table *delegateTable
}

func newDelegateStage(t *delegateTable) delegateStage { return delegateStage{table: t} }

func (s delegateStage) Name() string { return s.table.Name }

func (s delegateStage) Apply(ctx *Context, c *ClassModel) error {
	t := s.table
	if !t.isInstrumentable(ctx) {
		return nil
	}
	decorateTraceInterface(ctx, c)
	ctx.MarkModified()

	for _, d := range t.Methods {
		m := c.Method(d.Name, d.Desc)
		switch {
		case m != nil:
			if err := s.injectAtEntry(ctx, c, m, d); err != nil {
				return err
			}
		case t.GenerateMissing:
			if err := s.generate(ctx, c, d); err != nil {
				return err
			}
		}
	}

	interactions := !t.Interactions || ctx.Options.DefaultInteractions
	if interactions {
		for _, tm := range t.Traced {
			if ctx.IsSkippedMethod(tm.Name, tm.Desc) {
				ctx.Log.Debugf("[%s] @SkipTrace applied to method [%s, %s]", t.Name, tm.Name, tm.Desc)
				continue
			}
			m := c.Method(tm.Name, tm.Desc)
			if m == nil {
				continue
			}
			ctx.Log.Infof("[%s] Tracing method [%s]", t.Name, tm.Name)
			if err := injectTrace(ctx, c, m, tm.StartTracing); err != nil {
				return err
			}
		}
		decorateTraceField(ctx, c)
		if c.IsAbstract() {
			ctx.Log.Infof("[%s] Abstract base class: adding TraceFieldInterface impl to [%s]", t.Name, ctx.ClassName())
			if err := decorateTraceSetter(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s delegateStage) injectAtEntry(ctx *Context, c *ClassModel, m *classfile.Member, d delegateMethod) error {
	code, err := c.Body(m)
	if err != nil || code == nil {
		return err
	}
	e := c.Emitter(code)
	s.table.inject(ctx, e, m, d)
	prologue := e.Take()
	if len(prologue) == 0 {
		return nil
	}
	code.Insns = append(prologue, code.Insns...)
	c.Touch(m)
	return nil
}

// generate adds an override that calls the superclass implementation and
// then the delegate.
func (s delegateStage) generate(ctx *Context, c *ClassModel, d delegateMethod) error {
	mt, err := classfile.ParseMethodDescriptor(d.Desc)
	if err != nil {
		return err
	}
	m, code, err := c.NewMethod(d.Access, d.Name, d.Desc)
	if err != nil {
		return err
	}
	e := c.Emitter(code)
	e.EmitLoad(classfile.ObjectType(ctx.ClassName()), 0)
	slot := 1
	for _, a := range mt.Args {
		e.EmitLoad(a, slot)
		slot += a.Size()
	}
	e.EmitInvoke(bytecode.INVOKESPECIAL, ctx.SuperName(), d.Name, d.Desc, false)
	s.table.inject(ctx, e, m, d)
	e.EmitReturn(mt.Return)
	code.Insns = e.Take()
	ctx.Log.Debugf("[%s] added %s%s to %s", s.table.Name, d.Name, d.Desc, ctx.ClassName())
	return nil
}
