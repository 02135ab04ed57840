package instrument

import (
	"fmt"
	"strings"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Prefilter scans class structure without decoding any code. It records
// the class names and agent tags, and the methods marked with @Trace (with
// their literal annotation values) or @SkipTrace.
func Prefilter(ctx *Context, cls *classfile.Class, h *ClassHierarchy) error {
	ctx.SetClass(cls.Name(), cls.SuperName())
	if h != nil {
		h.Record(cls.Name(), cls.SuperName())
	}

	anns, err := classfile.Annotations(cls.Pool, cls.Attributes)
	if err != nil {
		return fmt.Errorf("class annotations: %w", err)
	}
	for _, a := range anns {
		if strings.HasPrefix(a.Type, AnnotationPrefix) {
			ctx.Log.Infof("[%s] class has New Relic tag: %s", ctx.ClassName(), a.Type)
			ctx.AddTag(a.Type)
		}
	}

	for _, m := range cls.Methods {
		anns, err := classfile.Annotations(cls.Pool, m.Attributes)
		if err != nil {
			return fmt.Errorf("%s%s annotations: %w", m.Name, m.Desc, err)
		}
		for _, a := range anns {
			switch a.Type {
			case TraceAnnotation:
				ctx.AddTracedMethod(m.Name, m.Desc)
				lits, err := a.Literals(cls.Pool)
				if err != nil {
					return fmt.Errorf("%s%s @Trace: %w", m.Name, m.Desc, err)
				}
				for _, lit := range lits {
					ctx.AddTracedMethodParameter(m.Name, lit)
				}
			case SkipTraceAnnotation:
				ctx.AddSkippedMethod(m.Name, m.Desc)
			}
		}
	}
	return nil
}
