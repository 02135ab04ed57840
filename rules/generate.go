package rules

import (
	"fmt"
	"strings"

	"github.com/magiconair/properties"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Annotation descriptors that declare rules on agent methods.
const (
	AnnotationWrapReturn      = "Lcom/newrelic/agent/android/instrumentation/WrapReturn;"
	AnnotationReplaceCallSite = "Lcom/newrelic/agent/android/instrumentation/ReplaceCallSite;"
	AnnotationShadowMethod    = "Lcom/newrelic/agent/android/instrumentation/ShadowMethod;"
)

// Generate builds a rule table from annotated agent classes. Each
// annotated method becomes the target of one rule:
//
//   - @WrapReturn(className, methodName, methodDesc) wraps calls to the named
//     method.
//   - @ReplaceCallSite and @ShadowMethod match calls with the annotated
//     method's name and descriptor. Unless isStatic is set the first
//     parameter is the receiver and is dropped from the pattern. A scope
//     restricts the pattern to one class.
//
// When two methods produce the same key the later one wins, as in a
// properties file.
func Generate(classes []*classfile.Class, opts ...Option) (*Table, error) {
	p := properties.NewProperties()
	p.DisableExpansion = true

	for _, cls := range classes {
		for _, m := range cls.Methods {
			anns, err := classfile.Annotations(cls.Pool, m.Attributes)
			if err != nil {
				return nil, fmt.Errorf("rules: %s.%s: %w", cls.Name(), m.Name, err)
			}
			for _, a := range anns {
				key, err := ruleKey(cls.Pool, a, m)
				if err != nil {
					return nil, fmt.Errorf("rules: %s.%s%s: %w", cls.Name(), m.Name, m.Desc, err)
				}
				if key == "" {
					continue
				}
				target := MethodKey{Owner: cls.Name(), Name: m.Name, Desc: m.Desc}
				if _, _, err := p.Set(key, target.String()); err != nil {
					return nil, fmt.Errorf("rules: %s: %w", key, err)
				}
			}
		}
	}
	return fromProperties(p, opts)
}

func ruleKey(pool *classfile.ConstantPool, a *classfile.Annotation, m *classfile.Member) (string, error) {
	switch a.Type {
	case AnnotationWrapReturn:
		owner, _ := a.StringElement(pool, "className")
		name, _ := a.StringElement(pool, "methodName")
		desc, _ := a.StringElement(pool, "methodDesc")
		if owner == "" || name == "" || desc == "" {
			return "", fmt.Errorf("%w: incomplete @WrapReturn", ErrInvalidRule)
		}
		return WrapPrefix + strings.ReplaceAll(owner, ".", "/") + "." + name + desc, nil

	case AnnotationReplaceCallSite, AnnotationShadowMethod:
		prefix := ReplacePrefix
		if a.Type == AnnotationShadowMethod {
			prefix = ShadowPrefix
		}
		isStatic, _ := a.BoolElement(pool, "isStatic")
		desc := m.Desc
		if !isStatic {
			mt, err := classfile.ParseMethodDescriptor(desc)
			if err != nil {
				return "", err
			}
			if len(mt.Args) == 0 {
				return "", fmt.Errorf("%w: instance rule needs a receiver parameter", ErrInvalidRule)
			}
			mt.Args = mt.Args[1:]
			desc = mt.Descriptor()
		}
		if scope, ok := a.StringElement(pool, "scope"); ok && scope != "" {
			return prefix + strings.ReplaceAll(scope, ".", "/") + "." + m.Name + desc, nil
		}
		return prefix + m.Name + desc, nil
	}
	return "", nil
}
