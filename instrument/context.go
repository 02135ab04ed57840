package instrument

import (
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/newrelic/newrelic-android-agent-sub003/buildid"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
	"github.com/newrelic/newrelic-android-agent-sub003/rules"
)

// Context is the state of one class while it passes through the
// prefilter and rewrite passes. A Dispatcher creates a fresh Context for
// every class it visits, so a Context is never shared between goroutines.
type Context struct {
	Log     commonlog.Logger
	Rules   *rules.Table
	Options *Options

	modified  bool
	className string
	superName string
	tags      []string

	// keyed "class#method"; one descriptor per name, last write wins
	traced  map[string]string
	skipped map[string]string
	params  map[string][]classfile.Literal
}

// NewContext returns an empty context.
func NewContext(log commonlog.Logger, table *rules.Table, opts *Options) *Context {
	c := &Context{Log: log, Rules: table, Options: opts}
	c.Reset()
	return c
}

// Reset clears the per-class state.
func (c *Context) Reset() {
	c.modified = false
	c.className = ""
	c.superName = ""
	c.tags = c.tags[:0]
	c.traced = make(map[string]string)
	c.skipped = make(map[string]string)
	c.params = make(map[string][]classfile.Literal)
}

// MarkModified records that the class was changed. It cannot be undone.
func (c *Context) MarkModified() { c.modified = true }

// Modified reports whether any stage changed the class.
func (c *Context) Modified() bool { return c.modified }

// SetClass records the class and superclass names.
func (c *Context) SetClass(name, super string) {
	c.className, c.superName = name, super
}

// ClassName returns the internal name of the class.
func (c *Context) ClassName() string { return c.className }

// SuperName returns the internal name of the superclass.
func (c *Context) SuperName() string { return c.superName }

// FriendlyClassName returns the dotted class name used in log messages.
func (c *Context) FriendlyClassName() string { return classfile.DottedName(c.className) }

// SimpleClassName returns the class name without its package.
func (c *Context) SimpleClassName() string { return classfile.SimpleName(c.className) }

// AddTag records a class annotation.
func (c *Context) AddTag(tag string) { c.tags = append(c.tags, tag) }

// AddUniqueTag records tag once, moving it to the end if present.
func (c *Context) AddUniqueTag(tag string) {
	out := c.tags[:0]
	for _, t := range c.tags {
		if t != tag {
			out = append(out, t)
		}
	}
	c.tags = append(out, tag)
}

// HasTag reports whether tag was recorded.
func (c *Context) HasTag(tag string) bool {
	for _, t := range c.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Tags returns the recorded tags.
func (c *Context) Tags() []string { return append([]string(nil), c.tags...) }

func (c *Context) methodKey(name string) string { return c.className + "#" + name }

// AddTracedMethod marks name+desc for trace injection.
func (c *Context) AddTracedMethod(name, desc string) {
	c.Log.Debugf("Will trace method [%s#%s:%s] as requested", c.className, name, desc)
	c.traced[c.methodKey(name)] = desc
}

// AddSkippedMethod excludes name+desc from tracing and call-site rewriting.
func (c *Context) AddSkippedMethod(name, desc string) {
	c.Log.Debugf("Will skip all tracing in method [%s#%s:%s] as requested", c.className, name, desc)
	c.skipped[c.methodKey(name)] = desc
}

// AddTracedMethodParameter appends a captured annotation value. Values
// are keyed by method name only, so overloads share one list.
func (c *Context) AddTracedMethodParameter(method string, lit classfile.Literal) {
	c.Log.Debugf("Adding traced method parameter [%s] for method [%s]", lit.Name, method)
	k := c.methodKey(method)
	c.params[k] = append(c.params[k], lit)
}

// TracedMethodParameters returns the captured values of method flattened
// to name, type, value triples.
func (c *Context) TracedMethodParameters(method string) []string {
	lits := c.params[c.methodKey(method)]
	if len(lits) == 0 {
		return nil
	}
	out := make([]string, 0, 3*len(lits))
	for _, l := range lits {
		out = append(out, l.Name, l.Type, l.Value)
	}
	return out
}

// IsTracedMethod reports whether name+desc was marked for tracing.
func (c *Context) IsTracedMethod(name, desc string) bool {
	d, ok := c.traced[c.methodKey(name)]
	return ok && d == desc
}

// IsSkippedMethod reports whether name+desc was excluded from tracing.
func (c *Context) IsSkippedMethod(name, desc string) bool {
	d, ok := c.skipped[c.methodKey(name)]
	return ok && d == desc
}

// TraceRules returns the Trace and Skip rules discovered by the prefilter,
// in a stable order.
func (c *Context) TraceRules() []rules.Rule {
	var out []rules.Rule
	add := func(kind rules.Kind, m map[string]string) {
		for k, desc := range m {
			owner, name, _ := strings.Cut(k, "#")
			r := rules.Rule{Kind: kind, Pattern: rules.MethodKey{Owner: owner, Name: name, Desc: desc}}
			if kind == rules.Trace {
				r.Params = c.params[k]
			}
			out = append(out, r)
		}
	}
	add(rules.Trace, c.traced)
	add(rules.Skip, c.skipped)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Variant returns the build variant, lower-cased.
func (c *Context) Variant() string {
	if c.Options == nil || c.Options.Variant == "" {
		return buildid.DefaultVariant
	}
	return strings.ToLower(c.Options.Variant)
}
