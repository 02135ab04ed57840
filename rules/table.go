// Package rules holds the declarative rewrite rules: which calls get their
// return value wrapped, which call sites are replaced by agent methods and
// which get observer calls. A Table is loaded once per run from a Java
// properties file and is safe for concurrent reads.
package rules

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/magiconair/properties"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Key prefixes of the three rule families in a rule file.
const (
	WrapPrefix    = "WRAP_METHOD:"
	ReplacePrefix = "REPLACE_CALL_SITE:"
	ShadowPrefix  = "SHADOW_METHOD:"
)

// logClass marks rules that instrument platform logging.
const logClass = "android/util/Log"

var (
	ErrInvalidRule = errors.New("rules: invalid rule")
	ErrNoRules     = errors.New("rules: rule table is empty")
)

//go:embed type_map.properties
var defaultRules []byte

// Kind tags a rule variant.
type Kind int

const (
	// Wrap passes a call's return value through a static wrapper.
	Wrap Kind = iota + 1
	// Replace redirects a call site to a static replacement.
	Replace
	// Shadow invokes a static observer before a call.
	Shadow
	// Trace injects enter/exit calls into an annotated method.
	Trace
	// Skip excludes an annotated method from tracing.
	Skip
)

func (k Kind) String() string {
	switch k {
	case Wrap:
		return "wrap"
	case Replace:
		return "replace"
	case Shadow:
		return "shadow"
	case Trace:
		return "trace"
	case Skip:
		return "skip"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Prefix returns the rule-file key prefix, or "" for Trace and Skip which
// are discovered from annotations rather than loaded.
func (k Kind) Prefix() string {
	switch k {
	case Wrap:
		return WrapPrefix
	case Replace:
		return ReplacePrefix
	case Shadow:
		return ShadowPrefix
	}
	return ""
}

// Rule is one tagged rule. Target is unset for Trace and Skip; Params
// holds the literal annotation values captured for Trace.
type Rule struct {
	Kind    Kind
	Pattern MethodKey
	Target  MethodKey
	Params  []classfile.Literal
}

func (r Rule) String() string {
	if r.Kind.Prefix() == "" {
		return r.Kind.String() + " " + r.Pattern.String()
	}
	return r.Kind.Prefix() + r.Pattern.String() + " = " + r.Target.String()
}

// Table is an immutable set of loaded rules.
type Table struct {
	wrappers     map[MethodKey]MethodKey
	replacements map[string][]MethodKey
	shadows      map[string][]MethodKey
	rules        []Rule
	fingerprint  string
}

// Option adjusts loading.
type Option func(*options)

type options struct {
	dropLog bool
}

// WithLogRules keeps or drops the rules that instrument android/util/Log.
func WithLogRules(enabled bool) Option {
	return func(o *options) { o.dropLog = !enabled }
}

// Default returns the table built into the binary.
func Default(opts ...Option) (*Table, error) {
	return Parse(defaultRules, opts...)
}

// LoadFile reads a rule file. A missing or unreadable file is an error.
func LoadFile(path string, opts ...Option) (*Table, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: load %s: %w", path, err)
	}
	return fromProperties(p, opts)
}

// Parse decodes a rule file held in memory.
func Parse(data []byte, opts ...Option) (*Table, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("rules: parse: %w", err)
	}
	return fromProperties(p, opts)
}

func fromProperties(p *properties.Properties, opts []Option) (*Table, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t := &Table{
		wrappers:     make(map[MethodKey]MethodKey),
		replacements: make(map[string][]MethodKey),
		shadows:      make(map[string][]MethodKey),
	}
	for _, key := range p.Keys() {
		if o.dropLog && strings.Contains(key, logClass) {
			continue
		}
		value, _ := p.Get(key)
		if err := t.add(key, strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}
	if len(t.rules) == 0 && !o.dropLog {
		return nil, ErrNoRules
	}
	t.seal()
	return t, nil
}

func (t *Table) add(key, value string) error {
	var kind Kind
	for _, k := range []Kind{Wrap, Replace, Shadow} {
		if strings.HasPrefix(key, k.Prefix()) {
			kind = k
		}
	}
	if kind == 0 {
		// other keys are tolerated and ignored
		return nil
	}

	pattern, err := ParseMethodKey(strings.TrimPrefix(key, kind.Prefix()))
	if err != nil {
		return err
	}
	target, err := ParseMethodKey(value)
	if err != nil {
		return err
	}
	if !target.Scoped() {
		return fmt.Errorf("%w: target of %s must name its class", ErrInvalidRule, key)
	}

	switch kind {
	case Wrap:
		if !pattern.Scoped() {
			return fmt.Errorf("%w: %s must name its class", ErrInvalidRule, key)
		}
		t.wrappers[pattern] = target
	case Replace:
		t.replacements[pattern.lookupKey()] = appendUnique(t.replacements[pattern.lookupKey()], target)
	case Shadow:
		t.shadows[pattern.lookupKey()] = appendUnique(t.shadows[pattern.lookupKey()], target)
	}
	t.rules = append(t.rules, Rule{Kind: kind, Pattern: pattern, Target: target})
	return nil
}

func appendUnique(list []MethodKey, k MethodKey) []MethodKey {
	for _, e := range list {
		if e == k {
			return list
		}
	}
	return append(list, k)
}

// seal orders everything deterministically and computes the fingerprint.
func (t *Table) seal() {
	sort.Slice(t.rules, func(i, j int) bool {
		a, b := t.rules[i], t.rules[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Pattern.String() != b.Pattern.String() {
			return a.Pattern.String() < b.Pattern.String()
		}
		return a.Target.String() < b.Target.String()
	})
	for _, m := range []map[string][]MethodKey{t.replacements, t.shadows} {
		for _, list := range m {
			sort.Slice(list, func(i, j int) bool { return list[i].String() < list[j].String() })
		}
	}

	h := sha256.New()
	for _, r := range t.rules {
		fmt.Fprintf(h, "%s\n", r)
	}
	t.fingerprint = hex.EncodeToString(h.Sum(nil))
}

// Wrapper returns the wrapper for calls to k.
func (t *Table) Wrapper(k MethodKey) (MethodKey, bool) {
	w, ok := t.wrappers[k]
	return w, ok
}

// Replacements returns the candidate replacements for a call to
// owner.name(desc): unscoped matches first, then scoped ones. Both tiers
// always contribute.
func (t *Table) Replacements(owner, name, desc string) []MethodKey {
	return union(t.replacements, owner, name, desc)
}

// Shadows returns the candidate observers for a call, with the same
// lookup rules as Replacements.
func (t *Table) Shadows(owner, name, desc string) []MethodKey {
	return union(t.shadows, owner, name, desc)
}

func union(m map[string][]MethodKey, owner, name, desc string) []MethodKey {
	broad := m[MethodKey{Name: name, Desc: desc}.lookupKey()]
	exact := m[MethodKey{Owner: owner, Name: name, Desc: desc}.lookupKey()]
	if len(broad)+len(exact) == 0 {
		return nil
	}
	out := make([]MethodKey, 0, len(broad)+len(exact))
	out = append(out, broad...)
	for _, k := range exact {
		out = appendUnique(out, k)
	}
	return out
}

// Rules returns every loaded rule in a stable order.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Len returns the number of rules.
func (t *Table) Len() int { return len(t.rules) }

// Fingerprint identifies the table's content. Two tables with the same
// rules have the same fingerprint regardless of file order.
func (t *Table) Fingerprint() string { return t.fingerprint }

// WriteProperties stores the table as a rule file.
func (t *Table) WriteProperties(w io.Writer) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, r := range t.rules {
		if _, _, err := p.Set(r.Kind.Prefix()+r.Pattern.String(), r.Target.String()); err != nil {
			return fmt.Errorf("rules: %s: %w", r, err)
		}
	}
	if _, err := p.WriteComment(w, "# ", properties.UTF8); err != nil {
		return fmt.Errorf("rules: write: %w", err)
	}
	return nil
}
