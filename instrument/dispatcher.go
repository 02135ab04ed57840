package instrument

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/newrelic/newrelic-android-agent-sub003/buildid"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
	"github.com/newrelic/newrelic-android-agent-sub003/rules"
)

// ErrHaltBuild is matched by every error that must stop the whole run.
var ErrHaltBuild = errors.New("instrument: build halted")

// HaltError carries the reason a run cannot continue. Per-class problems
// never produce one.
type HaltError struct {
	Reason string
	Err    error
}

func (e *HaltError) Error() string {
	if e.Err == nil {
		return "instrument: halting build: " + e.Reason
	}
	return "instrument: halting build: " + e.Reason + ": " + e.Err.Error()
}

func (e *HaltError) Is(target error) bool { return target == ErrHaltBuild }

func (e *HaltError) Unwrap() error { return e.Err }

// ClassData is the result of visiting one class.
type ClassData struct {
	Bytes    []byte
	Modified bool
}

// ResultCache stores rewrite results between runs. Implementations must
// be safe for concurrent use.
type ResultCache interface {
	Get(key string) (data []byte, modified bool, ok bool)
	Put(key string, data []byte, modified bool) error
}

// Dispatcher is the per-class entry point. It is safe for concurrent use:
// every Visit works on its own Context and class model, and only the
// class hierarchy and the cache are shared.
type Dispatcher struct {
	log   commonlog.Logger
	rules *rules.Table
	opts  *Options
	hier  *ClassHierarchy
	cache ResultCache

	fingerprint string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHierarchy shares a class hierarchy between dispatchers.
func WithHierarchy(h *ClassHierarchy) DispatcherOption {
	return func(d *Dispatcher) { d.hier = h }
}

// WithCache enables incremental results.
func WithCache(c ResultCache) DispatcherOption {
	return func(d *Dispatcher) { d.cache = c }
}

// NewDispatcher returns a dispatcher over table. A missing or empty rule
// table halts the build.
func NewDispatcher(log commonlog.Logger, table *rules.Table, opts *Options, options ...DispatcherOption) (*Dispatcher, error) {
	if log == nil {
		log = commonlog.GetLogger("classrewriter.instrument")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.BuildIDs == nil {
		opts.BuildIDs = buildid.New()
	}
	d := &Dispatcher{log: log, rules: table, opts: opts}
	for _, o := range options {
		o(d)
	}
	if d.hier == nil {
		d.hier = NewClassHierarchy()
	}
	if err := d.checkRules(); err != nil {
		return nil, err
	}
	d.fingerprint = d.computeFingerprint()
	return d, nil
}

func (d *Dispatcher) checkRules() error {
	if d.rules == nil {
		return &HaltError{Reason: "no rule table loaded", Err: rules.ErrNoRules}
	}
	if d.rules.Len() == 0 {
		return &HaltError{Reason: "rule table is empty", Err: rules.ErrNoRules}
	}
	return nil
}

func (d *Dispatcher) computeFingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "rules=%s\n", d.rules.Fingerprint())
	fmt.Fprintf(h, "interactions=%t compose=%t\n", d.opts.DefaultInteractions, d.opts.ComposeNavigation)
	fmt.Fprintf(h, "include=%s\n", strings.Join(d.opts.Include, ","))
	fmt.Fprintf(h, "exclude=%s\n", strings.Join(d.opts.Exclude, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// Options returns the dispatcher's options.
func (d *Dispatcher) Options() *Options { return d.opts }

// Fingerprint identifies the rule table and options that shape results.
// Cache keys end with it.
func (d *Dispatcher) Fingerprint() string { return d.fingerprint }

// Hierarchy returns the class hierarchy used for frame merges.
func (d *Dispatcher) Hierarchy() *ClassHierarchy { return d.hier }

// Learn records the superclass of an encoded class without rewriting it.
// Feeding every input class through Learn before visiting improves the
// merged frame types.
func (d *Dispatcher) Learn(data []byte) error { return d.hier.Learn(data) }

// Visit rewrites one class. It returns nil ClassData for an excluded
// class. The only error it returns wraps ErrHaltBuild; every other failure
// yields the input bytes with Modified false.
func (d *Dispatcher) Visit(data []byte) (*ClassData, error) {
	if d.opts.Disabled {
		return &ClassData{Bytes: data}, nil
	}
	if err := d.checkRules(); err != nil {
		return nil, err
	}

	cls, err := classfile.Parse(data)
	if err != nil {
		d.log.Warningf("unreadable class passed through: %v", err)
		return &ClassData{Bytes: data}, nil
	}
	ctx := NewContext(d.log, d.rules, d.opts)
	if err := Prefilter(ctx, cls, d.hier); err != nil {
		d.log.Warningf("[%s] prefilter failed, class passed through: %v", ctx.FriendlyClassName(), err)
		return &ClassData{Bytes: data}, nil
	}
	if ctx.HasTag(InstrumentedTag) {
		d.log.Debugf("[%s] class is already instrumented, skipping", ctx.FriendlyClassName())
		return &ClassData{Bytes: data}, nil
	}

	cat := d.opts.Classify(ctx.ClassName())
	if cat == CategoryExcluded {
		d.log.Debugf("[%s] class excluded", ctx.FriendlyClassName())
		return nil, nil
	}

	var key string
	if d.cache != nil && cat != CategoryAgent {
		key = d.cacheKey(data)
		if b, modified, ok := d.cache.Get(key); ok {
			d.log.Debugf("[%s] cached result", ctx.FriendlyClassName())
			return &ClassData{Bytes: b, Modified: modified}, nil
		}
	}

	out, err := d.rewrite(data, cat, bytecode.ModeFrames)
	framed := err == nil
	if err != nil {
		if errors.Is(err, ErrHaltBuild) {
			return nil, err
		}
		d.log.Warningf("[%s] %v; retrying without stack map frames", ctx.FriendlyClassName(), err)
		out, err = d.rewrite(data, cat, bytecode.ModeMaxs)
		if err != nil {
			if errors.Is(err, ErrHaltBuild) {
				return nil, err
			}
			d.log.Warningf("[%s] instrumentation failed, class passed through unmodified: %v", ctx.FriendlyClassName(), err)
			return &ClassData{Bytes: data}, nil
		}
	}

	// A maxs-only result may stem from a hierarchy that is not yet
	// complete, and the key does not cover the hierarchy.
	if key != "" && !framed {
		d.log.Debugf("[%s] result without stack map frames not cached", ctx.FriendlyClassName())
	} else if key != "" {
		if err := d.cache.Put(key, out.Bytes, out.Modified); err != nil {
			d.log.Warningf("[%s] cache write failed: %v", ctx.FriendlyClassName(), err)
		}
	}
	return out, nil
}

// rewrite runs one complete pass over a fresh parse of data.
func (d *Dispatcher) rewrite(data []byte, cat Category, mode bytecode.Mode) (out *ClassData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("instrument: %s pass panicked: %v", mode, r)
		}
	}()

	cls, err := classfile.Parse(data)
	if err != nil {
		return nil, err
	}
	ctx := NewContext(d.log, d.rules, d.opts)
	if err := Prefilter(ctx, cls, nil); err != nil {
		return nil, err
	}

	c := NewClassModel(cls)
	if err := ChainFor(cat, ctx).Run(ctx, c); err != nil {
		return nil, err
	}
	if !ctx.Modified() {
		return &ClassData{Bytes: data}, nil
	}
	if cat != CategoryAgent {
		if err := tagInstrumented(ctx, c); err != nil {
			return nil, err
		}
	}
	b, err := c.Bytes(mode, d.hier)
	if err != nil {
		return nil, err
	}
	d.log.Infof("[%s] instrumented (%s, %s)", ctx.FriendlyClassName(), cat, mode)
	return &ClassData{Bytes: b, Modified: true}, nil
}

func (d *Dispatcher) cacheKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + ":" + d.fingerprint
}
