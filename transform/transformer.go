// Package transform feeds class files, directory trees and JAR/AAR
// archives through an instrument.Dispatcher and writes the results.
package transform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/newrelic/newrelic-android-agent-sub003/config"
	"github.com/newrelic/newrelic-android-agent-sub003/instrument"
)

// WriteMode selects which results are written.
type WriteMode int

const (
	// WriteModified writes only classes the dispatcher changed. Resources
	// and archives are still copied through.
	WriteModified WriteMode = iota
	// WriteAlways writes every processed file, for toolchains that need a
	// complete mirror of their input.
	WriteAlways
)

func (m WriteMode) String() string {
	if m == WriteAlways {
		return config.WriteAlways
	}
	return config.WriteModified
}

// ParseWriteMode maps a configuration value onto a WriteMode.
func ParseWriteMode(s string) (WriteMode, error) {
	switch strings.ToLower(s) {
	case "", config.WriteModified:
		return WriteModified, nil
	case config.WriteAlways:
		return WriteAlways, nil
	}
	return WriteModified, fmt.Errorf("transform: unknown write mode %q", s)
}

// ErrSelfOverwrite is logged when an archive would be rewritten onto
// itself.
var ErrSelfOverwrite = errors.New("transform: refusing to overwrite input archive")

var supportJar = regexp.MustCompile(`^(android-)?support-.*\.jar$`)

// Transformer writes instrumented copies of its inputs below an output
// location. Inputs under the input root keep their relative paths.
type Transformer struct {
	log        commonlog.Logger
	dispatcher *instrument.Dispatcher

	input  string
	output string

	mode          WriteMode
	identity      bool
	explode       bool
	transformedBy string
	workers       int
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithWriteMode sets the write mode.
func WithWriteMode(m WriteMode) Option { return func(t *Transformer) { t.mode = m } }

// WithIdentity turns the transformer into a copier that never rewrites.
func WithIdentity(identity bool) Option { return func(t *Transformer) { t.identity = identity } }

// WithExplode writes archive members as individual files instead of
// rewriting the archive.
func WithExplode(explode bool) Option { return func(t *Transformer) { t.explode = explode } }

// WithTransformedBy sets the manifest vendor stamp.
func WithTransformedBy(vendor string) Option {
	return func(t *Transformer) {
		if vendor != "" {
			t.transformedBy = vendor
		}
	}
}

// WithWorkers bounds the goroutines used for directories and input lists.
func WithWorkers(n int) Option { return func(t *Transformer) { t.workers = n } }

// New returns a transformer reading below input and writing below output.
func New(log commonlog.Logger, d *instrument.Dispatcher, input, output string, options ...Option) *Transformer {
	if log == nil {
		log = commonlog.GetLogger("classrewriter.transform")
	}
	t := &Transformer{
		log:           log,
		dispatcher:    d,
		input:         input,
		output:        output,
		transformedBy: DefaultVendor,
		workers:       1,
	}
	for _, o := range options {
		o(t)
	}
	if t.workers < 1 {
		t.workers = 1
	}
	return t
}

// Output returns the output location.
func (t *Transformer) Output() string { return t.output }

// IsClass reports whether name is a class file.
func IsClass(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".class")
}

// IsArchive reports whether name is a JAR or AAR.
func IsArchive(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jar" || ext == ".aar"
}

// TransformBytes runs one resource through the dispatcher. Non-class
// resources, excluded classes and identity transforms come back
// unchanged. The only error is a build halt.
func (t *Transformer) TransformBytes(name string, data []byte) (*instrument.ClassData, error) {
	if !IsClass(name) || t.identity || t.dispatcher == nil {
		return &instrument.ClassData{Bytes: data}, nil
	}
	out, err := t.dispatcher.Visit(data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return &instrument.ClassData{Bytes: data}, nil
	}
	if out.Modified && len(out.Bytes) != len(data) {
		t.log.Debugf("[ClassTransformer] Rewrote class[%s] bytes[%d] rewritten[%d]", name, len(data), len(out.Bytes))
	}
	return out, nil
}

// shouldWrite applies the write mode to one result.
func (t *Transformer) shouldWrite(modified bool) bool {
	return t.mode == WriteAlways || modified
}

// shouldEmit reports whether a member named name is written. The write
// mode selects classes only; other resources are always copied through.
func (t *Transformer) shouldEmit(name string, modified bool) bool {
	return !IsClass(name) || t.shouldWrite(modified)
}

// TransformFile transforms a class, resource, directory or archive and
// reports whether anything was written.
func (t *Transformer) TransformFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("transform: %w", err)
	}
	switch {
	case info.IsDir():
		return t.TransformDirectory(path)
	case IsArchive(path):
		return t.TransformArchive(path)
	}

	dest := filepath.Join(t.output, t.relative(path))
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("transform: %w", err)
	}
	if !IsClass(path) {
		t.log.Debugf("[ClassTransformer] Class ignored: %s", filepath.Base(path))
	}
	out, err := t.TransformBytes(path, data)
	if err != nil {
		return false, err
	}
	if !t.shouldEmit(path, out.Modified) {
		return false, nil
	}
	return true, writeFile(dest, out.Bytes)
}

// relative returns path relative to the input root, or its base name
// when it lies outside.
func (t *Transformer) relative(path string) string {
	if t.contains(path) {
		if rel, _ := filepath.Rel(t.input, path); rel != "." {
			return rel
		}
	}
	return filepath.Base(path)
}

func (t *Transformer) contains(path string) bool {
	if t.input == "" {
		return false
	}
	rel, err := filepath.Rel(t.input, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	return nil
}

func copyFile(src, dst string) (bool, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return false, fmt.Errorf("transform: %w", err)
	}
	if err := writeFile(dst, data); err != nil {
		return false, err
	}
	return len(data) > 0, nil
}
