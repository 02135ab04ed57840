package transform

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/newrelic/newrelic-android-agent-sub003/instrument"
)

// archiveEntry is one member of a processed archive.
type archiveEntry struct {
	header   zip.FileHeader
	data     []byte
	modified bool
}

// archive is the processed content of a JAR or AAR, held in memory.
type archive struct {
	manifest       *Manifest
	manifestHeader *zip.FileHeader
	entries        []archiveEntry
	signed         bool
	modified       bool
}

// TransformArchive rewrites the classes of a JAR or AAR. Signed archives
// are copied unchanged, and so is any archive that fails to rewrite. An
// archive without changed classes is still written, stamped, in every
// write mode. With explode set, members are written as files below the
// output directory.
func (t *Transformer) TransformArchive(path string) (bool, error) {
	if supportJar.MatchString(filepath.Base(path)) {
		t.log.Debugf("[ClassTransformer] Skipping support jar [%s]", path)
		return false, nil
	}
	t.log.Debugf("[ClassTransformer] Transforming archive[%s]", path)

	dest := t.archiveDest(path)
	if !t.explode && samePath(path, dest) {
		t.log.Errorf("[ClassTransformer] %v [%s]", ErrSelfOverwrite, dest)
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("transform: %w", err)
	}

	a, err := t.processArchive(data)
	if err != nil {
		return t.copyOriginal(path, dest, err)
	}
	if a.signed {
		t.log.Infof("[ClassTransformer] Skipping instrumentation of signed jar [%s]", path)
		return copyFile(path, dest)
	}
	if t.explode {
		return t.explodeArchive(a)
	}
	out, err := a.bytes()
	if err != nil {
		return t.copyOriginal(path, dest, err)
	}
	t.log.Debugf("[ClassTransformer] Rewriting archive to [%s]", dest)
	return true, writeFile(dest, out)
}

// copyOriginal falls back to the input archive after a failed rewrite.
// Build halts are passed on instead.
func (t *Transformer) copyOriginal(path, dest string, err error) (bool, error) {
	if errors.Is(err, instrument.ErrHaltBuild) {
		return false, err
	}
	t.log.Warningf("[ClassTransformer] transformArchive: Original library file is unmodified due to exception: %v", err)
	return copyFile(path, dest)
}

func (t *Transformer) archiveDest(path string) string {
	if IsArchive(t.output) {
		return t.output
	}
	return filepath.Join(t.output, t.relative(path))
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

func (t *Transformer) explodeArchive(a *archive) (bool, error) {
	wrote := false
	for _, e := range a.entries {
		if !t.shouldEmit(e.header.Name, e.modified) {
			continue
		}
		if err := writeFile(filepath.Join(t.output, filepath.FromSlash(e.header.Name)), e.data); err != nil {
			return wrote, err
		}
		wrote = true
	}
	return wrote, nil
}

// processArchive reads every member and runs classes and nested archives
// through the transformer. A signed archive is returned unprocessed.
func (t *Transformer) processArchive(data []byte) (*archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("transform: open archive: %w", err)
	}

	a := &archive{}
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(f.Name)) {
			return nil, fmt.Errorf("transform: archive entry %q escapes the archive", f.Name)
		}
		b, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(f.Name, ManifestName) {
			if a.manifest, err = ParseManifest(b); err != nil {
				return nil, err
			}
			hdr := f.FileHeader
			a.manifestHeader = &hdr
			continue
		}
		if isSignatureFile(f.Name) {
			a.signed = true
		}
		a.entries = append(a.entries, archiveEntry{header: f.FileHeader, data: b})
	}
	if a.manifest != nil && a.manifest.IsSigned() {
		a.signed = true
	}
	if a.signed {
		return a, nil
	}
	if a.manifest == nil {
		a.manifest = NewManifest()
	}
	a.manifest.Main.Set(TransformedByKey, t.transformedBy)

	if !t.identity && t.dispatcher != nil {
		for _, e := range a.entries {
			if IsClass(e.header.Name) {
				if err := t.dispatcher.Learn(e.data); err != nil {
					t.log.Debugf("[ClassTransformer] Cannot read hierarchy of %s: %v", e.header.Name, err)
				}
			}
		}
	}

	for i := range a.entries {
		e := &a.entries[i]
		if IsArchive(e.header.Name) {
			if err := t.processNested(e); err != nil {
				return nil, err
			}
		} else {
			out, err := t.TransformBytes(e.header.Name, e.data)
			if err != nil {
				return nil, err
			}
			e.data, e.modified = out.Bytes, out.Modified
		}
		if e.modified {
			a.modified = true
		}
	}
	return a, nil
}

// processNested rewrites an archive stored inside another, such as the
// classes.jar of an AAR. Nested archives that are signed or fail to
// rewrite are kept as they are.
func (t *Transformer) processNested(e *archiveEntry) error {
	inner, err := t.processArchive(e.data)
	if err != nil {
		if errors.Is(err, instrument.ErrHaltBuild) {
			return err
		}
		t.log.Warningf("[ClassTransformer] nested archive %s left unmodified: %v", e.header.Name, err)
		return nil
	}
	if inner.signed || !inner.modified {
		return nil
	}
	out, err := inner.bytes()
	if err != nil {
		t.log.Warningf("[ClassTransformer] nested archive %s left unmodified: %v", e.header.Name, err)
		return nil
	}
	e.data, e.modified = out, true
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("transform: %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("transform: %s: %w", f.Name, err)
	}
	return b, nil
}

// bytes writes the archive with the manifest as its first member. Every
// member is deflated.
func (a *archive) bytes() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mh := &zip.FileHeader{Name: ManifestName, Method: zip.Deflate}
	if a.manifestHeader != nil {
		mh.Modified = a.manifestHeader.Modified
	}
	if err := writeEntry(zw, mh, a.manifest.Bytes()); err != nil {
		return nil, err
	}
	for _, e := range a.entries {
		h := &zip.FileHeader{
			Name:          e.header.Name,
			Comment:       e.header.Comment,
			Method:        zip.Deflate,
			Modified:      e.header.Modified,
			ExternalAttrs: e.header.ExternalAttrs,
		}
		if err := writeEntry(zw, h, e.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("transform: close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, h *zip.FileHeader, data []byte) error {
	w, err := zw.CreateHeader(h)
	if err != nil {
		return fmt.Errorf("transform: %s: %w", h.Name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("transform: %s: %w", h.Name, err)
	}
	return nil
}
