package transform

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Manifest names and attributes.
const (
	ManifestName     = "META-INF/MANIFEST.MF"
	TransformedByKey = "Transformed-By"
	DefaultVendor    = "New Relic Android Agent"
	manifestVersion  = "Manifest-Version"
	maxLineBytes     = 72
)

// digestAttr matches the per-entry digest attributes of a signed archive,
// SHA1-Digest and SHA-256-Digest alike.
var digestAttr = regexp.MustCompile(`(?i)^SHA(1|-.+)-Digest$`)

// signatureExts are the META-INF block and signature file extensions.
var signatureExts = map[string]bool{".DSA": true, ".RSA": true, ".SF": true, ".EC": true}

// Attribute is one "Name: value" line of a manifest section.
type Attribute struct {
	Name  string
	Value string
}

// Section is an ordered list of attributes. Lookups ignore case, as the
// JAR format requires.
type Section []Attribute

// Get returns the value of the named attribute.
func (s Section) Get(name string) (string, bool) {
	for _, a := range s {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

// Set replaces the named attribute in place or appends it.
func (s *Section) Set(name, value string) {
	for i, a := range *s {
		if strings.EqualFold(a.Name, name) {
			(*s)[i].Value = value
			return
		}
	}
	*s = append(*s, Attribute{Name: name, Value: value})
}

// Manifest is a parsed META-INF/MANIFEST.MF.
type Manifest struct {
	Main    Section
	Entries []Section
}

// NewManifest returns a manifest with only a version attribute.
func NewManifest() *Manifest {
	return &Manifest{Main: Section{{Name: manifestVersion, Value: "1.0"}}}
}

// ParseManifest reads the sectioned "Name: value" format, joining
// continuation lines.
func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	var cur Section
	inMain := true
	flush := func() {
		if inMain {
			m.Main = cur
			inMain = false
		} else if len(cur) > 0 {
			m.Entries = append(m.Entries, cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSuffix(sc.Text(), "\r")
		switch {
		case line == "":
			if inMain || len(cur) > 0 {
				flush()
			}
		case line[0] == ' ':
			if len(cur) == 0 {
				return nil, fmt.Errorf("transform: manifest line %d: continuation without attribute", lineNo)
			}
			cur[len(cur)-1].Value += line[1:]
		default:
			name, value, ok := strings.Cut(line, ":")
			if !ok || name == "" {
				return nil, fmt.Errorf("transform: manifest line %d: missing ':'", lineNo)
			}
			cur = append(cur, Attribute{Name: name, Value: strings.TrimPrefix(value, " ")})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transform: manifest: %w", err)
	}
	if inMain || len(cur) > 0 {
		flush()
	}
	return m, nil
}

// IsSigned reports whether any entry section carries a digest attribute.
func (m *Manifest) IsSigned() bool {
	for _, s := range m.Entries {
		for _, a := range s {
			if digestAttr.MatchString(a.Name) {
				return true
			}
		}
	}
	return false
}

// Bytes writes the manifest with CRLF line ends, wrapping lines at 72
// bytes. Manifest-Version is written first.
func (m *Manifest) Bytes() []byte {
	var buf bytes.Buffer
	if v, ok := m.Main.Get(manifestVersion); ok {
		writeAttr(&buf, manifestVersion, v)
	}
	for _, a := range m.Main {
		if !strings.EqualFold(a.Name, manifestVersion) {
			writeAttr(&buf, a.Name, a.Value)
		}
	}
	buf.WriteString("\r\n")
	for _, s := range m.Entries {
		for _, a := range s {
			writeAttr(&buf, a.Name, a.Value)
		}
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	line := name + ": " + value
	limit := maxLineBytes
	for len(line) > limit {
		cut := limit
		// keep multi-byte runes whole
		for cut > 0 && line[cut]&0xC0 == 0x80 {
			cut--
		}
		buf.WriteString(line[:cut])
		buf.WriteString("\r\n ")
		line = line[cut:]
		limit = maxLineBytes - 1
	}
	buf.WriteString(line)
	buf.WriteString("\r\n")
}

// isSignatureFile reports whether an archive entry is a signature block
// or signature file.
func isSignatureFile(name string) bool {
	dir, file := path.Split(name)
	if !strings.EqualFold(dir, "META-INF/") {
		return false
	}
	return signatureExts[strings.ToUpper(path.Ext(file))]
}
