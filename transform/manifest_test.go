package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	src := "Manifest-Version: 1.0\r\n" +
		"Created-By: 1.8.0 (Oracle \r\n" +
		" Corporation)\r\n" +
		"\r\n" +
		"Name: com/example/App.class\r\n" +
		"SHA-256-Digest: abc=\r\n" +
		"\r\n"

	m, err := ParseManifest([]byte(src))
	require.NoError(t, err)

	v, ok := m.Main.Get("created-by")
	assert.True(t, ok)
	assert.Equal(t, "1.8.0 (Oracle Corporation)", v)
	require.Len(t, m.Entries, 1)
	name, _ := m.Entries[0].Get("Name")
	assert.Equal(t, "com/example/App.class", name)
	assert.True(t, m.IsSigned())
}

func TestParseManifestErrors(t *testing.T) {
	for _, src := range []string{
		" leading continuation\r\n",
		"Manifest-Version 1.0\r\n",
	} {
		_, err := ParseManifest([]byte(src))
		assert.Error(t, err, "%q", src)
	}
}

func TestManifestIsSigned(t *testing.T) {
	tests := []struct {
		attr string
		want bool
	}{
		{"SHA1-Digest", true},
		{"SHA-256-Digest", true},
		{"SHA-512-Digest", true},
		{"sha1-digest", true},
		{"MD5-Digest", false},
		{"SHA-Digest-Manifest", false},
		{"Name", false},
	}
	for _, tt := range tests {
		m := NewManifest()
		m.Entries = []Section{{{Name: "Name", Value: "a.class"}, {Name: tt.attr, Value: "x"}}}
		if got := m.IsSigned(); got != tt.want {
			t.Errorf("IsSigned with %s = %t, want %t", tt.attr, got, tt.want)
		}
	}

	m := NewManifest()
	m.Main.Set("SHA1-Digest-Manifest", "x")
	assert.False(t, m.IsSigned(), "main section digests do not sign entries")
}

func TestManifestBytes(t *testing.T) {
	m := &Manifest{Main: Section{{Name: "Created-By", Value: "test"}, {Name: "Manifest-Version", Value: "1.0"}}}
	m.Main.Set(TransformedByKey, DefaultVendor)
	m.Main.Set("Class-Path", strings.Repeat("lib/dependency.jar ", 8))

	out := string(m.Bytes())
	assert.True(t, strings.HasPrefix(out, "Manifest-Version: 1.0\r\nCreated-By: test\r\n"), out)
	assert.Contains(t, out, "Transformed-By: New Relic Android Agent\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))

	for _, line := range strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), 72, "%q", line)
	}

	back, err := ParseManifest([]byte(out))
	require.NoError(t, err)
	cp, _ := back.Main.Get("Class-Path")
	assert.Equal(t, strings.Repeat("lib/dependency.jar ", 8), cp)
}

func TestIsSignatureFile(t *testing.T) {
	assert.True(t, isSignatureFile("META-INF/CERT.SF"))
	assert.True(t, isSignatureFile("META-INF/cert.rsa"))
	assert.True(t, isSignatureFile("META-INF/KEY.EC"))
	assert.False(t, isSignatureFile("META-INF/MANIFEST.MF"))
	assert.False(t, isSignatureFile("res/CERT.SF"))
}
