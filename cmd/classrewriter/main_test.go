package main

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-android-agent-sub003/instrument"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
	"github.com/newrelic/newrelic-android-agent-sub003/rules"
)

const wrapRule = `WRAP_METHOD\:java/net/URL.openConnection()Ljava/net/URLConnection; = com/example/Wrap.openConnection(Ljava/net/URLConnection;)Ljava/net/URLConnection;` + "\n"

// project lays out a config file, a rule file and an input directory
// holding one class that calls URL.openConnection and one that does not.
type project struct {
	dir    string
	config string
	rules  string
	input  string
	output string
}

func newProject(t *testing.T, configText string) *project {
	t.Helper()
	dir := t.TempDir()
	p := &project{
		dir:    dir,
		config: filepath.Join(dir, "classrewriter.toml"),
		rules:  filepath.Join(dir, "rules.properties"),
		input:  filepath.Join(dir, "classes"),
		output: filepath.Join(dir, "out"),
	}
	require.NoError(t, os.WriteFile(p.config, []byte(configText), 0o644))
	require.NoError(t, os.WriteFile(p.rules, []byte(wrapRule), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(p.input, "com", "example"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p.input, "com", "example", "Net.class"), class(t, "com/example/Net", true), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p.input, "com", "example", "Plain.class"), class(t, "com/example/Plain", false), 0o644))
	return p
}

func class(t *testing.T, name string, wrap bool) []byte {
	t.Helper()
	cls := classfile.New(classfile.Java7, classfile.AccPublic|classfile.AccSuper, name, "java/lang/Object")
	desc := "(Ljava/net/URL;)Ljava/lang/Object;"
	m := cls.AddMethod(classfile.AccPublic|classfile.AccStatic, "open", desc)
	code, err := bytecode.NewCode(m.Access, desc)
	require.NoError(t, err)
	e := bytecode.NewEmitter(cls.Pool, code)
	e.EmitLoad("Ljava/net/URL;", 0)
	if wrap {
		e.EmitInvoke(bytecode.INVOKEVIRTUAL, "java/net/URL", "openConnection", "()Ljava/net/URLConnection;", false)
	}
	e.EmitReturn("Ljava/lang/Object;")
	code.Insns = e.Take()
	attr, err := code.Encode(cls, m, bytecode.ModeFrames, instrument.NewClassHierarchy())
	require.NoError(t, err)
	m.Attributes = append(m.Attributes, attr)
	data, err := cls.Bytes()
	require.NoError(t, err)
	return data
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "classrewriter dev\n", out)
}

func TestUsage(t *testing.T) {
	code, _, errOut := runCLI(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage: classrewriter")

	p := newProject(t, "")
	code, _, errOut = runCLI(t, "--config", p.config, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `Unknown command "frobnicate"`)
}

func TestBadConfig(t *testing.T) {
	p := newProject(t, "[output]\nwrite-mode = \"sometimes\"\n")
	code, _, errOut := runCLI(t, "--config", p.config, "rules")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "write-mode")
}

func TestTransformWritesModifiedClasses(t *testing.T) {
	p := newProject(t, "")
	code, out, errOut := runCLI(t, "--config", p.config, "transform", "--rules", p.rules, "-o", p.output, p.input)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Wrote "+p.output)

	data, err := os.ReadFile(filepath.Join(p.output, "com", "example", "Net.class"))
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("com/example/Wrap")))
	assert.NoFileExists(t, filepath.Join(p.output, "com", "example", "Plain.class"))
}

func TestTransformAlwaysMode(t *testing.T) {
	p := newProject(t, "")
	code, _, errOut := runCLI(t, "--config", p.config, "transform", "--rules", p.rules, "--mode", "always", "-o", p.output, p.input)
	require.Equal(t, 0, code, errOut)
	assert.FileExists(t, filepath.Join(p.output, "com", "example", "Plain.class"))
}

func TestTransformIdentityWritesNothingModified(t *testing.T) {
	p := newProject(t, "")
	code, out, errOut := runCLI(t, "--config", p.config, "transform", "--rules", p.rules, "--identity", "-o", p.output, p.input)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "Nothing to write\n", out)
}

func TestTransformHaltsOnEmptyRules(t *testing.T) {
	p := newProject(t, "")
	require.NoError(t, os.WriteFile(p.rules, []byte("# nothing\n"), 0o644))

	code, _, errOut := runCLI(t, "--config", p.config, "transform", "--rules", p.rules, "-o", p.output, p.input)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "halting build")
	assert.NoDirExists(t, p.output)
}

func TestTransformRequiresOutput(t *testing.T) {
	p := newProject(t, "")
	code, _, errOut := runCLI(t, "--config", p.config, "transform", p.input)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "-o is required")
}

func TestTransformUsesCache(t *testing.T) {
	p := newProject(t, "[cache]\nenabled = true\npath = \"state/cache.db\"\n")
	for i := 0; i < 2; i++ {
		out := filepath.Join(p.dir, "out", string(rune('a'+i)))
		code, _, errOut := runCLI(t, "--config", p.config, "transform", "--rules", p.rules, "-o", out, p.input)
		require.Equal(t, 0, code, errOut)
		assert.FileExists(t, filepath.Join(out, "com", "example", "Net.class"))
	}
	assert.FileExists(t, filepath.Join(p.dir, "state", "cache.db"))
}

func TestRulesListing(t *testing.T) {
	p := newProject(t, "")
	code, out, errOut := runCLI(t, "--config", p.config, "rules", "--file", p.rules)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "WRAP_METHOD:java/net/URL.openConnection()Ljava/net/URLConnection; = com/example/Wrap.openConnection")
	assert.Contains(t, out, "# 1 rules, fingerprint ")
}

func TestRulesBuiltInTable(t *testing.T) {
	p := newProject(t, "")
	code, out, errOut := runCLI(t, "--config", p.config, "rules")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, rules.WrapPrefix)
}

func TestRulesGenerate(t *testing.T) {
	p := newProject(t, "")
	agent := classfile.New(classfile.Java7, classfile.AccPublic, "com/newrelic/agent/android/instrumentation/Bitmaps", "java/lang/Object")
	pool := agent.Pool
	m := agent.AddMethod(classfile.AccPublic|classfile.AccStatic, "decodeFile", "(Ljava/lang/String;)Landroid/graphics/Bitmap;")
	a := &classfile.Annotation{
		TypeIndex: pool.AddUtf8(rules.AnnotationReplaceCallSite),
		Type:      rules.AnnotationReplaceCallSite,
		Elements: []classfile.ElementPair{
			{NameIndex: pool.AddUtf8("isStatic"), Name: "isStatic", Value: classfile.ElementValue{Tag: 'Z', ConstIndex: pool.AddInteger(1)}},
			{NameIndex: pool.AddUtf8("scope"), Name: "scope", Value: classfile.ElementValue{Tag: 's', ConstIndex: pool.AddUtf8("android.graphics.BitmapFactory")}},
		},
	}
	m.Attributes = append(m.Attributes, agent.NewAttribute(classfile.RuntimeVisibleAnnotations, classfile.EncodeAnnotations([]*classfile.Annotation{a})))
	data, err := agent.Bytes()
	require.NoError(t, err)

	agentJar := filepath.Join(p.dir, "agent.jar")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("com/newrelic/agent/android/instrumentation/Bitmaps.class")
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(agentJar, buf.Bytes(), 0o644))

	generated := filepath.Join(p.dir, "generated.properties")
	code, _, errOut := runCLI(t, "--config", p.config, "rules", "generate", "-o", generated, agentJar)
	require.Equal(t, 0, code, errOut)

	code, out, errOut := runCLI(t, "--config", p.config, "rules", "--file", generated)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "REPLACE_CALL_SITE:android/graphics/BitmapFactory.decodeFile(Ljava/lang/String;)Landroid/graphics/Bitmap;")
}

func TestDump(t *testing.T) {
	p := newProject(t, "")
	path := filepath.Join(p.input, "com", "example", "Net.class")

	code, out, errOut := runCLI(t, "--config", p.config, "dump", path)
	require.Equal(t, 0, code, errOut)
	assert.True(t, strings.HasPrefix(out, "class com.example.Net extends java.lang.Object\n"), out)
	assert.Contains(t, out, "method 0x0009 open(Ljava/net/URL;)Ljava/lang/Object;")
	assert.Contains(t, out, "invokevirtual")
	assert.Contains(t, out, "areturn")
}

func TestDumpArchiveEntry(t *testing.T) {
	p := newProject(t, "")
	jarPath := filepath.Join(p.dir, "app.jar")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("com/example/Plain.class")
	require.NoError(t, err)
	_, err = w.Write(class(t, "com/example/Plain", false))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(jarPath, buf.Bytes(), 0o644))

	code, out, errOut := runCLI(t, "--config", p.config, "dump", jarPath+"!com/example/Plain.class")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "class com.example.Plain")

	code, _, errOut = runCLI(t, "--config", p.config, "dump", jarPath+"!missing.class")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no such entry")
}
