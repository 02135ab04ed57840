package classfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// returnCode is a Code attribute body holding a single `return`.
func returnCode() []byte {
	var b []byte
	b = binary.BigEndian.AppendUint16(b, 0) // max_stack
	b = binary.BigEndian.AppendUint16(b, 1) // max_locals
	b = binary.BigEndian.AppendUint32(b, 1)
	b = append(b, 0xb1)
	b = binary.BigEndian.AppendUint16(b, 0) // exception table
	b = binary.BigEndian.AppendUint16(b, 0) // attributes
	return b
}

func sampleClass() *Class {
	c := New(Java7, AccPublic|AccSuper, "com/example/Sample", "java/lang/Object")
	c.AddInterface("java/lang/Runnable")
	c.AddField(AccPrivate|AccStatic, "count", "J")
	m := c.AddMethod(AccPublic, "run", "()V")
	m.Attributes = append(m.Attributes, c.NewAttribute("Code", returnCode()))
	c.Pool.AddLong(1 << 40)
	c.Pool.AddString("café \U0001F600 nul:\x00")
	return c
}

func TestParseWriteIdentity(t *testing.T) {
	data, err := sampleClass().Bytes()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	again, err := parsed.Bytes()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, again), "unmodified class must be written byte-identical")

	assert.Equal(t, "com/example/Sample", parsed.Name())
	assert.Equal(t, "java/lang/Object", parsed.SuperName())
	assert.Equal(t, []string{"java/lang/Runnable"}, parsed.InterfaceNames())
	require.NotNil(t, parsed.Method("run", "()V"))
	require.NotNil(t, parsed.Field("count"))
	assert.True(t, parsed.Field("count").IsStatic())
}

func TestReadFrom(t *testing.T) {
	data, err := sampleClass().Bytes()
	require.NoError(t, err)

	c, err := ReadFrom(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "com/example/Sample", c.Name())

	var buf bytes.Buffer
	n, err := c.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
}

func TestParseErrors(t *testing.T) {
	good, err := sampleClass().Bytes()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"bad magic", append([]byte{0xca, 0xfe, 0xba, 0xbf}, good[4:]...), ErrInvalidMagic},
		{"truncated", good[:len(good)-3], ErrTruncated},
		{"trailing", append(append([]byte(nil), good...), 0), ErrTrailingBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConstantPoolReuse(t *testing.T) {
	p := NewConstantPool()
	a := p.AddUtf8("hello")
	b := p.AddUtf8("hello")
	assert.Equal(t, a, b)

	before := p.Count()
	long := p.AddLong(42)
	assert.Equal(t, before+2, p.Count(), "long constants take two slots")
	_, err := p.Get(long + 1)
	assert.ErrorIs(t, err, ErrBadConstant)

	m1 := p.AddMethodref("java/lang/Object", "toString", "()Ljava/lang/String;")
	m2 := p.AddMethodref("java/lang/Object", "toString", "()Ljava/lang/String;")
	assert.Equal(t, m1, m2)
	i := p.AddInterfaceMethodref("java/lang/Object", "toString", "()Ljava/lang/String;")
	assert.NotEqual(t, m1, i)

	ref, err := p.MemberRef(i)
	require.NoError(t, err)
	assert.True(t, ref.Interface)
	assert.Equal(t, "java/lang/Object", ref.Owner)
	assert.Equal(t, "toString", ref.Name)
}

func TestModifiedUTF8(t *testing.T) {
	tests := []string{
		"plain",
		"nul\x00inside",
		"café",
		"emoji \U0001F600",
	}
	for _, s := range tests {
		raw := encodeModifiedUTF8(s)
		assert.NotContains(t, raw, "\x00", "no raw NUL bytes in %q", s)
		assert.Equal(t, s, decodeModifiedUTF8(raw))
	}

	// supplementary characters become two three-byte surrogates
	assert.Len(t, encodeModifiedUTF8("\U0001F600"), 6)
}

func TestInterfaces(t *testing.T) {
	c := New(Java7, AccPublic, "a/B", "java/lang/Object")
	c.AddInterface("x/I")
	c.AddInterface("y/J")
	c.AddInterface("x/I")
	assert.Equal(t, []string{"y/J", "x/I"}, c.InterfaceNames())
	assert.True(t, c.HasInterface("x/I"))

	c.RemoveInterface("y/J")
	assert.Equal(t, []string{"x/I"}, c.InterfaceNames())
}

func TestAnnotations(t *testing.T) {
	c := sampleClass()
	m := c.Method("run", "()V")

	var err error
	m.Attributes, err = c.AddAnnotation(m.Attributes, "Lcom/example/Marker;")
	require.NoError(t, err)
	m.Attributes, err = c.AddAnnotation(m.Attributes, "Lcom/example/Other;")
	require.NoError(t, err)

	data, err := c.Bytes()
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)

	list, err := Annotations(parsed.Pool, parsed.Method("run", "()V").Attributes)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Lcom/example/Marker;", list[0].Type)
	assert.Equal(t, "Lcom/example/Other;", list[1].Type)
}

func TestAnnotationLiterals(t *testing.T) {
	c := New(Java7, AccPublic, "a/B", "java/lang/Object")
	p := c.Pool
	ann := &Annotation{
		TypeIndex: p.AddUtf8("Lcom/example/Trace;"),
		Type:      "Lcom/example/Trace;",
		Elements: []ElementPair{
			{NameIndex: p.AddUtf8("name"), Name: "name", Value: ElementValue{Tag: 's', ConstIndex: p.AddUtf8("load")}},
			{NameIndex: p.AddUtf8("sampled"), Name: "sampled", Value: ElementValue{Tag: 'Z', ConstIndex: p.AddInteger(1)}},
			{NameIndex: p.AddUtf8("limit"), Name: "limit", Value: ElementValue{Tag: 'I', ConstIndex: p.AddInteger(7)}},
			{NameIndex: p.AddUtf8("nested"), Name: "nested", Value: ElementValue{Tag: '[', Values: nil}},
		},
	}

	parsed, err := ParseAnnotations(p, EncodeAnnotations([]*Annotation{ann}))
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	lits, err := parsed[0].Literals(p)
	require.NoError(t, err)
	assert.Equal(t, []Literal{
		{Name: "name", Type: "java.lang.String", Value: "load"},
		{Name: "sampled", Type: "java.lang.Boolean", Value: "true"},
		{Name: "limit", Type: "java.lang.Integer", Value: "7"},
	}, lits)

	s, ok := parsed[0].StringElement(p, "name")
	assert.True(t, ok)
	assert.Equal(t, "load", s)
	b, ok := parsed[0].BoolElement(p, "sampled")
	assert.True(t, ok)
	assert.True(t, b)
}
