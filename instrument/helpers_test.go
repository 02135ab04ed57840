package instrument

import (
	"encoding/binary"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tliron/commonlog"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
	"github.com/newrelic/newrelic-android-agent-sub003/rules"
)

const testRules = `
WRAP_METHOD\:java/net/URL.openConnection()Ljava/net/URLConnection; = com/example/Wrap.openConnection(Ljava/net/URLConnection;)Ljava/net/URLConnection;
REPLACE_CALL_SITE\:execute(Lorg/apache/http/client/methods/HttpUriRequest;)Lorg/apache/http/HttpResponse; = com/example/Apache.execute(Lorg/apache/http/client/HttpClient;Lorg/apache/http/client/methods/HttpUriRequest;)Lorg/apache/http/HttpResponse;
REPLACE_CALL_SITE\:com/example/Json.<init>(Ljava/lang/String;)V = com/example/JsonFactory.create(Ljava/lang/String;)Lcom/example/Json;
REPLACE_CALL_SITE\:android/graphics/BitmapFactory.decodeFile(Ljava/lang/String;)Landroid/graphics/Bitmap; = com/example/Bitmaps.decodeFile(Ljava/lang/String;)Landroid/graphics/Bitmap;
REPLACE_CALL_SITE\:com/example/Client.fetch()Lcom/example/Resp; = com/example/Agent.fetch(Lcom/example/Client;)Lcom/example/AgentResp;
SHADOW_METHOD\:android/util/Log.d(Ljava/lang/String;Ljava/lang/String;)I = com/example/LogObserver.d(Ljava/lang/String;Ljava/lang/String;)V
`

const (
	static  = classfile.AccPublic | classfile.AccStatic
	virtual = classfile.AccPublic
)

var testLog = commonlog.GetLogger("classrewriter.test")

func testTable(t *testing.T) *rules.Table {
	t.Helper()
	table, err := rules.Parse([]byte(testRules))
	require.NoError(t, err)
	return table
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.DefaultInteractions = true
	opts.ComposeNavigation = true
	return opts
}

func testDispatcher(t *testing.T, opts *Options, options ...DispatcherOption) *Dispatcher {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	d, err := NewDispatcher(testLog, testTable(t), opts, options...)
	require.NoError(t, err)
	return d
}

// classBuilder assembles test classes with encoded method bodies.
type classBuilder struct {
	t   *testing.T
	cls *classfile.Class
}

func newClass(t *testing.T, name, super string) *classBuilder {
	return &classBuilder{t: t, cls: classfile.New(classfile.Java7, classfile.AccPublic|classfile.AccSuper, name, super)}
}

// method adds a method; a nil body leaves it abstract.
func (b *classBuilder) method(access uint16, name, desc string, body func(e *bytecode.Emitter)) *classfile.Member {
	b.t.Helper()
	if body == nil {
		access |= classfile.AccAbstract
	}
	m := b.cls.AddMethod(access, name, desc)
	if body == nil {
		return m
	}
	code, err := bytecode.NewCode(access, desc)
	require.NoError(b.t, err)
	e := bytecode.NewEmitter(b.cls.Pool, code)
	body(e)
	code.Insns = e.Take()
	attr, err := code.Encode(b.cls, m, bytecode.ModeFrames, NewClassHierarchy())
	require.NoError(b.t, err)
	m.Attributes = append(m.Attributes, attr)
	return m
}

func (b *classBuilder) annotate(m *classfile.Member, typ string, elems ...classfile.ElementPair) {
	a := &classfile.Annotation{TypeIndex: b.cls.Pool.AddUtf8(typ), Type: typ, Elements: elems}
	m.Attributes = append(m.Attributes, b.cls.NewAttribute(classfile.RuntimeInvisibleAnnotations, classfile.EncodeAnnotations([]*classfile.Annotation{a})))
}

func (b *classBuilder) str(name, value string) classfile.ElementPair {
	p := b.cls.Pool
	return classfile.ElementPair{NameIndex: p.AddUtf8(name), Name: name, Value: classfile.ElementValue{Tag: 's', ConstIndex: p.AddUtf8(value)}}
}

func (b *classBuilder) bytes() []byte {
	b.t.Helper()
	data, err := b.cls.Bytes()
	require.NoError(b.t, err)
	return data
}

func parse(t *testing.T, data []byte) *classfile.Class {
	t.Helper()
	cls, err := classfile.Parse(data)
	require.NoError(t, err)
	return cls
}

// listing renders the instructions of a method one per line, with the
// operands tests care about.
func listing(t *testing.T, cls *classfile.Class, name, desc string) []string {
	t.Helper()
	m := cls.Method(name, desc)
	require.NotNil(t, m, "%s%s", name, desc)
	code, err := bytecode.Decode(cls.Pool, m.Attribute(bytecode.AttrCode))
	require.NoError(t, err)

	var out []string
	for _, in := range code.Real() {
		s := in.Op.String()
		switch {
		case in.Op.IsLoad() || in.Op.IsStore():
			s += " " + strconv.Itoa(in.Var)
		case in.Op.IsInvoke() || (in.Op >= bytecode.GETSTATIC && in.Op <= bytecode.PUTFIELD):
			ref, err := in.Ref(cls.Pool)
			require.NoError(t, err)
			s += " " + ref.String()
		case in.Op == bytecode.NEW || in.Op == bytecode.CHECKCAST || in.Op == bytecode.INSTANCEOF:
			n, err := cls.Pool.ClassName(in.Index)
			require.NoError(t, err)
			s += " " + n
		case in.Op == bytecode.LDC || in.Op == bytecode.LDC_W:
			if v, err := cls.Pool.StringValue(in.Index); err == nil {
				s += " " + strconv.Quote(v)
			}
		}
		out = append(out, s)
	}
	return out
}

// catchTypes returns the catch class of each handler of a method.
func catchTypes(t *testing.T, cls *classfile.Class, name, desc string) []string {
	t.Helper()
	m := cls.Method(name, desc)
	require.NotNil(t, m)
	code, err := bytecode.Decode(cls.Pool, m.Attribute(bytecode.AttrCode))
	require.NoError(t, err)
	var out []string
	for _, h := range code.Handlers {
		n := "any"
		if h.CatchType != 0 {
			n, err = cls.Pool.ClassName(h.CatchType)
			require.NoError(t, err)
		}
		out = append(out, n)
	}
	return out
}

// codeAttributes lists the attribute names nested in a method's Code.
func codeAttributes(t *testing.T, cls *classfile.Class, m *classfile.Member) []string {
	t.Helper()
	data := m.Attribute(bytecode.AttrCode).Data
	pos := 4
	pos += 4 + int(binary.BigEndian.Uint32(data[pos:]))
	pos += 2 + 8*int(binary.BigEndian.Uint16(data[pos:]))
	n := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	var names []string
	for i := 0; i < n; i++ {
		name, err := cls.Pool.Utf8(binary.BigEndian.Uint16(data[pos:]))
		require.NoError(t, err)
		names = append(names, name)
		pos += 6 + int(binary.BigEndian.Uint32(data[pos+2:]))
	}
	return names
}

func hasAnnotation(t *testing.T, cls *classfile.Class, typ string) bool {
	t.Helper()
	anns, err := classfile.Annotations(cls.Pool, cls.Attributes)
	require.NoError(t, err)
	for _, a := range anns {
		if a.Type == typ {
			return true
		}
	}
	return false
}

func ruleKey(owner, name, desc string) rules.MethodKey {
	return rules.MethodKey{Owner: owner, Name: name, Desc: desc}
}
