package classfile

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Annotation attribute names.
const (
	RuntimeVisibleAnnotations   = "RuntimeVisibleAnnotations"
	RuntimeInvisibleAnnotations = "RuntimeInvisibleAnnotations"
)

// Annotation is one entry of a Runtime*Annotations attribute.
type Annotation struct {
	TypeIndex uint16
	Type      string
	Elements  []ElementPair
}

// ElementPair is a named annotation element.
type ElementPair struct {
	NameIndex uint16
	Name      string
	Value     ElementValue
}

// ElementValue is an annotation element value. Tag follows the class file
// encoding: one of BCDFIJSZs for constants, 'e' enum, 'c' class, '@'
// nested annotation, '[' array.
type ElementValue struct {
	Tag        byte
	ConstIndex uint16 // constants and 'c'
	TypeIndex  uint16 // 'e'
	Nested     *Annotation
	Values     []ElementValue
}

// ParseAnnotations decodes the body of a Runtime*Annotations attribute.
func ParseAnnotations(pool *ConstantPool, data []byte) ([]*Annotation, error) {
	r := &reader{data: data}
	n := int(r.u2())
	out := make([]*Annotation, 0, n)
	for i := 0; i < n; i++ {
		a, err := readAnnotation(r, pool)
		if err != nil {
			return nil, fmt.Errorf("classfile: annotation %d: %w", i, err)
		}
		out = append(out, a)
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

func readAnnotation(r *reader, pool *ConstantPool) (*Annotation, error) {
	a := &Annotation{TypeIndex: r.u2()}
	if r.err != nil {
		return nil, r.err
	}
	var err error
	if a.Type, err = pool.Utf8(a.TypeIndex); err != nil {
		return nil, err
	}
	n := int(r.u2())
	for i := 0; i < n; i++ {
		p := ElementPair{NameIndex: r.u2()}
		if r.err != nil {
			return nil, r.err
		}
		if p.Name, err = pool.Utf8(p.NameIndex); err != nil {
			return nil, err
		}
		if p.Value, err = readElementValue(r, pool); err != nil {
			return nil, err
		}
		a.Elements = append(a.Elements, p)
	}
	return a, r.err
}

func readElementValue(r *reader, pool *ConstantPool) (ElementValue, error) {
	v := ElementValue{Tag: r.u1()}
	switch v.Tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's', 'c':
		v.ConstIndex = r.u2()
	case 'e':
		v.TypeIndex = r.u2()
		v.ConstIndex = r.u2()
	case '@':
		nested, err := readAnnotation(r, pool)
		if err != nil {
			return v, err
		}
		v.Nested = nested
	case '[':
		n := int(r.u2())
		for i := 0; i < n; i++ {
			e, err := readElementValue(r, pool)
			if err != nil {
				return v, err
			}
			v.Values = append(v.Values, e)
		}
	default:
		if r.err != nil {
			return v, r.err
		}
		return v, fmt.Errorf("%w: element value tag %q", ErrBadConstant, v.Tag)
	}
	return v, r.err
}

// EncodeAnnotations encodes the body of a Runtime*Annotations attribute.
func EncodeAnnotations(annotations []*Annotation) []byte {
	w := &writer{}
	w.u2(uint16(len(annotations)))
	for _, a := range annotations {
		writeAnnotation(w, a)
	}
	return w.buf
}

func writeAnnotation(w *writer, a *Annotation) {
	w.u2(a.TypeIndex)
	w.u2(uint16(len(a.Elements)))
	for _, p := range a.Elements {
		w.u2(p.NameIndex)
		writeElementValue(w, p.Value)
	}
}

func writeElementValue(w *writer, v ElementValue) {
	w.u1(v.Tag)
	switch v.Tag {
	case 'e':
		w.u2(v.TypeIndex)
		w.u2(v.ConstIndex)
	case '@':
		writeAnnotation(w, v.Nested)
	case '[':
		w.u2(uint16(len(v.Values)))
		for _, e := range v.Values {
			writeElementValue(w, e)
		}
	default:
		w.u2(v.ConstIndex)
	}
}

// Annotations decodes both visible and invisible annotations from attrs.
func Annotations(pool *ConstantPool, attrs []*Attribute) ([]*Annotation, error) {
	var out []*Annotation
	for _, a := range attrs {
		if a.Name != RuntimeVisibleAnnotations && a.Name != RuntimeInvisibleAnnotations {
			continue
		}
		list, err := ParseAnnotations(pool, a.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	return out, nil
}

// AddAnnotation appends a marker annotation of type desc to the invisible
// annotations in attrs, creating the attribute if needed.
func (c *Class) AddAnnotation(attrs []*Attribute, desc string) ([]*Attribute, error) {
	ann := &Annotation{TypeIndex: c.Pool.AddUtf8(desc), Type: desc}
	if existing := findAttribute(attrs, RuntimeInvisibleAnnotations); existing != nil {
		list, err := ParseAnnotations(c.Pool, existing.Data)
		if err != nil {
			return attrs, err
		}
		existing.Data = EncodeAnnotations(append(list, ann))
		return attrs, nil
	}
	return append(attrs, c.NewAttribute(RuntimeInvisibleAnnotations, EncodeAnnotations([]*Annotation{ann}))), nil
}

// Literal is a constant annotation element rendered the way the Java
// runtime would box and print it.
type Literal struct {
	Name  string
	Type  string
	Value string
}

// Literals flattens the constant and enum elements of an annotation.
// Nested annotations and arrays are skipped.
func (a *Annotation) Literals(pool *ConstantPool) ([]Literal, error) {
	var out []Literal
	for _, p := range a.Elements {
		lit, ok, err := literal(pool, p.Value)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		lit.Name = p.Name
		out = append(out, lit)
	}
	return out, nil
}

// Element returns the named element value.
func (a *Annotation) Element(name string) (ElementValue, bool) {
	for _, p := range a.Elements {
		if p.Name == name {
			return p.Value, true
		}
	}
	return ElementValue{}, false
}

// StringElement returns a string or class element as a Go string.
func (a *Annotation) StringElement(pool *ConstantPool, name string) (string, bool) {
	v, ok := a.Element(name)
	if !ok || (v.Tag != 's' && v.Tag != 'c') {
		return "", false
	}
	s, err := pool.Utf8(v.ConstIndex)
	return s, err == nil
}

// BoolElement returns a boolean element.
func (a *Annotation) BoolElement(pool *ConstantPool, name string) (bool, bool) {
	v, ok := a.Element(name)
	if !ok || v.Tag != 'Z' {
		return false, false
	}
	n, err := pool.Int(v.ConstIndex)
	return n != 0, err == nil
}

func literal(pool *ConstantPool, v ElementValue) (Literal, bool, error) {
	switch v.Tag {
	case 's':
		s, err := pool.Utf8(v.ConstIndex)
		return Literal{Type: "java.lang.String", Value: s}, err == nil, err
	case 'Z':
		n, err := pool.Int(v.ConstIndex)
		return Literal{Type: "java.lang.Boolean", Value: strconv.FormatBool(n != 0)}, err == nil, err
	case 'C':
		n, err := pool.Int(v.ConstIndex)
		return Literal{Type: "java.lang.Character", Value: string(rune(n))}, err == nil, err
	case 'B', 'S', 'I':
		n, err := pool.Int(v.ConstIndex)
		types := map[byte]string{'B': "java.lang.Byte", 'S': "java.lang.Short", 'I': "java.lang.Integer"}
		return Literal{Type: types[v.Tag], Value: strconv.FormatInt(int64(n), 10)}, err == nil, err
	case 'J':
		n, err := pool.Long(v.ConstIndex)
		return Literal{Type: "java.lang.Long", Value: strconv.FormatInt(n, 10)}, err == nil, err
	case 'F':
		f, err := pool.Float(v.ConstIndex)
		return Literal{Type: "java.lang.Float", Value: javaFloat(float64(f), 32)}, err == nil, err
	case 'D':
		f, err := pool.Double(v.ConstIndex)
		return Literal{Type: "java.lang.Double", Value: javaFloat(f, 64)}, err == nil, err
	case 'e':
		typ, err := pool.Utf8(v.TypeIndex)
		if err != nil {
			return Literal{}, false, err
		}
		name, err := pool.Utf8(v.ConstIndex)
		return Literal{Type: Type(typ).ClassName(), Value: name}, err == nil, err
	case 'c':
		desc, err := pool.Utf8(v.ConstIndex)
		return Literal{Type: "java.lang.Class", Value: Type(desc).ClassName()}, err == nil, err
	}
	return Literal{}, false, nil
}

// javaFloat mimics Float.toString/Double.toString for ordinary values.
func javaFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	s := strconv.FormatFloat(f, 'f', -1, bits)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
