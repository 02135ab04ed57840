package classfile

import (
	"fmt"
	"strings"
)

// Sort classifies a field type.
type Sort uint8

const (
	SortVoid Sort = iota
	SortBoolean
	SortChar
	SortByte
	SortShort
	SortInt
	SortFloat
	SortLong
	SortDouble
	SortArray
	SortObject
)

// Type is a single field type or return type, held as its descriptor.
type Type string

// ObjectType returns the type of references to the internal name.
func ObjectType(internalName string) Type {
	if strings.HasPrefix(internalName, "[") {
		return Type(internalName)
	}
	return Type("L" + internalName + ";")
}

// Sort returns the type's category.
func (t Type) Sort() Sort {
	if t == "" {
		return SortVoid
	}
	switch t[0] {
	case 'Z':
		return SortBoolean
	case 'C':
		return SortChar
	case 'B':
		return SortByte
	case 'S':
		return SortShort
	case 'I':
		return SortInt
	case 'F':
		return SortFloat
	case 'J':
		return SortLong
	case 'D':
		return SortDouble
	case '[':
		return SortArray
	case 'L':
		return SortObject
	}
	return SortVoid
}

// Size returns the number of local or stack slots a value occupies.
func (t Type) Size() int {
	switch t.Sort() {
	case SortVoid:
		return 0
	case SortLong, SortDouble:
		return 2
	}
	return 1
}

// IsReference reports whether values of the type are references.
func (t Type) IsReference() bool {
	s := t.Sort()
	return s == SortObject || s == SortArray
}

// InternalName returns the name used in Class constants: "java/lang/String"
// for objects and the descriptor itself for arrays.
func (t Type) InternalName() string {
	if t.Sort() == SortObject {
		return string(t[1 : len(t)-1])
	}
	return string(t)
}

// ClassName returns the Java source name, "java.lang.String".
func (t Type) ClassName() string {
	switch t.Sort() {
	case SortVoid:
		return "void"
	case SortBoolean:
		return "boolean"
	case SortChar:
		return "char"
	case SortByte:
		return "byte"
	case SortShort:
		return "short"
	case SortInt:
		return "int"
	case SortFloat:
		return "float"
	case SortLong:
		return "long"
	case SortDouble:
		return "double"
	case SortArray:
		return Type(t[1:]).ClassName() + "[]"
	}
	return strings.ReplaceAll(t.InternalName(), "/", ".")
}

// MethodType is a parsed method descriptor.
type MethodType struct {
	Args   []Type
	Return Type
}

// ParseMethodDescriptor splits "(ILjava/lang/String;)V" into its argument
// and return types. A "V" return parses as the empty Type.
func ParseMethodDescriptor(desc string) (MethodType, error) {
	var mt MethodType
	if !strings.HasPrefix(desc, "(") {
		return mt, fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, n, err := parseFieldType(desc[i:])
		if err != nil {
			return mt, fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
		}
		mt.Args = append(mt.Args, t)
		i += n
	}
	if i >= len(desc) {
		return mt, fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	ret := desc[i+1:]
	if ret == "V" {
		return mt, nil
	}
	t, n, err := parseFieldType(ret)
	if err != nil || n != len(ret) {
		return mt, fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	mt.Return = t
	return mt, nil
}

// ParseFieldDescriptor validates a single field descriptor.
func ParseFieldDescriptor(desc string) (Type, error) {
	t, n, err := parseFieldType(desc)
	if err != nil || n != len(desc) {
		return "", fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	return t, nil
}

func parseFieldType(s string) (Type, int, error) {
	if s == "" {
		return "", 0, ErrBadDescriptor
	}
	switch s[0] {
	case 'Z', 'C', 'B', 'S', 'I', 'F', 'J', 'D':
		return Type(s[:1]), 1, nil
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 2 {
			return "", 0, ErrBadDescriptor
		}
		return Type(s[:end+1]), end + 1, nil
	case '[':
		_, n, err := parseFieldType(s[1:])
		if err != nil {
			return "", 0, err
		}
		return Type(s[:n+1]), n + 1, nil
	}
	return "", 0, ErrBadDescriptor
}

// ArgSize returns the number of local slots taken by the arguments.
func (mt MethodType) ArgSize() int {
	n := 0
	for _, a := range mt.Args {
		n += a.Size()
	}
	return n
}

// Descriptor reassembles the method descriptor.
func (mt MethodType) Descriptor() string {
	var b strings.Builder
	b.WriteByte('(')
	for _, a := range mt.Args {
		b.WriteString(string(a))
	}
	b.WriteByte(')')
	if mt.Return == "" {
		b.WriteByte('V')
	} else {
		b.WriteString(string(mt.Return))
	}
	return b.String()
}

// SimpleName returns the last path element of an internal name with any
// outer-class prefix kept, "com/example/Foo$Bar" -> "Foo$Bar".
func SimpleName(internalName string) string {
	if i := strings.LastIndexByte(internalName, '/'); i >= 0 {
		return internalName[i+1:]
	}
	return internalName
}

// DottedName converts an internal name to its source form.
func DottedName(internalName string) string {
	return strings.ReplaceAll(internalName, "/", ".")
}
