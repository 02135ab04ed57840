// Package classfile reads and writes JVM class files.
//
// A Class keeps every structure it does not interpret in raw form, so a
// class that is parsed and written back without changes is byte-identical
// to its input. Method bodies are left as raw Code attributes; package
// bytecode decodes them on demand.
package classfile

import (
	"errors"
)

// Magic is the first four bytes of every class file.
const Magic = 0xCAFEBABE

// ---------------------------------------------------------------------------
// Class File Error Types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic  = errors.New("classfile: invalid magic number")
	ErrTruncated     = errors.New("classfile: unexpected end of class data")
	ErrBadConstant   = errors.New("classfile: bad constant pool reference")
	ErrTrailingBytes = errors.New("classfile: trailing bytes after class")
	ErrPoolOverflow  = errors.New("classfile: constant pool overflow")
	ErrBadDescriptor = errors.New("classfile: malformed descriptor")
)

// Access flags shared by classes, fields and methods.
const (
	AccPublic       uint16 = 0x0001
	AccPrivate      uint16 = 0x0002
	AccProtected    uint16 = 0x0004
	AccStatic       uint16 = 0x0008
	AccFinal        uint16 = 0x0010
	AccSuper        uint16 = 0x0020
	AccSynchronized uint16 = 0x0020
	AccVolatile     uint16 = 0x0040
	AccBridge       uint16 = 0x0040
	AccTransient    uint16 = 0x0080
	AccVarargs      uint16 = 0x0080
	AccNative       uint16 = 0x0100
	AccInterface    uint16 = 0x0200
	AccAbstract     uint16 = 0x0400
	AccStrict       uint16 = 0x0800
	AccSynthetic    uint16 = 0x1000
	AccAnnotation   uint16 = 0x2000
	AccEnum         uint16 = 0x4000
)

// Class file major versions referenced by the rewriter.
const (
	// Java6 is the first version that may carry StackMapTable attributes.
	Java6 uint16 = 50
	// Java7 is the first version whose verifier requires them.
	Java7 uint16 = 51
)

// Attribute is an attribute in raw form.
type Attribute struct {
	NameIndex uint16
	Name      string
	Data      []byte
}

// Member is a field or a method.
type Member struct {
	Access     uint16
	NameIndex  uint16
	DescIndex  uint16
	Name       string
	Desc       string
	Attributes []*Attribute
}

// IsStatic reports whether ACC_STATIC is set.
func (m *Member) IsStatic() bool { return m.Access&AccStatic != 0 }

// IsAbstract reports whether the method has no body.
func (m *Member) IsAbstract() bool { return m.Access&(AccAbstract|AccNative) != 0 }

// Attribute returns the first attribute with the given name, or nil.
func (m *Member) Attribute(name string) *Attribute {
	return findAttribute(m.Attributes, name)
}

// RemoveAttribute drops every attribute with the given name.
func (m *Member) RemoveAttribute(name string) {
	m.Attributes = removeAttribute(m.Attributes, name)
}

// Class is a parsed class file.
type Class struct {
	Minor      uint16
	Major      uint16
	Pool       *ConstantPool
	Access     uint16
	ThisClass  uint16
	SuperClass uint16
	Interfaces []uint16
	Fields     []*Member
	Methods    []*Member
	Attributes []*Attribute
}

// Name returns the internal name of the class.
func (c *Class) Name() string {
	name, _ := c.Pool.ClassName(c.ThisClass)
	return name
}

// SuperName returns the internal name of the superclass, or "" for
// java/lang/Object and module-info.
func (c *Class) SuperName() string {
	if c.SuperClass == 0 {
		return ""
	}
	name, _ := c.Pool.ClassName(c.SuperClass)
	return name
}

// InterfaceNames returns the internal names of the direct superinterfaces.
func (c *Class) InterfaceNames() []string {
	names := make([]string, 0, len(c.Interfaces))
	for _, i := range c.Interfaces {
		if name, err := c.Pool.ClassName(i); err == nil {
			names = append(names, name)
		}
	}
	return names
}

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool { return c.Access&AccInterface != 0 }

// IsAbstract reports whether the class is abstract.
func (c *Class) IsAbstract() bool { return c.Access&AccAbstract != 0 }

// AddInterface appends name to the interface list. An existing entry for the
// same interface is removed first so it is never listed twice.
func (c *Class) AddInterface(name string) {
	c.RemoveInterface(name)
	c.Interfaces = append(c.Interfaces, c.Pool.AddClass(name))
}

// RemoveInterface drops name from the interface list.
func (c *Class) RemoveInterface(name string) {
	kept := c.Interfaces[:0]
	for _, i := range c.Interfaces {
		if n, err := c.Pool.ClassName(i); err == nil && n == name {
			continue
		}
		kept = append(kept, i)
	}
	c.Interfaces = kept
}

// HasInterface reports whether name is a direct superinterface.
func (c *Class) HasInterface(name string) bool {
	for _, n := range c.InterfaceNames() {
		if n == name {
			return true
		}
	}
	return false
}

// Method returns the method with the given name and descriptor, or nil.
func (c *Class) Method(name, desc string) *Member {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// Field returns the field with the given name, or nil.
func (c *Class) Field(name string) *Member {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// AddMethod appends a new method with no attributes.
func (c *Class) AddMethod(access uint16, name, desc string) *Member {
	m := c.newMember(access, name, desc)
	c.Methods = append(c.Methods, m)
	return m
}

// AddField appends a new field with no attributes.
func (c *Class) AddField(access uint16, name, desc string) *Member {
	f := c.newMember(access, name, desc)
	c.Fields = append(c.Fields, f)
	return f
}

func (c *Class) newMember(access uint16, name, desc string) *Member {
	return &Member{
		Access:    access,
		NameIndex: c.Pool.AddUtf8(name),
		DescIndex: c.Pool.AddUtf8(desc),
		Name:      name,
		Desc:      desc,
	}
}

// NewAttribute builds an attribute whose name is interned in the class pool.
func (c *Class) NewAttribute(name string, data []byte) *Attribute {
	return &Attribute{NameIndex: c.Pool.AddUtf8(name), Name: name, Data: data}
}

// Attribute returns the first class attribute with the given name, or nil.
func (c *Class) Attribute(name string) *Attribute {
	return findAttribute(c.Attributes, name)
}

// New returns an empty class with the given names, for building classes
// from scratch.
func New(major uint16, access uint16, name, super string) *Class {
	c := &Class{Major: major, Pool: NewConstantPool(), Access: access}
	c.ThisClass = c.Pool.AddClass(name)
	if super != "" {
		c.SuperClass = c.Pool.AddClass(super)
	}
	return c
}

func findAttribute(attrs []*Attribute, name string) *Attribute {
	for _, a := range attrs {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func removeAttribute(attrs []*Attribute, name string) []*Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if a.Name != name {
			kept = append(kept, a)
		}
	}
	return kept
}
