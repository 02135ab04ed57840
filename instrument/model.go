package instrument

import (
	"fmt"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// ClassModel is the class being rewritten. Method bodies are decoded on
// first access and only bodies that a stage touched are re-encoded.
type ClassModel struct {
	*classfile.Class

	bodies map[*classfile.Member]*bytecode.Code
	dirty  map[*classfile.Member]bool
	traced map[*classfile.Member]bool
}

// NewClassModel wraps a parsed class.
func NewClassModel(cls *classfile.Class) *ClassModel {
	return &ClassModel{
		Class:  cls,
		bodies: make(map[*classfile.Member]*bytecode.Code),
		dirty:  make(map[*classfile.Member]bool),
		traced: make(map[*classfile.Member]bool),
	}
}

// Body returns the decoded body of m, or nil for abstract and native
// methods.
func (c *ClassModel) Body(m *classfile.Member) (*bytecode.Code, error) {
	if code, ok := c.bodies[m]; ok {
		return code, nil
	}
	attr := m.Attribute(bytecode.AttrCode)
	if attr == nil {
		return nil, nil
	}
	code, err := bytecode.Decode(c.Pool, attr)
	if err != nil {
		return nil, fmt.Errorf("%s%s: %w", m.Name, m.Desc, err)
	}
	c.bodies[m] = code
	return code, nil
}

// Touch marks the body of m for re-encoding.
func (c *ClassModel) Touch(m *classfile.Member) { c.dirty[m] = true }

// NewMethod adds a method with an empty body.
func (c *ClassModel) NewMethod(access uint16, name, desc string) (*classfile.Member, *bytecode.Code, error) {
	code, err := bytecode.NewCode(access, desc)
	if err != nil {
		return nil, nil, err
	}
	m := c.AddMethod(access, name, desc)
	c.bodies[m] = code
	c.dirty[m] = true
	return m, code, nil
}

// ReplaceBody discards the body of m and returns an empty one.
func (c *ClassModel) ReplaceBody(m *classfile.Member) (*bytecode.Code, error) {
	code, err := bytecode.NewCode(m.Access, m.Desc)
	if err != nil {
		return nil, err
	}
	c.bodies[m] = code
	c.dirty[m] = true
	return code, nil
}

// Emitter returns an emitter over the body of m.
func (c *ClassModel) Emitter(code *bytecode.Code) *bytecode.Emitter {
	return bytecode.NewEmitter(c.Pool, code)
}

// Bytes re-encodes touched bodies and serializes the class.
func (c *ClassModel) Bytes(mode bytecode.Mode, h bytecode.Hierarchy) ([]byte, error) {
	for _, m := range c.Methods {
		if !c.dirty[m] {
			continue
		}
		attr, err := c.bodies[m].Encode(c.Class, m, mode, h)
		if err != nil {
			return nil, err
		}
		replaced := false
		for i, a := range m.Attributes {
			if a.Name == bytecode.AttrCode {
				m.Attributes[i] = attr
				replaced = true
				break
			}
		}
		if !replaced {
			m.Attributes = append(m.Attributes, attr)
		}
	}
	return c.Class.Bytes()
}
