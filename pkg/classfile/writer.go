package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// writer accumulates big-endian output.
type writer struct {
	buf []byte
}

func (w *writer) u1(v uint8)  { w.buf = append(w.buf, v) }
func (w *writer) u2(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u4(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Bytes serializes the class.
func (c *Class) Bytes() ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 4096)}
	w.u4(Magic)
	w.u2(c.Minor)
	w.u2(c.Major)

	if c.Pool.Count() > math.MaxUint16 {
		return nil, ErrPoolOverflow
	}
	w.u2(uint16(c.Pool.Count()))
	for i := 1; i < len(c.Pool.entries); i++ {
		e := c.Pool.entries[i]
		if e.Tag == 0 {
			continue
		}
		w.u1(uint8(e.Tag))
		switch e.Tag {
		case TagUtf8:
			if len(e.Raw) > math.MaxUint16 {
				return nil, fmt.Errorf("classfile: utf8 constant %d too long", i)
			}
			w.u2(uint16(len(e.Raw)))
			w.raw([]byte(e.Raw))
		case TagInteger, TagFloat:
			w.u4(uint32(e.Bits))
		case TagLong, TagDouble:
			w.u4(uint32(e.Bits >> 32))
			w.u4(uint32(e.Bits))
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.u2(e.Index1)
		case TagMethodHandle:
			w.u1(e.Kind)
			w.u2(e.Index2)
		default:
			w.u2(e.Index1)
			w.u2(e.Index2)
		}
	}

	w.u2(c.Access)
	w.u2(c.ThisClass)
	w.u2(c.SuperClass)
	w.u2(uint16(len(c.Interfaces)))
	for _, i := range c.Interfaces {
		w.u2(i)
	}
	if err := writeMembers(w, c.Fields); err != nil {
		return nil, err
	}
	if err := writeMembers(w, c.Methods); err != nil {
		return nil, err
	}
	if err := writeAttributes(w, c.Attributes); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// WriteTo writes the serialized class to out.
func (c *Class) WriteTo(out io.Writer) (int64, error) {
	data, err := c.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := out.Write(data)
	return int64(n), err
}

func writeMembers(w *writer, members []*Member) error {
	if len(members) > math.MaxUint16 {
		return fmt.Errorf("classfile: too many members (%d)", len(members))
	}
	w.u2(uint16(len(members)))
	for _, m := range members {
		w.u2(m.Access)
		w.u2(m.NameIndex)
		w.u2(m.DescIndex)
		if err := writeAttributes(w, m.Attributes); err != nil {
			return fmt.Errorf("classfile: %s%s: %w", m.Name, m.Desc, err)
		}
	}
	return nil
}

func writeAttributes(w *writer, attrs []*Attribute) error {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		if uint64(len(a.Data)) > math.MaxUint32 {
			return fmt.Errorf("attribute %s too large", a.Name)
		}
		w.u2(a.NameIndex)
		w.u4(uint32(len(a.Data)))
		w.raw(a.Data)
	}
	return nil
}
