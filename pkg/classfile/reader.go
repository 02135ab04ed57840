package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// reader: bounds-checked big-endian cursor
// ---------------------------------------------------------------------------

type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = fmt.Errorf("%w at offset %d", ErrTruncated, r.offset)
		return false
	}
	return true
}

func (r *reader) u1() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.offset]
	r.offset++
	return v
}

func (r *reader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.offset:])
	r.offset += 2
	return v
}

func (r *reader) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.data[r.offset : r.offset+n]
	r.offset += n
	return v
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ReadFrom parses a class from r.
func ReadFrom(r io.Reader) (*Class, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("classfile: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes a class file. Attributes other than those needed to name
// members are kept raw. The returned class does not alias data.
func Parse(data []byte) (*Class, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	r := &reader{data: buf}

	if r.u4() != Magic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, ErrInvalidMagic
	}

	c := &Class{}
	c.Minor = r.u2()
	c.Major = r.u2()

	pool, err := readPool(r)
	if err != nil {
		return nil, err
	}
	c.Pool = pool

	c.Access = r.u2()
	c.ThisClass = r.u2()
	c.SuperClass = r.u2()
	if r.err != nil {
		return nil, r.err
	}
	if _, err := pool.ClassName(c.ThisClass); err != nil {
		return nil, fmt.Errorf("classfile: this_class: %w", err)
	}
	if c.SuperClass != 0 {
		if _, err := pool.ClassName(c.SuperClass); err != nil {
			return nil, fmt.Errorf("classfile: super_class: %w", err)
		}
	}

	n := int(r.u2())
	c.Interfaces = make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		c.Interfaces = append(c.Interfaces, r.u2())
	}

	if c.Fields, err = readMembers(r, pool); err != nil {
		return nil, fmt.Errorf("classfile: fields: %w", err)
	}
	if c.Methods, err = readMembers(r, pool); err != nil {
		return nil, fmt.Errorf("classfile: methods: %w", err)
	}
	if c.Attributes, err = readAttributes(r, pool); err != nil {
		return nil, fmt.Errorf("classfile: class attributes: %w", err)
	}
	if r.offset != len(r.data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(r.data)-r.offset)
	}
	return c, nil
}

func readPool(r *reader) (*ConstantPool, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: empty constant pool", ErrBadConstant)
	}

	p := &ConstantPool{entries: make([]Constant, 1, count)}
	for len(p.entries) < count {
		c := Constant{Tag: Tag(r.u1())}
		switch c.Tag {
		case TagUtf8:
			n := int(r.u2())
			c.Raw = string(r.bytes(n))
		case TagInteger, TagFloat:
			c.Bits = uint64(r.u4())
		case TagLong, TagDouble:
			hi := uint64(r.u4())
			lo := uint64(r.u4())
			c.Bits = hi<<32 | lo
			if len(p.entries)+1 >= count {
				return nil, fmt.Errorf("%w: wide constant at last slot %d", ErrBadConstant, len(p.entries))
			}
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.Index1 = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			c.Index1 = r.u2()
			c.Index2 = r.u2()
		case TagMethodHandle:
			c.Kind = r.u1()
			c.Index2 = r.u2()
		default:
			if r.err != nil {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: unknown tag %d at slot %d", ErrBadConstant, c.Tag, len(p.entries))
		}
		if r.err != nil {
			return nil, r.err
		}
		p.append(c)
	}
	return p, nil
}

func readMembers(r *reader, pool *ConstantPool) ([]*Member, error) {
	n := int(r.u2())
	members := make([]*Member, 0, n)
	for i := 0; i < n; i++ {
		m := &Member{Access: r.u2(), NameIndex: r.u2(), DescIndex: r.u2()}
		if r.err != nil {
			return nil, r.err
		}
		var err error
		if m.Name, err = pool.Utf8(m.NameIndex); err != nil {
			return nil, err
		}
		if m.Desc, err = pool.Utf8(m.DescIndex); err != nil {
			return nil, err
		}
		if m.Attributes, err = readAttributes(r, pool); err != nil {
			return nil, fmt.Errorf("%s%s: %w", m.Name, m.Desc, err)
		}
		members = append(members, m)
	}
	return members, r.err
}

func readAttributes(r *reader, pool *ConstantPool) ([]*Attribute, error) {
	n := int(r.u2())
	attrs := make([]*Attribute, 0, n)
	for i := 0; i < n; i++ {
		a := &Attribute{NameIndex: r.u2()}
		length := int(r.u4())
		a.Data = r.bytes(length)
		if r.err != nil {
			return nil, r.err
		}
		name, err := pool.Utf8(a.NameIndex)
		if err != nil {
			return nil, err
		}
		a.Name = name
		attrs = append(attrs, a)
	}
	return attrs, r.err
}
