package classfile

import (
	"fmt"
	"math"
)

// Tag identifies the kind of a constant pool entry.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
	TagModule             Tag = 19
	TagPackage            Tag = 20
)

var tagNames = map[Tag]string{
	TagUtf8:               "Utf8",
	TagInteger:            "Integer",
	TagFloat:              "Float",
	TagLong:               "Long",
	TagDouble:             "Double",
	TagClass:              "Class",
	TagString:             "String",
	TagFieldref:           "Fieldref",
	TagMethodref:          "Methodref",
	TagInterfaceMethodref: "InterfaceMethodref",
	TagNameAndType:        "NameAndType",
	TagMethodHandle:       "MethodHandle",
	TagMethodType:         "MethodType",
	TagDynamic:            "Dynamic",
	TagInvokeDynamic:      "InvokeDynamic",
	TagModule:             "Module",
	TagPackage:            "Package",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// Wide reports whether the entry occupies two pool slots.
func (t Tag) Wide() bool {
	return t == TagLong || t == TagDouble
}

// Constant is one constant pool entry. Which fields are meaningful depends
// on Tag:
//
//	Utf8                 Raw (modified UTF-8 bytes)
//	Integer, Float       Bits (low 32 bits)
//	Long, Double         Bits
//	Class, String,
//	MethodType, Module,
//	Package              Index1
//	*ref, NameAndType,
//	Dynamic, InvokeDynamic Index1, Index2
//	MethodHandle         Kind, Index2
type Constant struct {
	Tag    Tag
	Raw    string
	Bits   uint64
	Index1 uint16
	Index2 uint16
	Kind   uint8
}

// ConstantPool holds the entries of a class's constant pool. Index 0 is
// unused and the slot following a Long or Double is a placeholder, as in
// the class file itself. Entries are only ever appended, so indices held by
// existing code stay valid.
type ConstantPool struct {
	entries []Constant
	lookup  map[Constant]uint16
}

// NewConstantPool returns an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: make([]Constant, 1)}
}

// Count returns the constant_pool_count value (number of slots plus one).
func (p *ConstantPool) Count() int {
	return len(p.entries)
}

// Get returns the entry at index i.
func (p *ConstantPool) Get(i uint16) (Constant, error) {
	if i == 0 || int(i) >= len(p.entries) || p.entries[i].Tag == 0 {
		return Constant{}, fmt.Errorf("%w: index %d", ErrBadConstant, i)
	}
	return p.entries[i], nil
}

func (p *ConstantPool) expect(i uint16, tag Tag) (Constant, error) {
	c, err := p.Get(i)
	if err != nil {
		return c, err
	}
	if c.Tag != tag {
		return c, fmt.Errorf("%w: index %d is %s, want %s", ErrBadConstant, i, c.Tag, tag)
	}
	return c, nil
}

// Utf8 returns the decoded string stored at index i.
func (p *ConstantPool) Utf8(i uint16) (string, error) {
	c, err := p.expect(i, TagUtf8)
	if err != nil {
		return "", err
	}
	return decodeModifiedUTF8(c.Raw), nil
}

// ClassName returns the internal name referenced by the Class entry at i.
func (p *ConstantPool) ClassName(i uint16) (string, error) {
	c, err := p.expect(i, TagClass)
	if err != nil {
		return "", err
	}
	return p.Utf8(c.Index1)
}

// StringValue returns the value of the String entry at i.
func (p *ConstantPool) StringValue(i uint16) (string, error) {
	c, err := p.expect(i, TagString)
	if err != nil {
		return "", err
	}
	return p.Utf8(c.Index1)
}

// NameAndType returns the name and descriptor of the NameAndType entry at i.
func (p *ConstantPool) NameAndType(i uint16) (name, desc string, err error) {
	c, err := p.expect(i, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	if name, err = p.Utf8(c.Index1); err != nil {
		return "", "", err
	}
	if desc, err = p.Utf8(c.Index2); err != nil {
		return "", "", err
	}
	return name, desc, nil
}

// MemberRef is a resolved Fieldref, Methodref or InterfaceMethodref.
type MemberRef struct {
	Owner     string
	Name      string
	Desc      string
	Interface bool
}

func (r MemberRef) String() string {
	return r.Owner + "." + r.Name + r.Desc
}

// MemberRef resolves the field or method reference at i.
func (p *ConstantPool) MemberRef(i uint16) (MemberRef, error) {
	c, err := p.Get(i)
	if err != nil {
		return MemberRef{}, err
	}
	switch c.Tag {
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
	default:
		return MemberRef{}, fmt.Errorf("%w: index %d is %s, want member reference", ErrBadConstant, i, c.Tag)
	}
	owner, err := p.ClassName(c.Index1)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := p.NameAndType(c.Index2)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Owner: owner, Name: name, Desc: desc, Interface: c.Tag == TagInterfaceMethodref}, nil
}

// InvokeDynamic returns the name and descriptor of an InvokeDynamic or
// Dynamic entry.
func (p *ConstantPool) InvokeDynamic(i uint16) (name, desc string, err error) {
	c, err := p.Get(i)
	if err != nil {
		return "", "", err
	}
	if c.Tag != TagInvokeDynamic && c.Tag != TagDynamic {
		return "", "", fmt.Errorf("%w: index %d is %s, want dynamic", ErrBadConstant, i, c.Tag)
	}
	return p.NameAndType(c.Index2)
}

// Int returns the value of an Integer entry.
func (p *ConstantPool) Int(i uint16) (int32, error) {
	c, err := p.expect(i, TagInteger)
	return int32(uint32(c.Bits)), err
}

// Float returns the value of a Float entry.
func (p *ConstantPool) Float(i uint16) (float32, error) {
	c, err := p.expect(i, TagFloat)
	return math.Float32frombits(uint32(c.Bits)), err
}

// Long returns the value of a Long entry.
func (p *ConstantPool) Long(i uint16) (int64, error) {
	c, err := p.expect(i, TagLong)
	return int64(c.Bits), err
}

// Double returns the value of a Double entry.
func (p *ConstantPool) Double(i uint16) (float64, error) {
	c, err := p.expect(i, TagDouble)
	return math.Float64frombits(c.Bits), err
}

// ---------------------------------------------------------------------------
// Appending
// ---------------------------------------------------------------------------

func (p *ConstantPool) index() {
	if p.lookup != nil {
		return
	}
	p.lookup = make(map[Constant]uint16, len(p.entries))
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		if c.Tag == 0 {
			continue
		}
		if _, ok := p.lookup[c]; !ok {
			p.lookup[c] = uint16(i)
		}
	}
}

func (p *ConstantPool) add(c Constant) uint16 {
	p.index()
	if i, ok := p.lookup[c]; ok {
		return i
	}
	if len(p.entries) >= math.MaxUint16-1 {
		panic(ErrPoolOverflow)
	}
	i := uint16(len(p.entries))
	p.entries = append(p.entries, c)
	if c.Tag.Wide() {
		p.entries = append(p.entries, Constant{})
	}
	p.lookup[c] = i
	return i
}

// append stores an entry exactly as read, without deduplication.
func (p *ConstantPool) append(c Constant) {
	p.entries = append(p.entries, c)
	if c.Tag.Wide() {
		p.entries = append(p.entries, Constant{})
	}
}

// AddUtf8 returns the index of a Utf8 entry holding s, adding one if needed.
func (p *ConstantPool) AddUtf8(s string) uint16 {
	return p.add(Constant{Tag: TagUtf8, Raw: encodeModifiedUTF8(s)})
}

// AddClass returns the index of a Class entry for the internal name.
func (p *ConstantPool) AddClass(internalName string) uint16 {
	return p.add(Constant{Tag: TagClass, Index1: p.AddUtf8(internalName)})
}

// AddString returns the index of a String entry.
func (p *ConstantPool) AddString(s string) uint16 {
	return p.add(Constant{Tag: TagString, Index1: p.AddUtf8(s)})
}

// AddInteger returns the index of an Integer entry.
func (p *ConstantPool) AddInteger(v int32) uint16 {
	return p.add(Constant{Tag: TagInteger, Bits: uint64(uint32(v))})
}

// AddLong returns the index of a Long entry.
func (p *ConstantPool) AddLong(v int64) uint16 {
	return p.add(Constant{Tag: TagLong, Bits: uint64(v)})
}

// AddNameAndType returns the index of a NameAndType entry.
func (p *ConstantPool) AddNameAndType(name, desc string) uint16 {
	return p.add(Constant{Tag: TagNameAndType, Index1: p.AddUtf8(name), Index2: p.AddUtf8(desc)})
}

// AddFieldref returns the index of a Fieldref entry.
func (p *ConstantPool) AddFieldref(owner, name, desc string) uint16 {
	return p.add(Constant{Tag: TagFieldref, Index1: p.AddClass(owner), Index2: p.AddNameAndType(name, desc)})
}

// AddMethodref returns the index of a Methodref entry.
func (p *ConstantPool) AddMethodref(owner, name, desc string) uint16 {
	return p.add(Constant{Tag: TagMethodref, Index1: p.AddClass(owner), Index2: p.AddNameAndType(name, desc)})
}

// AddInterfaceMethodref returns the index of an InterfaceMethodref entry.
func (p *ConstantPool) AddInterfaceMethodref(owner, name, desc string) uint16 {
	return p.add(Constant{Tag: TagInterfaceMethodref, Index1: p.AddClass(owner), Index2: p.AddNameAndType(name, desc)})
}

// ---------------------------------------------------------------------------
// Modified UTF-8
// ---------------------------------------------------------------------------

// encodeModifiedUTF8 encodes s the way the JVM stores Utf8 constants: NUL as
// two bytes and supplementary characters as surrogate pairs.
func encodeModifiedUTF8(s string) string {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] == 0 || s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return s
	}

	out := make([]byte, 0, len(s)+8)
	put := func(c rune) {
		switch {
		case c != 0 && c < 0x80:
			out = append(out, byte(c))
		case c < 0x800:
			out = append(out, byte(0xC0|(c>>6)), byte(0x80|(c&0x3F)))
		default:
			out = append(out, byte(0xE0|(c>>12)), byte(0x80|((c>>6)&0x3F)), byte(0x80|(c&0x3F)))
		}
	}
	for _, r := range s {
		if r >= 0x10000 {
			r -= 0x10000
			put(0xD800 + (r >> 10))
			put(0xDC00 + (r & 0x3FF))
			continue
		}
		put(r)
	}
	return string(out)
}

func decodeModifiedUTF8(raw string) string {
	plain := true
	for i := 0; i < len(raw); i++ {
		if raw[i] >= 0x80 {
			plain = false
			break
		}
	}
	if plain {
		return raw
	}

	units := make([]uint16, 0, len(raw))
	for i := 0; i < len(raw); {
		b := raw[i]
		switch {
		case b < 0x80:
			units = append(units, uint16(b))
			i++
		case b&0xE0 == 0xC0 && i+1 < len(raw):
			units = append(units, uint16(b&0x1F)<<6|uint16(raw[i+1]&0x3F))
			i += 2
		case b&0xF0 == 0xE0 && i+2 < len(raw):
			units = append(units, uint16(b&0x0F)<<12|uint16(raw[i+1]&0x3F)<<6|uint16(raw[i+2]&0x3F))
			i += 3
		default:
			units = append(units, 0xFFFD)
			i++
		}
	}

	out := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u < 0xDC00 && i+1 < len(units) && units[i+1] >= 0xDC00 && units[i+1] < 0xE000 {
			out = append(out, 0x10000+(rune(u)-0xD800)<<10+(rune(units[i+1])-0xDC00))
			i++
			continue
		}
		out = append(out, rune(u))
	}
	return string(out)
}
