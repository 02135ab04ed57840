package bytecode

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// cursor is a bounds-checked big-endian reader over attribute data.
type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.pos+n > len(c.data) {
		c.err = fmt.Errorf("%w: truncated at %d", ErrBadCode, c.pos)
		return false
	}
	return true
}

func (c *cursor) u1() int {
	if !c.need(1) {
		return 0
	}
	v := c.data[c.pos]
	c.pos++
	return int(v)
}

func (c *cursor) s1() int { return int(int8(c.u1())) }

func (c *cursor) u2() int {
	if !c.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return int(v)
}

func (c *cursor) s2() int { return int(int16(c.u2())) }

func (c *cursor) s4() int32 {
	if !c.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return int32(v)
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	v := c.data[c.pos : c.pos+n]
	c.pos += n
	return v
}

// pending carries raw branch offsets until labels exist.
type pending struct {
	insn    *Insn
	pc      int
	target  int
	def     int
	targets []int
}

// Decode parses a Code attribute into an instruction list. Short forms
// (iload_0, goto_w, ldc_w ...) are normalized; Encode picks the compact
// encoding again. StackMapTable and unrecognized code attributes are
// dropped since a re-encoded body gets fresh frames.
func Decode(pool *classfile.ConstantPool, attr *classfile.Attribute) (*Code, error) {
	cur := &cursor{data: attr.Data}
	code := &Code{MaxStack: cur.u2(), MaxLocals: cur.u2()}
	length := int(cur.s4())
	raw := cur.bytes(length)
	if cur.err != nil {
		return nil, cur.err
	}
	if length <= 0 || length > 65535 {
		return nil, fmt.Errorf("%w: code length %d", ErrBadCode, length)
	}

	insns, err := decodeInsns(raw)
	if err != nil {
		return nil, err
	}

	boundary := make(map[int]bool, len(insns)+1)
	for _, p := range insns {
		boundary[p.pc] = true
	}
	boundary[length] = true

	labels := make(map[int]*Label)
	label := func(off int) (*Label, error) {
		if !boundary[off] {
			return nil, fmt.Errorf("%w: offset %d is not an instruction boundary", ErrBadCode, off)
		}
		if l, ok := labels[off]; ok {
			return l, nil
		}
		l := code.NewLabel()
		labels[off] = l
		return l, nil
	}

	for _, p := range insns {
		in := p.insn
		if in.Op.IsJump() {
			if in.Target, err = label(p.target); err != nil {
				return nil, err
			}
		}
		if in.Op == TABLESWITCH || in.Op == LOOKUPSWITCH {
			if in.Default, err = label(p.def); err != nil {
				return nil, err
			}
			for _, t := range p.targets {
				l, err := label(t)
				if err != nil {
					return nil, err
				}
				in.Targets = append(in.Targets, l)
			}
		}
	}

	n := cur.u2()
	for i := 0; i < n; i++ {
		start, end, handler, catch := cur.u2(), cur.u2(), cur.u2(), cur.u2()
		if cur.err != nil {
			return nil, cur.err
		}
		h := Handler{CatchType: uint16(catch)}
		if h.Start, err = label(start); err != nil {
			return nil, err
		}
		if h.End, err = label(end); err != nil {
			return nil, err
		}
		if h.Handler, err = label(handler); err != nil {
			return nil, err
		}
		code.Handlers = append(code.Handlers, h)
	}

	n = cur.u2()
	for i := 0; i < n; i++ {
		nameIndex := cur.u2()
		size := int(cur.s4())
		data := cur.bytes(size)
		if cur.err != nil {
			return nil, cur.err
		}
		name, err := pool.Utf8(uint16(nameIndex))
		if err != nil {
			return nil, err
		}
		switch name {
		case AttrLineNumberTable:
			lines := &cursor{data: data}
			count := lines.u2()
			for j := 0; j < count; j++ {
				pc, line := lines.u2(), lines.u2()
				if lines.err != nil || !boundary[pc] || pc == length {
					continue
				}
				l, _ := label(pc)
				l.Line = line
			}
		case AttrLocalVariableTable, AttrLocalVariableTypeTable:
			vars := decodeLocals(data, boundary, label)
			if name == AttrLocalVariableTable {
				code.Locals = append(code.Locals, vars...)
			} else {
				code.TypeLocals = append(code.TypeLocals, vars...)
			}
		}
	}

	offsets := make([]int, 0, len(labels))
	for off := range labels {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	code.Insns = make([]*Insn, 0, len(insns)+len(labels))
	k := 0
	for _, p := range insns {
		for k < len(offsets) && offsets[k] <= p.pc {
			code.Insns = append(code.Insns, &Insn{Mark: labels[offsets[k]]})
			k++
		}
		code.Insns = append(code.Insns, p.insn)
	}
	for ; k < len(offsets); k++ {
		code.Insns = append(code.Insns, &Insn{Mark: labels[offsets[k]]})
	}
	code.nextLocal = code.MaxLocals
	return code, nil
}

func decodeLocals(data []byte, boundary map[int]bool, label func(int) (*Label, error)) []LocalVar {
	c := &cursor{data: data}
	count := c.u2()
	var out []LocalVar
	for j := 0; j < count; j++ {
		start, length := c.u2(), c.u2()
		v := LocalVar{NameIndex: uint16(c.u2()), DescIndex: uint16(c.u2()), Index: uint16(c.u2())}
		if c.err != nil {
			break
		}
		if !boundary[start] || !boundary[start+length] {
			continue
		}
		v.Start, _ = label(start)
		v.End, _ = label(start + length)
		out = append(out, v)
	}
	return out
}

func decodeInsns(raw []byte) ([]pending, error) {
	c := &cursor{data: raw}
	var out []pending
	for c.pos < len(raw) {
		pc := c.pos
		op := Opcode(c.u1())
		p := pending{pc: pc, insn: &Insn{Op: op}}
		in := p.insn

		if base, index, ok := shortForm(op); ok {
			in.Op, in.Var = base, index
			out = append(out, p)
			continue
		}
		info, ok := opcodeInfoTable[op]
		if !ok {
			return nil, fmt.Errorf("%w: unknown opcode 0x%02x at %d", ErrBadCode, byte(op), pc)
		}

		switch info.Format {
		case FmtNone:
		case FmtVar:
			in.Var = c.u1()
		case FmtByte:
			if op == NEWARRAY {
				in.Value = int32(c.u1())
			} else {
				in.Value = int32(c.s1())
			}
		case FmtShort:
			in.Value = int32(c.s2())
		case FmtLdc:
			in.Index = uint16(c.u1())
		case FmtConst:
			in.Index = uint16(c.u2())
		case FmtBranch:
			p.target = pc + c.s2()
		case FmtBranchW:
			p.target = pc + int(c.s4())
			if op == GOTO_W {
				in.Op = GOTO
			} else {
				in.Op = JSR
			}
		case FmtIinc:
			in.Var = c.u1()
			in.Inc = c.s1()
		case FmtTable:
			c.pos += (4 - (pc+1)%4) % 4
			p.def = pc + int(c.s4())
			low, high := c.s4(), c.s4()
			if c.err == nil && high < low {
				return nil, fmt.Errorf("%w: tableswitch high < low at %d", ErrBadCode, pc)
			}
			in.Low = low
			for k := int64(low); k <= int64(high) && c.err == nil; k++ {
				p.targets = append(p.targets, pc+int(c.s4()))
			}
		case FmtLookup:
			c.pos += (4 - (pc+1)%4) % 4
			p.def = pc + int(c.s4())
			npairs := int(c.s4())
			if npairs < 0 {
				return nil, fmt.Errorf("%w: lookupswitch npairs at %d", ErrBadCode, pc)
			}
			for k := 0; k < npairs && c.err == nil; k++ {
				in.Keys = append(in.Keys, c.s4())
				p.targets = append(p.targets, pc+int(c.s4()))
			}
		case FmtInterface:
			in.Index = uint16(c.u2())
			in.Count = uint8(c.u1())
			c.u1()
		case FmtDynamic:
			in.Index = uint16(c.u2())
			c.u2()
		case FmtMultiArray:
			in.Index = uint16(c.u2())
			in.Value = int32(c.u1())
		case FmtWide:
			in.Op = Opcode(c.u1())
			switch {
			case in.Op == IINC:
				in.Var = c.u2()
				in.Inc = c.s2()
			case in.Op.IsLoad() || in.Op.IsStore() || in.Op == RET:
				in.Var = c.u2()
			default:
				if c.err != nil {
					return nil, c.err
				}
				return nil, fmt.Errorf("%w: wide %s at %d", ErrBadCode, in.Op, pc)
			}
		}
		if c.err != nil {
			return nil, c.err
		}
		out = append(out, p)
	}
	return out, nil
}
