package bytecode

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Mode selects how much verifier metadata Encode recomputes.
type Mode int

const (
	// ModeFrames recomputes max stack, max locals and the StackMapTable.
	ModeFrames Mode = iota
	// ModeMaxs recomputes only max stack and max locals and emits no
	// StackMapTable. It tolerates type conflicts that ModeFrames rejects.
	ModeMaxs
)

func (m Mode) String() string {
	if m == ModeMaxs {
		return "maxs"
	}
	return "frames"
}

// Encode assembles the body into a Code attribute for method m of cls.
// Class files older than Java 6 are always encoded in ModeMaxs. In
// ModeFrames unreachable instructions are dropped.
func (c *Code) Encode(cls *classfile.Class, m *classfile.Member, mode Mode, h Hierarchy) (*classfile.Attribute, error) {
	if cls.Major < classfile.Java6 {
		mode = ModeMaxs
	}
	strict := mode == ModeFrames

	a, err := newAnalyzer(cls.Pool, cls.Name(), m, c, strict, h)
	if err != nil {
		return nil, err
	}
	if err := a.run(); err != nil {
		if strict {
			return nil, fmt.Errorf("%w: %s%s: %v", ErrFrameComputation, m.Name, m.Desc, err)
		}
		return nil, fmt.Errorf("bytecode: %s%s: %w", m.Name, m.Desc, err)
	}

	var points []framePoint
	var fall map[*Insn]*Frame
	if strict {
		points = c.framePoints(a)
		fall = c.fallFrames(a)
		c.dropUnreachable(a)
	}

	length, err := c.layout()
	if err != nil {
		return nil, err
	}
	for in, f := range fall {
		if in.wide {
			// the inverted test of a widened branch jumps past the goto_w
			points = append(points, framePoint{label: &Label{offset: in.offset + 8}, frame: f})
		}
	}
	body := c.emit(length)

	maxLocals := c.localsUsed(m)
	c.MaxStack, c.MaxLocals = a.maxStack, maxLocals
	if c.nextLocal > c.MaxLocals {
		c.nextLocal = c.MaxLocals
	}

	w := &out{}
	w.u2(a.maxStack)
	w.u2(maxLocals)
	w.u4(len(body))
	w.raw(body)
	w.u2(len(c.Handlers))
	for _, hd := range c.Handlers {
		w.u2(hd.Start.offset)
		w.u2(hd.End.offset)
		w.u2(hd.Handler.offset)
		w.u2(int(hd.CatchType))
	}

	var attrs []*classfile.Attribute
	if lines := c.lineTable(); lines != nil {
		attrs = append(attrs, cls.NewAttribute(AttrLineNumberTable, lines))
	}
	if len(c.Locals) > 0 {
		attrs = append(attrs, cls.NewAttribute(AttrLocalVariableTable, localTable(c.Locals)))
	}
	if len(c.TypeLocals) > 0 {
		attrs = append(attrs, cls.NewAttribute(AttrLocalVariableTypeTable, localTable(c.TypeLocals)))
	}
	if strict && len(points) > 0 {
		initial, _ := a.initialFrame()
		attrs = append(attrs, cls.NewAttribute(AttrStackMapTable, encodeFrames(cls.Pool, initial, points)))
	}
	w.u2(len(attrs))
	for _, at := range attrs {
		w.u2(int(at.NameIndex))
		w.u4(len(at.Data))
		w.raw(at.Data)
	}
	return cls.NewAttribute(AttrCode, w.buf), nil
}

type out struct{ buf []byte }

func (w *out) u1(v int)     { w.buf = append(w.buf, byte(v)) }
func (w *out) u2(v int)     { w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v)) }
func (w *out) u4(v int)     { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *out) raw(b []byte) { w.buf = append(w.buf, b...) }

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

// layout assigns offsets, widening branches whose displacement does not
// fit in 16 bits until the assignment is stable.
func (c *Code) layout() (int, error) {
	for {
		pc := 0
		for _, in := range c.Insns {
			in.offset = pc
			if in.Mark != nil {
				in.Mark.offset = pc
				continue
			}
			pc += in.size(pc)
		}
		changed := false
		for _, in := range c.Insns {
			if in.Mark == nil && in.Op.IsJump() && !in.wide {
				d := in.Target.offset - in.offset
				if d < -32768 || d > 32767 {
					in.wide = true
					changed = true
				}
			}
		}
		if changed {
			continue
		}
		if pc == 0 || pc > 65535 {
			return 0, fmt.Errorf("%w: %d bytes", ErrCodeTooLarge, pc)
		}
		return pc, nil
	}
}

func (in *Insn) size(pc int) int {
	switch in.Op {
	case ILOAD, LLOAD, FLOAD, DLOAD, ALOAD, ISTORE, LSTORE, FSTORE, DSTORE, ASTORE:
		switch {
		case in.Var <= 3:
			return 1
		case in.Var <= 255:
			return 2
		}
		return 4
	case RET:
		if in.Var <= 255 {
			return 2
		}
		return 4
	case IINC:
		if in.Var <= 255 && in.Inc >= -128 && in.Inc <= 127 {
			return 3
		}
		return 6
	case LDC, LDC_W:
		if in.Index < 256 {
			return 2
		}
		return 3
	case TABLESWITCH:
		return 1 + pad(pc) + 12 + 4*len(in.Targets)
	case LOOKUPSWITCH:
		return 1 + pad(pc) + 8 + 8*len(in.Keys)
	}
	switch GetOpcodeInfo(in.Op).Format {
	case FmtByte:
		return 2
	case FmtShort, FmtConst:
		return 3
	case FmtBranch, FmtBranchW:
		if !in.wide {
			return 3
		}
		if in.Op == GOTO || in.Op == JSR {
			return 5
		}
		return 8
	case FmtInterface, FmtDynamic:
		return 5
	case FmtMultiArray:
		return 4
	}
	return 1
}

func pad(pc int) int { return (4 - (pc+1)%4) % 4 }

func (c *Code) emit(length int) []byte {
	w := &out{buf: make([]byte, 0, length)}
	for _, in := range c.Insns {
		if in.Mark != nil {
			continue
		}
		pc := in.offset
		switch op := in.Op; {
		case op.IsLoad() || op.IsStore():
			base, short := ILOAD, ILOAD_0
			if op.IsStore() {
				base, short = ISTORE, ISTORE_0
			}
			switch {
			case in.Var <= 3:
				w.u1(int(short) + int(op-base)*4 + in.Var)
			case in.Var <= 255:
				w.u1(int(op))
				w.u1(in.Var)
			default:
				w.u1(int(WIDE))
				w.u1(int(op))
				w.u2(in.Var)
			}
		case op == RET:
			if in.Var <= 255 {
				w.u1(int(op))
				w.u1(in.Var)
			} else {
				w.u1(int(WIDE))
				w.u1(int(op))
				w.u2(in.Var)
			}
		case op == IINC:
			if in.Var <= 255 && in.Inc >= -128 && in.Inc <= 127 {
				w.u1(int(op))
				w.u1(in.Var)
				w.u1(in.Inc)
			} else {
				w.u1(int(WIDE))
				w.u1(int(op))
				w.u2(in.Var)
				w.u2(in.Inc)
			}
		case op == LDC || op == LDC_W:
			if in.Index < 256 {
				w.u1(int(LDC))
				w.u1(int(in.Index))
			} else {
				w.u1(int(LDC_W))
				w.u2(int(in.Index))
			}
		case op == TABLESWITCH:
			w.u1(int(op))
			for i := 0; i < pad(pc); i++ {
				w.u1(0)
			}
			w.u4(in.Default.offset - pc)
			w.u4(int(in.Low))
			w.u4(int(in.Low) + len(in.Targets) - 1)
			for _, t := range in.Targets {
				w.u4(t.offset - pc)
			}
		case op == LOOKUPSWITCH:
			w.u1(int(op))
			for i := 0; i < pad(pc); i++ {
				w.u1(0)
			}
			w.u4(in.Default.offset - pc)
			w.u4(len(in.Keys))
			order := make([]int, len(in.Keys))
			for i := range order {
				order[i] = i
			}
			sort.SliceStable(order, func(i, j int) bool { return in.Keys[order[i]] < in.Keys[order[j]] })
			for _, i := range order {
				w.u4(int(in.Keys[i]))
				w.u4(in.Targets[i].offset - pc)
			}
		case op.IsJump():
			d := in.Target.offset - pc
			switch {
			case !in.wide:
				w.u1(int(op))
				w.u2(d)
			case op == GOTO:
				w.u1(int(GOTO_W))
				w.u4(d)
			case op == JSR:
				w.u1(int(JSR_W))
				w.u4(d)
			default:
				// inverted test skips the goto_w that follows it
				w.u1(int(invert(op)))
				w.u2(8)
				w.u1(int(GOTO_W))
				w.u4(in.Target.offset - (pc + 3))
			}
		default:
			w.u1(int(op))
			switch GetOpcodeInfo(op).Format {
			case FmtByte:
				w.u1(int(in.Value))
			case FmtShort:
				w.u2(int(in.Value))
			case FmtConst:
				w.u2(int(in.Index))
			case FmtInterface:
				w.u2(int(in.Index))
				w.u1(int(in.Count))
				w.u1(0)
			case FmtDynamic:
				w.u2(int(in.Index))
				w.u2(0)
			case FmtMultiArray:
				w.u2(int(in.Index))
				w.u1(int(in.Value))
			}
		}
	}
	return w.buf
}

func (c *Code) localsUsed(m *classfile.Member) int {
	n := 0
	if mt, err := classfile.ParseMethodDescriptor(m.Desc); err == nil {
		n = mt.ArgSize()
	}
	if !m.IsStatic() {
		n++
	}
	use := func(top int) {
		if top > n {
			n = top
		}
	}
	for _, in := range c.Insns {
		switch in.Op {
		case LLOAD, DLOAD, LSTORE, DSTORE:
			if in.Mark == nil {
				use(in.Var + 2)
			}
		case ILOAD, FLOAD, ALOAD, ISTORE, FSTORE, ASTORE, IINC, RET:
			if in.Mark == nil {
				use(in.Var + 1)
			}
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Dead code and debug tables
// ---------------------------------------------------------------------------

func (c *Code) dropUnreachable(a *analyzer) {
	kept := make([]*Insn, 0, len(c.Insns))
	for i, in := range c.Insns {
		if in.Mark != nil || a.frames[i] != nil {
			kept = append(kept, in)
		}
	}
	if len(kept) == len(c.Insns) {
		return
	}
	c.Insns = kept

	pos := make(map[*Label]int, len(kept))
	for i, in := range kept {
		if in.Mark != nil {
			pos[in.Mark] = i
		}
	}
	handlers := c.Handlers[:0]
	for _, h := range c.Handlers {
		live := false
		for i := pos[h.Start]; i < pos[h.End]; i++ {
			if kept[i].Mark == nil {
				live = true
				break
			}
		}
		if live {
			handlers = append(handlers, h)
		}
	}
	c.Handlers = handlers
}

func (c *Code) lineTable() []byte {
	w := &out{}
	n := 0
	w.u2(0)
	for _, in := range c.Insns {
		if in.Mark != nil && in.Mark.Line > 0 {
			w.u2(in.Mark.offset)
			w.u2(in.Mark.Line)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	binary.BigEndian.PutUint16(w.buf, uint16(n))
	return w.buf
}

func localTable(vars []LocalVar) []byte {
	w := &out{}
	w.u2(len(vars))
	for _, v := range vars {
		w.u2(v.Start.offset)
		w.u2(v.End.offset - v.Start.offset)
		w.u2(int(v.NameIndex))
		w.u2(int(v.DescIndex))
		w.u2(int(v.Index))
	}
	return w.buf
}

// ---------------------------------------------------------------------------
// StackMapTable
// ---------------------------------------------------------------------------

type framePoint struct {
	label *Label
	frame *Frame
}

// framePoints collects the frames needed at branch targets and handler
// entries, before dead code is removed.
func (c *Code) framePoints(a *analyzer) []framePoint {
	seen := make(map[*Label]bool)
	var points []framePoint
	add := func(l *Label) {
		if l == nil || seen[l] {
			return
		}
		seen[l] = true
		// labels sharing an offset all see the frame of the next real
		// instruction, which has absorbed every incoming edge
		i := a.index[l]
		for i < len(c.Insns) && c.Insns[i].Mark != nil {
			i++
		}
		if i < len(c.Insns) && a.frames[i] != nil {
			points = append(points, framePoint{label: l, frame: a.frames[i]})
		}
	}
	for _, in := range c.Insns {
		if in.Mark != nil {
			continue
		}
		if in.Op.IsJump() {
			add(in.Target)
		}
		if in.Op == TABLESWITCH || in.Op == LOOKUPSWITCH {
			add(in.Default)
			for _, t := range in.Targets {
				add(t)
			}
		}
	}
	for _, h := range c.Handlers {
		add(h.Handler)
	}
	return points
}

// fallFrames records the frame on the fall-through path of every
// conditional branch.
func (c *Code) fallFrames(a *analyzer) map[*Insn]*Frame {
	out := make(map[*Insn]*Frame)
	for i, in := range c.Insns {
		if in.Mark != nil || !in.Op.IsConditional() || a.frames[i] == nil {
			continue
		}
		j := i + 1
		for j < len(c.Insns) && c.Insns[j].Mark != nil {
			j++
		}
		if j < len(c.Insns) && a.frames[j] != nil {
			out[in] = a.frames[j]
		}
	}
	return out
}

func encodeFrames(pool *classfile.ConstantPool, initial *Frame, points []framePoint) []byte {
	sort.SliceStable(points, func(i, j int) bool { return points[i].label.offset < points[j].label.offset })

	w := &out{}
	w.u2(0)
	count := 0
	prevOffset := -1
	prevLocals := collapse(initial.Locals)
	for _, p := range points {
		offset := p.label.offset
		if offset == prevOffset {
			continue
		}
		delta := offset - prevOffset - 1
		locals := collapse(p.frame.Locals)
		stack := p.frame.Stack

		switch diff := len(locals) - len(prevLocals); {
		case len(stack) == 0 && diff == 0 && sameTypes(locals, prevLocals):
			if delta < 64 {
				w.u1(delta)
			} else {
				w.u1(251)
				w.u2(delta)
			}
		case len(stack) == 1 && diff == 0 && sameTypes(locals, prevLocals):
			if delta < 64 {
				w.u1(64 + delta)
			} else {
				w.u1(247)
				w.u2(delta)
			}
			writeVType(w, pool, stack[0])
		case len(stack) == 0 && diff < 0 && diff >= -3 && sameTypes(locals, prevLocals[:len(locals)]):
			w.u1(251 + diff)
			w.u2(delta)
		case len(stack) == 0 && diff > 0 && diff <= 3 && sameTypes(locals[:len(prevLocals)], prevLocals):
			w.u1(251 + diff)
			w.u2(delta)
			for _, v := range locals[len(prevLocals):] {
				writeVType(w, pool, v)
			}
		default:
			w.u1(255)
			w.u2(delta)
			w.u2(len(locals))
			for _, v := range locals {
				writeVType(w, pool, v)
			}
			w.u2(len(stack))
			for _, v := range stack {
				writeVType(w, pool, v)
			}
		}
		count++
		prevOffset = offset
		prevLocals = locals
	}
	binary.BigEndian.PutUint16(w.buf, uint16(count))
	return w.buf
}

// collapse converts slot-indexed locals into StackMapTable form: one entry
// per long or double and no trailing tops.
func collapse(slots []VType) []VType {
	var out []VType
	for i := 0; i < len(slots); i++ {
		out = append(out, slots[i])
		if slots[i].Size() == 2 {
			i++
		}
	}
	for len(out) > 0 && out[len(out)-1] == vTop {
		out = out[:len(out)-1]
	}
	return out
}

func sameTypes(a, b []VType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeVType(w *out, pool *classfile.ConstantPool, v VType) {
	switch v.Kind {
	case KindTop:
		w.u1(0)
	case KindInt:
		w.u1(1)
	case KindFloat:
		w.u1(2)
	case KindDouble:
		w.u1(3)
	case KindLong:
		w.u1(4)
	case KindNull:
		w.u1(5)
	case KindUninitThis:
		w.u1(6)
	case KindObject:
		w.u1(7)
		w.u2(int(pool.AddClass(v.Name)))
	case KindUninit:
		w.u1(8)
		w.u2(v.New.offset)
	}
}
