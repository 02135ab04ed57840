package bytecode

import (
	"fmt"
	"strings"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Disassemble returns a human-readable listing of the body. Labels are
// numbered in order of appearance. Offsets are those of the last Decode
// or Encode.
func (c *Code) Disassemble(pool *classfile.ConstantPool) string {
	var sb strings.Builder

	names := make(map[*Label]string)
	for _, in := range c.Insns {
		if in.Mark != nil {
			names[in.Mark] = fmt.Sprintf("L%d", len(names))
		}
	}
	name := func(l *Label) string {
		if n, ok := names[l]; ok {
			return n
		}
		return "L?"
	}

	sb.WriteString(fmt.Sprintf("; max_stack=%d max_locals=%d\n", c.MaxStack, c.MaxLocals))
	for _, in := range c.Insns {
		if in.Mark != nil {
			sb.WriteString(name(in.Mark))
			sb.WriteString(":")
			if in.Mark.Line > 0 {
				sb.WriteString(fmt.Sprintf("  ; line %d", in.Mark.Line))
			}
			sb.WriteString("\n")
			continue
		}
		sb.WriteString(fmt.Sprintf("  %4d: %-16s", in.offset, in.Op))
		sb.WriteString(operands(pool, in, name))
		sb.WriteString("\n")
	}

	if len(c.Handlers) > 0 {
		sb.WriteString("; Exception table:\n")
		for _, h := range c.Handlers {
			catch := "any"
			if h.CatchType != 0 {
				catch, _ = pool.ClassName(h.CatchType)
			}
			sb.WriteString(fmt.Sprintf(";   %s %s -> %s %s\n", name(h.Start), name(h.End), name(h.Handler), catch))
		}
	}
	return sb.String()
}

func operands(pool *classfile.ConstantPool, in *Insn, name func(*Label) string) string {
	switch in.Op {
	case IINC:
		return fmt.Sprintf("%d %d", in.Var, in.Inc)
	case TABLESWITCH:
		parts := make([]string, 0, len(in.Targets)+1)
		for i, t := range in.Targets {
			parts = append(parts, fmt.Sprintf("%d: %s", int(in.Low)+i, name(t)))
		}
		parts = append(parts, "default: "+name(in.Default))
		return "{ " + strings.Join(parts, ", ") + " }"
	case LOOKUPSWITCH:
		parts := make([]string, 0, len(in.Targets)+1)
		for i, t := range in.Targets {
			parts = append(parts, fmt.Sprintf("%d: %s", in.Keys[i], name(t)))
		}
		parts = append(parts, "default: "+name(in.Default))
		return "{ " + strings.Join(parts, ", ") + " }"
	}

	switch GetOpcodeInfo(in.Op).Format {
	case FmtVar:
		return fmt.Sprintf("%d", in.Var)
	case FmtByte, FmtShort:
		return fmt.Sprintf("%d", in.Value)
	case FmtBranch, FmtBranchW:
		return name(in.Target)
	case FmtMultiArray:
		return fmt.Sprintf("%s %d", constant(pool, in.Index), in.Value)
	case FmtLdc, FmtConst, FmtInterface, FmtDynamic:
		return constant(pool, in.Index)
	}
	return ""
}

func constant(pool *classfile.ConstantPool, index uint16) string {
	c, err := pool.Get(index)
	if err != nil {
		return fmt.Sprintf("#%d <invalid>", index)
	}
	switch c.Tag {
	case classfile.TagString:
		s, _ := pool.StringValue(index)
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return fmt.Sprintf("%q", s)
	case classfile.TagClass:
		n, _ := pool.ClassName(index)
		return n
	case classfile.TagInteger:
		v, _ := pool.Int(index)
		return fmt.Sprintf("%d", v)
	case classfile.TagFloat:
		v, _ := pool.Float(index)
		return fmt.Sprintf("%gf", v)
	case classfile.TagLong:
		v, _ := pool.Long(index)
		return fmt.Sprintf("%dL", v)
	case classfile.TagDouble:
		v, _ := pool.Double(index)
		return fmt.Sprintf("%gd", v)
	case classfile.TagFieldref, classfile.TagMethodref, classfile.TagInterfaceMethodref:
		ref, _ := pool.MemberRef(index)
		return ref.String()
	case classfile.TagInvokeDynamic, classfile.TagDynamic:
		n, d, _ := pool.InvokeDynamic(index)
		return fmt.Sprintf("#%d:%s%s", c.Index1, n, d)
	}
	return fmt.Sprintf("#%d <%s>", index, c.Tag)
}

// DisassembleMethod decodes and lists a single method of cls.
func DisassembleMethod(cls *classfile.Class, m *classfile.Member) (string, error) {
	attr := m.Attribute(AttrCode)
	if attr == nil {
		return "; no code\n", nil
	}
	code, err := Decode(cls.Pool, attr)
	if err != nil {
		return "", err
	}
	// offsets for display come from a layout of the decoded list
	if _, err := code.layout(); err != nil {
		return "", err
	}
	return code.Disassemble(cls.Pool), nil
}
