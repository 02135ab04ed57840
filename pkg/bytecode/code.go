package bytecode

import (
	"errors"
	"fmt"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// Code attribute names.
const (
	AttrCode                   = "Code"
	AttrStackMapTable          = "StackMapTable"
	AttrLineNumberTable        = "LineNumberTable"
	AttrLocalVariableTable     = "LocalVariableTable"
	AttrLocalVariableTypeTable = "LocalVariableTypeTable"
)

var (
	ErrBadCode           = errors.New("bytecode: malformed code")
	ErrCodeTooLarge      = errors.New("bytecode: method code exceeds 65535 bytes")
	ErrFrameComputation  = errors.New("bytecode: cannot compute stack map frames")
	ErrStackInconsistent = errors.New("bytecode: inconsistent operand stack")
)

// Label marks a position in an instruction list. Labels are placed with a
// pseudo-instruction (Insn.Mark) and referenced by branches, handlers and
// debug tables.
type Label struct {
	// Line is the source line starting at this position, or 0.
	Line int

	id     int
	offset int
}

func (l *Label) String() string { return fmt.Sprintf("L%d", l.id) }

// Insn is one instruction, or a label position when Mark is set.
type Insn struct {
	Op Opcode

	Var   int    // local index: loads, stores, iinc, ret
	Inc   int    // iinc increment
	Value int32  // bipush, sipush, newarray element type, multianewarray dimensions
	Index uint16 // constant pool index
	Count uint8  // invokeinterface argument slots

	Target  *Label   // branches
	Default *Label   // switches
	Low     int32    // tableswitch first key
	Keys    []int32  // lookupswitch keys
	Targets []*Label // switch targets

	Mark *Label

	offset int
	wide   bool
}

// IsLabel reports whether the instruction only marks a position.
func (in *Insn) IsLabel() bool { return in.Mark != nil }

// Handler is an exception table entry. CatchType 0 catches everything.
type Handler struct {
	Start     *Label
	End       *Label
	Handler   *Label
	CatchType uint16
}

// LocalVar is a LocalVariableTable or LocalVariableTypeTable entry.
type LocalVar struct {
	Start     *Label
	End       *Label
	NameIndex uint16
	DescIndex uint16
	Index     uint16
}

// Code is a decoded method body.
type Code struct {
	MaxStack   int
	MaxLocals  int
	Insns      []*Insn
	Handlers   []Handler
	Locals     []LocalVar
	TypeLocals []LocalVar

	nextLabel int
	nextLocal int
}

// NewCode returns an empty body whose first free local follows the
// method's arguments.
func NewCode(access uint16, desc string) (*Code, error) {
	mt, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, err
	}
	n := mt.ArgSize()
	if access&classfile.AccStatic == 0 {
		n++
	}
	return &Code{MaxLocals: n, nextLocal: n}, nil
}

// NewLabel allocates an unplaced label.
func (c *Code) NewLabel() *Label {
	c.nextLabel++
	return &Label{id: c.nextLabel}
}

// NewLocal reserves size fresh local slots and returns the first.
func (c *Code) NewLocal(size int) int {
	if c.nextLocal < c.MaxLocals {
		c.nextLocal = c.MaxLocals
	}
	slot := c.nextLocal
	c.nextLocal += size
	if c.nextLocal > c.MaxLocals {
		c.MaxLocals = c.nextLocal
	}
	return slot
}

// Real returns the instructions without label markers.
func (c *Code) Real() []*Insn {
	out := make([]*Insn, 0, len(c.Insns))
	for _, in := range c.Insns {
		if !in.IsLabel() {
			out = append(out, in)
		}
	}
	return out
}
