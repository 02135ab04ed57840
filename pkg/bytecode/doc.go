// Package bytecode decodes, edits and re-encodes JVM method bodies.
//
// A Code attribute is decoded into a flat list of instructions in which
// branch offsets are replaced by labels. Rewriters splice new
// instructions into the list freely; Encode then lays the list out again,
// picking compact forms and widening branches that no longer reach.
//
// # Instruction Model
//
//   - Insn: one instruction, or a label position when Mark is set. Load
//     and store short forms (iload_0 ...) and goto_w/jsr_w are normalized
//     on decode, so callers only see the general opcodes.
//
//   - Label: a position referenced by branches, switch tables, exception
//     handlers and the line number and local variable tables.
//
//   - Emitter: appends instructions while interning the constants they
//     reference in the class pool.
//
// # Verifier Metadata
//
// Encode recomputes max_stack and max_locals with a forward dataflow pass
// over verification types. In ModeFrames it also rebuilds the
// StackMapTable using the compressed frame forms and drops unreachable
// instructions. Merging two reference types needs the class hierarchy,
// which the caller supplies through the Hierarchy interface. When a
// common superclass cannot be found the pass fails with
// ErrFrameComputation and the caller may retry in ModeMaxs, which only
// tracks operand sizes.
//
// # Disassembly
//
// Disassemble renders a body in a javap-like listing, used by the dump
// command and in test failure messages.
package bytecode
