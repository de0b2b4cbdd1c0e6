package bytecode

import (
	"fmt"
	"strings"

	"github.com/latchkey-ai/promptjinja/nodes"
)

// Instruction is one entry in a Program's flat instruction stream.
//
// Operands are deliberately untyped: most instructions only need a small
// int (a const-pool index, a jump target, an arg count); the two escape
// instructions (OpEvalExpr, OpExecStmt) and a handful of structural ones
// (OpCallMacro, OpInclude, OpExtends, OpImport, OpFromImport, OpEnterBlock)
// carry the original AST node so the runtime can reuse the adapted
// tree-walking helpers for semantics that are not worth decomposing further.
type Instruction struct {
	Op       OpCode
	Arg      int
	Str      string
	Node     nodes.Node
	Position nodes.Position
}

// Program is a compiled, directly executable instruction stream together
// with its constant pool. Programs are immutable once returned by the
// Compiler; the runtime's Machine only ever reads them.
type Program struct {
	Instructions []Instruction
	Consts       []interface{}
}

func (p *Program) addConst(v interface{}) int {
	p.Consts = append(p.Consts, v)
	return len(p.Consts) - 1
}

func (p *Program) emit(op OpCode, pos nodes.Position) int {
	p.Instructions = append(p.Instructions, Instruction{Op: op, Position: pos})
	return len(p.Instructions) - 1
}

func (p *Program) emitArg(op OpCode, arg int, pos nodes.Position) int {
	p.Instructions = append(p.Instructions, Instruction{Op: op, Arg: arg, Position: pos})
	return len(p.Instructions) - 1
}

func (p *Program) emitStr(op OpCode, s string, pos nodes.Position) int {
	p.Instructions = append(p.Instructions, Instruction{Op: op, Str: s, Position: pos})
	return len(p.Instructions) - 1
}

func (p *Program) emitNode(op OpCode, n nodes.Node, pos nodes.Position) int {
	p.Instructions = append(p.Instructions, Instruction{Op: op, Node: n, Position: pos})
	return len(p.Instructions) - 1
}

// patchJump rewrites the Arg of a previously emitted jump instruction to
// point at the current end of the instruction stream.
func (p *Program) patchJump(at int) {
	p.Instructions[at].Arg = len(p.Instructions)
}

func (p *Program) here() int {
	return len(p.Instructions)
}

// Disassemble renders the program in a human readable form, useful for
// debugging and for golden-output tests of the compiler itself.
func (p *Program) Disassemble() string {
	var b strings.Builder
	for i, ins := range p.Instructions {
		fmt.Fprintf(&b, "%4d %-22s", i, ins.Op)
		switch ins.Op {
		case OpLoadConst:
			fmt.Fprintf(&b, "const[%d]=%#v", ins.Arg, p.Consts[ins.Arg])
		case OpLoadName, OpStoreName, OpLoadAttr:
			fmt.Fprintf(&b, "%q", ins.Str)
		case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpJumpIfFalseOrPop, OpJumpIfTrueOrPop, OpForIterNext:
			fmt.Fprintf(&b, "-> %d", ins.Arg)
		default:
			if ins.Arg != 0 {
				fmt.Fprintf(&b, "%d", ins.Arg)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
