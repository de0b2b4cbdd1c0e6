package runtime

import (
	"fmt"
	"strings"

	"github.com/latchkey-ai/promptjinja/bytecode"
	"github.com/latchkey-ai/promptjinja/nodes"
)

// loopFrame tracks one active for-loop so BREAK/CONTINUE instructions
// know where to jump without the instruction stream itself carrying
// back-references.
type loopFrame struct {
	items   []interface{}
	index   int
	target  nodes.Expr
	startIP int // FOR_ITER_NEXT, what CONTINUE jumps back to
	endIP   int // FOR_ITER_END, what BREAK jumps to
}

// Machine executes a compiled bytecode.Program against a *Context. It is
// the stack-based counterpart to Ops: Ops still knows how to evaluate any
// single AST node correctly (including the rare shapes the compiler
// declines to decompose), while Machine drives the overall sequencing,
// jumps and loop bookkeeping explicitly instead of recursing through Go's
// call stack for every nested statement.
type Machine struct {
	ctx   *Context
	ops   *Ops
	stack []interface{}
	loops []*loopFrame
}

// NewMachine creates a Machine bound to ctx. The supplied Ops provides leaf
// semantics (arithmetic, attribute/index resolution, filter and call
// dispatch) and the fallback tree-walker for node shapes the compiler
// didn't flatten into instructions.
func NewMachine(ctx *Context, ops *Ops) *Machine {
	return &Machine{ctx: ctx, ops: ops}
}

func (m *Machine) push(v interface{}) {
	m.stack = append(m.stack, v)
}

func (m *Machine) pop() interface{} {
	n := len(m.stack)
	v := m.stack[n-1]
	m.stack = m.stack[:n-1]
	return v
}

// RunBody compiles body and executes it against ctx using the supplied Ops,
// returning any error raised during execution. It is the entry point used
// by Template/Macro/block execution wherever a standalone statement
// sequence needs its own Program.
func RunBody(ctx *Context, ops *Ops, body []nodes.Node) error {
	prog, err := bytecode.CompileBody(body)
	if err != nil {
		return err
	}
	m := NewMachine(ctx, ops)
	_, err = m.Run(prog)
	return err
}

// Run executes prog to completion and returns nil unless a statement sets
// an error on the Context or raises one directly.
func (m *Machine) Run(prog *bytecode.Program) (interface{}, error) {
	ip := 0
	for ip < len(prog.Instructions) {
		ins := prog.Instructions[ip]
		next := ip + 1

		switch ins.Op {
		case bytecode.OpNop:
			// Doubles as "discard top of stack": an expression evaluated
			// for its side effects only (a bare {% do %} result, or the
			// FOR_ITER_END sentinel when a for-loop has no {% else %}).
			m.pop()

		case bytecode.OpLoadConst:
			m.push(prog.Consts[ins.Arg])

		case bytecode.OpLoadName:
			m.push(m.ops.Evaluate(ins.Node))

		case bytecode.OpStoreName:
			val := m.pop()
			if err, ok := val.(error); ok {
				return nil, err
			}
			if err := m.ops.assignTarget(ins.Node.(nodes.Expr), val, ins.Position); err != nil {
				return nil, err
			}

		case bytecode.OpLoadAttr:
			obj := m.pop()
			if err, ok := obj.(error); ok {
				return nil, err
			}
			val, err := m.ctx.ResolveAttribute(obj, ins.Str)
			if err != nil {
				return nil, err
			}
			m.push(val)

		case bytecode.OpLoadSubscript:
			idx := m.pop()
			obj := m.pop()
			if err, ok := obj.(error); ok {
				return nil, err
			}
			if err, ok := idx.(error); ok {
				return nil, err
			}
			val, err := m.ctx.ResolveIndex(obj, idx)
			if err != nil {
				return nil, err
			}
			m.push(val)

		case bytecode.OpBuildList:
			items := m.popN(ins.Arg)
			m.push(items)

		case bytecode.OpBuildTuple:
			items := m.popN(ins.Arg)
			m.push(items)

		case bytecode.OpBinOp:
			right := m.pop()
			left := m.pop()
			if err, ok := left.(error); ok {
				return nil, err
			}
			if err, ok := right.(error); ok {
				return nil, err
			}
			result, err := m.binOp(ins.Str, left, right, ins.Position)
			if err != nil {
				return nil, err
			}
			m.push(result)

		case bytecode.OpUnaryOp:
			operand := m.pop()
			if err, ok := operand.(error); ok {
				return nil, err
			}
			m.push(m.unaryOp(ins.Str, operand, ins.Position))

		case bytecode.OpCompare:
			right := m.pop()
			left := m.pop()
			if err, ok := left.(error); ok {
				return nil, err
			}
			if err, ok := right.(error); ok {
				return nil, err
			}
			m.push(m.ops.compare(ins.Str, left, right, ins.Position))

		case bytecode.OpJump:
			next = ins.Arg

		case bytecode.OpJumpIfFalse:
			cond := m.pop()
			if err, ok := cond.(error); ok {
				return nil, err
			}
			if !m.ops.isTruthy(cond) {
				next = ins.Arg
			}

		case bytecode.OpJumpIfTrue:
			cond := m.pop()
			if err, ok := cond.(error); ok {
				return nil, err
			}
			if m.ops.isTruthy(cond) {
				next = ins.Arg
			}

		case bytecode.OpForIterStart:
			iterable := m.pop()
			if err, ok := iterable.(error); ok {
				return nil, err
			}
			items, err := m.ops.toSlice(iterable, ins.Position)
			if err != nil {
				return nil, err
			}
			nextIns := prog.Instructions[ip+1]
			frame := &loopFrame{
				items:   items,
				index:   0,
				target:  ins.Node.(nodes.Expr),
				startIP: ip + 1,
				endIP:   nextIns.Arg,
			}
			m.loops = append(m.loops, frame)
			if len(items) > 0 {
				m.ctx.PushScope()
				m.ctx.PushLoop(len(items), 1)
			}

		case bytecode.OpForIterNext:
			frame := m.loops[len(m.loops)-1]
			if frame.index >= len(frame.items) {
				next = ins.Arg
				break
			}
			i := frame.index
			var prev, nxt interface{}
			if i > 0 {
				prev = frame.items[i-1]
			}
			if i < len(frame.items)-1 {
				nxt = frame.items[i+1]
			}
			m.ctx.UpdateLoop(i, frame.items[i], prev, nxt)
			if err := m.ops.assignTarget(frame.target, frame.items[i], ins.Position); err != nil {
				return nil, err
			}
			frame.index++

		case bytecode.OpForIterEnd:
			frame := m.loops[len(m.loops)-1]
			m.loops = m.loops[:len(m.loops)-1]
			noIterations := len(frame.items) == 0
			if !noIterations {
				m.ctx.PopLoop()
				m.ctx.PopScope()
			}
			m.push(noIterations)

		case bytecode.OpPushScope:
			m.ctx.PushScope()

		case bytecode.OpPopScope:
			m.ctx.PopScope()

		case bytecode.OpEmitText:
			m.ops.Write(ins.Str)

		case bytecode.OpEmitValue:
			value := m.pop()
			if err, ok := value.(error); ok {
				return nil, err
			}
			finalized, err := m.ops.finalizeValue(value)
			if err != nil {
				return nil, err
			}
			if markup, ok := finalized.(Markup); ok {
				m.ops.Write(string(markup))
				break
			}
			str := m.ops.toString(finalized, ins.Position)
			if m.ctx.ShouldAutoescape() {
				str = m.ops.escape(str)
			}
			m.ops.Write(str)

		case bytecode.OpBreak:
			if len(m.loops) == 0 {
				return nil, NewError(ErrorTypeTemplate, "'break' outside of a loop", ins.Position, ins.Node)
			}
			frame := m.loops[len(m.loops)-1]
			m.loops = m.loops[:len(m.loops)-1]
			m.ctx.PopScope() // the still-open per-iteration scope; BREAK fires before the body's own POP_SCOPE runs
			m.ctx.PopLoop()
			m.ctx.PopScope() // the loop-level scope opened by FOR_ITER_START
			next = frame.endIP + 1 // skip FOR_ITER_END, which would otherwise pop again
			m.push(false)           // the loop did iterate, so a trailing {% else %} is skipped

		case bytecode.OpContinue:
			if len(m.loops) == 0 {
				return nil, NewError(ErrorTypeTemplate, "'continue' outside of a loop", ins.Position, ins.Node)
			}
			// CONTINUE fires before the body's own POP_SCOPE; close the
			// still-open per-iteration scope here. FOR_ITER_NEXT's fallthrough
			// to PUSH_SCOPE opens a fresh one for the next iteration.
			m.ctx.PopScope()
			next = m.loops[len(m.loops)-1].startIP

		case bytecode.OpApplyFilter, bytecode.OpTestIs, bytecode.OpCall, bytecode.OpEvalExpr:
			result := m.ops.Evaluate(ins.Node)
			m.push(result)

		case bytecode.OpExecStmt:
			result := m.ops.Evaluate(ins.Node)
			if err := m.checkDelegatedResult(result, ins); err != nil {
				return nil, err
			}

		case bytecode.OpEnterBlock:
			result := m.ops.visitBlock(ins.Node.(*nodes.Block))
			if err := m.checkDelegatedResult(result, ins); err != nil {
				return nil, err
			}

		case bytecode.OpCallMacro:
			result := m.ops.visitCallBlock(ins.Node.(*nodes.CallBlock))
			if err := m.checkDelegatedResult(result, ins); err != nil {
				return nil, err
			}

		case bytecode.OpInclude:
			result := m.ops.visitInclude(ins.Node.(*nodes.Include))
			if err := m.checkDelegatedResult(result, ins); err != nil {
				return nil, err
			}

		case bytecode.OpExtends:
			result := m.ops.visitExtends(ins.Node.(*nodes.Extends))
			if err := m.checkDelegatedResult(result, ins); err != nil {
				return nil, err
			}

		case bytecode.OpImport:
			result := m.ops.visitImport(ins.Node.(*nodes.Import))
			if err := m.checkDelegatedResult(result, ins); err != nil {
				return nil, err
			}

		case bytecode.OpFromImport:
			result := m.ops.visitFromImport(ins.Node.(*nodes.FromImport))
			if err := m.checkDelegatedResult(result, ins); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("bytecode: unhandled opcode %s", ins.Op)
		}

		ip = next
	}
	return nil, nil
}

// checkDelegatedResult turns the interface{} a delegated Ops statement
// handler returns (nil, an error, or an escaped break/continue signal) into
// a Go error the Run loop can propagate, or nil to keep executing. Shared by
// every opcode that hands its node to an adapted Ops method instead of
// decomposing it into a flat instruction sequence.
func (m *Machine) checkDelegatedResult(result interface{}, ins bytecode.Instruction) error {
	if result == nil {
		return nil
	}
	if err, ok := result.(error); ok {
		return err
	}
	if signal, ok := isControlSignal(result); ok {
		// Block/CallBlock/Include/etc. bodies run their own for-loops
		// internally and resolve break/continue before ever returning, so
		// seeing one escape here means it had no enclosing loop within the
		// delegated subtree.
		return NewError(ErrorTypeTemplate, fmt.Sprintf("%s outside of a loop", controlName(signal)), ins.Position, ins.Node)
	}
	return nil
}

func (m *Machine) popN(n int) []interface{} {
	items := make([]interface{}, n)
	copy(items, m.stack[len(m.stack)-n:])
	m.stack = m.stack[:len(m.stack)-n]
	return items
}

func (m *Machine) binOp(op string, left, right interface{}, pos nodes.Position) (interface{}, error) {
	var result interface{}
	switch op {
	case "+":
		result = m.ops.add(left, right, pos)
	case "-":
		result = m.ops.subtract(left, right, pos)
	case "*":
		result = m.ops.multiply(left, right, pos)
	case "/":
		result = m.ops.divide(left, right, pos)
	case "//":
		result = m.ops.floorDivide(left, right, pos)
	case "%":
		result = m.ops.modulo(left, right, pos)
	case "**":
		result = m.ops.power(left, right, pos)
	case "and", "&&":
		result = m.ops.logicalAnd(left, right)
	case "or", "||":
		result = m.ops.logicalOr(left, right)
	case "~":
		result = m.ops.toString(left, pos) + m.ops.toString(right, pos)
	default:
		return nil, fmt.Errorf("bytecode: unsupported binary operator %q", op)
	}
	if err, ok := result.(error); ok {
		return nil, err
	}
	return result, nil
}

func (m *Machine) unaryOp(op string, operand interface{}, pos nodes.Position) interface{} {
	switch strings.ToLower(op) {
	case "not", "!":
		return m.ops.logicalNot(operand)
	case "-":
		return m.ops.negate(operand, pos)
	case "+":
		return operand
	default:
		return operand
	}
}
