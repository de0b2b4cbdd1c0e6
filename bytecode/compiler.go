package bytecode

import (
	"github.com/latchkey-ai/promptjinja/nodes"
)

// Compiler turns a sequence of AST nodes into a Program. It is stateless
// across calls: nested bodies (macro bodies, block bodies, call-block
// bodies) are compiled into their own Programs by calling CompileBody
// again, while statement sequences that share a single stack frame (an
// if/for body inside its enclosing template) are compiled inline so that
// Break, Continue and the loop counters stay on the same instruction
// stream as spec's jump-based control flow calls for.
type Compiler struct {
	prog *Program
}

// NewCompiler returns a Compiler ready to compile one Program.
func NewCompiler() *Compiler {
	return &Compiler{prog: &Program{}}
}

// CompileBody compiles a flat statement list (a template body, a macro
// body, a block body, an {% if %}/{% for %} branch) into a standalone
// Program.
func CompileBody(body []nodes.Node) (*Program, error) {
	c := NewCompiler()
	if err := c.compileStmts(body); err != nil {
		return nil, err
	}
	return c.prog, nil
}

func (c *Compiler) compileStmts(stmts []nodes.Node) error {
	for _, s := range stmts {
		if err := c.compileStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileStmt(n nodes.Node) error {
	pos := n.GetPosition()
	switch s := n.(type) {
	case *nodes.Output:
		for _, e := range s.Nodes {
			if td, ok := e.(*nodes.TemplateData); ok {
				c.prog.emitStr(OpEmitText, td.Data, pos)
				continue
			}
			if err := c.compileExpr(e); err != nil {
				return err
			}
			c.prog.emit(OpEmitValue, pos)
		}
		return nil

	case *nodes.If:
		return c.compileIf(s)

	case *nodes.For:
		return c.compileFor(s)

	case *nodes.Break:
		c.prog.emit(OpBreak, pos)
		return nil

	case *nodes.Continue:
		c.prog.emit(OpContinue, pos)
		return nil

	case *nodes.Assign:
		if err := c.compileExpr(s.Node); err != nil {
			return err
		}
		c.prog.emitNode(OpStoreName, s.Target, pos)
		return nil

	case *nodes.ExprStmt:
		if err := c.compileExpr(s.Node); err != nil {
			return err
		}
		c.prog.emit(OpNop, pos) // expression evaluated for side effects only, result discarded
		return nil

	case *nodes.Do:
		// Do wraps a single expression node; unlike ExprStmt it is not compiled
		// inline but handed whole to the statement evaluator.
		c.prog.emitNode(OpExecStmt, s, pos)
		return nil

	case *nodes.Block:
		// A named, possibly-overridden block: ENTER_BLOCK carries the node
		// so the machine can run inheritance bookkeeping (current-block
		// stack push/pop, scoped-variable isolation) around the compiled
		// body, instead of falling into the generic delegate instruction.
		c.prog.emitNode(OpEnterBlock, s, pos)
		return nil

	case *nodes.CallBlock:
		// {% call %}: invokes a macro with the block body bound as `caller`.
		// CALL_MACRO names this distinctly from an ordinary CALL instruction
		// since it carries a whole body, not just an argument list.
		c.prog.emitNode(OpCallMacro, s, pos)
		return nil

	case *nodes.Include:
		c.prog.emitNode(OpInclude, s, pos)
		return nil

	case *nodes.Extends:
		c.prog.emitNode(OpExtends, s, pos)
		return nil

	case *nodes.Import:
		c.prog.emitNode(OpImport, s, pos)
		return nil

	case *nodes.FromImport:
		c.prog.emitNode(OpFromImport, s, pos)
		return nil

	default:
		// Macro (definition/bookkeeping, not invocation), FilterBlock,
		// Spaceless, With, Namespace, AssignBlock, Trans and any future
		// statement kind: these carry enough internal structure (output
		// capture, scoped variable injection, macro registration) that
		// decomposing them into granular instructions buys nothing over
		// invoking the adapted statement handler directly — and each of
		// FilterBlock/Spaceless/AssignBlock/With already compiles its own
		// body through RunBody internally. The instruction still
		// participates in the surrounding jump-addressed instruction
		// stream like any other opcode; it just delegates its own body's
		// execution.
		c.prog.emitNode(OpExecStmt, n, pos)
		return nil
	}
}

func (c *Compiler) compileIf(n *nodes.If) error {
	pos := n.GetPosition()
	if err := c.compileExpr(n.Test); err != nil {
		return err
	}
	jumpToElse := c.prog.emitArg(OpJumpIfFalse, 0, pos)
	if err := c.compileStmts(n.Body); err != nil {
		return err
	}
	jumpToEnd := c.prog.emitArg(OpJump, 0, pos)
	c.prog.patchJump(jumpToElse)

	for _, elif := range n.Elif {
		if err := c.compileIf(elif); err != nil {
			return err
		}
	}
	if len(n.Else) > 0 {
		if err := c.compileStmts(n.Else); err != nil {
			return err
		}
	}
	c.prog.patchJump(jumpToEnd)
	return nil
}

func (c *Compiler) compileFor(n *nodes.For) error {
	pos := n.GetPosition()
	if err := c.compileExpr(n.Iter); err != nil {
		return err
	}
	c.prog.emitNode(OpForIterStart, n.Target, pos)

	loopStart := c.prog.here()
	forEnd := c.prog.emitArg(OpForIterNext, 0, pos)

	c.prog.emit(OpPushScope, pos)
	if err := c.compileStmts(n.Body); err != nil {
		return err
	}
	c.prog.emit(OpPopScope, pos)
	c.prog.emitArg(OpJump, loopStart, pos)

	c.prog.patchJump(forEnd)
	c.prog.emit(OpForIterEnd, pos)

	if len(n.Else) > 0 {
		// The else branch only runs when the loop iterated zero times;
		// OpForIterEnd leaves that fact on the stack as a bool.
		skipElse := c.prog.emitArg(OpJumpIfFalse, 0, pos)
		if err := c.compileStmts(n.Else); err != nil {
			return err
		}
		c.prog.patchJump(skipElse)
	} else {
		c.prog.emit(OpNop, pos)
	}
	return nil
}

// compileExpr compiles a single expression node. Literals, names,
// binary/unary ops, single-operator compares, attribute and subscript
// access, conditional expressions and list/tuple literals get real per-node
// instructions operating on the machine's value stack. Filters, tests and
// calls get their own opcodes, which carry the node and hand it to the
// tree-walking expression evaluator. Everything else (chained compares,
// dict literals and other node kinds) falls back to OpEvalExpr, which also
// hands the node to that evaluator.
func (c *Compiler) compileExpr(e nodes.Expr) error {
	if e == nil {
		c.prog.emitArg(OpLoadConst, c.prog.addConst(nil), nodes.Position{})
		return nil
	}
	pos := e.GetPosition()
	switch ex := e.(type) {
	case *nodes.Const:
		c.prog.emitArg(OpLoadConst, c.prog.addConst(ex.Value), pos)
		return nil

	case *nodes.TemplateData:
		c.prog.emitArg(OpLoadConst, c.prog.addConst(ex.Data), pos)
		return nil

	case *nodes.Name:
		// Name resolution also covers the "caller" keyword inside a
		// {% call %} block and namespaced-macro lookup, both of which
		// live on Ops already; LOAD_NAME carries the node through rather
		// than re-deriving that fallback chain in the machine.
		c.prog.Instructions = append(c.prog.Instructions, Instruction{
			Op: OpLoadName, Str: ex.Name, Node: ex, Position: pos,
		})
		return nil

	case *nodes.BinExpr:
		if err := c.compileExpr(ex.Left); err != nil {
			return err
		}
		if err := c.compileExpr(ex.Right); err != nil {
			return err
		}
		c.prog.emitStr(OpBinOp, ex.Operator, pos)
		return nil

	case *nodes.UnaryExpr:
		if err := c.compileExpr(ex.Node); err != nil {
			return err
		}
		c.prog.emitStr(OpUnaryOp, ex.Operator, pos)
		return nil

	case *nodes.Compare:
		if len(ex.Ops) != 1 {
			// Chained comparisons (a < b < c) are rare in chat templates;
			// compiling them as a real short-circuiting instruction chain
			// adds a second stack-shape convention for one-node-in-a-
			// thousand of template input, so the whole node is delegated
			// to the evaluator's existing comparator instead.
			c.prog.emitNode(OpEvalExpr, ex, pos)
			return nil
		}
		if err := c.compileExpr(ex.Expr); err != nil {
			return err
		}
		if err := c.compileExpr(ex.Ops[0].Expr); err != nil {
			return err
		}
		c.prog.emitStr(OpCompare, ex.Ops[0].Op, pos)
		return nil

	case *nodes.CondExpr:
		if err := c.compileExpr(ex.Test); err != nil {
			return err
		}
		jumpToElse := c.prog.emitArg(OpJumpIfFalse, 0, pos)
		if err := c.compileExpr(ex.Expr1); err != nil {
			return err
		}
		jumpToEnd := c.prog.emitArg(OpJump, 0, pos)
		c.prog.patchJump(jumpToElse)
		if ex.Expr2 != nil {
			if err := c.compileExpr(ex.Expr2); err != nil {
				return err
			}
		} else {
			c.prog.emitNode(OpEvalExpr, ex, pos)
		}
		c.prog.patchJump(jumpToEnd)
		return nil

	case *nodes.Getattr:
		if err := c.compileExpr(ex.Node); err != nil {
			return err
		}
		c.prog.emitStr(OpLoadAttr, ex.Attr, pos)
		return nil

	case *nodes.Getitem:
		if err := c.compileExpr(ex.Node); err != nil {
			return err
		}
		if err := c.compileExpr(ex.Arg); err != nil {
			return err
		}
		c.prog.emit(OpLoadSubscript, pos)
		return nil

	case *nodes.List:
		for _, item := range ex.Items {
			if err := c.compileExpr(item); err != nil {
				return err
			}
		}
		c.prog.emitArg(OpBuildList, len(ex.Items), pos)
		return nil

	case *nodes.Tuple:
		for _, item := range ex.Items {
			if err := c.compileExpr(item); err != nil {
				return err
			}
		}
		c.prog.emitArg(OpBuildTuple, len(ex.Items), pos)
		return nil

	case *nodes.Filter:
		// Filters carry positional args, keyword args, *args and **kwargs,
		// and the no-arg "default" rescue of an undefined input. Binding
		// all of that correctly is exactly what Ops.Evaluate already does,
		// so APPLY_FILTER names the filter for disassembly/tracing but
		// executes by delegating to the node rather than re-deriving
		// argument binding in the machine.
		c.prog.Instructions = append(c.prog.Instructions, Instruction{
			Op: OpApplyFilter, Str: ex.Name, Node: ex, Position: pos,
		})
		return nil

	case *nodes.Test:
		c.prog.Instructions = append(c.prog.Instructions, Instruction{
			Op: OpTestIs, Str: ex.Name, Node: ex, Position: pos,
		})
		return nil

	case *nodes.Call:
		// Calls may carry *args/**kwargs splats alongside positional and
		// keyword arguments; delegate argument binding to Ops.Evaluate for
		// the same reason as Filter/Test above. CALL still names the
		// instruction distinctly so traces read like real call sites.
		c.prog.Instructions = append(c.prog.Instructions, Instruction{
			Op: OpCall, Node: ex, Position: pos,
		})
		return nil

	default:
		// Dict, Slice, Concat, Pair, Keyword, MarkSafe,
		// MarkSafeIfAutoescape, ContextReference, DerivedContextReference
		// and extension expression nodes: each is either rare in rendered
		// chat templates or inherently needs the richer node context
		// (key/value ordering, markup-safety propagation) that a flat
		// instruction encoding would only duplicate.
		c.prog.emitNode(OpEvalExpr, ex, pos)
		return nil
	}
}
