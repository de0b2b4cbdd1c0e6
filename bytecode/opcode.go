// Package bytecode compiles a template AST into a linear instruction stream
// that the runtime's stack machine executes. It depends only on the nodes
// package: it knows how to read the tree, not how to run one.
package bytecode

// OpCode identifies a single instruction in a Program.
type OpCode uint8

const (
	OpNop OpCode = iota

	// Stack / literal loading.
	OpLoadConst
	OpLoadName
	OpStoreName

	// Attribute, subscript and slice access.
	OpLoadAttr
	OpLoadSubscript
	OpBuildSlice

	// Collection construction.
	OpBuildList
	OpBuildTuple
	OpBuildDict

	// Arithmetic, logic and comparison.
	OpBinOp
	OpUnaryOp
	OpCompare
	OpTestIs

	// Filters and calls.
	OpApplyFilter
	OpCall

	// Control flow.
	OpJump
	OpJumpIfFalse
	OpJumpIfTrue
	OpJumpIfFalseOrPop
	OpJumpIfTrueOrPop

	// Loop machinery. ForIterStart pushes the loop object and leaves the
	// iterator on an internal slot; ForIterNext advances it or jumps to
	// the end label when exhausted.
	OpForIterStart
	OpForIterNext
	OpForIterEnd

	// Scope management.
	OpPushScope
	OpPopScope

	// Output.
	OpEmitText
	OpEmitValue

	// Block/inheritance.
	OpEnterBlock
	OpLeaveBlock

	// Macro invocation with explicit caller binding ({% call %}).
	OpCallMacro

	// Template composition.
	OpInclude
	OpExtends
	OpImport
	OpFromImport

	// Non-local control flow, compiled as real instructions rather than
	// host-language exceptions or sentinel values.
	OpReturn
	OpBreak
	OpContinue
	OpRaise

	// Output capture, used for set-blocks, filter-blocks, spaceless and
	// call-block bodies: everything written between OpCaptureBegin and
	// OpCaptureEnd is collected into a string instead of going to the
	// template's writer.
	OpCaptureBegin
	OpCaptureEnd

	// Escape hatches for node shapes the compiler does not decompose into
	// granular instructions (rare expression forms, i18n blocks, nested
	// inheritance resolution). The VM delegates these to the adapted
	// tree-walking helpers in runtime.Ops so that every construct in the
	// grammar still executes correctly, even when it isn't worth hand
	// rolling its own opcode sequence.
	OpEvalExpr
	OpExecStmt
)

var opNames = map[OpCode]string{
	OpNop:               "NOP",
	OpLoadConst:         "LOAD_CONST",
	OpLoadName:          "LOAD_NAME",
	OpStoreName:         "STORE_NAME",
	OpLoadAttr:          "LOAD_ATTR",
	OpLoadSubscript:     "LOAD_SUBSCRIPT",
	OpBuildSlice:        "BUILD_SLICE",
	OpBuildList:         "BUILD_LIST",
	OpBuildTuple:        "BUILD_TUPLE",
	OpBuildDict:         "BUILD_DICT",
	OpBinOp:             "BIN_OP",
	OpUnaryOp:           "UNARY_OP",
	OpCompare:           "COMPARE",
	OpTestIs:            "TEST_IS",
	OpApplyFilter:       "APPLY_FILTER",
	OpCall:              "CALL",
	OpJump:              "JUMP",
	OpJumpIfFalse:       "JUMP_IF_FALSE",
	OpJumpIfTrue:        "JUMP_IF_TRUE",
	OpJumpIfFalseOrPop:  "JUMP_IF_FALSE_OR_POP",
	OpJumpIfTrueOrPop:   "JUMP_IF_TRUE_OR_POP",
	OpForIterStart:      "FOR_ITER_START",
	OpForIterNext:       "FOR_ITER_NEXT",
	OpForIterEnd:        "FOR_ITER_END",
	OpPushScope:         "PUSH_SCOPE",
	OpPopScope:          "POP_SCOPE",
	OpEmitText:          "EMIT_TEXT",
	OpEmitValue:         "EMIT_VALUE",
	OpEnterBlock:        "ENTER_BLOCK",
	OpLeaveBlock:        "LEAVE_BLOCK",
	OpCallMacro:         "CALL_MACRO",
	OpInclude:           "INCLUDE",
	OpExtends:           "EXTENDS",
	OpImport:            "IMPORT",
	OpFromImport:        "FROM_IMPORT",
	OpReturn:            "RETURN",
	OpBreak:             "BREAK",
	OpContinue:          "CONTINUE",
	OpRaise:             "RAISE",
	OpCaptureBegin:      "CAPTURE_BEGIN",
	OpCaptureEnd:        "CAPTURE_END",
	OpEvalExpr:          "EVAL_EXPR",
	OpExecStmt:          "EXEC_STMT",
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}
