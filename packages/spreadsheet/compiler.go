package spreadsheet

import "math"

// Opcode is a bytecode instruction kind
type Opcode uint8

const (
	OpConst  Opcode = iota // push consts[Arg]
	OpCell                 // push the value of cells[Arg]
	OpRef                  // push refs[Arg] as a reference
	OpUnary                // apply UnaryOp(Arg) to the top of stack
	OpBinary               // apply BinaryOp(Arg) to the two top values
	OpCall                 // call calls[Arg] with its argument count
	OpBranch               // pop a condition; jump to Arg if false, to Arg2 with the error if it fails
	OpJump                 // jump to Arg
)

var opcodeNames = [...]string{"CONST", "CELL", "REF", "UNARY", "BINARY", "CALL", "BRANCH", "JUMP"}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "OP?"
}

// Instr is one instruction. Arg and Arg2 index a program table or the code
// slice depending on Op.
type Instr struct {
	Op   Opcode
	Arg  uint32
	Arg2 uint32
}

type callInfo struct {
	fn   *Function
	argc int
	site uint32
}

// Program is a compiled formula: a flat instruction slice over a
// deduplicated constant pool and tables of the cells, ranges and calls it
// uses.
type Program struct {
	code   []Instr
	consts []Value
	cells  []CellAddress
	refs   []RangeAddress
	calls  []callInfo
}

// Len returns the number of instructions
func (p *Program) Len() int { return len(p.code) }

// constKey identifies a scalar constant for pool deduplication
type constKey struct {
	kind ValueKind
	bits uint64
	str  string
}

type compiler struct {
	registry *FunctionRegistry
	program  *Program
	constIdx map[constKey]uint32
	cellIdx  map[CellAddress]uint32
	refIdx   map[RangeAddress]uint32
}

// Compile lowers an expression into bytecode. it returns false, without an
// error, when the expression uses anything the VM does not support; such
// formulas are interpreted instead.
func Compile(expr Expr, registry *FunctionRegistry) (*Program, bool) {
	c := &compiler{
		registry: registry,
		program:  &Program{},
		constIdx: make(map[constKey]uint32),
		cellIdx:  make(map[CellAddress]uint32),
		refIdx:   make(map[RangeAddress]uint32),
	}
	if !c.compile(expr) {
		return nil, false
	}
	return c.program, true
}

func (c *compiler) emit(op Opcode, arg uint32) int {
	c.program.code = append(c.program.code, Instr{Op: op, Arg: arg})
	return len(c.program.code) - 1
}

func (c *compiler) constant(v Value) uint32 {
	key := constKey{kind: v.Kind, str: v.str}
	switch v.Kind {
	case KindNumber, KindBool:
		key.bits = math.Float64bits(v.num)
	case KindError:
		key.bits = uint64(v.code)
	}
	if idx, ok := c.constIdx[key]; ok {
		return idx
	}
	idx := uint32(len(c.program.consts))
	c.program.consts = append(c.program.consts, v)
	c.constIdx[key] = idx
	return idx
}

func (c *compiler) cell(a CellAddress) uint32 {
	if idx, ok := c.cellIdx[a]; ok {
		return idx
	}
	idx := uint32(len(c.program.cells))
	c.program.cells = append(c.program.cells, a)
	c.cellIdx[a] = idx
	return idx
}

func (c *compiler) ref(r RangeAddress) uint32 {
	if idx, ok := c.refIdx[r]; ok {
		return idx
	}
	idx := uint32(len(c.program.refs))
	c.program.refs = append(c.program.refs, r)
	c.refIdx[r] = idx
	return idx
}

func (c *compiler) compile(expr Expr) bool {
	switch n := expr.(type) {
	case *NumberExpr:
		c.emit(OpConst, c.constant(Number(n.Value)))
	case *TextExpr:
		c.emit(OpConst, c.constant(Text(n.Value)))
	case *BoolExpr:
		c.emit(OpConst, c.constant(Bool(n.Value)))
	case *ErrorExpr:
		c.emit(OpConst, c.constant(ErrorValue(n.Code)))
	case *CellRefExpr:
		c.emit(OpCell, c.cell(n.Addr))
	case *UnaryExpr:
		if !c.compile(n.Operand) {
			return false
		}
		c.emit(OpUnary, uint32(n.Op))
	case *BinaryExpr:
		if !c.compile(n.Left) || !c.compile(n.Right) {
			return false
		}
		c.emit(OpBinary, uint32(n.Op))
	case *CallExpr:
		if n.Name == "IF" {
			return c.compileIf(n)
		}
		return c.compileCall(n)
	default:
		return false
	}
	return true
}

// compileIf lowers IF into a conditional branch around its two arms
func (c *compiler) compileIf(n *CallExpr) bool {
	if len(n.Args) < 2 || len(n.Args) > 3 {
		return false
	}
	if !c.compile(n.Args[0]) {
		return false
	}
	branch := c.emit(OpBranch, 0)
	if !c.compile(n.Args[1]) {
		return false
	}
	jump := c.emit(OpJump, 0)
	c.program.code[branch].Arg = uint32(len(c.program.code))
	if len(n.Args) == 3 {
		if !c.compile(n.Args[2]) {
			return false
		}
	} else {
		c.emit(OpConst, c.constant(Bool(false)))
	}
	end := uint32(len(c.program.code))
	c.program.code[jump].Arg = end
	c.program.code[branch].Arg2 = end
	return true
}

func (c *compiler) compileCall(n *CallExpr) bool {
	if isSpecialForm(n.Name) {
		return false
	}
	fn, ok := c.registry.Lookup(n.Name)
	if !ok || !fn.has(FnBytecode) || fn.has(FnArrayResult) {
		return false
	}
	for _, arg := range n.Args {
		if fn.has(FnRefArgs) {
			switch a := arg.(type) {
			case *RangeRefExpr:
				c.emit(OpRef, c.ref(a.Range))
				continue
			case *CellRefExpr:
				c.emit(OpRef, c.ref(CellRangeOf(a.Addr)))
				continue
			}
		}
		if !c.compile(arg) {
			return false
		}
	}
	idx := uint32(len(c.program.calls))
	c.program.calls = append(c.program.calls, callInfo{fn: fn, argc: len(n.Args), site: n.Site})
	c.emit(OpCall, idx)
	return true
}
