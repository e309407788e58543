package spreadsheet

import (
	"strconv"
	"strings"
)

// BinaryOp represents binary operators in expressions
type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
)

var binaryOpText = map[BinaryOp]string{
	BinOpAdd:          "+",
	BinOpSubtract:     "-",
	BinOpMultiply:     "*",
	BinOpDivide:       "/",
	BinOpPower:        "^",
	BinOpConcat:       "&",
	BinOpEqual:        "=",
	BinOpNotEqual:     "<>",
	BinOpLess:         "<",
	BinOpLessEqual:    "<=",
	BinOpGreater:      ">",
	BinOpGreaterEqual: ">=",
}

func (op BinaryOp) String() string { return binaryOpText[op] }

// UnaryOp represents unary operators in expressions
type UnaryOp int

const (
	UnaryOpPlus UnaryOp = iota
	UnaryOpMinus
	UnaryOpPercent
)

// Expr is a lowered, address-resolved formula expression. every reference
// carries absolute coordinates; the node set is closed.
type Expr interface {
	String() string
	exprNode()
}

type NumberExpr struct{ Value float64 }

type TextExpr struct{ Value string }

type BoolExpr struct{ Value bool }

type ErrorExpr struct{ Code ErrorCode }

// MissingExpr is an omitted function argument, as in IF(A1,,1)
type MissingExpr struct{}

type CellRefExpr struct{ Addr CellAddress }

type RangeRefExpr struct{ Range RangeAddress }

// SpillRefExpr refers to the committed spill footprint of an anchor (A1#)
type SpillRefExpr struct{ Anchor CellAddress }

// NameRefExpr refers to a defined name, or to a LET/LAMBDA parameter
type NameRefExpr struct{ Name string }

type ExternalRefExpr struct{ Ref ExternalRef }

type UnaryExpr struct {
	Op      UnaryOp
	Operand Expr
}

type BinaryExpr struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
}

// CallExpr calls a function by upper-cased name. Site is the call's
// structural slot within its formula, numbered in pre-order from 1.
type CallExpr struct {
	Name string
	Args []Expr
	Site uint32
}

type ArrayExpr struct{ Rows [][]Expr }

type LambdaExpr struct {
	Params []string
	Body   Expr
}

type LetExpr struct {
	Names  []string
	Values []Expr
	Body   Expr
}

func (*NumberExpr) exprNode()      {}
func (*TextExpr) exprNode()        {}
func (*BoolExpr) exprNode()        {}
func (*ErrorExpr) exprNode()       {}
func (*MissingExpr) exprNode()     {}
func (*CellRefExpr) exprNode()     {}
func (*RangeRefExpr) exprNode()    {}
func (*SpillRefExpr) exprNode()    {}
func (*NameRefExpr) exprNode()     {}
func (*ExternalRefExpr) exprNode() {}
func (*UnaryExpr) exprNode()       {}
func (*BinaryExpr) exprNode()      {}
func (*CallExpr) exprNode()        {}
func (*ArrayExpr) exprNode()       {}
func (*LambdaExpr) exprNode()      {}
func (*LetExpr) exprNode()         {}

func (e *NumberExpr) String() string { return strconv.FormatFloat(e.Value, 'g', -1, 64) }

func (e *TextExpr) String() string {
	return `"` + strings.ReplaceAll(e.Value, `"`, `""`) + `"`
}

func (e *BoolExpr) String() string {
	if e.Value {
		return "TRUE"
	}
	return "FALSE"
}

func (e *ErrorExpr) String() string    { return e.Code.String() }
func (e *MissingExpr) String() string  { return "" }
func (e *CellRefExpr) String() string  { return e.Addr.String() }
func (e *RangeRefExpr) String() string { return e.Range.String() }
func (e *SpillRefExpr) String() string { return e.Anchor.String() + "#" }
func (e *NameRefExpr) String() string  { return e.Name }

func (e *ExternalRefExpr) String() string { return e.Ref.String() }

func (e *UnaryExpr) String() string {
	switch e.Op {
	case UnaryOpMinus:
		return "-" + e.Operand.String()
	case UnaryOpPercent:
		return e.Operand.String() + "%"
	}
	return "+" + e.Operand.String()
}

func (e *BinaryExpr) String() string {
	return "(" + e.Left.String() + e.Op.String() + e.Right.String() + ")"
}

func (e *CallExpr) String() string {
	return e.Name + "(" + joinExprs(e.Args, ",") + ")"
}

func (e *ArrayExpr) String() string {
	rows := make([]string, len(e.Rows))
	for i, row := range e.Rows {
		rows[i] = joinExprs(row, ",")
	}
	return "{" + strings.Join(rows, ";") + "}"
}

func (e *LambdaExpr) String() string {
	return "LAMBDA(" + strings.Join(e.Params, ",") + "," + e.Body.String() + ")"
}

func (e *LetExpr) String() string {
	var sb strings.Builder
	sb.WriteString("LET(")
	for i, name := range e.Names {
		sb.WriteString(name)
		sb.WriteByte(',')
		sb.WriteString(e.Values[i].String())
		sb.WriteByte(',')
	}
	sb.WriteString(e.Body.String())
	sb.WriteByte(')')
	return sb.String()
}

func joinExprs(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, sep)
}

// walkExpr visits expr and its children in pre-order. returning false from
// fn skips the node's children.
func walkExpr(expr Expr, fn func(Expr) bool) {
	if expr == nil || !fn(expr) {
		return
	}
	switch n := expr.(type) {
	case *UnaryExpr:
		walkExpr(n.Operand, fn)
	case *BinaryExpr:
		walkExpr(n.Left, fn)
		walkExpr(n.Right, fn)
	case *CallExpr:
		for _, arg := range n.Args {
			walkExpr(arg, fn)
		}
	case *ArrayExpr:
		for _, row := range n.Rows {
			for _, item := range row {
				walkExpr(item, fn)
			}
		}
	case *LambdaExpr:
		walkExpr(n.Body, fn)
	case *LetExpr:
		for _, v := range n.Values {
			walkExpr(v, fn)
		}
		walkExpr(n.Body, fn)
	}
}

// assignSites numbers every call in pre-order. both evaluators key random
// streams by this number, so it must only depend on the expression's shape.
func assignSites(expr Expr) {
	var next uint32
	walkExpr(expr, func(e Expr) bool {
		if call, ok := e.(*CallExpr); ok {
			next++
			call.Site = next
		}
		return true
	})
}

// transformExpr rebuilds expr bottom-up through fn. unchanged subtrees keep
// their identity, so callers can detect rewrites by pointer comparison.
func transformExpr(expr Expr, fn func(Expr) Expr) Expr {
	switch n := expr.(type) {
	case *UnaryExpr:
		if operand := transformExpr(n.Operand, fn); operand != n.Operand {
			return fn(&UnaryExpr{Op: n.Op, Operand: operand})
		}
	case *BinaryExpr:
		left, right := transformExpr(n.Left, fn), transformExpr(n.Right, fn)
		if left != n.Left || right != n.Right {
			return fn(&BinaryExpr{Op: n.Op, Left: left, Right: right})
		}
	case *CallExpr:
		if args, changed := transformList(n.Args, fn); changed {
			return fn(&CallExpr{Name: n.Name, Args: args, Site: n.Site})
		}
	case *ArrayExpr:
		rows := make([][]Expr, len(n.Rows))
		changed := false
		for i, row := range n.Rows {
			var rowChanged bool
			rows[i], rowChanged = transformList(row, fn)
			changed = changed || rowChanged
		}
		if changed {
			return fn(&ArrayExpr{Rows: rows})
		}
	case *LambdaExpr:
		if body := transformExpr(n.Body, fn); body != n.Body {
			return fn(&LambdaExpr{Params: n.Params, Body: body})
		}
	case *LetExpr:
		values, changed := transformList(n.Values, fn)
		body := transformExpr(n.Body, fn)
		if changed || body != n.Body {
			return fn(&LetExpr{Names: n.Names, Values: values, Body: body})
		}
	}
	return fn(expr)
}

func transformList(exprs []Expr, fn func(Expr) Expr) ([]Expr, bool) {
	out := make([]Expr, len(exprs))
	changed := false
	for i, e := range exprs {
		out[i] = transformExpr(e, fn)
		changed = changed || out[i] != e
	}
	return out, changed
}

// exprKey is the canonical text used to intern formulas
func exprKey(expr Expr) string {
	return expr.String()
}
