package spreadsheet

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// foldText case-folds text for comparisons and lookups. a Caser keeps state,
// so one is made per call and never shared between workers.
func foldText(s string) string {
	return cases.Fold().String(s)
}

// numberResult turns a raw float into a Value, mapping non-finite results
// to #NUM!.
func numberResult(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrorValue(ErrorCodeNum)
	}
	return Number(f)
}

// topLeft reduces an array to its first element; other values pass through.
func topLeft(v Value) Value {
	if v.Kind == KindArray {
		if len(v.arr.Data) == 0 {
			return ErrorValue(ErrorCodeCalc)
		}
		return v.arr.Data[0]
	}
	return v
}

// toNumber coerces a scalar to a Number, or returns the error it produced.
//   - bool: TRUE -> 1, FALSE -> 0
//   - blank: 0
//   - text: parsed as a number, otherwise #VALUE!
func toNumber(v Value) Value {
	switch v.Kind {
	case KindNumber, KindError:
		return v
	case KindBool:
		return Number(v.num)
	case KindBlank:
		return Number(0)
	case KindText:
		if f, ok := parseNumberText(v.str); ok {
			return Number(f)
		}
		return ErrorValue(ErrorCodeValue)
	case KindArray:
		return toNumber(topLeft(v))
	}
	return ErrorValue(ErrorCodeValue)
}

func parseNumberText(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	percent := false
	if strings.HasSuffix(s, "%") {
		percent = true
		s = strings.TrimSpace(s[:len(s)-1])
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if percent {
		f /= 100
	}
	return f, true
}

// toText coerces a scalar to Text, or returns its error.
func toText(v Value) Value {
	switch v.Kind {
	case KindText, KindError:
		return v
	case KindArray:
		return toText(topLeft(v))
	case KindReference:
		return ErrorValue(ErrorCodeValue)
	}
	return Text(v.String())
}

// toBool coerces a scalar to Bool. text must read TRUE or FALSE.
func toBool(v Value) Value {
	switch v.Kind {
	case KindBool, KindError:
		return v
	case KindNumber:
		return Bool(v.num != 0)
	case KindBlank:
		return Bool(false)
	case KindText:
		switch strings.ToUpper(strings.TrimSpace(v.str)) {
		case "TRUE":
			return Bool(true)
		case "FALSE":
			return Bool(false)
		}
		return ErrorValue(ErrorCodeValue)
	case KindArray:
		return toBool(topLeft(v))
	}
	return ErrorValue(ErrorCodeValue)
}

// formatNumber renders a number with at most 15 significant digits
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'G', 15, 64)
}

// typeRank orders kinds for comparisons: numbers < text < booleans
func typeRank(v Value) int {
	switch v.Kind {
	case KindText:
		return 1
	case KindBool:
		return 2
	}
	return 0
}

// compareValues compares two non-error scalars the way comparison operators
// do. a blank takes the zero value of the other side's type.
func compareValues(l, r Value) int {
	if l.Kind == KindBlank && r.Kind == KindBlank {
		return 0
	}
	if l.Kind == KindBlank {
		l = zeroOf(r)
	}
	if r.Kind == KindBlank {
		r = zeroOf(l)
	}
	lr, rr := typeRank(l), typeRank(r)
	if lr != rr {
		return cmpInt(lr, rr)
	}
	switch l.Kind {
	case KindText:
		return strings.Compare(foldText(l.str), foldText(r.str))
	default:
		switch {
		case l.num < r.num:
			return -1
		case l.num > r.num:
			return 1
		}
		return 0
	}
}

func zeroOf(v Value) Value {
	switch v.Kind {
	case KindText:
		return Text("")
	case KindBool:
		return Bool(false)
	}
	return Number(0)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// applyBinary evaluates an operator over dereferenced operands. arrays are
// broadcast elementwise.
func applyBinary(op BinaryOp, l, r Value) Value {
	if l.Kind == KindArray || r.Kind == KindArray {
		return broadcast(l, r, func(a, b Value) Value { return applyBinaryScalar(op, a, b) })
	}
	return applyBinaryScalar(op, l, r)
}

func applyBinaryScalar(op BinaryOp, l, r Value) Value {
	if l.Kind == KindError {
		return l
	}
	if r.Kind == KindError {
		return r
	}
	if l.Kind == KindReference || r.Kind == KindReference {
		return ErrorValue(ErrorCodeValue)
	}

	switch op {
	case BinOpConcat:
		lt, rt := toText(l), toText(r)
		if lt.Kind == KindError {
			return lt
		}
		if rt.Kind == KindError {
			return rt
		}
		return Text(lt.str + rt.str)
	case BinOpEqual:
		return Bool(compareValues(l, r) == 0)
	case BinOpNotEqual:
		return Bool(compareValues(l, r) != 0)
	case BinOpLess:
		return Bool(compareValues(l, r) < 0)
	case BinOpLessEqual:
		return Bool(compareValues(l, r) <= 0)
	case BinOpGreater:
		return Bool(compareValues(l, r) > 0)
	case BinOpGreaterEqual:
		return Bool(compareValues(l, r) >= 0)
	}

	ln := toNumber(l)
	if ln.Kind == KindError {
		return ln
	}
	rn := toNumber(r)
	if rn.Kind == KindError {
		return rn
	}
	a, b := ln.num, rn.num

	switch op {
	case BinOpAdd:
		return numberResult(a + b)
	case BinOpSubtract:
		return numberResult(a - b)
	case BinOpMultiply:
		return numberResult(a * b)
	case BinOpDivide:
		if b == 0 {
			return ErrorValue(ErrorCodeDiv0)
		}
		return numberResult(a / b)
	case BinOpPower:
		return power(a, b)
	}
	return ErrorValue(ErrorCodeValue)
}

func power(base, exp float64) Value {
	if base == 0 {
		if exp == 0 {
			return ErrorValue(ErrorCodeNum)
		}
		if exp < 0 {
			return ErrorValue(ErrorCodeDiv0)
		}
	}
	return numberResult(math.Pow(base, exp))
}

// applyUnary evaluates a prefix or postfix operator over a dereferenced
// operand.
func applyUnary(op UnaryOp, v Value) Value {
	if v.Kind == KindArray {
		return mapArray(v, func(item Value) Value { return applyUnary(op, item) })
	}
	if v.Kind == KindError {
		return v
	}
	if op == UnaryOpPlus {
		return v
	}
	n := toNumber(v)
	if n.Kind == KindError {
		return n
	}
	if op == UnaryOpMinus {
		return Number(-n.num)
	}
	return numberResult(n.num / 100)
}

// broadcast combines two operands elementwise. a single row or column is
// stretched across the other operand; positions outside a smaller array
// are #N/A.
func broadcast(l, r Value, fn func(a, b Value) Value) Value {
	lr, lc := shapeOf(l)
	rr, rc := shapeOf(r)
	rows, cols := max(lr, rr), max(lc, rc)
	out := NewArray(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, fn(elementAt(l, i, j), elementAt(r, i, j)))
		}
	}
	return ArrayValue(out)
}

func shapeOf(v Value) (int, int) {
	if v.Kind == KindArray {
		return v.arr.Rows, v.arr.Cols
	}
	return 1, 1
}

func elementAt(v Value, row, col int) Value {
	if v.Kind != KindArray {
		return v
	}
	a := v.arr
	if a.Rows == 1 {
		row = 0
	}
	if a.Cols == 1 {
		col = 0
	}
	if row >= a.Rows || col >= a.Cols {
		return ErrorValue(ErrorCodeNA)
	}
	return a.At(row, col)
}

// mapArray applies fn to every element of an array value.
func mapArray(v Value, fn func(Value) Value) Value {
	out := NewArray(v.arr.Rows, v.arr.Cols)
	for i, item := range v.arr.Data {
		out.Data[i] = fn(item)
	}
	return ArrayValue(out)
}

// firstError returns the first error among values, if any.
func firstError(values ...Value) (Value, bool) {
	for _, v := range values {
		if v.Kind == KindError {
			return v, true
		}
	}
	return Value{}, false
}
