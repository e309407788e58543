package spreadsheet

import (
	"math"
	"strconv"
	"strings"
)

// Primitive is a plain Go rendering of a Value:
//   - float64: numeric values
//   - string: text values
//   - bool: boolean values
//   - nil: blank cells
//   - ErrorCode: error values
//   - [][]Primitive: arrays
type Primitive any

// ValueKind tags the active member of a Value
type ValueKind uint8

const (
	KindBlank ValueKind = iota
	KindNumber
	KindText
	KindBool
	KindError
	KindArray
	KindReference
)

var kindNames = [...]string{"blank", "number", "text", "bool", "error", "array", "reference"}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is the typed result domain shared by literals, formula results and
// function arguments. the zero Value is Blank.
type Value struct {
	Kind ValueKind
	num  float64 // number, or 1/0 for booleans
	str  string
	code ErrorCode
	arr  *Array
	ref  *Reference
}

// Array is a rectangular, row-major grid of values
type Array struct {
	Rows int
	Cols int
	Data []Value
}

// Reference is an unevaluated range operand. exactly one of Range (local)
// or External is meaningful.
type Reference struct {
	Range    RangeAddress
	External *ExternalRef
}

func Number(f float64) Value { return Value{Kind: KindNumber, num: f} }

func Text(s string) Value { return Value{Kind: KindText, str: s} }

func Bool(b bool) Value {
	if b {
		return Value{Kind: KindBool, num: 1}
	}
	return Value{Kind: KindBool}
}

func Blank() Value { return Value{} }

func ErrorValue(code ErrorCode) Value { return Value{Kind: KindError, code: code} }

func ArrayValue(a *Array) Value { return Value{Kind: KindArray, arr: a} }

func ReferenceValue(r Reference) Value { return Value{Kind: KindReference, ref: &r} }

// NewArray allocates a rows x cols array of blanks.
func NewArray(rows, cols int) *Array {
	return &Array{Rows: rows, Cols: cols, Data: make([]Value, rows*cols)}
}

func (a *Array) At(row, col int) Value { return a.Data[row*a.Cols+col] }

func (a *Array) Set(row, col int, v Value) { a.Data[row*a.Cols+col] = v }

func (v Value) Num() float64 { return v.num }

func (v Value) Str() string { return v.str }

func (v Value) Truth() bool { return v.num != 0 }

func (v Value) ErrorCode() ErrorCode { return v.code }

func (v Value) Array() *Array { return v.arr }

func (v Value) Ref() *Reference { return v.ref }

func (v Value) IsError() bool { return v.Kind == KindError }

func (v Value) IsBlank() bool { return v.Kind == KindBlank }

// Identical reports bit-for-bit equality. numbers compare by their IEEE bits,
// so -0 and 0 differ while equal NaN payloads match.
func Identical(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindBlank:
		return true
	case KindNumber, KindBool:
		return math.Float64bits(a.num) == math.Float64bits(b.num)
	case KindText:
		return a.str == b.str
	case KindError:
		return a.code == b.code
	case KindArray:
		if a.arr.Rows != b.arr.Rows || a.arr.Cols != b.arr.Cols {
			return false
		}
		for i := range a.arr.Data {
			if !Identical(a.arr.Data[i], b.arr.Data[i]) {
				return false
			}
		}
		return true
	case KindReference:
		if a.ref.External == nil || b.ref.External == nil {
			return a.ref.External == nil && b.ref.External == nil && a.ref.Range == b.ref.Range
		}
		return *a.ref.External == *b.ref.External
	}
	return false
}

// Primitive converts the value into plain Go data.
func (v Value) Primitive() Primitive {
	switch v.Kind {
	case KindNumber:
		return v.num
	case KindText:
		return v.str
	case KindBool:
		return v.num != 0
	case KindError:
		return v.code
	case KindArray:
		rows := make([][]Primitive, v.arr.Rows)
		for r := range rows {
			rows[r] = make([]Primitive, v.arr.Cols)
			for c := range rows[r] {
				rows[r][c] = v.arr.At(r, c).Primitive()
			}
		}
		return rows
	case KindReference:
		return v.String()
	}
	return nil
}

// String renders the value the way a cell displays it.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return formatNumber(v.num)
	case KindText:
		return v.str
	case KindBool:
		if v.num != 0 {
			return "TRUE"
		}
		return "FALSE"
	case KindError:
		return v.code.String()
	case KindArray:
		var sb strings.Builder
		sb.WriteByte('{')
		for r := 0; r < v.arr.Rows; r++ {
			if r > 0 {
				sb.WriteByte(';')
			}
			for c := 0; c < v.arr.Cols; c++ {
				if c > 0 {
					sb.WriteByte(',')
				}
				sb.WriteString(v.arr.At(r, c).String())
			}
		}
		sb.WriteByte('}')
		return sb.String()
	case KindReference:
		if v.ref.External != nil {
			return v.ref.External.String()
		}
		return v.ref.Range.String()
	}
	return ""
}

// ValueOf converts plain Go data into a Value. unsupported types become
// #VALUE!.
func ValueOf(p Primitive) Value {
	switch x := p.(type) {
	case nil:
		return Blank()
	case Value:
		return x
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int32:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case uint32:
		return Number(float64(x))
	case string:
		return Text(x)
	case bool:
		return Bool(x)
	case ErrorCode:
		return ErrorValue(x)
	case [][]Primitive:
		if len(x) == 0 || len(x[0]) == 0 {
			return ErrorValue(ErrorCodeCalc)
		}
		arr := NewArray(len(x), len(x[0]))
		for r, row := range x {
			if len(row) != arr.Cols {
				return ErrorValue(ErrorCodeValue)
			}
			for c, item := range row {
				arr.Set(r, c, ValueOf(item))
			}
		}
		return ArrayValue(arr)
	}
	return ErrorValue(ErrorCodeValue)
}
