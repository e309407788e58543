package spreadsheet

import (
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// FixedClock always reports the same instant
type FixedClock struct{ At time.Time }

func (f FixedClock) Now() time.Time { return f.At }

// Excel date/time constants
const (
	// Excel epoch: December 30, 1899 00:00:00 UTC in Unix milliseconds
	EXCEL_EPOCH_MS = -2209161600000
	MS_PER_DAY     = 86400000 // milliseconds in a day
)

// FunctionFlags describe how a function is called and classified
type FunctionFlags uint16

const (
	// FnVolatile functions are recomputed on every pass
	FnVolatile FunctionFlags = 1 << iota
	// FnBytecode functions may be called from compiled programs
	FnBytecode
	// FnRefArgs functions receive range arguments as references instead of
	// dereferenced arrays
	FnRefArgs
	// FnArrayResult functions may return arrays that spill
	FnArrayResult
	// FnLift functions are scalar; array arguments are broadcast elementwise
	FnLift
)

// Function is one entry in the function library. MaxArgs of -1 means
// unlimited. Impl receives arguments already evaluated; it must not retain
// the CallContext.
type Function struct {
	Name    string
	MinArgs int
	MaxArgs int
	Flags   FunctionFlags
	Impl    func(c *CallContext, args []Value) Value
}

func (f *Function) has(flag FunctionFlags) bool { return f.Flags&flag != 0 }

// FunctionRegistry maps upper-cased names to functions. it is not safe for
// concurrent mutation; the workbook only changes it under its write lock.
type FunctionRegistry struct {
	functions map[string]*Function
}

// NewFunctionRegistry creates a registry holding the built-in functions
func NewFunctionRegistry() *FunctionRegistry {
	fr := &FunctionRegistry{functions: make(map[string]*Function)}
	for _, fn := range builtinFunctions() {
		fr.Register(fn)
	}
	return fr
}

// Register adds or replaces a function
func (fr *FunctionRegistry) Register(fn *Function) {
	fr.functions[strings.ToUpper(fn.Name)] = fn
}

// Lookup finds a function by name, case-insensitively
func (fr *FunctionRegistry) Lookup(name string) (*Function, bool) {
	fn, ok := fr.functions[strings.ToUpper(name)]
	return fn, ok
}

// Names returns the registered names in sorted order
func (fr *FunctionRegistry) Names() []string {
	names := make([]string, 0, len(fr.functions))
	for name := range fr.functions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// callFunction checks arity, lifts scalar functions over array arguments and
// runs the implementation. both evaluators call functions through here.
func callFunction(frame *evalFrame, fn *Function, site uint32, args []Value) Value {
	if len(args) < fn.MinArgs || (fn.MaxArgs >= 0 && len(args) > fn.MaxArgs) {
		return ErrorValue(ErrorCodeNA)
	}
	c := &CallContext{frame: frame, site: site}
	if fn.has(FnLift) {
		rows, cols, lifted := 1, 1, false
		for _, arg := range args {
			if arg.Kind == KindArray {
				lifted = true
				rows, cols = max(rows, arg.arr.Rows), max(cols, arg.arr.Cols)
			}
		}
		if lifted {
			out := NewArray(rows, cols)
			scalars := make([]Value, len(args))
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					for k, arg := range args {
						scalars[k] = elementAt(arg, i, j)
					}
					out.Set(i, j, fn.Impl(c, scalars))
				}
			}
			return ArrayValue(out)
		}
	}
	return fn.Impl(c, args)
}

func builtinFunctions() []*Function {
	const (
		agg    = FnBytecode | FnRefArgs
		scalar = FnBytecode | FnLift
	)
	return []*Function{
		{Name: "SUM", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnSum},
		{Name: "PRODUCT", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnProduct},
		{Name: "AVERAGE", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnAverage},
		{Name: "AVERAGEA", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnAverageA},
		{Name: "COUNT", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnCount},
		{Name: "COUNTA", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnCountA},
		{Name: "MAX", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnMax},
		{Name: "MIN", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnMin},
		{Name: "MEDIAN", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnMedian},
		{Name: "MODE", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnMode},
		{Name: "AND", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnAnd},
		{Name: "OR", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnOr},
		{Name: "CONCAT", MinArgs: 1, MaxArgs: -1, Flags: agg, Impl: fnConcat},
		{Name: "ROWS", MinArgs: 1, MaxArgs: 1, Flags: agg, Impl: fnRows},
		{Name: "COLUMNS", MinArgs: 1, MaxArgs: 1, Flags: agg, Impl: fnColumns},

		{Name: "NOT", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: fnNot},
		{Name: "ISERROR", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: isKind(func(v Value) bool { return v.Kind == KindError })},
		{Name: "ISNA", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: isKind(func(v Value) bool { return v.Kind == KindError && v.code == ErrorCodeNA })},
		{Name: "ISNUMBER", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: isKind(func(v Value) bool { return v.Kind == KindNumber })},
		{Name: "ISTEXT", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: isKind(func(v Value) bool { return v.Kind == KindText })},
		{Name: "ISBLANK", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: isKind(func(v Value) bool { return v.Kind == KindBlank })},
		{Name: "CONCATENATE", MinArgs: 1, MaxArgs: -1, Flags: scalar, Impl: fnConcatenate},
		{Name: "LEN", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: textFunc(func(s string) Value { return Number(float64(utf8.RuneCountInString(s))) })},
		{Name: "UPPER", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: textFunc(func(s string) Value { return Text(cases.Upper(language.Und).String(s)) })},
		{Name: "LOWER", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: textFunc(func(s string) Value { return Text(cases.Lower(language.Und).String(s)) })},
		{Name: "TRIM", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: textFunc(func(s string) Value { return Text(strings.Join(strings.Fields(s), " ")) })},
		{Name: "ABS", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: mathFunc(math.Abs)},
		{Name: "INT", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: mathFunc(math.Floor)},
		{Name: "FLOOR", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: mathFunc(math.Floor)},
		{Name: "CEILING", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: mathFunc(math.Ceil)},
		{Name: "SQRT", MinArgs: 1, MaxArgs: 1, Flags: scalar, Impl: fnSqrt},
		{Name: "ROUND", MinArgs: 1, MaxArgs: 2, Flags: scalar, Impl: fnRound},
		{Name: "MOD", MinArgs: 2, MaxArgs: 2, Flags: scalar, Impl: fnMod},
		{Name: "POWER", MinArgs: 2, MaxArgs: 2, Flags: scalar, Impl: fnPower},
		{Name: "PI", MinArgs: 0, MaxArgs: 0, Flags: FnBytecode, Impl: func(*CallContext, []Value) Value { return Number(math.Pi) }},

		{Name: "NOW", MinArgs: 0, MaxArgs: 0, Flags: FnBytecode | FnVolatile, Impl: fnNow},
		{Name: "TODAY", MinArgs: 0, MaxArgs: 0, Flags: FnBytecode | FnVolatile, Impl: fnToday},
		{Name: "RAND", MinArgs: 0, MaxArgs: 0, Flags: FnBytecode | FnVolatile, Impl: fnRand},
		{Name: "RANDBETWEEN", MinArgs: 2, MaxArgs: 2, Flags: FnBytecode | FnVolatile, Impl: fnRandBetween},

		{Name: "RANDARRAY", MinArgs: 0, MaxArgs: 5, Flags: FnVolatile | FnArrayResult, Impl: fnRandArray},
		{Name: "SEQUENCE", MinArgs: 1, MaxArgs: 4, Flags: FnArrayResult, Impl: fnSequence},
		{Name: "TRANSPOSE", MinArgs: 1, MaxArgs: 1, Flags: FnArrayResult, Impl: fnTranspose},
	}
}

// numericArgs walks aggregate arguments. numbers found through references
// or arrays count, other kinds there are skipped; direct scalars are
// coerced. the first error stops the walk.
func numericArgs(c *CallContext, args []Value, fn func(float64)) Value {
	var failed Value
	c.Values(args, func(v Value, fromRef bool) bool {
		if v.Kind == KindError {
			failed = v
			return false
		}
		if fromRef {
			if v.Kind == KindNumber {
				fn(v.num)
			}
			return true
		}
		n := toNumber(v)
		if n.Kind == KindError {
			failed = n
			return false
		}
		fn(n.num)
		return true
	})
	return failed
}

// roundSum trims accumulated float noise to 15 decimals
func roundSum(sum float64) Value {
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(sum, 'f', 15, 64), 64)
	if err != nil {
		return numberResult(sum)
	}
	return numberResult(rounded)
}

func fnSum(c *CallContext, args []Value) Value {
	sum := 0.0
	if err := numericArgs(c, args, func(f float64) { sum += f }); err.Kind == KindError {
		return err
	}
	return roundSum(sum)
}

func fnProduct(c *CallContext, args []Value) Value {
	product, seen := 1.0, false
	if err := numericArgs(c, args, func(f float64) { product *= f; seen = true }); err.Kind == KindError {
		return err
	}
	if !seen {
		return Number(0)
	}
	return numberResult(product)
}

func fnAverage(c *CallContext, args []Value) Value {
	sum, count := 0.0, 0
	if err := numericArgs(c, args, func(f float64) { sum += f; count++ }); err.Kind == KindError {
		return err
	}
	if count == 0 {
		return ErrorValue(ErrorCodeDiv0)
	}
	return numberResult(sum / float64(count))
}

// AVERAGEA counts text found through references as zero and booleans as 1/0
func fnAverageA(c *CallContext, args []Value) Value {
	sum, count := 0.0, 0
	var failed Value
	c.Values(args, func(v Value, fromRef bool) bool {
		switch v.Kind {
		case KindError:
			failed = v
			return false
		case KindNumber, KindBool:
			sum += v.num
		case KindText:
			if !fromRef {
				n := toNumber(v)
				if n.Kind == KindError {
					failed = n
					return false
				}
				sum += n.num
			}
		}
		count++
		return true
	})
	if failed.Kind == KindError {
		return failed
	}
	if count == 0 {
		return ErrorValue(ErrorCodeDiv0)
	}
	return numberResult(sum / float64(count))
}

// COUNT skips errors found through references but propagates direct ones
func fnCount(c *CallContext, args []Value) Value {
	count := 0
	var failed Value
	c.Values(args, func(v Value, fromRef bool) bool {
		if v.Kind == KindError && !fromRef {
			failed = v
			return false
		}
		if v.Kind == KindNumber {
			count++
		}
		return true
	})
	if failed.Kind == KindError {
		return failed
	}
	return Number(float64(count))
}

// COUNTA counts every non-empty value, errors found through references
// included
func fnCountA(c *CallContext, args []Value) Value {
	count := 0
	var failed Value
	c.Values(args, func(v Value, fromRef bool) bool {
		if v.Kind == KindError && !fromRef {
			failed = v
			return false
		}
		count++
		return true
	})
	if failed.Kind == KindError {
		return failed
	}
	return Number(float64(count))
}

func fnMax(c *CallContext, args []Value) Value {
	best, seen := math.Inf(-1), false
	if err := numericArgs(c, args, func(f float64) { best = max(best, f); seen = true }); err.Kind == KindError {
		return err
	}
	if !seen {
		return Number(0)
	}
	return Number(best)
}

func fnMin(c *CallContext, args []Value) Value {
	best, seen := math.Inf(1), false
	if err := numericArgs(c, args, func(f float64) { best = min(best, f); seen = true }); err.Kind == KindError {
		return err
	}
	if !seen {
		return Number(0)
	}
	return Number(best)
}

func fnMedian(c *CallContext, args []Value) Value {
	var values []float64
	if err := numericArgs(c, args, func(f float64) { values = append(values, f) }); err.Kind == KindError {
		return err
	}
	if len(values) == 0 {
		return ErrorValue(ErrorCodeNum)
	}
	slices.Sort(values)
	mid := len(values) / 2
	if len(values)%2 == 0 {
		return Number((values[mid-1] + values[mid]) / 2)
	}
	return Number(values[mid])
}

// MODE returns the smallest of the most frequent values, #N/A when nothing
// repeats
func fnMode(c *CallContext, args []Value) Value {
	frequency := make(map[float64]int)
	if err := numericArgs(c, args, func(f float64) { frequency[f]++ }); err.Kind == KindError {
		return err
	}
	if len(frequency) == 0 {
		return ErrorValue(ErrorCodeNum)
	}
	maxFreq := 0
	for _, freq := range frequency {
		maxFreq = max(maxFreq, freq)
	}
	if maxFreq == 1 {
		return ErrorValue(ErrorCodeNA)
	}
	best := math.Inf(1)
	for value, freq := range frequency {
		if freq == maxFreq && value < best {
			best = value
		}
	}
	return Number(best)
}

// logicalArgs walks AND/OR arguments. text found through references is
// skipped; direct text must read TRUE or FALSE.
func logicalArgs(c *CallContext, args []Value, fn func(bool)) Value {
	seen := false
	var failed Value
	c.Values(args, func(v Value, fromRef bool) bool {
		if fromRef && v.Kind == KindText {
			return true
		}
		b := toBool(v)
		if b.Kind == KindError {
			failed = b
			return false
		}
		seen = true
		fn(b.num != 0)
		return true
	})
	if failed.Kind == KindError {
		return failed
	}
	if !seen {
		return ErrorValue(ErrorCodeValue)
	}
	return Value{}
}

func fnAnd(c *CallContext, args []Value) Value {
	result := true
	if v := logicalArgs(c, args, func(b bool) { result = result && b }); v.Kind == KindError {
		return v
	}
	return Bool(result)
}

func fnOr(c *CallContext, args []Value) Value {
	result := false
	if v := logicalArgs(c, args, func(b bool) { result = result || b }); v.Kind == KindError {
		return v
	}
	return Bool(result)
}

func fnNot(_ *CallContext, args []Value) Value {
	b := toBool(args[0])
	if b.Kind == KindError {
		return b
	}
	return Bool(b.num == 0)
}

func isKind(pred func(Value) bool) func(*CallContext, []Value) Value {
	return func(_ *CallContext, args []Value) Value { return Bool(pred(args[0])) }
}

// CONCAT joins every element of its arguments, ranges included
func fnConcat(c *CallContext, args []Value) Value {
	var sb strings.Builder
	var failed Value
	c.Values(args, func(v Value, _ bool) bool {
		t := toText(v)
		if t.Kind == KindError {
			failed = t
			return false
		}
		sb.WriteString(t.str)
		return true
	})
	if failed.Kind == KindError {
		return failed
	}
	return Text(sb.String())
}

func fnConcatenate(_ *CallContext, args []Value) Value {
	var sb strings.Builder
	for _, arg := range args {
		t := toText(arg)
		if t.Kind == KindError {
			return t
		}
		sb.WriteString(t.str)
	}
	return Text(sb.String())
}

func textFunc(fn func(string) Value) func(*CallContext, []Value) Value {
	return func(_ *CallContext, args []Value) Value {
		t := toText(args[0])
		if t.Kind == KindError {
			return t
		}
		return fn(t.str)
	}
}

func mathFunc(fn func(float64) float64) func(*CallContext, []Value) Value {
	return func(_ *CallContext, args []Value) Value {
		n := toNumber(args[0])
		if n.Kind == KindError {
			return n
		}
		return numberResult(fn(n.num))
	}
}

// numbers coerces every argument, returning the first error
func numbers(args []Value) ([]float64, Value) {
	out := make([]float64, len(args))
	for i, arg := range args {
		n := toNumber(arg)
		if n.Kind == KindError {
			return nil, n
		}
		out[i] = n.num
	}
	return out, Value{}
}

func fnSqrt(_ *CallContext, args []Value) Value {
	n := toNumber(args[0])
	if n.Kind == KindError {
		return n
	}
	if n.num < 0 {
		return ErrorValue(ErrorCodeNum)
	}
	return Number(math.Sqrt(n.num))
}

// ROUND rounds half away from zero; negative places round left of the point
func fnRound(_ *CallContext, args []Value) Value {
	nums, err := numbers(args)
	if err.Kind == KindError {
		return err
	}
	places := 0.0
	if len(nums) == 2 {
		places = math.Trunc(nums[1])
	}
	multiplier := math.Pow(10, places)
	return numberResult(math.Round(nums[0]*multiplier) / multiplier)
}

// MOD takes the sign of the divisor
func fnMod(_ *CallContext, args []Value) Value {
	nums, err := numbers(args)
	if err.Kind == KindError {
		return err
	}
	dividend, divisor := nums[0], nums[1]
	if divisor == 0 {
		return ErrorValue(ErrorCodeDiv0)
	}
	return numberResult(dividend - divisor*math.Floor(dividend/divisor))
}

func fnPower(_ *CallContext, args []Value) Value {
	nums, err := numbers(args)
	if err.Kind == KindError {
		return err
	}
	return power(nums[0], nums[1])
}

func fnRows(c *CallContext, args []Value) Value {
	r, _, err := dimensions(c, args[0])
	if err.Kind == KindError {
		return err
	}
	return Number(float64(r))
}

func fnColumns(c *CallContext, args []Value) Value {
	_, cols, err := dimensions(c, args[0])
	if err.Kind == KindError {
		return err
	}
	return Number(float64(cols))
}

func dimensions(_ *CallContext, v Value) (int, int, Value) {
	switch v.Kind {
	case KindReference:
		if v.ref.External != nil {
			return v.ref.External.Range.Rows(), v.ref.External.Range.Columns(), Value{}
		}
		return v.ref.Range.Rows(), v.ref.Range.Columns(), Value{}
	case KindArray:
		return v.arr.Rows, v.arr.Cols, Value{}
	case KindError:
		return 0, 0, v
	}
	return 1, 1, Value{}
}

func fnNow(c *CallContext, _ []Value) Value {
	return Number(c.SerialNow())
}

func fnToday(c *CallContext, _ []Value) Value {
	now := c.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	diffMs := float64(midnight.UnixMilli() - EXCEL_EPOCH_MS)
	return Number(math.Floor(diffMs / MS_PER_DAY))
}

func fnRand(c *CallContext, _ []Value) Value {
	return Number(c.Random().Float64())
}

func fnRandBetween(c *CallContext, args []Value) Value {
	nums, err := numbers(args)
	if err.Kind == KindError {
		return err
	}
	lo, hi := math.Ceil(nums[0]), math.Floor(nums[1])
	if lo > hi || hi-lo >= 1<<53 {
		return ErrorValue(ErrorCodeNum)
	}
	return Number(lo + float64(c.Random().Int64N(int64(hi-lo)+1)))
}

// maxArrayCells bounds arrays produced by shaping functions
const maxArrayCells = 1 << 22

// arrayShape validates requested dimensions: zero yields #CALC!, negative or
// oversized #VALUE!
func arrayShape(rows, cols float64) (int, int, Value) {
	rows, cols = math.Trunc(rows), math.Trunc(cols)
	if rows < 0 || cols < 0 || rows*cols > maxArrayCells {
		return 0, 0, ErrorValue(ErrorCodeValue)
	}
	if rows == 0 || cols == 0 {
		return 0, 0, ErrorValue(ErrorCodeCalc)
	}
	return int(rows), int(cols), Value{}
}

// optionalNumbers coerces arguments, filling omitted or blank ones from
// defaults
func optionalNumbers(args []Value, defaults ...float64) ([]float64, Value) {
	out := slices.Clone(defaults)
	for i, arg := range args {
		if arg.Kind == KindBlank {
			continue
		}
		n := toNumber(topLeft(arg))
		if n.Kind == KindError {
			return nil, n
		}
		out[i] = n.num
	}
	return out, Value{}
}

// RANDARRAY([rows], [cols], [min], [max], [whole]) draws row-major from the
// call site's stream
func fnRandArray(c *CallContext, args []Value) Value {
	nums, err := optionalNumbers(args, 1, 1, 0, 1, 0)
	if err.Kind == KindError {
		return err
	}
	rows, cols, err := arrayShape(nums[0], nums[1])
	if err.Kind == KindError {
		return err
	}
	lo, hi, whole := nums[2], nums[3], nums[4] != 0
	if whole {
		lo, hi = math.Ceil(lo), math.Floor(hi)
	}
	if lo > hi {
		return ErrorValue(ErrorCodeValue)
	}
	r := c.Random()
	out := NewArray(rows, cols)
	for i := range out.Data {
		if whole {
			out.Data[i] = Number(lo + float64(r.Int64N(int64(hi-lo)+1)))
		} else {
			out.Data[i] = Number(lo + r.Float64()*(hi-lo))
		}
	}
	return ArrayValue(out)
}

// SEQUENCE(rows, [cols], [start], [step])
func fnSequence(_ *CallContext, args []Value) Value {
	nums, err := optionalNumbers(args, 1, 1, 1, 1)
	if err.Kind == KindError {
		return err
	}
	rows, cols, err := arrayShape(nums[0], nums[1])
	if err.Kind == KindError {
		return err
	}
	out := NewArray(rows, cols)
	for i := range out.Data {
		out.Data[i] = Number(nums[2] + float64(i)*nums[3])
	}
	return ArrayValue(out)
}

func fnTranspose(_ *CallContext, args []Value) Value {
	v := args[0]
	if v.Kind != KindArray {
		return v
	}
	src := v.arr
	out := NewArray(src.Cols, src.Rows)
	for i := 0; i < src.Rows; i++ {
		for j := 0; j < src.Cols; j++ {
			out.Set(j, i, src.At(i, j))
		}
	}
	return ArrayValue(out)
}
