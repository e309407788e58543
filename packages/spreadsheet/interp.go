package spreadsheet

import "strings"

// binding is one LET or LAMBDA parameter. bindings form an immutable list
// so closures can capture the list they were created under.
type binding struct {
	name  string // folded
	value Value
	fn    *closure
	next  *binding
}

func (b *binding) lookup(name string) *binding {
	key := foldText(name)
	for ; b != nil; b = b.next {
		if b.name == key {
			return b
		}
	}
	return nil
}

type closure struct {
	lambda *LambdaExpr
	env    *binding
}

// lambdaArg is an argument passed to a lambda: a value or another lambda
type lambdaArg struct {
	value Value
	fn    *closure
}

var specialForms = map[string]struct{}{
	"IF": {}, "IFERROR": {}, "IFNA": {},
	"MAP": {}, "BYROW": {}, "BYCOL": {}, "MAKEARRAY": {}, "REDUCE": {}, "SCAN": {},
}

// isSpecialForm reports whether a call is evaluated by the interpreter
// itself rather than through the function registry
func isSpecialForm(name string) bool {
	_, ok := specialForms[strings.ToUpper(name)]
	return ok
}

func (f *evalFrame) eval(expr Expr) Value {
	switch n := expr.(type) {
	case *NumberExpr:
		return Number(n.Value)
	case *TextExpr:
		return Text(n.Value)
	case *BoolExpr:
		return Bool(n.Value)
	case *ErrorExpr:
		return ErrorValue(n.Code)
	case *MissingExpr:
		return Blank()
	case *CellRefExpr:
		return f.book.valueAt(n.Addr)
	case *RangeRefExpr:
		return ReferenceValue(Reference{Range: n.Range})
	case *SpillRefExpr:
		if r, ok := f.book.storage.spills.Range(n.Anchor); ok {
			return ReferenceValue(Reference{Range: r})
		}
		return ErrorValue(ErrorCodeRef)
	case *ExternalRefExpr:
		if n.Ref.IsCell() {
			return resolveExternalCell(f.ctx.provider, n.Ref)
		}
		ref := n.Ref
		return ReferenceValue(Reference{External: &ref})
	case *NameRefExpr:
		return f.evalName(n.Name)
	case *UnaryExpr:
		return applyUnary(n.Op, f.deref(f.eval(n.Operand)))
	case *BinaryExpr:
		left := f.deref(f.eval(n.Left))
		right := f.deref(f.eval(n.Right))
		return applyBinary(n.Op, left, right)
	case *ArrayExpr:
		return f.evalArray(n)
	case *LambdaExpr:
		// a lambda that is never invoked has no value
		return ErrorValue(ErrorCodeCalc)
	case *LetExpr:
		return f.evalLet(n)
	case *CallExpr:
		return f.evalCall(n)
	}
	return ErrorValue(ErrorCodeValue)
}

func (f *evalFrame) evalName(name string) Value {
	if b := f.env.lookup(name); b != nil {
		if b.fn != nil {
			return ErrorValue(ErrorCodeCalc)
		}
		return b.value
	}
	def, _, ok := f.book.storage.names.Resolve(name, f.cell.WorksheetID)
	if !ok {
		return ErrorValue(ErrorCodeName)
	}
	if _, isLambda := def.(*LambdaExpr); isLambda {
		return ErrorValue(ErrorCodeCalc)
	}
	if f.depth >= f.maxDepth {
		return ErrorValue(ErrorCodeNum)
	}
	child := *f
	child.env = nil
	child.depth++
	return child.eval(def)
}

func (f *evalFrame) evalArray(n *ArrayExpr) Value {
	if len(n.Rows) == 0 || len(n.Rows[0]) == 0 {
		return ErrorValue(ErrorCodeCalc)
	}
	cols := len(n.Rows[0])
	out := NewArray(len(n.Rows), cols)
	for i, row := range n.Rows {
		if len(row) != cols {
			return ErrorValue(ErrorCodeValue)
		}
		for j, item := range row {
			out.Set(i, j, topLeft(f.deref(f.eval(item))))
		}
	}
	return ArrayValue(out)
}

func (f *evalFrame) evalLet(n *LetExpr) Value {
	child := *f
	for i, name := range n.Names {
		b := &binding{name: foldText(name), next: child.env}
		if cl, ok := child.callable(n.Values[i]); ok {
			b.fn = cl
		} else {
			b.value = child.eval(n.Values[i])
		}
		child.env = b
	}
	return child.eval(n.Body)
}

// callable resolves an expression used as a function: an inline LAMBDA, a
// lambda bound by LET or passed as a parameter, or a name defined as LAMBDA.
func (f *evalFrame) callable(expr Expr) (*closure, bool) {
	switch n := expr.(type) {
	case *LambdaExpr:
		return &closure{lambda: n, env: f.env}, true
	case *NameRefExpr:
		if b := f.env.lookup(n.Name); b != nil {
			return b.fn, b.fn != nil
		}
		return f.namedLambda(n.Name)
	}
	return nil, false
}

func (f *evalFrame) namedLambda(name string) (*closure, bool) {
	def, _, ok := f.book.storage.names.Resolve(name, f.cell.WorksheetID)
	if !ok {
		return nil, false
	}
	lambda, ok := def.(*LambdaExpr)
	if !ok {
		return nil, false
	}
	return &closure{lambda: lambda}, true
}

// invoke runs a lambda body. every invocation gets its own random scope,
// derived from the caller's scope, the call site and the invocation index.
func (f *evalFrame) invoke(cl *closure, site uint32, index uint64, args []lambdaArg) Value {
	if len(args) != len(cl.lambda.Params) {
		return ErrorValue(ErrorCodeValue)
	}
	if f.depth >= f.maxDepth {
		return ErrorValue(ErrorCodeNum)
	}
	child := *f
	child.env = cl.env
	for i, param := range cl.lambda.Params {
		child.env = &binding{name: foldText(param), value: args[i].value, fn: args[i].fn, next: child.env}
	}
	child.depth++
	child.scope = childScope(f.scope, site, index)
	return child.eval(cl.lambda.Body)
}

func valueArgs(values ...Value) []lambdaArg {
	args := make([]lambdaArg, len(values))
	for i, v := range values {
		args[i].value = v
	}
	return args
}

func (f *evalFrame) evalCall(n *CallExpr) Value {
	name := strings.ToUpper(n.Name)
	if isSpecialForm(name) {
		return f.evalSpecial(name, n)
	}
	if b := f.env.lookup(name); b != nil {
		if b.fn == nil {
			return ErrorValue(ErrorCodeValue)
		}
		return f.invoke(b.fn, n.Site, 0, f.lambdaArgs(n.Args))
	}
	if fn, ok := f.book.functions.Lookup(name); ok {
		args := make([]Value, len(n.Args))
		for i, arg := range n.Args {
			if fn.has(FnRefArgs) {
				args[i] = f.evalRefArg(arg)
			} else {
				args[i] = f.deref(f.eval(arg))
			}
		}
		return callFunction(f, fn, n.Site, args)
	}
	if cl, ok := f.namedLambda(name); ok {
		return f.invoke(cl, n.Site, 0, f.lambdaArgs(n.Args))
	}
	return ErrorValue(ErrorCodeName)
}

func (f *evalFrame) lambdaArgs(exprs []Expr) []lambdaArg {
	args := make([]lambdaArg, len(exprs))
	for i, arg := range exprs {
		if cl, ok := f.callable(arg); ok {
			args[i].fn = cl
			continue
		}
		args[i].value = f.eval(arg)
	}
	return args
}

// evalRefArg keeps cell and range arguments as references so aggregates can
// apply reference semantics
func (f *evalFrame) evalRefArg(expr Expr) Value {
	switch n := expr.(type) {
	case *CellRefExpr:
		return ReferenceValue(Reference{Range: CellRangeOf(n.Addr)})
	case *RangeRefExpr:
		return ReferenceValue(Reference{Range: n.Range})
	}
	return f.eval(expr)
}

// arrayArg evaluates an argument into an array; scalars become 1x1 arrays
func (f *evalFrame) arrayArg(expr Expr) Value {
	v := f.deref(f.eval(expr))
	if v.Kind == KindArray || v.Kind == KindError {
		return v
	}
	arr := NewArray(1, 1)
	arr.Data[0] = v
	return ArrayValue(arr)
}

// elementResult reduces a callback result to one array element
func (f *evalFrame) elementResult(v Value) Value {
	v = f.deref(v)
	switch v.Kind {
	case KindBlank:
		return Number(0)
	case KindArray:
		if len(v.arr.Data) == 1 {
			return f.elementResult(v.arr.Data[0])
		}
		return ErrorValue(ErrorCodeCalc)
	}
	return v
}

func (f *evalFrame) evalSpecial(name string, n *CallExpr) Value {
	switch name {
	case "IF":
		return f.evalIf(n)
	case "IFERROR", "IFNA":
		if len(n.Args) != 2 {
			return ErrorValue(ErrorCodeNA)
		}
		catches := func(v Value) bool {
			return v.Kind == KindError && (name == "IFERROR" || v.code == ErrorCodeNA)
		}
		v := f.deref(f.eval(n.Args[0]))
		if v.Kind == KindArray {
			var fallback Value
			evaluated := false
			return mapArray(v, func(item Value) Value {
				if !catches(item) {
					return item
				}
				if !evaluated {
					fallback, evaluated = f.deref(f.eval(n.Args[1])), true
				}
				return topLeft(fallback)
			})
		}
		if catches(v) {
			return f.eval(n.Args[1])
		}
		return v
	case "MAP":
		return f.evalMap(n)
	case "BYROW", "BYCOL":
		return f.evalBy(n, name == "BYROW")
	case "MAKEARRAY":
		return f.evalMakeArray(n)
	case "REDUCE", "SCAN":
		return f.evalFold(n, name == "SCAN")
	}
	return ErrorValue(ErrorCodeName)
}

// evalIf evaluates only the chosen arm for a scalar condition; an array
// condition selects elementwise between both arms.
func (f *evalFrame) evalIf(n *CallExpr) Value {
	if len(n.Args) < 2 || len(n.Args) > 3 {
		return ErrorValue(ErrorCodeNA)
	}
	elseArm := func() Value {
		if len(n.Args) == 3 {
			return f.eval(n.Args[2])
		}
		return Bool(false)
	}
	cond := f.deref(f.eval(n.Args[0]))
	if cond.Kind != KindArray {
		c := toBool(cond)
		if c.Kind == KindError {
			return c
		}
		if c.num != 0 {
			return f.eval(n.Args[1])
		}
		return elseArm()
	}
	thenValue := f.deref(f.eval(n.Args[1]))
	elseValue := f.deref(elseArm())
	return cond.arr.mapIndexed(func(i, j int, c Value) Value {
		b := toBool(c)
		if b.Kind == KindError {
			return b
		}
		if b.num != 0 {
			return elementAt(thenValue, i, j)
		}
		return elementAt(elseValue, i, j)
	}, thenValue, elseValue)
}

// mapIndexed rebuilds an array from its elements' positions, grown to cover
// the shapes of the extra operands.
func (a *Array) mapIndexed(fn func(i, j int, v Value) Value, shapes ...Value) Value {
	rows, cols := a.Rows, a.Cols
	for _, s := range shapes {
		r, c := shapeOf(s)
		rows, cols = max(rows, r), max(cols, c)
	}
	src := ArrayValue(a)
	out := NewArray(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, fn(i, j, elementAt(src, i, j)))
		}
	}
	return ArrayValue(out)
}

// lastCallable splits off the callback that ends a combinator's arguments
func (f *evalFrame) lastCallable(n *CallExpr, minArgs int) ([]Expr, *closure, Value) {
	if len(n.Args) < minArgs {
		return nil, nil, ErrorValue(ErrorCodeNA)
	}
	last := len(n.Args) - 1
	cl, ok := f.callable(n.Args[last])
	if !ok {
		return nil, nil, ErrorValue(ErrorCodeValue)
	}
	return n.Args[:last], cl, Value{}
}

func (f *evalFrame) evalMap(n *CallExpr) Value {
	exprs, cl, err := f.lastCallable(n, 2)
	if err.Kind == KindError {
		return err
	}
	arrays := make([]Value, len(exprs))
	rows, cols := 0, 0
	for i, expr := range exprs {
		arrays[i] = f.arrayArg(expr)
		if arrays[i].Kind == KindError {
			return arrays[i]
		}
		rows, cols = max(rows, arrays[i].arr.Rows), max(cols, arrays[i].arr.Cols)
	}
	out := NewArray(rows, cols)
	values := make([]Value, len(arrays))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			for k, arr := range arrays {
				values[k] = elementAt(arr, i, j)
			}
			index := uint64(i*cols + j)
			out.Set(i, j, f.elementResult(f.invoke(cl, n.Site, index, valueArgs(values...))))
		}
	}
	return ArrayValue(out)
}

func (f *evalFrame) evalBy(n *CallExpr, byRow bool) Value {
	exprs, cl, err := f.lastCallable(n, 2)
	if err.Kind == KindError {
		return err
	}
	if len(exprs) != 1 {
		return ErrorValue(ErrorCodeNA)
	}
	src := f.arrayArg(exprs[0])
	if src.Kind == KindError {
		return src
	}
	a := src.arr
	if byRow {
		out := NewArray(a.Rows, 1)
		for i := 0; i < a.Rows; i++ {
			row := NewArray(1, a.Cols)
			copy(row.Data, a.Data[i*a.Cols:(i+1)*a.Cols])
			out.Data[i] = f.elementResult(f.invoke(cl, n.Site, uint64(i), valueArgs(ArrayValue(row))))
		}
		return ArrayValue(out)
	}
	out := NewArray(1, a.Cols)
	for j := 0; j < a.Cols; j++ {
		col := NewArray(a.Rows, 1)
		for i := 0; i < a.Rows; i++ {
			col.Data[i] = a.At(i, j)
		}
		out.Data[j] = f.elementResult(f.invoke(cl, n.Site, uint64(j), valueArgs(ArrayValue(col))))
	}
	return ArrayValue(out)
}

func (f *evalFrame) evalMakeArray(n *CallExpr) Value {
	exprs, cl, err := f.lastCallable(n, 3)
	if err.Kind == KindError {
		return err
	}
	if len(exprs) != 2 {
		return ErrorValue(ErrorCodeNA)
	}
	nums, err := numbers([]Value{topLeft(f.deref(f.eval(exprs[0]))), topLeft(f.deref(f.eval(exprs[1])))})
	if err.Kind == KindError {
		return err
	}
	rows, cols, err := arrayShape(nums[0], nums[1])
	if err.Kind == KindError {
		return err
	}
	out := NewArray(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			args := valueArgs(Number(float64(i+1)), Number(float64(j+1)))
			out.Set(i, j, f.elementResult(f.invoke(cl, n.Site, uint64(i*cols+j), args)))
		}
	}
	return ArrayValue(out)
}

// evalFold implements REDUCE and SCAN: the callback receives the
// accumulator and each element in row-major order.
func (f *evalFrame) evalFold(n *CallExpr, scan bool) Value {
	exprs, cl, err := f.lastCallable(n, 3)
	if err.Kind == KindError {
		return err
	}
	if len(exprs) != 2 {
		return ErrorValue(ErrorCodeNA)
	}
	acc := f.deref(f.eval(exprs[0]))
	src := f.arrayArg(exprs[1])
	if src.Kind == KindError {
		return src
	}
	a := src.arr
	var out *Array
	if scan {
		out = NewArray(a.Rows, a.Cols)
	}
	for i, item := range a.Data {
		acc = f.deref(f.invoke(cl, n.Site, uint64(i), valueArgs(acc, item)))
		if scan {
			out.Data[i] = f.elementResult(acc)
		}
	}
	if scan {
		return ArrayValue(out)
	}
	return acc
}
