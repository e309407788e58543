package spreadsheet

import (
	"math"
	"math/rand/v2"
	"time"
)

// EvaluationContext is the state shared by every evaluation in one
// recalculation pass: a frozen clock, the pass seed and the external value
// provider. it is created when a pass starts and never reused.
type EvaluationContext struct {
	pass     uint64
	now      time.Time
	serial   float64
	seed     uint64
	provider ExternalValueProvider
}

func newEvaluationContext(pass uint64, now time.Time, seed uint64, provider ExternalValueProvider) *EvaluationContext {
	return &EvaluationContext{
		pass:     pass,
		now:      now,
		serial:   excelSerial(now),
		seed:     seed,
		provider: provider,
	}
}

// Pass returns the pass number, starting at 1
func (c *EvaluationContext) Pass() uint64 { return c.pass }

// Now returns the instant every time function observes during the pass
func (c *EvaluationContext) Now() time.Time { return c.now }

// Serial returns Now as an Excel serial date
func (c *EvaluationContext) Serial() float64 { return c.serial }

// Seed returns the seed all random streams of the pass derive from
func (c *EvaluationContext) Seed() uint64 { return c.seed }

func excelSerial(t time.Time) float64 {
	return float64(t.UnixMilli()-EXCEL_EPOCH_MS) / MS_PER_DAY
}

// splitmix64 is the finalizer of the SplitMix64 generator. it spreads
// structured inputs like coordinates into well-mixed seeds.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// passSeed derives the seed of a pass. a fixed engine seed makes passes
// reproducible across engines; the pass number keeps passes apart.
func passSeed(engineSeed, pass uint64) uint64 {
	return splitmix64(engineSeed ^ splitmix64(pass))
}

func cellHash(a CellAddress) uint64 {
	return splitmix64(uint64(a.WorksheetID)<<40 ^ uint64(a.Row)<<16 ^ uint64(a.Column))
}

// childScope numbers one lambda invocation made from a call site. nested
// invocations chain their scopes, so recursion depth and element index both
// take part in the identity.
func childScope(parent uint64, site uint32, index uint64) uint64 {
	return splitmix64(parent ^ splitmix64(uint64(site)<<32^index))
}

type streamKey struct {
	scope uint64
	site  uint32
}

// stream opens the random stream of one call site. the stream depends only
// on the pass seed, the cell, the invocation scope and the site, never on
// which worker evaluates the cell or when.
func (c *EvaluationContext) stream(cell CellAddress, scope uint64, site uint32) *rand.Rand {
	hi := splitmix64(c.seed ^ cellHash(cell))
	lo := splitmix64(scope ^ uint64(site)*0xd6e8feb86659fd93)
	return rand.New(rand.NewPCG(hi, lo))
}

// evalFrame carries per-evaluation state for one formula cell. frames are
// never shared between workers; lambda invocations get derived frames that
// share the stream table.
type evalFrame struct {
	book     *Spreadsheet
	ctx      *EvaluationContext
	cell     CellAddress
	scope    uint64
	env      *binding
	depth    int
	maxDepth int
	streams  map[streamKey]*rand.Rand
}

func newEvalFrame(book *Spreadsheet, ctx *EvaluationContext, cell CellAddress) *evalFrame {
	return &evalFrame{
		book:     book,
		ctx:      ctx,
		cell:     cell,
		maxDepth: book.config.MaxRecursion,
		streams:  make(map[streamKey]*rand.Rand),
	}
}

func (f *evalFrame) random(site uint32) *rand.Rand {
	key := streamKey{scope: f.scope, site: site}
	r, ok := f.streams[key]
	if !ok {
		r = f.ctx.stream(f.cell, f.scope, site)
		f.streams[key] = r
	}
	return r
}

// CallContext is handed to function implementations. it exposes the pass
// clock, the call site's random stream and argument helpers.
type CallContext struct {
	frame *evalFrame
	site  uint32
}

// Now returns the frozen pass time
func (c *CallContext) Now() time.Time { return c.frame.ctx.now }

// SerialNow returns the frozen pass time as an Excel serial date
func (c *CallContext) SerialNow() float64 { return c.frame.ctx.serial }

// Random returns the call site's random stream
func (c *CallContext) Random() *rand.Rand { return c.frame.random(c.site) }

// Cell returns the address of the formula being evaluated
func (c *CallContext) Cell() CellAddress { return c.frame.cell }

// Deref resolves a reference into its value: a single cell yields its
// value, a larger range an array.
func (c *CallContext) Deref(v Value) Value { return c.frame.deref(v) }

// Values walks arguments the way aggregates read them. elements of
// references and arrays are passed with fromRef set and blank cells are
// skipped; direct scalars are passed as they are. a reference to external
// data that yields nothing at all produces #REF!. fn returns false to stop.
func (c *CallContext) Values(args []Value, fn func(v Value, fromRef bool) bool) {
	for _, arg := range args {
		if !c.frame.eachValue(arg, fn) {
			return
		}
	}
}

func (f *evalFrame) eachValue(arg Value, fn func(v Value, fromRef bool) bool) bool {
	switch arg.Kind {
	case KindReference:
		ref := arg.ref
		if ref.External != nil {
			if ref.External.IsCell() {
				return fn(resolveExternalCell(f.ctx.provider, *ref.External), true)
			}
			keepGoing := true
			hit := iterateExternal(f.ctx.provider, *ref.External, func(v Value) bool {
				if v.Kind == KindBlank {
					return true
				}
				keepGoing = fn(v, true)
				return keepGoing
			})
			if !hit {
				return fn(ErrorValue(ErrorCodeRef), true)
			}
			return keepGoing
		}
		if !f.book.storage.worksheets.IsWorksheetDefined(ref.Range.WorksheetID) {
			return fn(ErrorValue(ErrorCodeRef), true)
		}
		for v := range (CellRange{bounds: ref.Range, book: f.book}).IterateNonBlank() {
			if !fn(v, true) {
				return false
			}
		}
		return true
	case KindArray:
		for _, v := range arg.arr.Data {
			if v.Kind == KindBlank {
				continue
			}
			if !fn(v, true) {
				return false
			}
		}
		return true
	}
	return fn(arg, false)
}

// deref turns references into values. other values pass through.
func (f *evalFrame) deref(v Value) Value {
	if v.Kind != KindReference {
		return v
	}
	ref := v.ref
	if ref.External != nil {
		return f.derefExternal(*ref.External)
	}
	r := ref.Range
	if !f.book.storage.worksheets.IsWorksheetDefined(r.WorksheetID) {
		return ErrorValue(ErrorCodeRef)
	}
	if r.IsCell() {
		return f.book.valueAt(r.Start())
	}
	if uint64(r.Rows())*uint64(r.Columns()) > maxDerefCells {
		return ErrorValue(ErrorCodeNum)
	}
	arr := NewArray(r.Rows(), r.Columns())
	i := 0
	for addr := range r.Cells() {
		arr.Data[i] = f.book.valueAt(addr)
		i++
	}
	return ArrayValue(arr)
}

// maxDerefCells bounds the arrays materialized from ranges
const maxDerefCells = 1 << 22

func (f *evalFrame) derefExternal(ref ExternalRef) Value {
	if ref.IsCell() {
		return resolveExternalCell(f.ctx.provider, ref)
	}
	if ref.SheetLast != "" && !strEqualFold(ref.Sheet, ref.SheetLast) {
		// a 3-D span has no single array shape
		return ErrorValue(ErrorCodeValue)
	}
	r := ref.Range
	if uint64(r.Rows())*uint64(r.Columns()) > maxDerefCells {
		return ErrorValue(ErrorCodeNum)
	}
	arr := NewArray(r.Rows(), r.Columns())
	i := 0
	hit := iterateExternal(f.ctx.provider, ref, func(v Value) bool {
		arr.Data[i] = v
		i++
		return true
	})
	if !hit {
		return ErrorValue(ErrorCodeRef)
	}
	return ArrayValue(arr)
}

func strEqualFold(a, b string) bool {
	return foldText(a) == foldText(b)
}

// finish turns an evaluation result into what a formula cell stores: no
// references, no bare blanks, and single-element arrays collapse.
func (f *evalFrame) finish(v Value) Value {
	v = f.deref(v)
	switch v.Kind {
	case KindBlank:
		return Number(0)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return ErrorValue(ErrorCodeNum)
		}
	case KindArray:
		if len(v.arr.Data) == 0 {
			return ErrorValue(ErrorCodeCalc)
		}
		if len(v.arr.Data) == 1 {
			return f.finish(v.arr.Data[0])
		}
	}
	return v
}
