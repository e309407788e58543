package spreadsheet

import (
	"slices"
	"strings"
	"sync"
)

// ExternalRef identifies a cell or range in a workbook the engine does not
// hold. SheetLast is set for 3-D spans like [Book]Jan:Mar!A1. the range's
// WorksheetID is unused.
type ExternalRef struct {
	Workbook  string
	Sheet     string
	SheetLast string
	Range     RangeAddress
}

func (r ExternalRef) IsCell() bool {
	return r.SheetLast == "" && r.Range.IsCell()
}

func (r ExternalRef) String() string {
	sheet := r.Sheet
	if r.SheetLast != "" {
		sheet += ":" + r.SheetLast
	}
	ref := r.Range.A1()
	if r.Range.IsCell() {
		ref = r.Range.Start().A1()
	}
	return "[" + r.Workbook + "]" + sheet + "!" + ref
}

// CellCoord is a zero-based row and column inside an external sheet
type CellCoord struct {
	Row    uint32
	Column uint32
}

// ExternalValueProvider resolves values of cells outside the workbook. it is
// called concurrently from recalculation workers and must not block on I/O;
// asynchronous sources are fetched ahead of the pass, see ExternalSnapshot.
type ExternalValueProvider interface {
	Get(workbook, sheet string, cell CellCoord) (Value, bool)
}

// ExternalSheetLister is implemented by providers that can expand a 3-D span
// into the sheets it covers
type ExternalSheetLister interface {
	SheetSpan(workbook, first, last string) ([]string, bool)
}

// ExternalValueFunc adapts a function to ExternalValueProvider
type ExternalValueFunc func(workbook, sheet string, cell CellCoord) (Value, bool)

func (f ExternalValueFunc) Get(workbook, sheet string, cell CellCoord) (Value, bool) {
	return f(workbook, sheet, cell)
}

type externalKey struct {
	workbook string
	sheet    string
	cell     CellCoord
}

// ExternalSnapshot is a synchronous provider over values fetched ahead of a
// recalculation pass. it is safe for concurrent use.
type ExternalSnapshot struct {
	mu     sync.RWMutex
	values map[externalKey]Value
	sheets map[string][]string // folded workbook -> sheet order
}

func NewExternalSnapshot() *ExternalSnapshot {
	return &ExternalSnapshot{
		values: make(map[externalKey]Value),
		sheets: make(map[string][]string),
	}
}

// Put stores a value. sheets are remembered in first-seen order for 3-D
// spans.
func (s *ExternalSnapshot) Put(workbook, sheet string, cell CellCoord, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	book := foldText(workbook)
	key := externalKey{workbook: book, sheet: foldText(sheet), cell: cell}
	s.values[key] = v
	if !slices.ContainsFunc(s.sheets[book], func(name string) bool { return strings.EqualFold(name, sheet) }) {
		s.sheets[book] = append(s.sheets[book], sheet)
	}
}

// Delete forgets a value so later lookups miss.
func (s *ExternalSnapshot) Delete(workbook, sheet string, cell CellCoord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, externalKey{workbook: foldText(workbook), sheet: foldText(sheet), cell: cell})
}

func (s *ExternalSnapshot) Get(workbook, sheet string, cell CellCoord) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[externalKey{workbook: foldText(workbook), sheet: foldText(sheet), cell: cell}]
	return v, ok
}

func (s *ExternalSnapshot) SheetSpan(workbook, first, last string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.sheets[foldText(workbook)]
	start := slices.IndexFunc(order, func(name string) bool { return strings.EqualFold(name, first) })
	end := slices.IndexFunc(order, func(name string) bool { return strings.EqualFold(name, last) })
	if start < 0 || end < 0 {
		return nil, false
	}
	if start > end {
		start, end = end, start
	}
	return slices.Clone(order[start : end+1]), true
}

// externalSheets expands a reference into the sheet names it covers.
func externalSheets(provider ExternalValueProvider, ref ExternalRef) ([]string, bool) {
	if ref.SheetLast == "" || strings.EqualFold(ref.Sheet, ref.SheetLast) {
		return []string{ref.Sheet}, true
	}
	lister, ok := provider.(ExternalSheetLister)
	if !ok {
		return nil, false
	}
	return lister.SheetSpan(ref.Workbook, ref.Sheet, ref.SheetLast)
}

// resolveExternalCell reads one external cell. every failure mode is #REF!.
func resolveExternalCell(provider ExternalValueProvider, ref ExternalRef) Value {
	if provider == nil || ref.SheetLast != "" {
		return ErrorValue(ErrorCodeRef)
	}
	v, ok := provider.Get(ref.Workbook, ref.Sheet, CellCoord{Row: ref.Range.StartRow, Column: ref.Range.StartColumn})
	if !ok {
		return ErrorValue(ErrorCodeRef)
	}
	return normalizeExternal(v)
}

// normalizeExternal keeps providers from smuggling references or arrays into
// a cell slot
func normalizeExternal(v Value) Value {
	switch v.Kind {
	case KindArray, KindReference:
		return ErrorValue(ErrorCodeValue)
	}
	return v
}

// iterateExternal walks an external range sheet by sheet in row-major order.
// misses are reported as blanks; hit reports whether any cell resolved.
func iterateExternal(provider ExternalValueProvider, ref ExternalRef, fn func(Value) bool) (hit bool) {
	if provider == nil {
		return false
	}
	sheets, ok := externalSheets(provider, ref)
	if !ok {
		return false
	}
	r := ref.Range
	for _, sheet := range sheets {
		for row := r.StartRow; row <= r.EndRow; row++ {
			for col := r.StartColumn; col <= r.EndColumn; col++ {
				v, found := provider.Get(ref.Workbook, sheet, CellCoord{Row: row, Column: col})
				if found {
					hit = true
					v = normalizeExternal(v)
				}
				if !fn(v) {
					return hit
				}
			}
		}
	}
	return hit
}
