package spreadsheet

import (
	"maps"
	"slices"
)

// VolatilityTracker holds the formula cells that join every recalculation
// pass regardless of dirtiness.
type VolatilityTracker struct {
	cells map[CellAddress]struct{}
}

func NewVolatilityTracker() *VolatilityTracker {
	return &VolatilityTracker{cells: make(map[CellAddress]struct{})}
}

// IsVolatile reports whether a cell's formula is volatile
func (vt *VolatilityTracker) IsVolatile(cell CellAddress) bool {
	_, ok := vt.cells[cell]
	return ok
}

// Cells returns the volatile cells in address order
func (vt *VolatilityTracker) Cells() []CellAddress {
	cells := slices.Collect(maps.Keys(vt.cells))
	slices.SortFunc(cells, compareAddresses)
	return cells
}

func (vt *VolatilityTracker) set(cell CellAddress, volatile bool) {
	if volatile {
		vt.cells[cell] = struct{}{}
	} else {
		delete(vt.cells, cell)
	}
}

func (vt *VolatilityTracker) remove(cell CellAddress) {
	delete(vt.cells, cell)
}

// rekey moves every cell through a structural edit, dropping deleted ones
func (vt *VolatilityTracker) rekey(mapCell func(CellAddress) (CellAddress, bool)) {
	next := make(map[CellAddress]struct{}, len(vt.cells))
	for cell := range vt.cells {
		if moved, ok := mapCell(cell); ok {
			next[moved] = struct{}{}
		}
	}
	vt.cells = next
}

func (vt *VolatilityTracker) Count() int {
	return len(vt.cells)
}

// volatilityClassifier decides whether an expression must be recomputed on
// every pass. names resolve from the formula's worksheet; LAMBDA and LET
// parameters shadow them.
type volatilityClassifier struct {
	functions   *FunctionRegistry
	names       *NamedRangeTable
	worksheetID uint32
	visiting    map[uint32]struct{}
}

func classifyVolatile(functions *FunctionRegistry, names *NamedRangeTable, expr Expr, worksheetID uint32) bool {
	vc := &volatilityClassifier{
		functions:   functions,
		names:       names,
		worksheetID: worksheetID,
		visiting:    make(map[uint32]struct{}),
	}
	return vc.volatile(expr, nil)
}

type scopeNames map[string]struct{}

func (s scopeNames) with(names ...string) scopeNames {
	next := make(scopeNames, len(s)+len(names))
	for name := range s {
		next[name] = struct{}{}
	}
	for _, name := range names {
		next[foldText(name)] = struct{}{}
	}
	return next
}

func (s scopeNames) has(name string) bool {
	_, ok := s[foldText(name)]
	return ok
}

func (vc *volatilityClassifier) volatile(expr Expr, bound scopeNames) bool {
	switch n := expr.(type) {
	case *ExternalRefExpr:
		return true
	case *NameRefExpr:
		if bound.has(n.Name) {
			return false
		}
		return vc.volatileName(n.Name)
	case *UnaryExpr:
		return vc.volatile(n.Operand, bound)
	case *BinaryExpr:
		return vc.volatile(n.Left, bound) || vc.volatile(n.Right, bound)
	case *ArrayExpr:
		for _, row := range n.Rows {
			for _, item := range row {
				if vc.volatile(item, bound) {
					return true
				}
			}
		}
	case *LambdaExpr:
		return vc.volatile(n.Body, bound.with(n.Params...))
	case *LetExpr:
		scope := bound
		for i, name := range n.Names {
			if vc.volatile(n.Values[i], scope) {
				return true
			}
			scope = scope.with(name)
		}
		return vc.volatile(n.Body, scope)
	case *CallExpr:
		if !bound.has(n.Name) {
			if fn, ok := vc.functions.Lookup(n.Name); ok {
				if fn.has(FnVolatile) {
					return true
				}
			} else if !isSpecialForm(n.Name) && vc.volatileName(n.Name) {
				return true
			}
		}
		for _, arg := range n.Args {
			if vc.volatile(arg, bound) {
				return true
			}
		}
	}
	return false
}

func (vc *volatilityClassifier) volatileName(name string) bool {
	def, id, ok := vc.names.Resolve(name, vc.worksheetID)
	if !ok {
		return false
	}
	if _, busy := vc.visiting[id]; busy {
		return false
	}
	vc.visiting[id] = struct{}{}
	defer delete(vc.visiting, id)
	return vc.volatile(def, nil)
}
