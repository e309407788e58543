package spreadsheet

import (
	"slices"
	"strconv"
)

// FormulaKey is the canonical text of a lowered expression, used for formula
// deduplication: cells holding structurally equal formulas share one entry,
// one compiled program and one volatility classification.
type FormulaKey string

// evalStrategy selects the evaluator for a formula. it is chosen once, when
// the formula is first interned.
type evalStrategy uint8

const (
	strategyInterpret evalStrategy = iota
	strategyBytecode
)

type formulaEntry struct {
	key      FormulaKey
	expr     Expr
	refs     []NodeKey // graph precedents shared by every cell using the formula
	program  *Program
	strategy evalStrategy
	volatile bool
}

// formulaKeyOf keys a formula by its text and the worksheet it lives on,
// since unqualified names resolve against the worksheet's scope.
func formulaKeyOf(expr Expr, worksheetID uint32) FormulaKey {
	return FormulaKey(strconv.FormatUint(uint64(worksheetID), 10) + "|" + exprKey(expr))
}

// FormulaTable stores formulas centrally and tracks the cells, worksheets,
// names and external workbooks each formula involves.
type FormulaTable struct {
	// core formula storage

	keyIndex  map[FormulaKey]uint32 // canonical key -> formula ID
	entries   map[uint32]*formulaEntry
	refCounts map[uint32]int

	// cell tracking

	cellsUsingFormula map[uint32]map[CellAddress]struct{} // formula ID -> cells using it
	formulaAtCell     map[CellAddress]uint32              // cell -> formula ID (reverse index)

	// worksheet tracking

	referencedWorksheets map[uint32]map[uint32]struct{} // formula ID -> worksheets it references

	// name and external workbook tracking

	namesUsed          map[uint32]map[uint32]struct{} // formula ID -> name IDs it uses
	formulasUsingName  map[uint32]map[uint32]struct{} // name ID -> formula IDs using it
	externalWorkbooks  map[uint32][]uint32            // formula ID -> interned workbook token IDs
	nextID             uint32
	bytecodeCellsCount int
}

// NewFormulaTable creates a new formula table
func NewFormulaTable() *FormulaTable {
	return &FormulaTable{
		keyIndex:             make(map[FormulaKey]uint32),
		entries:              make(map[uint32]*formulaEntry),
		refCounts:            make(map[uint32]int),
		cellsUsingFormula:    make(map[uint32]map[CellAddress]struct{}),
		formulaAtCell:        make(map[CellAddress]uint32),
		referencedWorksheets: make(map[uint32]map[uint32]struct{}),
		namesUsed:            make(map[uint32]map[uint32]struct{}),
		formulasUsingName:    make(map[uint32]map[uint32]struct{}),
		externalWorkbooks:    make(map[uint32][]uint32),
		nextID:               1, // start at 1, reserve 0 for no formula
	}
}

// InternFormula adds a formula or increments its reference count if an
// equal formula already exists, and records that cell uses it. returns the
// formula ID and whether the entry is new (and so still needs compiling and
// classifying).
func (ft *FormulaTable) InternFormula(expr Expr, cell CellAddress) (uint32, bool) {
	key := formulaKeyOf(expr, cell.WorksheetID)

	if id, exists := ft.keyIndex[key]; exists {
		ft.refCounts[id]++
		ft.trackCellUsage(id, cell)
		return id, false
	}

	id := ft.nextID
	ft.nextID++
	ft.keyIndex[key] = id
	ft.entries[id] = &formulaEntry{key: key, expr: expr}
	ft.refCounts[id] = 1
	ft.trackCellUsage(id, cell)
	return id, true
}

func (ft *FormulaTable) trackCellUsage(formulaID uint32, cell CellAddress) {
	if ft.cellsUsingFormula[formulaID] == nil {
		ft.cellsUsingFormula[formulaID] = make(map[CellAddress]struct{})
	}
	ft.cellsUsingFormula[formulaID][cell] = struct{}{}
	ft.formulaAtCell[cell] = formulaID
	if ft.entries[formulaID].strategy == strategyBytecode {
		ft.bytecodeCellsCount++
	}
}

// setCompiled records the evaluation strategy of a formula. a nil program
// routes it to the interpreter.
func (ft *FormulaTable) setCompiled(id uint32, program *Program) {
	entry := ft.entries[id]
	users := len(ft.cellsUsingFormula[id])
	if entry.strategy == strategyBytecode {
		ft.bytecodeCellsCount -= users
	}
	entry.program = program
	entry.strategy = strategyInterpret
	if program != nil {
		entry.strategy = strategyBytecode
		ft.bytecodeCellsCount += users
	}
}

func (ft *FormulaTable) setVolatile(id uint32, volatile bool) {
	ft.entries[id].volatile = volatile
}

func (ft *FormulaTable) setRefs(id uint32, refs []NodeKey) {
	ft.entries[id].refs = refs
}

// forEachEntry visits every formula in ID order
func (ft *FormulaTable) forEachEntry(fn func(id uint32, entry *formulaEntry)) {
	ids := make([]uint32, 0, len(ft.entries))
	for id := range ft.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fn(id, ft.entries[id])
	}
}

// GetExpr retrieves the lowered expression for a formula ID
func (ft *FormulaTable) GetExpr(id uint32) (Expr, bool) {
	entry, exists := ft.entries[id]
	if !exists {
		return nil, false
	}
	return entry.expr, true
}

func (ft *FormulaTable) entry(id uint32) *formulaEntry {
	return ft.entries[id]
}

// RemoveCellReference removes a cell reference from a formula. returns the
// name and external workbook IDs the formula held when it was removed due to
// zero references, so the caller can release them.
func (ft *FormulaTable) RemoveCellReference(formulaID uint32, cell CellAddress) (removed bool, names, workbooks []uint32) {
	if cells, exists := ft.cellsUsingFormula[formulaID]; exists {
		if _, used := cells[cell]; used && ft.entries[formulaID].strategy == strategyBytecode {
			ft.bytecodeCellsCount--
		}
		delete(cells, cell)
		if len(cells) == 0 {
			delete(ft.cellsUsingFormula, formulaID)
		}
	}
	if ft.formulaAtCell[cell] == formulaID {
		delete(ft.formulaAtCell, cell)
	}

	ft.refCounts[formulaID]--
	if ft.refCounts[formulaID] > 0 {
		return false, nil, nil
	}
	names = ft.GetNamesUsedBy(formulaID)
	workbooks = ft.externalWorkbooks[formulaID]
	ft.removeFormula(formulaID)
	return true, names, workbooks
}

func (ft *FormulaTable) removeFormula(formulaID uint32) {
	if entry, exists := ft.entries[formulaID]; exists {
		delete(ft.keyIndex, entry.key)
	}
	delete(ft.entries, formulaID)
	delete(ft.refCounts, formulaID)
	delete(ft.cellsUsingFormula, formulaID)
	delete(ft.referencedWorksheets, formulaID)
	delete(ft.externalWorkbooks, formulaID)

	for nameID := range ft.namesUsed[formulaID] {
		if formulas, ok := ft.formulasUsingName[nameID]; ok {
			delete(formulas, formulaID)
			if len(formulas) == 0 {
				delete(ft.formulasUsingName, nameID)
			}
		}
	}
	delete(ft.namesUsed, formulaID)
}

// GetReferenceCount returns the reference count for a formula
func (ft *FormulaTable) GetReferenceCount(id uint32) int {
	return ft.refCounts[id]
}

// TrackWorksheetReference marks a worksheet as being referenced by a formula
func (ft *FormulaTable) TrackWorksheetReference(formulaID uint32, worksheetID uint32) {
	if ft.referencedWorksheets[formulaID] == nil {
		ft.referencedWorksheets[formulaID] = make(map[uint32]struct{})
	}
	ft.referencedWorksheets[formulaID][worksheetID] = struct{}{}
}

// GetCellsReferencingWorksheet returns formula cells whose formulas refer to
// a worksheet, in address order.
func (ft *FormulaTable) GetCellsReferencingWorksheet(worksheetID uint32) []CellAddress {
	var result []CellAddress
	for formulaID, worksheets := range ft.referencedWorksheets {
		if _, ok := worksheets[worksheetID]; ok {
			result = append(result, ft.GetCellsUsingFormula(formulaID)...)
		}
	}
	slices.SortFunc(result, compareAddresses)
	return result
}

// TrackNameReference tracks that a formula uses a name
func (ft *FormulaTable) TrackNameReference(formulaID uint32, nameID uint32) {
	if ft.namesUsed[formulaID] == nil {
		ft.namesUsed[formulaID] = make(map[uint32]struct{})
	}
	ft.namesUsed[formulaID][nameID] = struct{}{}

	if ft.formulasUsingName[nameID] == nil {
		ft.formulasUsingName[nameID] = make(map[uint32]struct{})
	}
	ft.formulasUsingName[nameID][formulaID] = struct{}{}
}

// TrackExternalWorkbook records an interned external workbook token used by
// a formula
func (ft *FormulaTable) TrackExternalWorkbook(formulaID uint32, tokenID uint32) {
	ft.externalWorkbooks[formulaID] = append(ft.externalWorkbooks[formulaID], tokenID)
}

// GetNamesUsedBy returns the name IDs a formula uses
func (ft *FormulaTable) GetNamesUsedBy(formulaID uint32) []uint32 {
	names := ft.namesUsed[formulaID]
	result := make([]uint32, 0, len(names))
	for id := range names {
		result = append(result, id)
	}
	slices.Sort(result)
	return result
}

// GetFormulasUsingName returns formula IDs that use a specific name
func (ft *FormulaTable) GetFormulasUsingName(nameID uint32) []uint32 {
	formulas := ft.formulasUsingName[nameID]
	result := make([]uint32, 0, len(formulas))
	for id := range formulas {
		result = append(result, id)
	}
	slices.Sort(result)
	return result
}

// GetCellsUsingFormula returns all cells using a specific formula
func (ft *FormulaTable) GetCellsUsingFormula(formulaID uint32) []CellAddress {
	cells := ft.cellsUsingFormula[formulaID]
	result := make([]CellAddress, 0, len(cells))
	for cell := range cells {
		result = append(result, cell)
	}
	slices.SortFunc(result, compareAddresses)
	return result
}

// GetFormulaAtCell returns the formula ID at a specific cell
func (ft *FormulaTable) GetFormulaAtCell(cell CellAddress) (uint32, bool) {
	id, exists := ft.formulaAtCell[cell]
	return id, exists
}

// FormulaCells returns every cell holding a formula, in address order
func (ft *FormulaTable) FormulaCells() []CellAddress {
	result := make([]CellAddress, 0, len(ft.formulaAtCell))
	for cell := range ft.formulaAtCell {
		result = append(result, cell)
	}
	slices.SortFunc(result, compareAddresses)
	return result
}

// rekeyCells moves cell usage after a structural edit. cells without a new
// address must already have been removed.
func (ft *FormulaTable) rekeyCells(mapCell func(CellAddress) (CellAddress, bool)) {
	next := make(map[CellAddress]uint32, len(ft.formulaAtCell))
	for cell, id := range ft.formulaAtCell {
		if moved, ok := mapCell(cell); ok {
			next[moved] = id
		}
	}
	ft.formulaAtCell = next
	for id := range ft.cellsUsingFormula {
		ft.cellsUsingFormula[id] = make(map[CellAddress]struct{})
	}
	for cell, id := range next {
		ft.cellsUsingFormula[id][cell] = struct{}{}
	}
}

// Count returns the number of unique formulas
func (ft *FormulaTable) Count() int {
	return len(ft.keyIndex)
}

// BytecodeCellCount returns the number of formula cells evaluated through a
// compiled program
func (ft *FormulaTable) BytecodeCellCount() int {
	return ft.bytecodeCellsCount
}
