package spreadsheet

import (
	"iter"
	"slices"
	"strconv"
)

// RangeAddress represents a range of cells within a single worksheet. bounds
// are inclusive and zero-based.
type RangeAddress struct {
	WorksheetID uint32
	StartRow    uint32
	StartColumn uint32
	EndRow      uint32
	EndColumn   uint32
}

// CellRangeOf returns the 1x1 range covering a cell.
func CellRangeOf(a CellAddress) RangeAddress {
	return RangeAddress{
		WorksheetID: a.WorksheetID,
		StartRow:    a.Row,
		StartColumn: a.Column,
		EndRow:      a.Row,
		EndColumn:   a.Column,
	}
}

// normalized swaps reversed bounds so Start <= End.
func (r RangeAddress) normalized() RangeAddress {
	if r.StartRow > r.EndRow {
		r.StartRow, r.EndRow = r.EndRow, r.StartRow
	}
	if r.StartColumn > r.EndColumn {
		r.StartColumn, r.EndColumn = r.EndColumn, r.StartColumn
	}
	return r
}

func (r RangeAddress) Rows() int { return int(r.EndRow-r.StartRow) + 1 }

func (r RangeAddress) Columns() int { return int(r.EndColumn-r.StartColumn) + 1 }

func (r RangeAddress) Start() CellAddress {
	return CellAddress{WorksheetID: r.WorksheetID, Row: r.StartRow, Column: r.StartColumn}
}

func (r RangeAddress) End() CellAddress {
	return CellAddress{WorksheetID: r.WorksheetID, Row: r.EndRow, Column: r.EndColumn}
}

func (r RangeAddress) IsCell() bool {
	return r.StartRow == r.EndRow && r.StartColumn == r.EndColumn
}

// Contains reports whether the cell lies within the range.
func (r RangeAddress) Contains(a CellAddress) bool {
	return a.WorksheetID == r.WorksheetID &&
		a.Row >= r.StartRow && a.Row <= r.EndRow &&
		a.Column >= r.StartColumn && a.Column <= r.EndColumn
}

// Intersects reports whether two ranges share at least one cell.
func (r RangeAddress) Intersects(o RangeAddress) bool {
	return r.WorksheetID == o.WorksheetID &&
		r.StartRow <= o.EndRow && o.StartRow <= r.EndRow &&
		r.StartColumn <= o.EndColumn && o.StartColumn <= r.EndColumn
}

// String renders "<worksheet id>!A1:B2".
func (r RangeAddress) String() string {
	return strconv.FormatUint(uint64(r.WorksheetID), 10) + "!" + r.A1()
}

// A1 renders the range without its worksheet.
func (r RangeAddress) A1() string {
	start := CellAddress{Row: r.StartRow, Column: r.StartColumn}
	end := CellAddress{Row: r.EndRow, Column: r.EndColumn}
	return start.A1() + ":" + end.A1()
}

// Cells iterates the addresses of the range in row-major order.
func (r RangeAddress) Cells() iter.Seq[CellAddress] {
	return func(yield func(CellAddress) bool) {
		for row := r.StartRow; row <= r.EndRow; row++ {
			for col := r.StartColumn; col <= r.EndColumn; col++ {
				if !yield(CellAddress{WorksheetID: r.WorksheetID, Row: row, Column: col}) {
					return
				}
			}
		}
	}
}

// nameEntry holds every scoped definition of one folded name
type nameEntry struct {
	display     string
	definitions map[uint32]Expr // scope worksheet ID (0 = workbook) -> definition
}

// NamedRangeTable manages defined names with ID tracking. a name is known to
// the table once it is referenced or defined; references to names that have
// no definition are tracked as undefined until they are defined or no longer
// referenced. lookups are case-insensitive.
type NamedRangeTable struct {
	nameToID map[string]uint32 // folded name -> ID
	entries  map[uint32]*nameEntry

	undefinedIDs map[uint32]struct{}

	refCounts map[uint32]int
	nextID    uint32
}

// NewNamedRangeTable creates a new named range table
func NewNamedRangeTable() *NamedRangeTable {
	return &NamedRangeTable{
		nameToID:     make(map[string]uint32),
		entries:      make(map[uint32]*nameEntry),
		undefinedIDs: make(map[uint32]struct{}),
		refCounts:    make(map[uint32]int),
		nextID:       1, // start at 1, reserve 0 for no name
	}
}

func (nrt *NamedRangeTable) ensure(name string) uint32 {
	key := foldText(name)
	if id, exists := nrt.nameToID[key]; exists {
		return id
	}
	id := nrt.nextID
	nrt.nextID++
	nrt.nameToID[key] = id
	nrt.entries[id] = &nameEntry{display: name, definitions: make(map[uint32]Expr)}
	nrt.undefinedIDs[id] = struct{}{}
	return id
}

// InternName adds a reference to a name (defined or not) and returns its ID.
func (nrt *NamedRangeTable) InternName(name string) uint32 {
	id := nrt.ensure(name)
	nrt.refCounts[id]++
	return id
}

// DefineName defines or redefines a name in a scope. scope 0 is the whole
// workbook; any other value is a worksheet ID.
func (nrt *NamedRangeTable) DefineName(name string, scope uint32, definition Expr) uint32 {
	id := nrt.ensure(name)
	entry := nrt.entries[id]
	entry.display = name
	entry.definitions[scope] = definition
	delete(nrt.undefinedIDs, id)
	return id
}

// UndefineName removes the definition of a name in one scope. returns true
// if the name was removed from the table completely.
func (nrt *NamedRangeTable) UndefineName(name string, scope uint32) bool {
	id, exists := nrt.nameToID[foldText(name)]
	if !exists {
		return false
	}
	entry := nrt.entries[id]
	delete(entry.definitions, scope)
	if len(entry.definitions) > 0 {
		return false
	}
	if nrt.refCounts[id] > 0 {
		nrt.undefinedIDs[id] = struct{}{}
		return false
	}
	nrt.removeName(id)
	return true
}

func (nrt *NamedRangeTable) removeName(id uint32) {
	entry := nrt.entries[id]
	delete(nrt.nameToID, foldText(entry.display))
	delete(nrt.entries, id)
	delete(nrt.undefinedIDs, id)
	delete(nrt.refCounts, id)
}

// RemoveReference decrements the reference count for a name ID. undefined
// names with no references are dropped. returns true if the name was removed.
func (nrt *NamedRangeTable) RemoveReference(id uint32) bool {
	if _, exists := nrt.entries[id]; !exists {
		return false
	}
	nrt.refCounts[id]--
	if nrt.refCounts[id] <= 0 {
		if _, isUndefined := nrt.undefinedIDs[id]; isUndefined {
			nrt.removeName(id)
			return true
		}
	}
	return false
}

// Resolve finds the definition visible from a worksheet: a definition scoped
// to that worksheet wins over the workbook-level one.
func (nrt *NamedRangeTable) Resolve(name string, worksheetID uint32) (Expr, uint32, bool) {
	id, exists := nrt.nameToID[foldText(name)]
	if !exists {
		return nil, 0, false
	}
	entry := nrt.entries[id]
	if def, ok := entry.definitions[worksheetID]; ok && worksheetID != 0 {
		return def, id, true
	}
	if def, ok := entry.definitions[0]; ok {
		return def, id, true
	}
	return nil, id, false
}

// Definitions returns every scoped definition of a name ID, ordered by scope.
func (nrt *NamedRangeTable) Definitions(id uint32) []Expr {
	entry, exists := nrt.entries[id]
	if !exists {
		return nil
	}
	scopes := make([]uint32, 0, len(entry.definitions))
	for scope := range entry.definitions {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)
	defs := make([]Expr, len(scopes))
	for i, scope := range scopes {
		defs[i] = entry.definitions[scope]
	}
	return defs
}

// forEachDefinition visits every scoped definition of a name ID in scope
// order
func (nrt *NamedRangeTable) forEachDefinition(id uint32, fn func(scope uint32, def Expr)) {
	entry, exists := nrt.entries[id]
	if !exists {
		return
	}
	scopes := make([]uint32, 0, len(entry.definitions))
	for scope := range entry.definitions {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)
	for _, scope := range scopes {
		fn(scope, entry.definitions[scope])
	}
}

// isDefinedIn reports whether a name has a definition in one scope
func (nrt *NamedRangeTable) isDefinedIn(name string, scope uint32) bool {
	id, exists := nrt.nameToID[foldText(name)]
	if !exists {
		return false
	}
	_, ok := nrt.entries[id].definitions[scope]
	return ok
}

// DefinedNames returns the display names that have at least one
// definition, sorted
func (nrt *NamedRangeTable) DefinedNames() []string {
	var result []string
	for _, entry := range nrt.entries {
		if len(entry.definitions) > 0 {
			result = append(result, entry.display)
		}
	}
	slices.Sort(result)
	return result
}

// removeScope drops every definition scoped to a worksheet. returns the
// affected name IDs.
func (nrt *NamedRangeTable) removeScope(scope uint32) []uint32 {
	var affected []uint32
	for id, entry := range nrt.entries {
		if _, ok := entry.definitions[scope]; !ok {
			continue
		}
		delete(entry.definitions, scope)
		affected = append(affected, id)
		if len(entry.definitions) == 0 {
			if nrt.refCounts[id] > 0 {
				nrt.undefinedIDs[id] = struct{}{}
			} else {
				nrt.removeName(id)
			}
		}
	}
	slices.Sort(affected)
	return affected
}

// rewriteDefinitions replaces every definition through fn. used by structural
// edits.
func (nrt *NamedRangeTable) rewriteDefinitions(fn func(Expr) Expr) []uint32 {
	var changed []uint32
	for id, entry := range nrt.entries {
		touched := false
		for scope, def := range entry.definitions {
			if next := fn(def); next != def {
				entry.definitions[scope] = next
				touched = true
			}
		}
		if touched {
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return changed
}

// GetNameID returns the ID for a name
func (nrt *NamedRangeTable) GetNameID(name string) (uint32, bool) {
	id, exists := nrt.nameToID[foldText(name)]
	return id, exists
}

// GetName returns the display name for an ID
func (nrt *NamedRangeTable) GetName(id uint32) (string, bool) {
	entry, exists := nrt.entries[id]
	if !exists {
		return "", false
	}
	return entry.display, true
}

// IsDefined checks if a name has at least one definition
func (nrt *NamedRangeTable) IsDefined(id uint32) bool {
	entry, exists := nrt.entries[id]
	return exists && len(entry.definitions) > 0
}

// GetReferenceCount returns the reference count for a name ID
func (nrt *NamedRangeTable) GetReferenceCount(id uint32) int {
	return nrt.refCounts[id]
}

// GetAllUndefinedNames returns names that are referenced but not defined
func (nrt *NamedRangeTable) GetAllUndefinedNames() []string {
	result := make([]string, 0, len(nrt.undefinedIDs))
	for id := range nrt.undefinedIDs {
		result = append(result, nrt.entries[id].display)
	}
	slices.Sort(result)
	return result
}

// Count returns the total number of names (defined and undefined)
func (nrt *NamedRangeTable) Count() int {
	return len(nrt.nameToID)
}

// CellRange is a lazy view over a local range used by the evaluators.
type CellRange struct {
	bounds RangeAddress
	book   *Spreadsheet
}

// GetBounds returns the range boundaries
func (r CellRange) GetBounds() RangeAddress {
	return r.bounds
}

// IterateValues yields every cell of the range in row-major order, blanks
// included.
func (r CellRange) IterateValues() iter.Seq[Value] {
	return func(yield func(Value) bool) {
		for addr := range r.bounds.Cells() {
			if !yield(r.book.valueAt(addr)) {
				return
			}
		}
	}
}

// IterateNonBlank yields the occupied cells of the range in row-major order.
// the walk is clipped to the worksheet's used extent so whole-column ranges
// stay cheap.
func (r CellRange) IterateNonBlank() iter.Seq[Value] {
	return func(yield func(Value) bool) {
		ws, ok := r.book.storage.worksheets.GetWorksheet(r.bounds.WorksheetID)
		if !ok {
			return
		}
		bounds, ok := ws.clip(r.bounds)
		if !ok {
			return
		}
		for addr := range bounds.Cells() {
			v := r.book.valueAt(addr)
			if v.Kind == KindBlank {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}
