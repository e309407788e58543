package spreadsheet

import (
	"math/bits"
	"slices"
)

// WorksheetTable manages worksheet storage and ID mappings. names are
// matched case-insensitively; formulas may reference worksheets before they
// exist, in which case the ID is tracked as undefined.
type WorksheetTable struct {
	// core name/ID mapping (for all worksheets, defined or not)

	nameToID map[string]uint32 // folded name -> ID for all worksheets
	idToName map[uint32]string // ID -> display name for all worksheets

	// worksheet definitions

	definedWorksheets map[uint32]*Worksheet

	// track undefined worksheets (referenced but not yet defined)

	undefinedIDs map[uint32]struct{}

	nextID uint32
}

// NewWorksheetTable creates a new worksheet table
func NewWorksheetTable() *WorksheetTable {
	return &WorksheetTable{
		nameToID:          make(map[string]uint32),
		idToName:          make(map[uint32]string),
		definedWorksheets: make(map[uint32]*Worksheet),
		undefinedIDs:      make(map[uint32]struct{}),
		nextID:            1, // start at 1, reserve 0 for no worksheet
	}
}

// InternWorksheet returns the ID of a worksheet (defined or not), creating an
// undefined entry for unknown names.
func (wt *WorksheetTable) InternWorksheet(name string) uint32 {
	if id, exists := wt.nameToID[foldText(name)]; exists {
		return id
	}
	id := wt.nextID
	wt.nextID++
	wt.nameToID[foldText(name)] = id
	wt.idToName[id] = name
	wt.undefinedIDs[id] = struct{}{}
	return id
}

// DefineWorksheet defines a worksheet. if the name was previously referenced,
// the existing ID is reused so earlier formulas now resolve to it.
func (wt *WorksheetTable) DefineWorksheet(name string) (*Worksheet, uint32) {
	id := wt.InternWorksheet(name)
	wt.idToName[id] = name
	delete(wt.undefinedIDs, id)
	ws := NewWorksheet(id)
	wt.definedWorksheets[id] = ws
	return ws, id
}

// UndefineWorksheet removes a worksheet's storage. its ID stays known as
// undefined so references to it keep resolving to #REF!.
func (wt *WorksheetTable) UndefineWorksheet(name string) (uint32, bool) {
	id, exists := wt.nameToID[foldText(name)]
	if !exists {
		return 0, false
	}
	if _, defined := wt.definedWorksheets[id]; !defined {
		return id, false
	}
	delete(wt.definedWorksheets, id)
	wt.undefinedIDs[id] = struct{}{}
	return id, true
}

// RenameWorksheet changes the display name of a worksheet. the ID is stable,
// so lowered formulas keep pointing at it.
func (wt *WorksheetTable) RenameWorksheet(id uint32, newName string) bool {
	oldName, exists := wt.idToName[id]
	if !exists {
		return false
	}
	delete(wt.nameToID, foldText(oldName))
	wt.nameToID[foldText(newName)] = id
	wt.idToName[id] = newName
	return true
}

// GetWorksheet returns the Worksheet for a given ID
func (wt *WorksheetTable) GetWorksheet(id uint32) (*Worksheet, bool) {
	worksheet, exists := wt.definedWorksheets[id]
	return worksheet, exists
}

// GetWorksheetID returns the ID for a worksheet name
func (wt *WorksheetTable) GetWorksheetID(name string) (uint32, bool) {
	id, exists := wt.nameToID[foldText(name)]
	return id, exists
}

// GetWorksheetName returns the name for a worksheet ID
func (wt *WorksheetTable) GetWorksheetName(id uint32) (string, bool) {
	name, exists := wt.idToName[id]
	return name, exists
}

// IsWorksheetDefined checks if a worksheet has a definition
func (wt *WorksheetTable) IsWorksheetDefined(id uint32) bool {
	_, exists := wt.definedWorksheets[id]
	return exists
}

// DefinedNames returns the names of defined worksheets in ID order
func (wt *WorksheetTable) DefinedNames() []string {
	ids := make([]uint32, 0, len(wt.definedWorksheets))
	for id := range wt.definedWorksheets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = wt.idToName[id]
	}
	return names
}

// UndefinedNames returns the names referenced by formulas that have no
// worksheet, sorted
func (wt *WorksheetTable) UndefinedNames() []string {
	result := make([]string, 0, len(wt.undefinedIDs))
	for id := range wt.undefinedIDs {
		name := wt.idToName[id]
		if wt.nameToID[foldText(name)] == id {
			result = append(result, name)
		}
	}
	slices.Sort(result)
	return result
}

// firstDefined returns the defined worksheet with the lowest ID
func (wt *WorksheetTable) firstDefined() (uint32, bool) {
	var first uint32
	for id := range wt.definedWorksheets {
		if first == 0 || id < first {
			first = id
		}
	}
	return first, first != 0
}

// CountDefined returns the number of defined worksheets
func (wt *WorksheetTable) CountDefined() int {
	return len(wt.definedWorksheets)
}

// CountUndefined returns the number of undefined worksheets
func (wt *WorksheetTable) CountUndefined() int {
	return len(wt.undefinedIDs)
}

// ChunkKey represents the key for indexing chunks in Worksheet
type ChunkKey struct {
	ChunkRow uint32
	ChunkCol uint32
}

// Worksheet provides sparse cell storage optimized for typical spreadsheet
// access patterns.
//
// architecture:
// - cells are partitioned into 64x64 chunks for spatial locality
// - a chunk allocates its slots on the first write inside it
// - an occupancy bitmap per chunk answers "is anything here" without
//   touching the cells
// - the used extent bounds range scans so whole-column references stay cheap
//
// during a recalculation pass a worksheet is only read; results are written
// back between waves by the scheduler.
type Worksheet struct {
	chunks      map[ChunkKey]*Chunk
	totalCells  int
	usedRows    uint32 // one past the highest occupied row
	usedCols    uint32 // one past the highest occupied column
	worksheetID uint32
}

const (
	ChunkRows uint32 = 64                    // rows per chunk - power of 2 for efficient modulo
	ChunkCols uint32 = 64                    // columns per chunk
	ChunkSize        = ChunkRows * ChunkCols // 4096 cells per chunk
)

// Chunk represents a 64x64 region of cells
type Chunk struct {
	Cells          []*Cell
	NonEmptyCount  int
	OccupiedBitmap []uint64
}

// NewWorksheet creates a new worksheet
func NewWorksheet(worksheetID uint32) *Worksheet {
	return &Worksheet{
		chunks:      make(map[ChunkKey]*Chunk),
		worksheetID: worksheetID,
	}
}

func chunkPosition(row, col uint32) (ChunkKey, uint32) {
	key := ChunkKey{ChunkRow: row / ChunkRows, ChunkCol: col / ChunkCols}
	offset := (row%ChunkRows)*ChunkCols + col%ChunkCols
	return key, offset
}

// GetCell returns the cell at a position, or nil when empty
func (w *Worksheet) GetCell(row, col uint32) *Cell {
	key, offset := chunkPosition(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		return nil
	}
	return chunk.Cells[offset]
}

// ensureCell returns the cell at a position, creating it when empty
func (w *Worksheet) ensureCell(row, col uint32) *Cell {
	key, offset := chunkPosition(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		chunk = &Chunk{
			Cells:          make([]*Cell, ChunkSize),
			OccupiedBitmap: make([]uint64, (ChunkSize+63)/64),
		}
		w.chunks[key] = chunk
	}
	if cell := chunk.Cells[offset]; cell != nil {
		return cell
	}
	cell := &Cell{Row: row, Col: col}
	chunk.Cells[offset] = cell
	chunk.OccupiedBitmap[offset/64] |= 1 << (offset % 64)
	chunk.NonEmptyCount++
	w.totalCells++
	w.usedRows = max(w.usedRows, row+1)
	w.usedCols = max(w.usedCols, col+1)
	return cell
}

// RemoveCell deletes the cell at a position. returns true if a cell existed.
func (w *Worksheet) RemoveCell(row, col uint32) bool {
	key, offset := chunkPosition(row, col)
	chunk, exists := w.chunks[key]
	if !exists || chunk.Cells[offset] == nil {
		return false
	}
	chunk.Cells[offset] = nil
	chunk.OccupiedBitmap[offset/64] &^= 1 << (offset % 64)
	chunk.NonEmptyCount--
	w.totalCells--
	if chunk.NonEmptyCount == 0 {
		delete(w.chunks, key)
	}
	return true
}

// CellCount returns the number of stored cells
func (w *Worksheet) CellCount() int {
	return w.totalCells
}

// clip narrows a range to the used extent. returns false if nothing remains.
func (w *Worksheet) clip(r RangeAddress) (RangeAddress, bool) {
	if w.usedRows == 0 || r.StartRow >= w.usedRows || r.StartColumn >= w.usedCols {
		return r, false
	}
	r.EndRow = min(r.EndRow, w.usedRows-1)
	r.EndColumn = min(r.EndColumn, w.usedCols-1)
	return r, true
}

// cells returns every stored cell in row-major order
func (w *Worksheet) cells() []*Cell {
	result := make([]*Cell, 0, w.totalCells)
	for _, chunk := range w.chunks {
		for word, mask := range chunk.OccupiedBitmap {
			for mask != 0 {
				bit := bits.TrailingZeros64(mask)
				mask &^= 1 << bit
				result = append(result, chunk.Cells[word*64+bit])
			}
		}
	}
	slices.SortFunc(result, func(a, b *Cell) int {
		if a.Row != b.Row {
			return cmpInt(int(a.Row), int(b.Row))
		}
		return cmpInt(int(a.Col), int(b.Col))
	})
	return result
}

// relocate rebuilds the storage after a structural edit. cells that map to
// no position are dropped.
func (w *Worksheet) relocate(mapCell func(row, col uint32) (uint32, uint32, bool)) {
	old := w.cells()
	w.chunks = make(map[ChunkKey]*Chunk)
	w.totalCells = 0
	w.usedRows, w.usedCols = 0, 0
	for _, cell := range old {
		row, col, ok := mapCell(cell.Row, cell.Col)
		if !ok {
			continue
		}
		moved := w.ensureCell(row, col)
		*moved = *cell
		moved.Row, moved.Col = row, col
	}
}
