package spreadsheet

import "fmt"

// EditKind enumerates structural edits
type EditKind uint8

const (
	EditInsertRows EditKind = iota + 1
	EditDeleteRows
	EditInsertColumns
	EditDeleteColumns
	EditMoveRange
)

var editKindNames = map[EditKind]string{
	EditInsertRows:    "insert rows",
	EditDeleteRows:    "delete rows",
	EditInsertColumns: "insert columns",
	EditDeleteColumns: "delete columns",
	EditMoveRange:     "move range",
}

func (k EditKind) String() string { return editKindNames[k] }

// StructuralEdit describes a row/column insert or delete on one worksheet,
// or a move of a rectangular range. At and Count are zero-based indexes used
// by row and column edits; Source and Destination by moves.
type StructuralEdit struct {
	Kind        EditKind
	WorksheetID uint32
	At          uint32
	Count       uint32
	Source      RangeAddress
	Destination CellAddress
}

func (e StructuralEdit) String() string {
	if e.Kind == EditMoveRange {
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.Source, e.Destination)
	}
	return fmt.Sprintf("%s %d+%d on worksheet %d", e.Kind, e.At, e.Count, e.WorksheetID)
}

func (e StructuralEdit) validate() error {
	switch e.Kind {
	case EditInsertRows, EditDeleteRows:
		if e.Count == 0 || e.At >= MaxRows {
			return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid row edit: %s", e))
		}
	case EditInsertColumns, EditDeleteColumns:
		if e.Count == 0 || e.At >= MaxColumns {
			return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid column edit: %s", e))
		}
	case EditMoveRange:
		dst := e.destinationRange()
		if dst.EndRow >= MaxRows || dst.EndColumn >= MaxColumns {
			return NewApplicationError(OutOfRange, fmt.Sprintf("move destination leaves the grid: %s", e))
		}
	default:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("unknown structural edit kind %d", e.Kind))
	}
	return nil
}

// destinationRange is the footprint of a move's target
func (e StructuralEdit) destinationRange() RangeAddress {
	src := e.Source
	return RangeAddress{
		WorksheetID: e.Destination.WorksheetID,
		StartRow:    e.Destination.Row,
		StartColumn: e.Destination.Column,
		EndRow:      e.Destination.Row + src.EndRow - src.StartRow,
		EndColumn:   e.Destination.Column + src.EndColumn - src.StartColumn,
	}
}

// affects reports whether cells of the worksheet can move
func (e StructuralEdit) affects(worksheetID uint32) bool {
	if e.Kind == EditMoveRange {
		return worksheetID == e.Source.WorksheetID || worksheetID == e.Destination.WorksheetID
	}
	return worksheetID == e.WorksheetID
}

// shiftIndex maps one coordinate through an insert or delete of count slots
// at `at`. ok is false when the index was deleted or pushed off the grid.
func shiftIndex(index, at, count, limit uint32, insert bool) (uint32, bool) {
	if index < at {
		return index, true
	}
	if insert {
		moved := uint64(index) + uint64(count)
		if moved >= uint64(limit) {
			return 0, false
		}
		return uint32(moved), true
	}
	if index < at+count {
		return 0, false
	}
	return index - count, true
}

// shiftSpan maps inclusive bounds through an insert or delete. inserting
// inside the span grows it; deleting trims it.
func shiftSpan(start, end, at, count, limit uint32, insert bool) (uint32, uint32, bool) {
	if insert {
		if end < at {
			return start, end, true
		}
		newStart := start
		if start >= at {
			newStart = start + count
		}
		newEnd := uint64(end) + uint64(count)
		if newStart >= limit {
			return 0, 0, false
		}
		return newStart, uint32(min(newEnd, uint64(limit-1))), true
	}
	last := at + count - 1
	newStart := start
	switch {
	case start > last:
		newStart = start - count
	case start >= at:
		newStart = at
	}
	var newEnd uint32
	switch {
	case end > last:
		newEnd = end - count
	case end >= at:
		if at == 0 {
			return 0, 0, false
		}
		newEnd = at - 1
	default:
		newEnd = end
	}
	if newEnd < newStart || (start >= at && end <= last) {
		return 0, 0, false
	}
	return newStart, newEnd, true
}

// MapCell returns where a cell lives after the edit. ok is false when the
// cell was deleted or overwritten.
func (e StructuralEdit) MapCell(c CellAddress) (CellAddress, bool) {
	switch e.Kind {
	case EditInsertRows, EditDeleteRows:
		if c.WorksheetID != e.WorksheetID {
			return c, true
		}
		row, ok := shiftIndex(c.Row, e.At, e.Count, MaxRows, e.Kind == EditInsertRows)
		c.Row = row
		return c, ok
	case EditInsertColumns, EditDeleteColumns:
		if c.WorksheetID != e.WorksheetID {
			return c, true
		}
		col, ok := shiftIndex(c.Column, e.At, e.Count, MaxColumns, e.Kind == EditInsertColumns)
		c.Column = col
		return c, ok
	case EditMoveRange:
		if e.Source.Contains(c) {
			return CellAddress{
				WorksheetID: e.Destination.WorksheetID,
				Row:         e.Destination.Row + c.Row - e.Source.StartRow,
				Column:      e.Destination.Column + c.Column - e.Source.StartColumn,
			}, true
		}
		if e.destinationRange().Contains(c) {
			return c, false
		}
	}
	return c, true
}

// MapRange returns a range's bounds after the edit. ok is false when the
// whole range was deleted.
func (e StructuralEdit) MapRange(r RangeAddress) (RangeAddress, bool) {
	switch e.Kind {
	case EditInsertRows, EditDeleteRows:
		if r.WorksheetID != e.WorksheetID {
			return r, true
		}
		start, end, ok := shiftSpan(r.StartRow, r.EndRow, e.At, e.Count, MaxRows, e.Kind == EditInsertRows)
		r.StartRow, r.EndRow = start, end
		return r, ok
	case EditInsertColumns, EditDeleteColumns:
		if r.WorksheetID != e.WorksheetID {
			return r, true
		}
		start, end, ok := shiftSpan(r.StartColumn, r.EndColumn, e.At, e.Count, MaxColumns, e.Kind == EditInsertColumns)
		r.StartColumn, r.EndColumn = start, end
		return r, ok
	case EditMoveRange:
		src := e.Source
		if r.WorksheetID == src.WorksheetID &&
			r.StartRow >= src.StartRow && r.EndRow <= src.EndRow &&
			r.StartColumn >= src.StartColumn && r.EndColumn <= src.EndColumn {
			start, _ := e.MapCell(r.Start())
			end, _ := e.MapCell(r.End())
			return RangeAddress{
				WorksheetID: start.WorksheetID,
				StartRow:    start.Row,
				StartColumn: start.Column,
				EndRow:      end.Row,
				EndColumn:   end.Column,
			}, true
		}
		dst := e.destinationRange()
		if r.WorksheetID == dst.WorksheetID && !r.Intersects(src) &&
			r.StartRow >= dst.StartRow && r.EndRow <= dst.EndRow &&
			r.StartColumn >= dst.StartColumn && r.EndColumn <= dst.EndColumn {
			return r, false
		}
	}
	return r, true
}

func (e StructuralEdit) mapKey(k NodeKey) (NodeKey, bool) {
	switch k.Kind {
	case NodeCell:
		cell, ok := e.MapCell(k.Cell)
		k.Cell = cell
		return k, ok
	case NodeRange:
		r, ok := e.MapRange(k.Range)
		k.Range = r
		return k, ok
	}
	return k, true
}

// rebaseExpr rewrites the references of an expression. deleted references
// become #REF! literals. the original is returned when nothing moved.
func rebaseExpr(expr Expr, e StructuralEdit) Expr {
	return transformExpr(expr, func(node Expr) Expr {
		switch n := node.(type) {
		case *CellRefExpr:
			moved, ok := e.MapCell(n.Addr)
			if !ok {
				return &ErrorExpr{Code: ErrorCodeRef}
			}
			if moved != n.Addr {
				return &CellRefExpr{Addr: moved}
			}
		case *RangeRefExpr:
			moved, ok := e.MapRange(n.Range)
			if !ok {
				return &ErrorExpr{Code: ErrorCodeRef}
			}
			if moved != n.Range {
				return &RangeRefExpr{Range: moved}
			}
		case *SpillRefExpr:
			moved, ok := e.MapCell(n.Anchor)
			if !ok {
				return &ErrorExpr{Code: ErrorCodeRef}
			}
			if moved != n.Anchor {
				return &SpillRefExpr{Anchor: moved}
			}
		}
		return node
	})
}

// RebaseSubscriber is implemented by collaborators that store coordinates
// into the workbook. OnRebase runs after the engine has applied the edit and
// while the workbook is locked, so it must not call back into it.
type RebaseSubscriber interface {
	OnRebase(edit StructuralEdit)
}

// RebaseFunc adapts a function to RebaseSubscriber
type RebaseFunc func(edit StructuralEdit)

func (f RebaseFunc) OnRebase(edit StructuralEdit) { f(edit) }

// TrackedRange is a ready-made subscriber for collaborators such as pivot
// table definitions: a source range plus a destination cell that follow
// structural edits. NeedsRefresh is raised whenever either moves or is
// deleted; the owner clears it after refreshing.
type TrackedRange struct {
	Source       RangeAddress
	Destination  CellAddress
	SourceValid  bool
	DestValid    bool
	NeedsRefresh bool
}

// NewTrackedRange creates a tracked source range and destination cell
func NewTrackedRange(source RangeAddress, destination CellAddress) *TrackedRange {
	return &TrackedRange{Source: source, Destination: destination, SourceValid: true, DestValid: true}
}

func (t *TrackedRange) OnRebase(edit StructuralEdit) {
	if t.SourceValid {
		moved, ok := edit.MapRange(t.Source)
		if !ok || moved != t.Source {
			t.NeedsRefresh = true
		}
		t.Source, t.SourceValid = moved, ok
	}
	if t.DestValid {
		moved, ok := edit.MapCell(t.Destination)
		if !ok || moved != t.Destination {
			t.NeedsRefresh = true
		}
		t.Destination, t.DestValid = moved, ok
	}
}
