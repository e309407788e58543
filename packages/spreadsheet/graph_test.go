package spreadsheet

import (
	"slices"
	"testing"
)

func cellAt(row, col uint32) CellAddress {
	return CellAddress{WorksheetID: 1, Row: row, Column: col}
}

func TestDependencyGraphEdges(t *testing.T) {
	dg := NewDependencyGraph()
	a1, b1, c1, d1 := cellAt(0, 0), cellAt(0, 1), cellAt(0, 2), cellAt(0, 3)
	row := RangeAddress{WorksheetID: 1, StartRow: 0, EndRow: 0, StartColumn: 0, EndColumn: 1}

	dg.SetFormula(b1, []NodeKey{CellKey(a1)})
	dg.SetFormula(c1, []NodeKey{RangeKey(row)})
	dg.SetFormula(d1, []NodeKey{CellKey(c1)})

	if !dg.HasFormula(b1) || dg.HasFormula(a1) {
		t.Errorf("HasFormula: b1=%v a1=%v", dg.HasFormula(b1), dg.HasFormula(a1))
	}
	if got := dg.CellDependents(a1); !slices.Equal(got, []CellAddress{b1, c1}) {
		t.Errorf("CellDependents(A1) = %v, want [B1 C1]", got)
	}
	if got := dg.Precedents(CellKey(c1)); len(got) != 1 || got[0] != RangeKey(row) {
		t.Errorf("Precedents(C1) = %v", got)
	}
	if got := dg.Dependents(RangeKey(row)); len(got) != 1 || got[0] != CellKey(c1) {
		t.Errorf("Dependents(A1:B1) = %v", got)
	}
	if dg.RangeObserverCount() != 1 {
		t.Errorf("RangeObserverCount() = %d, want 1", dg.RangeObserverCount())
	}

	closure := dg.Closure([]CellAddress{a1})
	for _, want := range []CellAddress{b1, c1, d1} {
		if _, ok := closure[want]; !ok {
			t.Errorf("Closure(A1) is missing %v", want)
		}
	}
	if _, ok := closure[a1]; ok {
		t.Errorf("Closure(A1) should not hold the literal seed")
	}
}

func TestDependencyGraphDirtyTracking(t *testing.T) {
	dg := NewDependencyGraph()
	a1, b1, c1 := cellAt(0, 0), cellAt(0, 1), cellAt(0, 2)
	dg.SetFormula(b1, []NodeKey{CellKey(a1)})
	dg.SetFormula(c1, []NodeKey{CellKey(b1)})

	if got := dg.DirtyCells(); !slices.Equal(got, []CellAddress{b1, c1}) {
		t.Fatalf("DirtyCells() = %v, want [B1 C1]", got)
	}
	dg.ClearDirty(b1)
	dg.ClearDirty(c1)

	dg.MarkDependentsDirty(CellKey(a1))
	if !dg.IsDirty(b1) || !dg.IsDirty(c1) {
		t.Errorf("editing A1 should dirty B1 and C1")
	}
	dg.ClearDirty(b1)
	dg.ClearDirty(c1)

	dg.MarkDirty(a1)
	if dg.IsDirty(a1) {
		t.Errorf("literal cells are never dirty")
	}

	// a cell nobody tracks can still sit in an observed range
	dg.SetFormula(cellAt(5, 5), []NodeKey{RangeKey(RangeAddress{WorksheetID: 1, StartRow: 10, EndRow: 20})})
	dg.ClearDirty(cellAt(5, 5))
	dg.MarkDependentsDirty(CellKey(cellAt(15, 0)))
	if !dg.IsDirty(cellAt(5, 5)) {
		t.Errorf("range reader should be dirtied by a cell inside the range")
	}

	dg.ClearDirty(c1)
	dg.MarkRegionDirty(RangeAddress{WorksheetID: 1, StartRow: 0, EndRow: 0, StartColumn: 1, EndColumn: 1})
	if !dg.IsDirty(b1) || !dg.IsDirty(c1) {
		t.Errorf("MarkRegionDirty should dirty formulas inside and readers of the region")
	}
}

func TestDependencyGraphRemoveFormula(t *testing.T) {
	dg := NewDependencyGraph()
	a1, b1, c1 := cellAt(0, 0), cellAt(0, 1), cellAt(0, 2)
	dg.SetFormula(b1, []NodeKey{CellKey(a1)})
	dg.SetFormula(c1, []NodeKey{CellKey(b1)})
	dg.ClearDirty(c1)

	dg.RemoveFormula(b1)
	if dg.HasFormula(b1) {
		t.Errorf("B1 still owns a formula")
	}
	if !dg.IsDirty(c1) {
		t.Errorf("readers of a removed formula must be dirtied")
	}
	if got := dg.CellDependents(a1); len(got) != 0 {
		t.Errorf("CellDependents(A1) = %v after removal", got)
	}

	dg.RemoveFormula(c1)
	if dg.NodeCount() != 0 {
		t.Errorf("NodeCount() = %d after removing every formula, want 0", dg.NodeCount())
	}
}

func TestDependencyGraphNames(t *testing.T) {
	dg := NewDependencyGraph()
	a1, b1 := cellAt(0, 0), cellAt(0, 1)
	dg.SetNamePrecedents(7, []NodeKey{CellKey(a1)})
	dg.SetFormula(b1, []NodeKey{NameKey(7)})
	dg.ClearDirty(b1)

	dg.MarkDependentsDirty(CellKey(a1))
	if !dg.IsDirty(b1) {
		t.Errorf("a name's precedent should dirty the name's readers")
	}
	dg.ClearDirty(b1)

	dg.SetNamePrecedents(7, nil)
	if !dg.IsDirty(b1) {
		t.Errorf("redefining a name should dirty its readers")
	}
	if got := dg.CellDependents(a1); len(got) != 0 {
		t.Errorf("CellDependents(A1) = %v after the name moved away", got)
	}
}

func TestDependencyGraphRebase(t *testing.T) {
	dg := NewDependencyGraph()
	a1, b1 := cellAt(0, 0), cellAt(0, 1)
	dg.SetFormula(b1, []NodeKey{CellKey(a1)})

	dg.Rebase(StructuralEdit{Kind: EditInsertRows, WorksheetID: 1, At: 0, Count: 1})

	a2, b2 := cellAt(1, 0), cellAt(1, 1)
	if dg.HasFormula(b1) || !dg.HasFormula(b2) {
		t.Fatalf("formula did not move from B1 to B2")
	}
	if got := dg.Precedents(CellKey(b2)); len(got) != 1 || got[0] != CellKey(a2) {
		t.Errorf("Precedents(B2) = %v, want [A2]", got)
	}
	if !dg.IsDirty(b2) {
		t.Errorf("dirty flag should move with the cell")
	}

	dg.Rebase(StructuralEdit{Kind: EditDeleteRows, WorksheetID: 1, At: 1, Count: 1})
	if dg.HasFormula(b2) || dg.NodeCount() != 0 {
		t.Errorf("deleted rows should detach their nodes, %d left", dg.NodeCount())
	}
}

func TestNodeKeyOrdering(t *testing.T) {
	keys := []NodeKey{
		RangeKey(RangeAddress{WorksheetID: 1, StartRow: 0, EndRow: 3}),
		CellKey(cellAt(2, 0)),
		CellKey(cellAt(0, 1)),
		CellKey(cellAt(0, 0)),
	}
	slices.SortFunc(keys, compareKeys)
	if keys[0] != CellKey(cellAt(0, 0)) || keys[1] != CellKey(cellAt(0, 1)) || keys[2] != CellKey(cellAt(2, 0)) {
		t.Errorf("cells should sort by row then column: %v", keys)
	}
}
