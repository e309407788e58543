package spreadsheet

import (
	"slices"
	"testing"
)

func nothingOccupied(CellAddress) bool { return false }

func TestSpillManagerClaims(t *testing.T) {
	sm := NewSpillManager()
	anchor := cellAt(0, 0)

	vacated, ok := sm.CommitSpill(anchor, 3, 2, nothingOccupied)
	if !ok || len(vacated) != 0 {
		t.Fatalf("CommitSpill = %v, %v", vacated, ok)
	}
	r, live := sm.Range(anchor)
	if !live || r.Rows() != 3 || r.Columns() != 2 {
		t.Errorf("Range(A1) = %v, %v", r, live)
	}
	if owner, ok := sm.Owner(cellAt(2, 1)); !ok || owner != anchor {
		t.Errorf("Owner(B3) = %v, %v", owner, ok)
	}
	if _, ok := sm.Owner(anchor); ok {
		t.Errorf("anchors are not owned cells")
	}

	// shrinking hands back the cells outside the new footprint
	vacated, ok = sm.CommitSpill(anchor, 2, 1, nothingOccupied)
	if !ok {
		t.Fatal("shrink failed")
	}
	want := []CellAddress{cellAt(0, 1), cellAt(1, 1), cellAt(2, 0), cellAt(2, 1)}
	slices.SortFunc(vacated, compareAddresses)
	if !slices.Equal(vacated, want) {
		t.Errorf("vacated = %v, want %v", vacated, want)
	}
	if sm.Count() != 1 {
		t.Errorf("Count() = %d, want 1", sm.Count())
	}
}

func TestSpillManagerCollisions(t *testing.T) {
	sm := NewSpillManager()
	first, second := cellAt(0, 0), cellAt(1, 1)

	if _, ok := sm.CommitSpill(first, 3, 3, nothingOccupied); !ok {
		t.Fatal("first claim failed")
	}
	if _, ok := sm.CommitSpill(second, 2, 2, nothingOccupied); ok {
		t.Fatal("overlapping claim should fail")
	}
	if !sm.IsBlocked(second) {
		t.Errorf("second anchor should be blocked")
	}
	if got := sm.BlockedBy(cellAt(2, 2)); !slices.Equal(got, []CellAddress{second}) {
		t.Errorf("BlockedBy(C3) = %v", got)
	}

	blocker := cellAt(2, 0)
	occupied := func(c CellAddress) bool { return c == blocker }
	vacated, ok := sm.CommitSpill(first, 3, 3, occupied)
	if ok {
		t.Fatal("claim over an occupied cell should fail")
	}
	if len(vacated) != 8 {
		t.Errorf("failed claim vacated %d cells, want the 8 previously owned", len(vacated))
	}
	if _, live := sm.Range(first); live {
		t.Errorf("failed claim should release the old footprint")
	}

	// once the first footprint is gone the second fits
	if _, ok := sm.CommitSpill(second, 2, 2, nothingOccupied); !ok || sm.IsBlocked(second) {
		t.Errorf("second anchor should spill after the release")
	}
	if got := sm.AnchorsIntersecting(RangeAddress{WorksheetID: 1, StartRow: 2, EndRow: 2, StartColumn: 2, EndColumn: 2}); !slices.Equal(got, []CellAddress{second}) {
		t.Errorf("AnchorsIntersecting(C3) = %v", got)
	}
	if got := sm.Anchors(1); !slices.Equal(got, []CellAddress{first, second}) {
		t.Errorf("Anchors(1) = %v, want the blocked and the live anchor", got)
	}
}

func TestSpillManagerGridEdge(t *testing.T) {
	sm := NewSpillManager()
	anchor := CellAddress{WorksheetID: 1, Row: MaxRows - 2, Column: 0}
	if _, ok := sm.CommitSpill(anchor, 3, 1, nothingOccupied); ok {
		t.Errorf("footprint past the last row should fail")
	}
	if !sm.IsBlocked(anchor) {
		t.Errorf("off-grid claim should be remembered as blocked")
	}
	if got := sm.Release(anchor); got != nil || sm.IsBlocked(anchor) {
		t.Errorf("Release should drop the blocked claim")
	}
}
