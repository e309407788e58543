package spreadsheet

import (
	"slices"
	"testing"
)

func newSchedulerBook(t *testing.T, cells map[string]Primitive) *Spreadsheet {
	t.Helper()
	s := NewSpreadsheet()
	if err := s.AddWorksheet("Sheet1"); err != nil {
		t.Fatal(err)
	}
	for address, value := range cells {
		if err := s.Set(address, value); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestPlanWaves(t *testing.T) {
	s := newSchedulerBook(t, map[string]Primitive{
		"Sheet1!A1": 1.0,
		"Sheet1!B1": "=A1+1",
		"Sheet1!C1": "=A1*2",
		"Sheet1!D1": "=B1+C1",
		"Sheet1!E1": "=E1",
		"Sheet1!F1": "=D1+E1",
	})
	b1, c1, d1, e1, f1 := cellAt(0, 1), cellAt(0, 2), cellAt(0, 3), cellAt(0, 4), cellAt(0, 5)

	waves := s.plan(s.collect(s.storage.dependencyGraph.DirtyCells()))
	if len(waves) != 3 {
		t.Fatalf("got %d waves, want 3: %+v", len(waves), waves)
	}
	if !slices.Equal(waves[0].cells, []CellAddress{b1, c1}) || !slices.Equal(waves[0].cycles, []CellAddress{e1}) {
		t.Errorf("wave 0 = %+v", waves[0])
	}
	if !slices.Equal(waves[1].cells, []CellAddress{d1}) {
		t.Errorf("wave 1 = %+v", waves[1])
	}
	if !slices.Equal(waves[2].cells, []CellAddress{f1}) {
		t.Errorf("wave 2 = %+v", waves[2])
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	cells := map[string]Primitive{}
	for i := 1; i <= 40; i++ {
		cells[cellName(0, i)] = float64(i)
		cells[cellName(1, i)] = "=A" + itoa(i) + "+A" + itoa(41-i)
		cells[cellName(2, i)] = "=SUM(B1:B" + itoa(i) + ")"
	}
	first := newSchedulerBook(t, cells)
	second := newSchedulerBook(t, cells)
	a := first.plan(first.collect(first.storage.dependencyGraph.DirtyCells()))
	b := second.plan(second.collect(second.storage.dependencyGraph.DirtyCells()))
	if len(a) != len(b) {
		t.Fatalf("plans differ in depth: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !slices.Equal(a[i].cells, b[i].cells) {
			t.Errorf("wave %d differs", i)
		}
		if !slices.IsSortedFunc(a[i].cells, compareAddresses) {
			t.Errorf("wave %d is not in address order", i)
		}
	}
}

func TestPlanCycleMembers(t *testing.T) {
	s := newSchedulerBook(t, map[string]Primitive{
		"Sheet1!A1": "=C1",
		"Sheet1!B1": "=A1",
		"Sheet1!C1": "=B1",
		"Sheet1!D1": "=C1+1",
	})
	waves := s.plan(s.collect(s.storage.dependencyGraph.DirtyCells()))
	if len(waves) != 2 {
		t.Fatalf("got %d waves, want 2", len(waves))
	}
	if !slices.Equal(waves[0].cycles, []CellAddress{cellAt(0, 0), cellAt(0, 1), cellAt(0, 2)}) || len(waves[0].cells) != 0 {
		t.Errorf("wave 0 = %+v", waves[0])
	}
	if !slices.Equal(waves[1].cells, []CellAddress{cellAt(0, 3)}) {
		t.Errorf("wave 1 = %+v", waves[1])
	}
}

func TestCollectFollowsSpillFootprints(t *testing.T) {
	s := newSchedulerBook(t, map[string]Primitive{
		"Sheet1!A1": "=SEQUENCE(3)",
		"Sheet1!B1": "=A2*2",
	})
	if err := s.Recalculate(); err != nil {
		t.Fatal(err)
	}
	a1, b1 := cellAt(0, 0), cellAt(0, 1)
	if _, ok := s.storage.dependencyGraph.Closure([]CellAddress{a1})[b1]; ok {
		t.Fatalf("B1 reads a spilled cell, not A1")
	}
	if _, ok := s.collect([]CellAddress{a1})[b1]; !ok {
		t.Errorf("collect should reach readers of the anchor's footprint")
	}
	waves := s.plan(s.collect([]CellAddress{a1}))
	if len(waves) != 2 || !slices.Equal(waves[1].cells, []CellAddress{b1}) {
		t.Errorf("B1 must wait for the anchor: %+v", waves)
	}
	got, _ := s.Get("Sheet1!B1")
	if got != 4.0 {
		t.Errorf("B1 = %v, want 4", got)
	}
}

func TestPlanEmpty(t *testing.T) {
	s := newSchedulerBook(t, nil)
	if waves := s.plan(nil); waves != nil {
		t.Errorf("plan(nil) = %v", waves)
	}
}

// a reader that shares a wave with the anchor, and sorts after it, read the
// footprint before the spill landed and must run again in the same pass
func TestReaderInAnchorWaveSeesSpill(t *testing.T) {
	for _, mode := range []struct {
		name string
		run  func(*Spreadsheet) error
	}{
		{"single", (*Spreadsheet).RecalculateSingleThreaded},
		{"multi", (*Spreadsheet).RecalculateMultiThreaded},
	} {
		t.Run(mode.name, func(t *testing.T) {
			s := NewSpreadsheet(WithConfig(Config{Workers: 4, ParallelThreshold: 1}))
			if err := s.AddWorksheet("Sheet1"); err != nil {
				t.Fatal(err)
			}
			for address, value := range map[string]Primitive{
				"Sheet1!A1": "=SEQUENCE(3)",
				"Sheet1!C1": "=A3*2",
			} {
				if err := s.Set(address, value); err != nil {
					t.Fatal(err)
				}
			}
			waves := s.plan(s.collect(s.storage.dependencyGraph.DirtyCells()))
			if len(waves) != 1 || !slices.Equal(waves[0].cells, []CellAddress{cellAt(0, 0), cellAt(0, 2)}) {
				t.Fatalf("A1 and C1 should share the first wave: %+v", waves)
			}

			if err := mode.run(s); err != nil {
				t.Fatal(err)
			}
			if got, _ := s.Get("Sheet1!C1"); got != 6.0 {
				t.Errorf("C1 = %v, want 6", got)
			}
			if s.IsDirty(cellAt(0, 2)) {
				t.Errorf("C1 should be clean after the pass")
			}
		})
	}
}
