package spreadsheet

import "slices"

// SpillManager tracks the footprints claimed by dynamic-array results. a
// cell belongs to at most one live footprint; anchors whose claim failed are
// remembered with the footprint they wanted, so clearing a blocker can
// retry them.
type SpillManager struct {
	regions map[CellAddress]RangeAddress // anchor -> live footprint
	owners  map[CellAddress]CellAddress  // covered cell -> anchor, anchors excluded
	blocked map[CellAddress]RangeAddress // anchor -> footprint it could not claim
}

// NewSpillManager creates an empty spill manager
func NewSpillManager() *SpillManager {
	return &SpillManager{
		regions: make(map[CellAddress]RangeAddress),
		owners:  make(map[CellAddress]CellAddress),
		blocked: make(map[CellAddress]RangeAddress),
	}
}

// Range returns the live footprint of an anchor
func (sm *SpillManager) Range(anchor CellAddress) (RangeAddress, bool) {
	r, ok := sm.regions[anchor]
	return r, ok
}

// Owner returns the anchor whose footprint covers a non-anchor cell
func (sm *SpillManager) Owner(cell CellAddress) (CellAddress, bool) {
	anchor, ok := sm.owners[cell]
	return anchor, ok
}

// IsBlocked reports whether the anchor's last claim failed
func (sm *SpillManager) IsBlocked(anchor CellAddress) bool {
	_, ok := sm.blocked[anchor]
	return ok
}

// CommitSpill claims a rows x cols footprint whose top-left cell is the
// anchor. the claim fails when the footprint leaves the grid, overlaps
// another anchor's live footprint, or covers a cell for which occupied
// returns true. a failed claim releases the anchor's previous footprint.
// vacated lists covered cells the anchor no longer owns.
func (sm *SpillManager) CommitSpill(anchor CellAddress, rows, cols int, occupied func(CellAddress) bool) (vacated []CellAddress, ok bool) {
	end := uint64(anchor.Row) + uint64(rows) - 1
	endCol := uint64(anchor.Column) + uint64(cols) - 1
	target := RangeAddress{
		WorksheetID: anchor.WorksheetID,
		StartRow:    anchor.Row,
		StartColumn: anchor.Column,
		EndRow:      uint32(min(end, uint64(MaxRows-1))),
		EndColumn:   uint32(min(endCol, uint64(MaxColumns-1))),
	}
	fits := end < uint64(MaxRows) && endCol < uint64(MaxColumns)
	if fits {
		for cell := range target.Cells() {
			if cell == anchor {
				continue
			}
			if owner, claimed := sm.owners[cell]; claimed && owner != anchor {
				fits = false
				break
			}
			if occupied(cell) {
				fits = false
				break
			}
		}
	}
	if !fits {
		vacated = sm.Release(anchor)
		sm.blocked[anchor] = target
		return vacated, false
	}

	if old, had := sm.regions[anchor]; had {
		for cell := range old.Cells() {
			if cell != anchor && !target.Contains(cell) {
				delete(sm.owners, cell)
				vacated = append(vacated, cell)
			}
		}
	}
	for cell := range target.Cells() {
		if cell != anchor {
			sm.owners[cell] = anchor
		}
	}
	sm.regions[anchor] = target
	delete(sm.blocked, anchor)
	return vacated, true
}

// Release drops the anchor's footprint and blocked claim. returns the covered
// cells that are no longer owned.
func (sm *SpillManager) Release(anchor CellAddress) []CellAddress {
	delete(sm.blocked, anchor)
	old, had := sm.regions[anchor]
	if !had {
		return nil
	}
	var vacated []CellAddress
	for cell := range old.Cells() {
		if cell != anchor {
			delete(sm.owners, cell)
			vacated = append(vacated, cell)
		}
	}
	delete(sm.regions, anchor)
	return vacated
}

// BlockedBy returns anchors whose failed claim covers the cell, in address
// order
func (sm *SpillManager) BlockedBy(cell CellAddress) []CellAddress {
	var result []CellAddress
	for anchor, wanted := range sm.blocked {
		if wanted.Contains(cell) {
			result = append(result, anchor)
		}
	}
	slices.SortFunc(result, compareAddresses)
	return result
}

// AnchorsIntersecting returns anchors whose live footprint shares a cell
// with r, in address order
func (sm *SpillManager) AnchorsIntersecting(r RangeAddress) []CellAddress {
	var result []CellAddress
	for anchor, region := range sm.regions {
		if region.Intersects(r) {
			result = append(result, anchor)
		}
	}
	slices.SortFunc(result, compareAddresses)
	return result
}

// Anchors returns every anchor holding a live footprint or a blocked claim on
// a worksheet, in address order
func (sm *SpillManager) Anchors(worksheetID uint32) []CellAddress {
	var result []CellAddress
	for anchor := range sm.regions {
		if anchor.WorksheetID == worksheetID {
			result = append(result, anchor)
		}
	}
	for anchor := range sm.blocked {
		if anchor.WorksheetID == worksheetID {
			if _, live := sm.regions[anchor]; !live {
				result = append(result, anchor)
			}
		}
	}
	slices.SortFunc(result, compareAddresses)
	return result
}

// Count returns the number of live footprints
func (sm *SpillManager) Count() int {
	return len(sm.regions)
}
