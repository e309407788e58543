package spreadsheet

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// dispatchMode selects how the cells of a wave are evaluated
type dispatchMode uint8

const (
	modeAuto dispatchMode = iota
	modeSingle
	modeMulti
)

func (m dispatchMode) String() string {
	switch m {
	case modeSingle:
		return "single"
	case modeMulti:
		return "multi"
	}
	return "auto"
}

// Recalculate runs one recalculation pass, choosing the worker pool when
// the pass is large enough to benefit from it
func (s *Spreadsheet) Recalculate() error {
	return s.recalculate(context.Background(), modeAuto, 0)
}

// Calculate is an alias of Recalculate
func (s *Spreadsheet) Calculate() error {
	return s.Recalculate()
}

// RecalculateContext is Recalculate with a caller deadline. the deadline is
// only checked before a wave is dispatched; waves committed before it
// expired stay valid and the remaining cells stay dirty.
func (s *Spreadsheet) RecalculateContext(ctx context.Context) error {
	return s.recalculate(ctx, modeAuto, 0)
}

// RecalculateSingleThreaded evaluates every wave sequentially on the
// calling goroutine
func (s *Spreadsheet) RecalculateSingleThreaded() error {
	return s.recalculate(context.Background(), modeSingle, 1)
}

// RecalculateMultiThreaded evaluates each wave on the configured worker
// pool. results are identical to RecalculateSingleThreaded.
func (s *Spreadsheet) RecalculateMultiThreaded() error {
	return s.recalculate(context.Background(), modeMulti, 0)
}

// passState is the mutable bookkeeping of one pass. only the committing
// goroutine touches it.
type passState struct {
	book      *Spreadsheet
	ectx      *EvaluationContext
	mode      dispatchMode
	workers   int
	pending   map[CellAddress]struct{} // cells of the current round
	evaluated map[CellAddress]struct{} // cells committed in the current round
	next      map[CellAddress]struct{} // follow-up round
	cells     int
	waves     int
	cycles    int
}

func (s *Spreadsheet) recalculate(ctx context.Context, mode dispatchMode, workers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.PassDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PassDeadline)
		defer cancel()
	}

	graph := s.storage.dependencyGraph
	seeds := graph.DirtyCells()
	seeds = append(seeds, s.volatility.Cells()...)
	pending := s.collect(seeds)

	if workers <= 0 {
		workers = s.config.Workers
	}
	if mode == modeAuto {
		mode = modeSingle
		if workers > 1 && len(pending) >= s.config.ParallelThreshold {
			mode = modeMulti
		}
	}

	s.passes++
	started := time.Now()
	p := &passState{
		book:    s,
		ectx:    newEvaluationContext(s.passes, s.clock.Now(), passSeed(s.seed, s.passes), s.provider),
		mode:    mode,
		workers: max(workers, 1),
	}

	rounds := 0
	for len(pending) > 0 {
		rounds++
		if rounds > s.config.MaxSettleRounds {
			leftovers := sortedCells(pending)
			s.logger.Warn("spill settlement did not converge",
				"pass", s.passes, "rounds", s.config.MaxSettleRounds, "cells", len(leftovers))
			for _, cell := range leftovers {
				p.commit(cell, ErrorValue(ErrorCodeCircular))
			}
			break
		}
		if err := p.round(ctx, pending); err != nil {
			s.logger.Warn("recalculation aborted",
				"pass", s.passes, "round", rounds, "cells", p.cells, "error", err)
			return chainError(DeadlineExceeded, err, fmt.Sprintf("recalculation pass %d aborted", s.passes))
		}
		pending = p.next
	}

	s.logger.Debug("recalculation pass",
		"pass", s.passes,
		"mode", mode.String(),
		"workers", p.workers,
		"cells", p.cells,
		"waves", p.waves,
		"rounds", rounds,
		"cycles", p.cycles,
		"duration", time.Since(started))
	return nil
}

// round evaluates one schedule. on a deadline the unevaluated cells of the
// round are left dirty.
func (p *passState) round(ctx context.Context, pending map[CellAddress]struct{}) error {
	p.pending = pending
	p.evaluated = make(map[CellAddress]struct{}, len(pending))
	p.next = make(map[CellAddress]struct{})

	waves := p.book.plan(pending)
	for i, w := range waves {
		if err := ctx.Err(); err != nil {
			graph := p.book.storage.dependencyGraph
			for _, rest := range waves[i:] {
				for _, cell := range rest.cells {
					graph.MarkDirty(cell)
				}
				for _, cell := range rest.cycles {
					graph.MarkDirty(cell)
				}
			}
			for cell := range p.next {
				graph.MarkDirty(cell)
			}
			return err
		}
		if len(w.cycles) > 0 {
			p.cycles += len(w.cycles)
			p.book.logger.Debug("circular reference", "pass", p.ectx.pass, "cells", len(w.cycles), "first", w.cycles[0].String())
		}
		results := p.dispatch(w.cells)
		// the whole wave read the footprints as they stood before any of
		// its commits, so every member counts as evaluated
		for _, cell := range w.cells {
			p.evaluated[cell] = struct{}{}
		}
		for j, cell := range w.cells {
			p.commit(cell, results[j])
		}
		for _, cell := range w.cycles {
			p.commit(cell, ErrorValue(ErrorCodeCircular))
		}
		p.waves++
	}
	return nil
}

// dispatch evaluates the cells of one wave. every result lands in its own
// slot, so workers never share a write target.
func (p *passState) dispatch(cells []CellAddress) []Value {
	results := make([]Value, len(cells))
	if p.mode != modeMulti || p.workers == 1 || len(cells) < 2 {
		for i, cell := range cells {
			results[i] = p.book.evaluate(p.ectx, cell)
		}
		return results
	}

	chunk := max(1, len(cells)/(p.workers*4))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for start := 0; start < len(cells); start += chunk {
		end := min(start+chunk, len(cells))
		g.Go(func() error {
			for i := start; i < end; i++ {
				results[i] = p.book.evaluate(p.ectx, cells[i])
			}
			return nil
		})
	}
	// workers never fail; per-cell failures are error values
	g.Wait()
	return results
}

// evaluate computes one formula cell. panics from function implementations
// become #VALUE! for that cell only.
func (s *Spreadsheet) evaluate(ectx *EvaluationContext, cell CellAddress) (result Value) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("recovered panic during evaluation",
				"cell", cell.String(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result = ErrorValue(ErrorCodeValue)
		}
	}()

	id, ok := s.storage.formulas.GetFormulaAtCell(cell)
	if !ok {
		return Blank()
	}
	entry := s.storage.formulas.entry(id)
	frame := newEvalFrame(s, ectx, cell)
	var raw Value
	if entry.strategy == strategyBytecode {
		raw = entry.program.run(frame)
	} else {
		raw = frame.eval(entry.expr)
	}
	return frame.finish(raw)
}

// commit stores a finished result. array results claim a spill footprint;
// cells whose view of a footprint may now be stale go to a follow-up round.
func (p *passState) commit(cell CellAddress, v Value) {
	s := p.book
	p.cells++
	p.evaluated[cell] = struct{}{}
	s.storage.dependencyGraph.ClearDirty(cell)

	ws, ok := s.storage.worksheets.GetWorksheet(cell.WorksheetID)
	if !ok {
		return
	}
	c := ws.GetCell(cell.Row, cell.Column)
	if !c.HasFormula() {
		return
	}
	spills := s.storage.spills
	old, hadRegion := spills.Range(cell)

	if v.Kind != KindArray {
		c.Result = v
		if hadRegion || spills.IsBlocked(cell) {
			p.vacate(ws, cell, spills.Release(cell))
		}
		if hadRegion {
			p.regionChanged(cell, old)
		}
		return
	}

	arr := v.arr
	occupied := func(a CellAddress) bool {
		return ws.GetCell(a.Row, a.Column).userOwned()
	}
	vacated, claimed := spills.CommitSpill(cell, arr.Rows, arr.Cols, occupied)
	if !claimed {
		s.logger.Debug("spill blocked", "anchor", cell.String(), "rows", arr.Rows, "cols", arr.Cols)
		c.Result = ErrorValue(ErrorCodeSpill)
		p.vacate(ws, cell, vacated)
		if hadRegion {
			p.regionChanged(cell, old)
		}
		return
	}

	changed := !hadRegion || !Identical(c.Result, v)
	c.Result = v
	region, _ := spills.Range(cell)
	for r := 0; r < arr.Rows; r++ {
		for col := 0; col < arr.Cols; col++ {
			if r == 0 && col == 0 {
				continue
			}
			target := ws.ensureCell(cell.Row+uint32(r), cell.Column+uint32(col))
			target.Spilled = true
			target.Literal = Blank()
			target.Result = arr.At(r, col)
		}
	}
	p.vacate(ws, cell, vacated)
	if changed || len(vacated) > 0 || region != old {
		p.regionChanged(cell, region)
		if hadRegion && region != old {
			p.regionChanged(cell, old)
		}
	}
}

// vacate clears cells an anchor no longer owns and retries anchors they
// were blocking
func (p *passState) vacate(ws *Worksheet, anchor CellAddress, cells []CellAddress) {
	spills := p.book.storage.spills
	for _, cell := range cells {
		if c := ws.GetCell(cell.Row, cell.Column); c != nil && c.Spilled {
			ws.RemoveCell(cell.Row, cell.Column)
		}
		for _, blocked := range spills.BlockedBy(cell) {
			if blocked != anchor {
				p.followUp(blocked)
			}
		}
	}
}

// regionChanged queues readers of an anchor's footprint that already ran
// this round or were never part of it
func (p *passState) regionChanged(anchor CellAddress, r RangeAddress) {
	p.book.storage.dependencyGraph.walkRegion(r, func(cell CellAddress) {
		if cell != anchor {
			p.followUp(cell)
		}
	})
}

func (p *passState) followUp(cell CellAddress) {
	_, inRound := p.pending[cell]
	_, done := p.evaluated[cell]
	if done || !inRound {
		p.next[cell] = struct{}{}
	}
}

func sortedCells(set map[CellAddress]struct{}) []CellAddress {
	cells := make([]CellAddress, 0, len(set))
	for cell := range set {
		cells = append(cells, cell)
	}
	slices.SortFunc(cells, compareAddresses)
	return cells
}
