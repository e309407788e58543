package spreadsheet

import (
	"slices"
)

// wave is one barrier-delimited step of a pass. cells have no precedent
// inside the wave, so they may be evaluated concurrently. cycles lists the
// members of circular components settled at this level; they commit #CIRC!
// without being evaluated.
type wave struct {
	cells  []CellAddress
	cycles []CellAddress
}

func (w wave) size() int { return len(w.cells) + len(w.cycles) }

// collect returns the formula cells a pass must evaluate: the seeds that
// hold formulas, everything that transitively reads them, and the readers of
// spill footprints owned by anything already collected.
func (s *Spreadsheet) collect(seeds []CellAddress) map[CellAddress]struct{} {
	graph := s.storage.dependencyGraph
	spills := s.storage.spills
	pending := graph.Closure(seeds)

	expanded := make(map[CellAddress]struct{})
	for {
		var queue []CellAddress
		for cell := range pending {
			if _, done := expanded[cell]; !done {
				queue = append(queue, cell)
			}
		}
		if len(queue) == 0 {
			return pending
		}
		slices.SortFunc(queue, compareAddresses)
		for _, anchor := range queue {
			expanded[anchor] = struct{}{}
			r, live := spills.Range(anchor)
			if !live {
				continue
			}
			graph.walkRegion(r, func(a CellAddress) {
				pending[a] = struct{}{}
			})
		}
	}
}

// schedulingGraph is the subgraph induced by the pending cells. predecessor
// lists are sorted and deduplicated so every traversal is deterministic.
type schedulingGraph struct {
	cells []CellAddress // sorted
	index map[CellAddress]int
	preds [][]int
}

func (s *Spreadsheet) inducedGraph(pending map[CellAddress]struct{}) *schedulingGraph {
	g := &schedulingGraph{
		cells: make([]CellAddress, 0, len(pending)),
		index: make(map[CellAddress]int, len(pending)),
	}
	for cell := range pending {
		g.cells = append(g.cells, cell)
	}
	slices.SortFunc(g.cells, compareAddresses)
	bySheet := make(map[uint32][]CellAddress)
	for i, cell := range g.cells {
		g.index[cell] = i
		bySheet[cell.WorksheetID] = append(bySheet[cell.WorksheetID], cell)
	}

	g.preds = make([][]int, len(g.cells))
	for i, cell := range g.cells {
		seen := make(map[int]struct{})
		add := func(a CellAddress) {
			if j, ok := g.index[a]; ok {
				seen[j] = struct{}{}
			}
		}
		s.predecessors(CellKey(cell), bySheet, add, make(map[uint32]struct{}))
		preds := make([]int, 0, len(seen))
		for j := range seen {
			preds = append(preds, j)
		}
		slices.Sort(preds)
		g.preds[i] = preds
	}
	return g
}

// predecessors reports the pending cells a node waits for: the formula or
// spill anchor behind each cell it reads, the formulas and anchors inside
// each range it reads, and, through names, whatever their definitions read.
func (s *Spreadsheet) predecessors(key NodeKey, bySheet map[uint32][]CellAddress, add func(CellAddress), names map[uint32]struct{}) {
	spills := s.storage.spills
	s.storage.dependencyGraph.forEachPrecedent(key, func(p NodeKey) {
		switch p.Kind {
		case NodeCell:
			add(p.Cell)
			if anchor, ok := spills.Owner(p.Cell); ok {
				add(anchor)
			}
		case NodeRange:
			for _, cell := range bySheet[p.Range.WorksheetID] {
				if p.Range.Contains(cell) {
					add(cell)
				}
			}
			for _, anchor := range spills.AnchorsIntersecting(p.Range) {
				add(anchor)
			}
		case NodeName:
			if _, busy := names[p.Name]; busy {
				return
			}
			names[p.Name] = struct{}{}
			s.predecessors(p, bySheet, add, names)
		}
	})
}

// components finds the strongly connected components with an iterative
// Tarjan walk. cyclic marks components with more than one member or a
// self-edge.
func (g *schedulingGraph) components() (comp []int, cyclic []bool) {
	n := len(g.cells)
	const unvisited = -1
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	comp = make([]int, n)
	for i := range index {
		index[i] = unvisited
	}
	var stack []int
	next := 0

	type frame struct{ node, edge int }
	for root := 0; root < n; root++ {
		if index[root] != unvisited {
			continue
		}
		call := []frame{{node: root}}
		index[root], low[root] = next, next
		next++
		stack = append(stack, root)
		onStack[root] = true
		for len(call) > 0 {
			top := &call[len(call)-1]
			v := top.node
			if top.edge < len(g.preds[v]) {
				w := g.preds[v][top.edge]
				top.edge++
				switch {
				case index[w] == unvisited:
					index[w], low[w] = next, next
					next++
					stack = append(stack, w)
					onStack[w] = true
					call = append(call, frame{node: w})
				case onStack[w]:
					low[v] = min(low[v], index[w])
				}
				continue
			}
			if low[v] == index[v] {
				id := len(cyclic)
				size := 0
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp[w] = id
					size++
					if w == v {
						break
					}
				}
				cyclic = append(cyclic, size > 1 || slices.Contains(g.preds[v], v))
			}
			call = call[:len(call)-1]
			if len(call) > 0 {
				parent := call[len(call)-1].node
				low[parent] = min(low[parent], low[v])
			}
		}
	}
	return comp, cyclic
}

// waves orders the pending cells into levels: a cell's level is one past
// the deepest component it reads. circular components are placed at their
// level like any other, so their readers run after them and see #CIRC!.
// within a wave cells are ordered by worksheet, row and column.
func (g *schedulingGraph) waves() []wave {
	comp, cyclic := g.components()
	// Tarjan emits components in reverse topological order of the
	// predecessor relation, so predecessors always have smaller ids
	level := make([]int, len(cyclic))
	members := make([][]int, len(cyclic))
	for v := range g.cells {
		members[comp[v]] = append(members[comp[v]], v)
	}
	depth := 0
	for c := range cyclic {
		l := 0
		for _, v := range members[c] {
			for _, w := range g.preds[v] {
				if comp[w] != c {
					l = max(l, level[comp[w]]+1)
				}
			}
		}
		level[c] = l
		depth = max(depth, l+1)
	}

	result := make([]wave, depth)
	for v, cell := range g.cells {
		c := comp[v]
		if cyclic[c] {
			result[level[c]].cycles = append(result[level[c]].cycles, cell)
		} else {
			result[level[c]].cells = append(result[level[c]].cells, cell)
		}
	}
	return result
}

// plan builds the wave schedule for a set of pending cells
func (s *Spreadsheet) plan(pending map[CellAddress]struct{}) []wave {
	if len(pending) == 0 {
		return nil
	}
	return s.inducedGraph(pending).waves()
}
