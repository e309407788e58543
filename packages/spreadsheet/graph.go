package spreadsheet

import (
	"cmp"
	"slices"
	"strconv"
)

// NodeID addresses a node in the dependency graph arena. 0 is reserved.
type NodeID uint32

// NodeKind distinguishes the endpoints a formula can depend on
type NodeKind uint8

const (
	NodeCell NodeKind = iota + 1
	NodeRange
	NodeName
	NodeExternal
)

// NodeKey identifies a graph node. only the field matching Kind is set.
type NodeKey struct {
	Kind     NodeKind
	Cell     CellAddress
	Range    RangeAddress
	Name     uint32
	External ExternalRef
}

func CellKey(a CellAddress) NodeKey { return NodeKey{Kind: NodeCell, Cell: a} }

func RangeKey(r RangeAddress) NodeKey { return NodeKey{Kind: NodeRange, Range: r} }

func NameKey(id uint32) NodeKey { return NodeKey{Kind: NodeName, Name: id} }

func ExternalKey(r ExternalRef) NodeKey { return NodeKey{Kind: NodeExternal, External: r} }

func (k NodeKey) String() string {
	switch k.Kind {
	case NodeCell:
		return k.Cell.String()
	case NodeRange:
		return k.Range.String()
	case NodeName:
		return "name:" + strconv.FormatUint(uint64(k.Name), 10)
	case NodeExternal:
		return k.External.String()
	}
	return "?"
}

func compareKeys(a, b NodeKey) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	switch a.Kind {
	case NodeCell:
		return compareAddresses(a.Cell, b.Cell)
	case NodeRange:
		if c := compareAddresses(a.Range.Start(), b.Range.Start()); c != 0 {
			return c
		}
		return compareAddresses(a.Range.End(), b.Range.End())
	case NodeName:
		return cmp.Compare(a.Name, b.Name)
	}
	return cmp.Compare(a.External.String(), b.External.String())
}

// DependencyNode is one endpoint in the graph. edges are id sets kept on
// both ends: precedents are what this node reads, dependents read it.
type DependencyNode struct {
	key        NodeKey
	precedents map[NodeID]struct{}
	dependents map[NodeID]struct{}
	owner      bool // precedents come from a formula or a name definition
}

// DependencyGraph tracks which formulas read which cells, ranges, names and
// external endpoints. it never holds cell data; nodes live in an arena and
// refer to each other by ID.
type DependencyGraph struct {
	nodes       []*DependencyNode // arena; nil slots are free
	free        []NodeID
	index       map[NodeKey]NodeID
	sheetRanges map[uint32]map[NodeID]struct{} // worksheet -> range nodes on it
	dirtySet    map[CellAddress]struct{}       // formula cells needing recalculation
}

// NewDependencyGraph creates a new dependency graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:       []*DependencyNode{nil},
		index:       make(map[NodeKey]NodeID),
		sheetRanges: make(map[uint32]map[NodeID]struct{}),
		dirtySet:    make(map[CellAddress]struct{}),
	}
}

func (dg *DependencyGraph) lookup(key NodeKey) (NodeID, bool) {
	id, exists := dg.index[key]
	return id, exists
}

func (dg *DependencyGraph) ensure(key NodeKey) NodeID {
	if id, exists := dg.index[key]; exists {
		return id
	}
	node := &DependencyNode{
		key:        key,
		precedents: make(map[NodeID]struct{}),
		dependents: make(map[NodeID]struct{}),
	}
	var id NodeID
	if n := len(dg.free); n > 0 {
		id = dg.free[n-1]
		dg.free = dg.free[:n-1]
		dg.nodes[id] = node
	} else {
		id = NodeID(len(dg.nodes))
		dg.nodes = append(dg.nodes, node)
	}
	dg.index[key] = id
	if key.Kind == NodeRange {
		sheet := key.Range.WorksheetID
		if dg.sheetRanges[sheet] == nil {
			dg.sheetRanges[sheet] = make(map[NodeID]struct{})
		}
		dg.sheetRanges[sheet][id] = struct{}{}
	}
	return id
}

// release frees a node once nothing refers to it
func (dg *DependencyGraph) release(id NodeID) {
	node := dg.nodes[id]
	if node == nil || node.owner || len(node.precedents) > 0 || len(node.dependents) > 0 {
		return
	}
	delete(dg.index, node.key)
	if node.key.Kind == NodeRange {
		sheet := node.key.Range.WorksheetID
		delete(dg.sheetRanges[sheet], id)
		if len(dg.sheetRanges[sheet]) == 0 {
			delete(dg.sheetRanges, sheet)
		}
	}
	if node.key.Kind == NodeCell {
		delete(dg.dirtySet, node.key.Cell)
	}
	dg.nodes[id] = nil
	dg.free = append(dg.free, id)
}

func (dg *DependencyGraph) clearPrecedents(id NodeID) {
	node := dg.nodes[id]
	old := node.precedents
	node.precedents = make(map[NodeID]struct{})
	for p := range old {
		delete(dg.nodes[p].dependents, id)
		if p != id {
			dg.release(p)
		}
	}
}

// SetPrecedents replaces the outgoing precedent edges of an owner node
func (dg *DependencyGraph) SetPrecedents(owner NodeKey, refs []NodeKey) {
	id := dg.ensure(owner)
	dg.clearPrecedents(id)
	node := dg.nodes[id]
	node.owner = true
	for _, ref := range refs {
		rid := dg.ensure(ref)
		node.precedents[rid] = struct{}{}
		dg.nodes[rid].dependents[id] = struct{}{}
	}
}

// SetFormula records the precedents of a formula cell and marks it and all
// of its transitive dependents dirty.
func (dg *DependencyGraph) SetFormula(cell CellAddress, refs []NodeKey) {
	dg.SetPrecedents(CellKey(cell), refs)
	dg.dirtySet[cell] = struct{}{}
	dg.MarkDependentsDirty(CellKey(cell))
}

// RemoveFormula tears down a formula cell's precedent edges. dependents are
// marked dirty since the cell now reads as its literal or blank.
func (dg *DependencyGraph) RemoveFormula(cell CellAddress) {
	id, exists := dg.lookup(CellKey(cell))
	if !exists {
		return
	}
	dg.clearPrecedents(id)
	dg.nodes[id].owner = false
	delete(dg.dirtySet, cell)
	dg.MarkDependentsDirty(CellKey(cell))
	dg.release(id)
}

// SetNamePrecedents records what a name's definitions read and invalidates
// every formula using the name.
func (dg *DependencyGraph) SetNamePrecedents(nameID uint32, refs []NodeKey) {
	dg.SetPrecedents(NameKey(nameID), refs)
	dg.MarkDependentsDirty(NameKey(nameID))
}

// RemoveName drops a name's definition edges
func (dg *DependencyGraph) RemoveName(nameID uint32) {
	id, exists := dg.lookup(NameKey(nameID))
	if !exists {
		return
	}
	dg.MarkDependentsDirty(NameKey(nameID))
	dg.clearPrecedents(id)
	dg.nodes[id].owner = false
	dg.release(id)
}

// HasFormula reports whether a cell node owns formula edges
func (dg *DependencyGraph) HasFormula(cell CellAddress) bool {
	id, exists := dg.lookup(CellKey(cell))
	return exists && dg.nodes[id].owner
}

// Precedents returns the direct precedents of a node in key order
func (dg *DependencyGraph) Precedents(key NodeKey) []NodeKey {
	id, exists := dg.lookup(key)
	if !exists {
		return nil
	}
	return dg.sortedKeys(dg.nodes[id].precedents)
}

// Dependents returns the direct dependents of a node in key order
func (dg *DependencyGraph) Dependents(key NodeKey) []NodeKey {
	id, exists := dg.lookup(key)
	if !exists {
		return nil
	}
	return dg.sortedKeys(dg.nodes[id].dependents)
}

func (dg *DependencyGraph) sortedKeys(ids map[NodeID]struct{}) []NodeKey {
	keys := make([]NodeKey, 0, len(ids))
	for id := range ids {
		keys = append(keys, dg.nodes[id].key)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// containingRanges returns the range nodes that cover a cell. only ranges on
// the cell's worksheet are examined.
func (dg *DependencyGraph) containingRanges(cell CellAddress) []NodeID {
	var result []NodeID
	for id := range dg.sheetRanges[cell.WorksheetID] {
		if dg.nodes[id].key.Range.Contains(cell) {
			result = append(result, id)
		}
	}
	return result
}

// forEachReader calls fn for every node that reads the given node directly,
// counting ranges that contain a cell as readers of that cell.
func (dg *DependencyGraph) forEachReader(id NodeID, fn func(NodeID)) {
	node := dg.nodes[id]
	for d := range node.dependents {
		fn(d)
	}
	if node.key.Kind == NodeCell {
		for _, r := range dg.containingRanges(node.key.Cell) {
			fn(r)
		}
	}
}

// walkReaders visits formula cells reachable from the start keys through
// range and name indirections. with transitive set, it keeps going past
// formula cells. each reader is visited once.
func (dg *DependencyGraph) walkReaders(starts []NodeKey, transitive bool, visit func(CellAddress)) {
	var queue []NodeID
	seen := make(map[NodeID]struct{})
	push := func(id NodeID) {
		if _, done := seen[id]; !done {
			seen[id] = struct{}{}
			queue = append(queue, id)
		}
	}
	for _, start := range starts {
		if id, exists := dg.lookup(start); exists {
			push(id)
		} else if start.Kind == NodeCell {
			// an untracked cell can still sit inside an observed range
			for _, r := range dg.containingRanges(start.Cell) {
				push(r)
			}
		}
	}
	for i := 0; i < len(queue); i++ {
		dg.forEachReader(queue[i], func(reader NodeID) {
			if _, done := seen[reader]; done {
				return
			}
			seen[reader] = struct{}{}
			node := dg.nodes[reader]
			if node.key.Kind == NodeCell && node.owner {
				visit(node.key.Cell)
				if !transitive {
					return
				}
			}
			queue = append(queue, reader)
		})
	}
}

// CellDependents returns formula cells that read a cell directly or through
// a range or name covering it, in address order.
func (dg *DependencyGraph) CellDependents(cell CellAddress) []CellAddress {
	var result []CellAddress
	dg.walkReaders([]NodeKey{CellKey(cell)}, false, func(a CellAddress) {
		result = append(result, a)
	})
	slices.SortFunc(result, compareAddresses)
	return result
}

// MarkDirty flags a formula cell for recalculation
func (dg *DependencyGraph) MarkDirty(cell CellAddress) {
	if dg.HasFormula(cell) {
		dg.dirtySet[cell] = struct{}{}
	}
}

// MarkDependentsDirty flags every formula that transitively reads the node
func (dg *DependencyGraph) MarkDependentsDirty(key NodeKey) {
	dg.walkReaders([]NodeKey{key}, true, func(a CellAddress) {
		dg.dirtySet[a] = struct{}{}
	})
}

// Closure returns the seeds that hold formulas plus every formula cell that
// transitively reads any seed.
func (dg *DependencyGraph) Closure(seeds []CellAddress) map[CellAddress]struct{} {
	result := make(map[CellAddress]struct{}, len(seeds))
	starts := make([]NodeKey, len(seeds))
	for i, seed := range seeds {
		if dg.HasFormula(seed) {
			result[seed] = struct{}{}
		}
		starts[i] = CellKey(seed)
	}
	dg.walkReaders(starts, true, func(a CellAddress) {
		result[a] = struct{}{}
	})
	return result
}

// IsDirty reports whether a formula cell awaits recalculation
func (dg *DependencyGraph) IsDirty(cell CellAddress) bool {
	_, dirty := dg.dirtySet[cell]
	return dirty
}

// DirtyCells returns the dirty set in address order
func (dg *DependencyGraph) DirtyCells() []CellAddress {
	result := make([]CellAddress, 0, len(dg.dirtySet))
	for cell := range dg.dirtySet {
		result = append(result, cell)
	}
	slices.SortFunc(result, compareAddresses)
	return result
}

// ClearDirty removes a cell from the dirty set
func (dg *DependencyGraph) ClearDirty(cell CellAddress) {
	delete(dg.dirtySet, cell)
}

// Rebase rewrites node keys after a structural edit. nodes whose key maps to
// nothing are detached; nodes that collapse onto the same key are merged.
func (dg *DependencyGraph) Rebase(edit StructuralEdit) {
	index := make(map[NodeKey]NodeID, len(dg.index))
	for id := 1; id < len(dg.nodes); id++ {
		node := dg.nodes[id]
		if node == nil {
			continue
		}
		key, ok := edit.mapKey(node.key)
		if !ok {
			dg.detach(NodeID(id))
			continue
		}
		node.key = key
		if target, exists := index[key]; exists {
			dg.merge(NodeID(id), target)
			continue
		}
		index[key] = NodeID(id)
	}
	dg.index = index

	dg.sheetRanges = make(map[uint32]map[NodeID]struct{})
	for key, id := range index {
		if key.Kind != NodeRange {
			continue
		}
		sheet := key.Range.WorksheetID
		if dg.sheetRanges[sheet] == nil {
			dg.sheetRanges[sheet] = make(map[NodeID]struct{})
		}
		dg.sheetRanges[sheet][id] = struct{}{}
	}
	for _, id := range index {
		dg.release(id)
	}

	dirty := make(map[CellAddress]struct{}, len(dg.dirtySet))
	for cell := range dg.dirtySet {
		if moved, ok := edit.MapCell(cell); ok {
			dirty[moved] = struct{}{}
		}
	}
	dg.dirtySet = dirty
}

func (dg *DependencyGraph) detach(id NodeID) {
	node := dg.nodes[id]
	for p := range node.precedents {
		if p != id {
			delete(dg.nodes[p].dependents, id)
		}
	}
	for d := range node.dependents {
		if d != id {
			delete(dg.nodes[d].precedents, id)
		}
	}
	dg.nodes[id] = nil
	dg.free = append(dg.free, id)
}

func (dg *DependencyGraph) merge(from, into NodeID) {
	src, dst := dg.nodes[from], dg.nodes[into]
	for p := range src.precedents {
		if p == from {
			p = into
		} else {
			delete(dg.nodes[p].dependents, from)
			dg.nodes[p].dependents[into] = struct{}{}
		}
		dst.precedents[p] = struct{}{}
	}
	for d := range src.dependents {
		if d == from {
			d = into
		} else {
			delete(dg.nodes[d].precedents, from)
			dg.nodes[d].precedents[into] = struct{}{}
		}
		dst.dependents[d] = struct{}{}
	}
	dst.owner = dst.owner || src.owner
	dg.nodes[from] = nil
	dg.free = append(dg.free, from)
}

// NodeCount returns the number of live nodes
func (dg *DependencyGraph) NodeCount() int {
	return len(dg.index)
}

// RangeObserverCount returns the number of range nodes
func (dg *DependencyGraph) RangeObserverCount() int {
	total := 0
	for _, ranges := range dg.sheetRanges {
		total += len(ranges)
	}
	return total
}

// forEachPrecedent calls fn with the key of every direct precedent of a
// node, in no particular order
func (dg *DependencyGraph) forEachPrecedent(key NodeKey, fn func(NodeKey)) {
	id, exists := dg.lookup(key)
	if !exists {
		return
	}
	for p := range dg.nodes[id].precedents {
		fn(dg.nodes[p].key)
	}
}

// walkRegion visits formula cells inside r and every formula reading a cell
// of r, directly or through an intersecting range, transitively.
func (dg *DependencyGraph) walkRegion(r RangeAddress, visit func(CellAddress)) {
	var starts []NodeKey
	for key, id := range dg.index {
		switch key.Kind {
		case NodeCell:
			if r.Contains(key.Cell) {
				if dg.nodes[id].owner {
					visit(key.Cell)
				}
				starts = append(starts, key)
			}
		case NodeRange:
			if key.Range.Intersects(r) {
				starts = append(starts, key)
			}
		}
	}
	dg.walkReaders(starts, true, visit)
}

// MarkRegionDirty flags formula cells inside r and everything that reads r
func (dg *DependencyGraph) MarkRegionDirty(r RangeAddress) {
	dg.walkRegion(r, func(a CellAddress) {
		dg.dirtySet[a] = struct{}{}
	})
}
