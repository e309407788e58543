package spreadsheet

import "slices"

// refCollector gathers the graph precedents of an expression and interns
// the names, worksheets and external workbooks it mentions. each name and
// workbook is interned once per collection, so one formula or name
// definition holds one reference to it.
type refCollector struct {
	book        *Spreadsheet
	worksheetID uint32
	keys        map[NodeKey]struct{}
	nameIDs     map[string]uint32
	bookIDs     map[string]uint32
	sheets      map[uint32]struct{}
}

func (s *Spreadsheet) newRefCollector() *refCollector {
	return &refCollector{
		book:    s,
		keys:    make(map[NodeKey]struct{}),
		nameIDs: make(map[string]uint32),
		bookIDs: make(map[string]uint32),
		sheets:  make(map[uint32]struct{}),
	}
}

// add collects the references of expr as seen from a worksheet
func (rc *refCollector) add(expr Expr, worksheetID uint32) {
	rc.worksheetID = worksheetID
	rc.visit(expr, nil)
}

func (rc *refCollector) visit(expr Expr, bound scopeNames) {
	switch n := expr.(type) {
	case *CellRefExpr:
		rc.keys[CellKey(n.Addr)] = struct{}{}
		rc.sheets[n.Addr.WorksheetID] = struct{}{}
	case *RangeRefExpr:
		rc.keys[RangeKey(n.Range)] = struct{}{}
		rc.sheets[n.Range.WorksheetID] = struct{}{}
	case *SpillRefExpr:
		rc.keys[CellKey(n.Anchor)] = struct{}{}
		rc.sheets[n.Anchor.WorksheetID] = struct{}{}
	case *ExternalRefExpr:
		rc.keys[ExternalKey(n.Ref)] = struct{}{}
		rc.workbook(n.Ref.Workbook)
	case *NameRefExpr:
		if !bound.has(n.Name) {
			rc.name(n.Name)
		}
	case *UnaryExpr:
		rc.visit(n.Operand, bound)
	case *BinaryExpr:
		rc.visit(n.Left, bound)
		rc.visit(n.Right, bound)
	case *ArrayExpr:
		for _, row := range n.Rows {
			for _, item := range row {
				rc.visit(item, bound)
			}
		}
	case *LambdaExpr:
		rc.visit(n.Body, bound.with(n.Params...))
	case *LetExpr:
		scope := bound
		for i, name := range n.Names {
			rc.visit(n.Values[i], scope)
			scope = scope.with(name)
		}
		rc.visit(n.Body, scope)
	case *CallExpr:
		if !bound.has(n.Name) && !isSpecialForm(n.Name) {
			if _, builtin := rc.book.functions.Lookup(n.Name); !builtin {
				// unknown functions may be names defined as LAMBDA
				rc.name(n.Name)
			}
		}
		for _, arg := range n.Args {
			rc.visit(arg, bound)
		}
	}
}

func (rc *refCollector) name(name string) {
	key := foldText(name)
	if _, done := rc.nameIDs[key]; done {
		return
	}
	id := rc.book.storage.names.InternName(name)
	rc.nameIDs[key] = id
	rc.keys[NameKey(id)] = struct{}{}
}

func (rc *refCollector) workbook(name string) {
	key := foldText(name)
	if _, done := rc.bookIDs[key]; done {
		return
	}
	rc.bookIDs[key] = rc.book.storage.externalBooks.Intern(name)
}

// refs returns the collected precedents in key order
func (rc *refCollector) refs() []NodeKey {
	keys := make([]NodeKey, 0, len(rc.keys))
	for key := range rc.keys {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func (rc *refCollector) names() []uint32 {
	return sortedIDs(rc.nameIDs)
}

func (rc *refCollector) workbooks() []uint32 {
	return sortedIDs(rc.bookIDs)
}

func sortedIDs(m map[string]uint32) []uint32 {
	ids := make([]uint32, 0, len(m))
	for _, id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// definitionRefs is what a name's definitions hold references to
type definitionRefs struct {
	names     []uint32
	workbooks []uint32
}

// prepareFormula wires a freshly interned formula: precedents, tracked
// names and workbooks, evaluation strategy and volatility
func (s *Spreadsheet) prepareFormula(id uint32, worksheetID uint32) {
	formulas := s.storage.formulas
	entry := formulas.entry(id)

	rc := s.newRefCollector()
	rc.add(entry.expr, worksheetID)
	for _, nameID := range rc.names() {
		formulas.TrackNameReference(id, nameID)
	}
	for _, bookID := range rc.workbooks() {
		formulas.TrackExternalWorkbook(id, bookID)
	}
	for sheet := range rc.sheets {
		formulas.TrackWorksheetReference(id, sheet)
	}
	formulas.setRefs(id, rc.refs())

	program, ok := Compile(entry.expr, s.functions)
	if !ok {
		program = nil
	}
	formulas.setCompiled(id, program)
	formulas.setVolatile(id, classifyVolatile(s.functions, s.storage.names, entry.expr, worksheetID))
}

// releaseRefs drops the name and workbook references a removed formula or
// replaced name definition held
func (s *Spreadsheet) releaseRefs(names, workbooks []uint32) {
	for _, id := range names {
		s.storage.names.RemoveReference(id)
	}
	for _, id := range workbooks {
		s.storage.externalBooks.RemoveReference(id)
	}
}

// refreshName recomputes the precedents of a name from all of its scoped
// definitions and invalidates its readers
func (s *Spreadsheet) refreshName(id uint32) {
	graph := s.storage.dependencyGraph
	old := s.nameRefs[id]

	if !s.storage.names.IsDefined(id) {
		graph.RemoveName(id)
		delete(s.nameRefs, id)
		s.releaseRefs(old.names, old.workbooks)
		return
	}

	rc := s.newRefCollector()
	s.storage.names.forEachDefinition(id, func(scope uint32, def Expr) {
		rc.add(def, scope)
	})
	graph.SetNamePrecedents(id, rc.refs())
	s.nameRefs[id] = definitionRefs{names: rc.names(), workbooks: rc.workbooks()}
	s.releaseRefs(old.names, old.workbooks)
}

// reclassify recomputes the volatility of every formula. names and
// functions can change what a formula's calls resolve to.
func (s *Spreadsheet) reclassify() {
	formulas := s.storage.formulas
	formulas.forEachEntry(func(id uint32, entry *formulaEntry) {
		cells := formulas.GetCellsUsingFormula(id)
		if len(cells) == 0 {
			return
		}
		volatile := classifyVolatile(s.functions, s.storage.names, entry.expr, cells[0].WorksheetID)
		formulas.setVolatile(id, volatile)
		for _, cell := range cells {
			s.volatility.set(cell, volatile)
		}
	})
}

// recompile re-runs the compiler over every formula after the function
// registry changed
func (s *Spreadsheet) recompile() {
	formulas := s.storage.formulas
	formulas.forEachEntry(func(id uint32, entry *formulaEntry) {
		program, ok := Compile(entry.expr, s.functions)
		if !ok {
			program = nil
		}
		formulas.setCompiled(id, program)
	})
}
