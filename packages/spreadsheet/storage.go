package spreadsheet

// Storage holds references to the shared tables of a workbook
type Storage struct {
	worksheets      *WorksheetTable
	names           *NamedRangeTable
	externalBooks   *StringTable
	formulas        *FormulaTable
	dependencyGraph *DependencyGraph
	spills          *SpillManager
}

func newStorage() *Storage {
	return &Storage{
		worksheets:      NewWorksheetTable(),
		names:           NewNamedRangeTable(),
		externalBooks:   NewStringTable(),
		formulas:        NewFormulaTable(),
		dependencyGraph: NewDependencyGraph(),
		spills:          NewSpillManager(),
	}
}
