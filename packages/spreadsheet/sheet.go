package spreadsheet

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
)

// AppErrorCode represents gRPC-style error codes for application-level errors.
// note that we are skipping error codes that don't make sense for our use-case,
// like unauthenticated, or permission denied.
type AppErrorCode int

const (
	// OK indicates the operation completed successfully.
	OK AppErrorCode = 0

	// Unknown error. Errors raised by APIs that do not return enough error
	// information may be converted to this error.
	Unknown AppErrorCode = 2

	// InvalidArgument indicates client specified an invalid argument.
	InvalidArgument AppErrorCode = 3

	// DeadlineExceeded means a recalculation pass ran out of time before it
	// could finish. cells it did not reach stay dirty.
	DeadlineExceeded AppErrorCode = 4

	// NotFound means some requested entity (e.g., worksheet or named range)
	// was not found.
	NotFound AppErrorCode = 5

	// AlreadyExists means an attempt to create an entity failed because one
	// already exists.
	AlreadyExists AppErrorCode = 6

	// ResourceExhausted indicates some resource has been exhausted, perhaps
	// a per-user quota, or perhaps the entire file system is out of space.
	ResourceExhausted AppErrorCode = 8

	// FailedPrecondition indicates operation was rejected because the
	// system is not in a state required for the operation's execution.
	FailedPrecondition AppErrorCode = 9

	// OutOfRange means operation was attempted past the valid range.
	OutOfRange AppErrorCode = 11

	// Unimplemented indicates operation is not implemented or not
	// supported/enabled in this service.
	Unimplemented AppErrorCode = 12

	// Internal errors. Means some invariants expected by underlying
	// system has been broken.
	Internal AppErrorCode = 13
)

// AppError represents errors at the application level (not
// spreadsheet formula errors)
type AppError struct {
	Code    AppErrorCode
	Message string
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the error that caused this one, if any
func (e *AppError) Unwrap() error {
	return e.cause
}

// NewApplicationError creates a new application error
func NewApplicationError(code AppErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// chainError wraps a lower-level error with an application code
func chainError(code AppErrorCode, cause error, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Spreadsheet is the main spreadsheet class that combines storage, parsing,
// dependency tracking, and formula evaluation into a unified API. edits and
// recalculation passes are serialized; reads may run concurrently with each
// other.
type Spreadsheet struct {
	mu          sync.RWMutex
	storage     *Storage
	functions   *FunctionRegistry
	volatility  *VolatilityTracker
	config      Config
	logger      *slog.Logger
	clock       Clock
	provider    ExternalValueProvider
	seed        uint64
	passes      uint64
	nameRefs    map[uint32]definitionRefs
	subscribers map[int]RebaseSubscriber
	nextSub     int
}

// Option configures a Spreadsheet at construction
type Option func(*Spreadsheet)

// WithConfig replaces the engine configuration. unset fields keep their
// defaults.
func WithConfig(c Config) Option {
	return func(s *Spreadsheet) {
		s.config = c.withDefaults()
	}
}

// WithLogger routes engine logs to logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spreadsheet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock NOW and TODAY read at the start of each pass
func WithClock(clock Clock) Option {
	return func(s *Spreadsheet) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithExternalProvider sets the source of values for [workbook]sheet
// references. without one every external reference is #REF!.
func WithExternalProvider(provider ExternalValueProvider) Option {
	return func(s *Spreadsheet) {
		s.provider = provider
	}
}

// WithFunctions adds or replaces functions in the engine's library
func WithFunctions(fns ...*Function) Option {
	return func(s *Spreadsheet) {
		for _, fn := range fns {
			s.functions.Register(fn)
		}
	}
}

// NewSpreadsheet creates a new spreadsheet instance with no worksheets
func NewSpreadsheet(opts ...Option) *Spreadsheet {
	s := &Spreadsheet{
		storage:     newStorage(),
		functions:   NewFunctionRegistry(),
		volatility:  NewVolatilityTracker(),
		config:      DefaultConfig(),
		logger:      slog.New(slog.DiscardHandler),
		clock:       &WallClock{},
		nameRefs:    make(map[uint32]definitionRefs),
		subscribers: make(map[int]RebaseSubscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seed = s.config.Seed
	if s.seed == 0 {
		s.seed = rand.Uint64()
	}
	return s
}

// splitSheet separates "Sheet1!A1" into its worksheet and local parts
func splitSheet(address string) (sheet, local string, qualified bool) {
	bang := strings.LastIndex(address, "!")
	if bang < 0 {
		return "", address, false
	}
	return unquoteSheet(address[:bang]), address[bang+1:], true
}

// resolveAddress parses a cell address and resolves it to a worksheet ID,
// row, and column. unknown worksheets resolve to ID 0; unqualified
// addresses use the first worksheet.
func (s *Spreadsheet) resolveAddress(address string) (CellAddress, error) {
	sheet, local, qualified := splitSheet(strings.TrimSpace(address))
	row, col, ok := parseA1(local)
	if !ok {
		return CellAddress{}, NewApplicationError(InvalidArgument, fmt.Sprintf("Invalid address: %q", address))
	}
	return CellAddress{WorksheetID: s.worksheetFor(sheet, qualified), Row: row, Column: col}, nil
}

// resolveRange parses "Sheet1!A1:B2" (or a single cell) into a range
func (s *Spreadsheet) resolveRange(address string) (RangeAddress, error) {
	sheet, local, qualified := splitSheet(strings.TrimSpace(address))
	area, ok := parseArea(local, s.worksheetFor(sheet, qualified))
	if !ok {
		return RangeAddress{}, NewApplicationError(InvalidArgument, fmt.Sprintf("Invalid range: %q", address))
	}
	switch a := area.(type) {
	case *CellRefExpr:
		return CellRangeOf(a.Addr), nil
	case *RangeRefExpr:
		return a.Range, nil
	}
	return RangeAddress{}, NewApplicationError(InvalidArgument, fmt.Sprintf("Invalid range: %q", address))
}

func (s *Spreadsheet) worksheetFor(sheet string, qualified bool) uint32 {
	if !qualified {
		id, _ := s.storage.worksheets.firstDefined()
		return id
	}
	id, _ := s.storage.worksheets.GetWorksheetID(sheet)
	return id
}

// Address resolves "Sheet1!B2" to a CellAddress
func (s *Spreadsheet) Address(address string) (CellAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveAddress(address)
}

// Range resolves "Sheet1!A1:B2" to a RangeAddress
func (s *Spreadsheet) Range(address string) (RangeAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveRange(address)
}

// editableWorksheet returns the storage of a defined worksheet
func (s *Spreadsheet) editableWorksheet(id uint32) (*Worksheet, error) {
	ws, ok := s.storage.worksheets.GetWorksheet(id)
	if !ok {
		return nil, NewApplicationError(NotFound, "Worksheet not found")
	}
	return ws, nil
}

// parse lowers formula text on a worksheet. sheet names the formula
// mentions are interned, so they resolve once the worksheet is added.
func (s *Spreadsheet) parse(text string, worksheetID uint32) (Expr, error) {
	return ParseFormula(text, &ParserContext{
		CurrentWorksheetID: worksheetID,
		ResolveWorksheet:   s.storage.worksheets.InternWorksheet,
	})
}

type SpreadsheetInterface interface {
	// cell methods

	Get(address string) (Primitive, error)
	Set(address string, value Primitive) error
	Remove(address string) error

	// worksheet methods

	AddWorksheet(name string) error
	RemoveWorksheet(name string) error
	RenameWorksheet(oldName string, newName string) error
	DoesWorksheetExist(name string) bool
	ListWorksheets() []string
	ListReferencedWorksheets() []string

	// named range methods

	DefineNameFormula(name, scope, formula string) error
	RemoveName(name, scope string) error
	RenameName(oldName, newName string) error
	DoesNamedRangeExist(name string) bool
	ListNamedRanges() []string
	ListReferencedNamedRanges() []string

	// common methods

	Calculate() error
}

// Implementation of SpreadsheetInterface

var _ SpreadsheetInterface = (*Spreadsheet)(nil)

// valueAt reads the value a reference to a cell observes: a formula's
// cached result (the top-left element for spilling anchors), a spilled
// element, or the literal. cells on removed worksheets read as #REF!.
func (s *Spreadsheet) valueAt(a CellAddress) Value {
	ws, ok := s.storage.worksheets.GetWorksheet(a.WorksheetID)
	if !ok {
		return ErrorValue(ErrorCodeRef)
	}
	c := ws.GetCell(a.Row, a.Column)
	switch {
	case c == nil:
		return Blank()
	case c.HasFormula():
		return topLeft(c.Result)
	case c.Spilled:
		return c.Result
	}
	return c.Literal
}

// Get retrieves the value of a cell
func (s *Spreadsheet) Get(address string) (Primitive, error) {
	v, err := s.GetValue(address)
	if err != nil {
		return nil, err
	}
	return v.Primitive(), nil
}

// GetValue retrieves the value of a cell as a Value. a worksheet that was
// never known reads as #VALUE!.
func (s *Spreadsheet) GetValue(address string) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, err := s.resolveAddress(address)
	if err != nil {
		return Value{}, err
	}
	if addr.WorksheetID == 0 {
		return ErrorValue(ErrorCodeValue), nil
	}
	return s.valueAt(addr), nil
}

// Set sets the value of a cell. text starting with "=" is a formula;
// formulas that fail to parse evaluate to #VALUE!. nil clears the cell.
func (s *Spreadsheet) Set(address string, value Primitive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, err := s.resolveAddress(address)
	if err != nil {
		return err
	}
	ws, err := s.editableWorksheet(addr.WorksheetID)
	if err != nil {
		return err
	}

	if text, ok := value.(string); ok && strings.HasPrefix(text, "=") {
		expr, err := s.parse(text, addr.WorksheetID)
		if err != nil {
			s.logger.Debug("formula did not parse", "cell", address, "error", err)
			expr = &ErrorExpr{Code: ErrorCodeValue}
		}
		s.setFormulaLocked(ws, addr, expr)
		return nil
	}
	return s.setValueLocked(ws, addr, ValueOf(value))
}

// SetValue stores a literal value
func (s *Spreadsheet) SetValue(cell CellAddress, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, err := s.editableWorksheet(cell.WorksheetID)
	if err != nil {
		return err
	}
	return s.setValueLocked(ws, cell, v)
}

// SetFormula stores an already lowered expression. the expression is owned
// by the workbook afterwards.
func (s *Spreadsheet) SetFormula(cell CellAddress, expr Expr) error {
	if expr == nil {
		return NewApplicationError(InvalidArgument, "formula expression is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, err := s.editableWorksheet(cell.WorksheetID)
	if err != nil {
		return err
	}
	s.setFormulaLocked(ws, cell, expr)
	return nil
}

func (s *Spreadsheet) setValueLocked(ws *Worksheet, addr CellAddress, v Value) error {
	switch v.Kind {
	case KindBlank:
		s.removeLocked(ws, addr)
		return nil
	case KindArray, KindReference:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("cannot store a %s as a literal", v.Kind))
	}
	s.clearCell(ws, addr)
	c := ws.ensureCell(addr.Row, addr.Column)
	c.Literal = v
	s.storage.dependencyGraph.MarkDependentsDirty(CellKey(addr))
	return nil
}

func (s *Spreadsheet) setFormulaLocked(ws *Worksheet, addr CellAddress, expr Expr) {
	s.clearCell(ws, addr)
	assignSites(expr)

	formulas := s.storage.formulas
	id, fresh := formulas.InternFormula(expr, addr)
	if fresh {
		s.prepareFormula(id, addr.WorksheetID)
	}
	entry := formulas.entry(id)

	c := ws.ensureCell(addr.Row, addr.Column)
	c.FormulaID = id
	c.Literal = Blank()
	c.Result = Blank()
	s.storage.dependencyGraph.SetFormula(addr, entry.refs)
	s.volatility.set(addr, entry.volatile)
}

// clearCell empties a cell's user content ahead of a new write. writing
// into a spill footprint takes the cell back from the anchor, which is
// re-evaluated so it can report the collision.
func (s *Spreadsheet) clearCell(ws *Worksheet, addr CellAddress) {
	c := ws.GetCell(addr.Row, addr.Column)
	if c == nil {
		return
	}
	if c.HasFormula() {
		s.clearFormula(ws, addr, c)
	}
	if c.Spilled {
		if anchor, ok := s.storage.spills.Owner(addr); ok {
			s.storage.dependencyGraph.MarkDirty(anchor)
		}
		c.Spilled = false
		c.Result = Blank()
	}
	c.Literal = Blank()
}

// clearFormula detaches a formula from a cell: its spill footprint, graph
// edges, volatility and formula table reference
func (s *Spreadsheet) clearFormula(ws *Worksheet, addr CellAddress, c *Cell) {
	graph := s.storage.dependencyGraph
	spills := s.storage.spills

	region, live := spills.Range(addr)
	vacated := spills.Release(addr)
	for _, cell := range vacated {
		if sc := ws.GetCell(cell.Row, cell.Column); sc != nil && sc.Spilled {
			ws.RemoveCell(cell.Row, cell.Column)
		}
	}
	if live {
		graph.MarkRegionDirty(region)
	}
	for _, cell := range vacated {
		for _, anchor := range spills.BlockedBy(cell) {
			graph.MarkDirty(anchor)
		}
	}

	graph.RemoveFormula(addr)
	s.volatility.remove(addr)
	if removed, names, workbooks := s.storage.formulas.RemoveCellReference(c.FormulaID, addr); removed {
		s.releaseRefs(names, workbooks)
	}
	c.FormulaID = 0
	c.Result = Blank()
}

// Remove removes a cell. cells owned by a spill footprint are left alone.
func (s *Spreadsheet) Remove(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, err := s.resolveAddress(address)
	if err != nil {
		return err
	}

	// handle unknown worksheet (ID = 0)
	ws, ok := s.storage.worksheets.GetWorksheet(addr.WorksheetID)
	if !ok {
		return nil // nothing to remove
	}
	s.removeLocked(ws, addr)
	return nil
}

func (s *Spreadsheet) removeLocked(ws *Worksheet, addr CellAddress) {
	c := ws.GetCell(addr.Row, addr.Column)
	if c == nil || (c.Spilled && !c.userOwned()) {
		return
	}
	s.clearCell(ws, addr)
	ws.RemoveCell(addr.Row, addr.Column)

	graph := s.storage.dependencyGraph
	graph.MarkDependentsDirty(CellKey(addr))
	for _, anchor := range s.storage.spills.BlockedBy(addr) {
		graph.MarkDirty(anchor)
	}
}

// Clear removes every user-entered cell in a range such as "Sheet1!A1:C9"
func (s *Spreadsheet) Clear(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.resolveRange(address)
	if err != nil {
		return err
	}
	ws, err := s.editableWorksheet(r.WorksheetID)
	if err != nil {
		return err
	}
	for _, c := range ws.cells() {
		addr := CellAddress{WorksheetID: r.WorksheetID, Row: c.Row, Column: c.Col}
		if r.Contains(addr) {
			s.removeLocked(ws, addr)
		}
	}
	return nil
}

// invalidWorksheetChars are rejected in worksheet names
const invalidWorksheetChars = `[]*?/\:`

// AddWorksheet adds a new worksheet. formulas that already referred to the
// name start resolving against it.
func (s *Spreadsheet) AddWorksheet(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, invalidWorksheetChars) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("Invalid worksheet name: %q", name))
	}
	worksheets := s.storage.worksheets
	if id, exists := worksheets.GetWorksheetID(name); exists && worksheets.IsWorksheetDefined(id) {
		return NewApplicationError(AlreadyExists, "Worksheet already exists")
	}

	_, id := worksheets.DefineWorksheet(name)
	graph := s.storage.dependencyGraph
	for _, cell := range s.storage.formulas.GetCellsReferencingWorksheet(id) {
		graph.MarkDirty(cell)
	}
	return nil
}

// RemoveWorksheet removes a worksheet. references to it read as #REF!.
func (s *Spreadsheet) RemoveWorksheet(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	worksheets := s.storage.worksheets
	id, exists := worksheets.GetWorksheetID(name)
	if !exists || !worksheets.IsWorksheetDefined(id) {
		return NewApplicationError(NotFound, "Worksheet not found")
	}
	ws, _ := worksheets.GetWorksheet(id)
	graph := s.storage.dependencyGraph

	// readers elsewhere see the sheet go away
	graph.MarkRegionDirty(RangeAddress{WorksheetID: id, EndRow: MaxRows - 1, EndColumn: MaxColumns - 1})
	for _, cell := range s.storage.formulas.GetCellsReferencingWorksheet(id) {
		graph.MarkDirty(cell)
	}

	for _, cell := range s.storage.formulas.FormulaCells() {
		if cell.WorksheetID == id {
			s.clearFormula(ws, cell, ws.GetCell(cell.Row, cell.Column))
		}
	}
	for _, anchor := range s.storage.spills.Anchors(id) {
		s.storage.spills.Release(anchor)
	}
	worksheets.UndefineWorksheet(name)

	for _, nameID := range s.storage.names.removeScope(id) {
		s.refreshName(nameID)
	}
	s.reclassify()
	return nil
}

// RenameWorksheet renames a worksheet. formulas refer to worksheets by ID,
// so they follow the rename.
func (s *Spreadsheet) RenameWorksheet(oldName string, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	worksheets := s.storage.worksheets
	id, exists := worksheets.GetWorksheetID(oldName)
	if !exists || !worksheets.IsWorksheetDefined(id) {
		return NewApplicationError(NotFound, "Worksheet not found")
	}
	if strings.TrimSpace(newName) == "" || strings.ContainsAny(newName, invalidWorksheetChars) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("Invalid worksheet name: %q", newName))
	}
	if other, taken := worksheets.GetWorksheetID(newName); taken && other != id && worksheets.IsWorksheetDefined(other) {
		return NewApplicationError(AlreadyExists, "Worksheet name already exists")
	}
	worksheets.RenameWorksheet(id, newName)
	return nil
}

// DoesWorksheetExist checks if a worksheet exists
func (s *Spreadsheet) DoesWorksheetExist(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, exists := s.storage.worksheets.GetWorksheetID(name)
	return exists && s.storage.worksheets.IsWorksheetDefined(id)
}

// ListWorksheets returns all defined worksheet names in creation order
func (s *Spreadsheet) ListWorksheets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.worksheets.DefinedNames()
}

// ListReferencedWorksheets returns all referenced but undefined worksheet names
func (s *Spreadsheet) ListReferencedWorksheets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.worksheets.UndefinedNames()
}

// nameScope resolves a scope argument: "" is the workbook, anything else a
// defined worksheet
func (s *Spreadsheet) nameScope(scope string) (uint32, error) {
	if scope == "" {
		return 0, nil
	}
	id, exists := s.storage.worksheets.GetWorksheetID(scope)
	if !exists || !s.storage.worksheets.IsWorksheetDefined(id) {
		return 0, NewApplicationError(NotFound, fmt.Sprintf("Worksheet not found: %q", scope))
	}
	return id, nil
}

// validName rejects text that would read as something other than a name
func validName(name string) bool {
	if !isIdentifier(name) {
		return false
	}
	if _, _, isCell := parseA1(name); isCell {
		return false
	}
	switch strings.ToUpper(name) {
	case "TRUE", "FALSE":
		return false
	}
	return true
}

// DefineName defines or redefines a name in a scope. scope is a worksheet
// name, or "" for the whole workbook. a LAMBDA definition makes the name
// callable.
func (s *Spreadsheet) DefineName(name, scope string, expr Expr) error {
	if expr == nil {
		return NewApplicationError(InvalidArgument, "name definition is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validName(name) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("Invalid name: %q", name))
	}
	scopeID, err := s.nameScope(scope)
	if err != nil {
		return err
	}
	s.defineNameLocked(name, scopeID, expr)
	return nil
}

// DefineNameFormula parses a definition like "=Sheet1!$A$1:$A$9" or
// "=LAMBDA(x, x*2)". unqualified references resolve against the scope's
// worksheet, or the first worksheet for workbook names.
func (s *Spreadsheet) DefineNameFormula(name, scope, formula string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validName(name) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("Invalid name: %q", name))
	}
	scopeID, err := s.nameScope(scope)
	if err != nil {
		return err
	}
	home := scopeID
	if home == 0 {
		home, _ = s.storage.worksheets.firstDefined()
	}
	expr, err := s.parse(formula, home)
	if err != nil {
		return chainError(InvalidArgument, err, fmt.Sprintf("Invalid definition for name %q", name))
	}
	s.defineNameLocked(name, scopeID, expr)
	return nil
}

func (s *Spreadsheet) defineNameLocked(name string, scope uint32, expr Expr) {
	assignSites(expr)
	id := s.storage.names.DefineName(name, scope, expr)
	s.refreshName(id)
	s.reclassify()
}

// RemoveName removes the definition of a name in one scope. formulas using
// it read #NAME? afterwards.
func (s *Spreadsheet) RemoveName(name, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scopeID, err := s.nameScope(scope)
	if err != nil {
		return err
	}
	names := s.storage.names
	id, exists := names.GetNameID(name)
	if !exists || !names.isDefinedIn(name, scopeID) {
		return NewApplicationError(NotFound, "Named range not found")
	}
	names.UndefineName(name, scopeID)
	s.refreshName(id)
	s.reclassify()
	return nil
}

// RenameName moves every definition of a name to a new name. formulas still
// spelling the old name read #NAME?.
func (s *Spreadsheet) RenameName(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.storage.names
	oldID, exists := names.GetNameID(oldName)
	if !exists || !names.IsDefined(oldID) {
		return NewApplicationError(NotFound, "Named range not found")
	}
	if !validName(newName) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("Invalid name: %q", newName))
	}
	if newID, taken := names.GetNameID(newName); taken && names.IsDefined(newID) {
		return NewApplicationError(AlreadyExists, "Named range already exists")
	}

	type definition struct {
		scope uint32
		expr  Expr
	}
	var defs []definition
	names.forEachDefinition(oldID, func(scope uint32, def Expr) {
		defs = append(defs, definition{scope: scope, expr: def})
	})
	var newID uint32
	for _, d := range defs {
		newID = names.DefineName(newName, d.scope, d.expr)
	}
	for _, d := range defs {
		names.UndefineName(oldName, d.scope)
	}
	s.refreshName(newID)
	s.refreshName(oldID)
	s.reclassify()
	return nil
}

// DoesNamedRangeExist checks if a name has a definition in any scope
func (s *Spreadsheet) DoesNamedRangeExist(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, exists := s.storage.names.GetNameID(name)
	return exists && s.storage.names.IsDefined(id)
}

// ListNamedRanges returns all defined names
func (s *Spreadsheet) ListNamedRanges() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.names.DefinedNames()
}

// ListReferencedNamedRanges returns all referenced but undefined names
func (s *Spreadsheet) ListReferencedNamedRanges() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.names.GetAllUndefinedNames()
}

// RegisterFunction adds or replaces a function. every formula is recompiled
// and reclassified, and recalculates on the next pass.
func (s *Spreadsheet) RegisterFunction(fn *Function) error {
	if fn == nil || fn.Impl == nil || !isIdentifier(fn.Name) {
		return NewApplicationError(InvalidArgument, "function needs a name and an implementation")
	}
	if fn.MinArgs < 0 || (fn.MaxArgs >= 0 && fn.MaxArgs < fn.MinArgs) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid arity for %s", fn.Name))
	}
	if isSpecialForm(strings.ToUpper(fn.Name)) {
		return NewApplicationError(FailedPrecondition, fmt.Sprintf("%s cannot be replaced", fn.Name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functions.Register(fn)
	s.recompile()
	s.reclassify()
	graph := s.storage.dependencyGraph
	for _, cell := range s.storage.formulas.FormulaCells() {
		graph.MarkDirty(cell)
	}
	return nil
}

// Precedents returns what a cell's formula reads directly
func (s *Spreadsheet) Precedents(cell CellAddress) []NodeKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.dependencyGraph.Precedents(CellKey(cell))
}

// Dependents returns the formula cells that read a cell directly or through
// a range or name covering it
func (s *Spreadsheet) Dependents(cell CellAddress) []CellAddress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.dependencyGraph.CellDependents(cell)
}

// SpillRange returns the footprint an anchor's array result occupies
func (s *Spreadsheet) SpillRange(anchor CellAddress) (RangeAddress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.spills.Range(anchor)
}

// BytecodeEligibleCount returns how many formula cells run compiled
// programs instead of the interpreter
func (s *Spreadsheet) BytecodeEligibleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.formulas.BytecodeCellCount()
}

// IsVolatile reports whether a cell recalculates on every pass
func (s *Spreadsheet) IsVolatile(cell CellAddress) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volatility.IsVolatile(cell)
}

// IsDirty reports whether a formula cell awaits recalculation
func (s *Spreadsheet) IsDirty(cell CellAddress) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.dependencyGraph.IsDirty(cell)
}

// ListExternalWorkbooks returns the external workbooks formulas refer to
func (s *Spreadsheet) ListExternalWorkbooks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage.externalBooks.All()
}

// Subscribe registers a collaborator for structural edit notifications.
// the returned function unsubscribes it.
func (s *Spreadsheet) Subscribe(sub RebaseSubscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = sub
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// InsertRows inserts count rows before the zero-based row index at
func (s *Spreadsheet) InsertRows(sheet string, at, count uint32) error {
	return s.rowColumnEdit(EditInsertRows, sheet, at, count)
}

// DeleteRows deletes count rows starting at the zero-based row index at
func (s *Spreadsheet) DeleteRows(sheet string, at, count uint32) error {
	return s.rowColumnEdit(EditDeleteRows, sheet, at, count)
}

// InsertColumns inserts count columns before the zero-based column index at
func (s *Spreadsheet) InsertColumns(sheet string, at, count uint32) error {
	return s.rowColumnEdit(EditInsertColumns, sheet, at, count)
}

// DeleteColumns deletes count columns starting at the zero-based column
// index at
func (s *Spreadsheet) DeleteColumns(sheet string, at, count uint32) error {
	return s.rowColumnEdit(EditDeleteColumns, sheet, at, count)
}

func (s *Spreadsheet) rowColumnEdit(kind EditKind, sheet string, at, count uint32) error {
	s.mu.RLock()
	id, exists := s.storage.worksheets.GetWorksheetID(sheet)
	s.mu.RUnlock()
	if !exists {
		return NewApplicationError(NotFound, "Worksheet not found")
	}
	return s.ApplyStructuralEdit(StructuralEdit{Kind: kind, WorksheetID: id, At: at, Count: count})
}

// MoveRange moves the cells of source ("Sheet1!A1:B4") so its top-left
// lands on destination ("Sheet2!D1"). cells under the destination are
// overwritten.
func (s *Spreadsheet) MoveRange(source, destination string) error {
	s.mu.RLock()
	src, err := s.resolveRange(source)
	var dst CellAddress
	if err == nil {
		dst, err = s.resolveAddress(destination)
	}
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.ApplyStructuralEdit(StructuralEdit{Kind: EditMoveRange, Source: src, Destination: dst})
}

// ApplyStructuralEdit applies a row, column or move edit. references are
// rewritten so they keep pointing at the same data; references to deleted
// cells become #REF!. subscribers are notified once the workbook is
// consistent again.
func (s *Spreadsheet) ApplyStructuralEdit(edit StructuralEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if edit.Kind == EditMoveRange {
		edit.Source = edit.Source.normalized()
	}
	if err := edit.validate(); err != nil {
		return err
	}
	sheets := []uint32{edit.WorksheetID}
	if edit.Kind == EditMoveRange {
		sheets = []uint32{edit.Source.WorksheetID}
		if edit.Destination.WorksheetID != edit.Source.WorksheetID {
			sheets = append(sheets, edit.Destination.WorksheetID)
		}
	}
	for _, id := range sheets {
		if !s.storage.worksheets.IsWorksheetDefined(id) {
			return NewApplicationError(NotFound, "Worksheet not found")
		}
	}

	graph := s.storage.dependencyGraph
	spills := s.storage.spills
	formulas := s.storage.formulas
	worksheet := func(id uint32) *Worksheet {
		ws, _ := s.storage.worksheets.GetWorksheet(id)
		return ws
	}

	// footprints are dropped; their anchors spill again at the new layout
	for _, id := range sheets {
		ws := worksheet(id)
		for _, anchor := range spills.Anchors(id) {
			for _, cell := range spills.Release(anchor) {
				if c := ws.GetCell(cell.Row, cell.Column); c != nil && c.Spilled {
					ws.RemoveCell(cell.Row, cell.Column)
				}
			}
			graph.MarkDirty(anchor)
		}
	}

	// formulas in deleted or overwritten cells go away
	for _, cell := range formulas.FormulaCells() {
		if !edit.affects(cell.WorksheetID) {
			continue
		}
		if _, ok := edit.MapCell(cell); !ok {
			ws := worksheet(cell.WorksheetID)
			s.clearFormula(ws, cell, ws.GetCell(cell.Row, cell.Column))
		}
	}

	// formulas whose references move are detached now and set again once
	// the cells are in place
	type reset struct {
		cell CellAddress
		expr Expr
	}
	var resets []reset
	for _, cell := range formulas.FormulaCells() {
		id, _ := formulas.GetFormulaAtCell(cell)
		expr, _ := formulas.GetExpr(id)
		next := rebaseExpr(expr, edit)
		moved, _ := edit.MapCell(cell)
		if next == expr && moved.WorksheetID == cell.WorksheetID {
			continue
		}
		resets = append(resets, reset{cell: moved, expr: next})
		ws := worksheet(cell.WorksheetID)
		s.clearFormula(ws, cell, ws.GetCell(cell.Row, cell.Column))
	}

	graph.Rebase(edit)
	s.volatility.rekey(edit.MapCell)
	formulas.rekeyCells(edit.MapCell)
	if len(sheets) == 2 {
		moveAcrossWorksheets(worksheet(sheets[0]), worksheet(sheets[1]), edit)
	} else {
		id := sheets[0]
		worksheet(id).relocate(func(row, col uint32) (uint32, uint32, bool) {
			moved, ok := edit.MapCell(CellAddress{WorksheetID: id, Row: row, Column: col})
			return moved.Row, moved.Column, ok
		})
	}

	for _, id := range s.storage.names.rewriteDefinitions(func(def Expr) Expr { return rebaseExpr(def, edit) }) {
		s.refreshName(id)
	}
	for _, r := range resets {
		s.setFormulaLocked(worksheet(r.cell.WorksheetID), r.cell, r.expr)
	}

	for _, region := range editRegions(edit) {
		graph.MarkRegionDirty(region)
	}
	s.reclassify()

	s.logger.Debug("structural edit", "edit", edit.String(), "rewritten", len(resets))
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.subscribers[id].OnRebase(edit)
	}
	return nil
}

// editRegions are the areas whose contents changed under an edit, in their
// post-edit coordinates
func editRegions(edit StructuralEdit) []RangeAddress {
	switch edit.Kind {
	case EditInsertRows, EditDeleteRows:
		return []RangeAddress{{WorksheetID: edit.WorksheetID, StartRow: edit.At, EndRow: MaxRows - 1, EndColumn: MaxColumns - 1}}
	case EditInsertColumns, EditDeleteColumns:
		return []RangeAddress{{WorksheetID: edit.WorksheetID, StartColumn: edit.At, EndRow: MaxRows - 1, EndColumn: MaxColumns - 1}}
	}
	return []RangeAddress{edit.Source, edit.destinationRange()}
}

// moveAcrossWorksheets carries the cells of a move's source range onto
// another worksheet
func moveAcrossWorksheets(src, dst *Worksheet, edit StructuralEdit) {
	target := edit.destinationRange()
	for _, c := range dst.cells() {
		if target.Contains(CellAddress{WorksheetID: dst.worksheetID, Row: c.Row, Column: c.Col}) {
			dst.RemoveCell(c.Row, c.Col)
		}
	}
	for _, c := range src.cells() {
		addr := CellAddress{WorksheetID: src.worksheetID, Row: c.Row, Column: c.Col}
		if !edit.Source.Contains(addr) {
			continue
		}
		moved, _ := edit.MapCell(addr)
		src.RemoveCell(c.Row, c.Col)
		placed := dst.ensureCell(moved.Row, moved.Column)
		*placed = *c
		placed.Row, placed.Col = moved.Row, moved.Column
	}
}
