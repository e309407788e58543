package spreadsheet

import (
	"fmt"
	"maps"
	"slices"
)

// RunnableSpreadsheet provides a chainable interface for spreadsheet
// operations. it wraps a Spreadsheet and remembers the first error; every
// step after it is a no-op.
type RunnableSpreadsheet struct {
	spreadsheet *Spreadsheet
	err         error
	printLn     func(string)
}

// NewRunnableSpreadsheet creates a chain over a new workbook holding one
// worksheet, "Sheet1". printLn is required and receives Log and CheckError
// output.
func NewRunnableSpreadsheet(printLn func(string), opts ...Option) *RunnableSpreadsheet {
	r := &RunnableSpreadsheet{
		spreadsheet: NewSpreadsheet(opts...),
		printLn:     printLn,
	}
	r.err = r.spreadsheet.AddWorksheet("Sheet1")
	return r
}

// step runs fn unless the chain already failed
func (r *RunnableSpreadsheet) step(fn func(s *Spreadsheet) error) *RunnableSpreadsheet {
	if r.err == nil {
		r.err = fn(r.spreadsheet)
	}
	return r
}

// Set sets a cell value (chainable)
func (r *RunnableSpreadsheet) Set(address string, value Primitive) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.Set(address, value) })
}

// Remove removes a cell (chainable)
func (r *RunnableSpreadsheet) Remove(address string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.Remove(address) })
}

// AddWorksheet adds a new worksheet (chainable)
func (r *RunnableSpreadsheet) AddWorksheet(name string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.AddWorksheet(name) })
}

// RemoveWorksheet removes a worksheet (chainable)
func (r *RunnableSpreadsheet) RemoveWorksheet(name string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.RemoveWorksheet(name) })
}

// RenameWorksheet renames a worksheet (chainable)
func (r *RunnableSpreadsheet) RenameWorksheet(oldName, newName string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.RenameWorksheet(oldName, newName) })
}

// DefineName defines a workbook-scoped name from formula text (chainable)
func (r *RunnableSpreadsheet) DefineName(name, formula string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.DefineNameFormula(name, "", formula) })
}

// DefineSheetName defines a name visible only from one worksheet (chainable)
func (r *RunnableSpreadsheet) DefineSheetName(name, worksheet, formula string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.DefineNameFormula(name, worksheet, formula) })
}

// RemoveName removes a workbook-scoped name (chainable)
func (r *RunnableSpreadsheet) RemoveName(name string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.RemoveName(name, "") })
}

// RenameName renames a name in every scope (chainable)
func (r *RunnableSpreadsheet) RenameName(oldName, newName string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.RenameName(oldName, newName) })
}

// InsertRows inserts rows before a zero-based row (chainable)
func (r *RunnableSpreadsheet) InsertRows(worksheet string, at, count uint32) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.InsertRows(worksheet, at, count) })
}

// DeleteRows deletes rows from a zero-based row (chainable)
func (r *RunnableSpreadsheet) DeleteRows(worksheet string, at, count uint32) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.DeleteRows(worksheet, at, count) })
}

// InsertColumns inserts columns before a zero-based column (chainable)
func (r *RunnableSpreadsheet) InsertColumns(worksheet string, at, count uint32) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.InsertColumns(worksheet, at, count) })
}

// DeleteColumns deletes columns from a zero-based column (chainable)
func (r *RunnableSpreadsheet) DeleteColumns(worksheet string, at, count uint32) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.DeleteColumns(worksheet, at, count) })
}

// MoveRange moves a block of cells (chainable)
func (r *RunnableSpreadsheet) MoveRange(source, destination string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error { return s.MoveRange(source, destination) })
}

// Calculate runs a recalculation pass (chainable)
func (r *RunnableSpreadsheet) Calculate() *RunnableSpreadsheet {
	return r.step((*Spreadsheet).Recalculate)
}

// Run executes a final recalculation and returns the spreadsheet and any
// error. typically the last method in the chain
func (r *RunnableSpreadsheet) Run() (*Spreadsheet, error) {
	if r.Calculate(); r.err != nil {
		return nil, r.err
	}
	return r.spreadsheet, nil
}

// RunOrPanic executes a final calculation and panics if there's an
// error. useful for examples and tests where you want to fail fast
func (r *RunnableSpreadsheet) RunOrPanic() *Spreadsheet {
	spreadsheet, err := r.Run()
	if err != nil {
		panic(err)
	}
	return spreadsheet
}

// Error returns the current error state
func (r *RunnableSpreadsheet) Error() error {
	return r.err
}

// CheckError logs the current error using the PrintLn function (chainable)
func (r *RunnableSpreadsheet) CheckError() *RunnableSpreadsheet {
	if r.err != nil {
		r.printLn(fmt.Sprintf("ERROR: %v", r.err))
	} else {
		r.printLn("No errors")
	}
	return r
}

// Spreadsheet returns the underlying spreadsheet. use with caution as it
// bypasses error tracking.
func (r *RunnableSpreadsheet) Spreadsheet() *Spreadsheet {
	return r.spreadsheet
}

// Reset clears the error state (chainable)
func (r *RunnableSpreadsheet) Reset() *RunnableSpreadsheet {
	r.err = nil
	return r
}

// Then runs fn unless the chain already failed
func (r *RunnableSpreadsheet) Then(fn func(*RunnableSpreadsheet) *RunnableSpreadsheet) *RunnableSpreadsheet {
	if r.err != nil {
		return r
	}
	return fn(r)
}

// OnError allows error handling in the chain
func (r *RunnableSpreadsheet) OnError(fn func(error) error) *RunnableSpreadsheet {
	if r.err != nil {
		r.err = fn(r.err)
	}
	return r
}

// Must panics if there's an error (chainable)
func (r *RunnableSpreadsheet) Must() *RunnableSpreadsheet {
	if r.err != nil {
		panic(r.err)
	}
	return r
}

// SetBatch sets multiple cells in address order (chainable)
func (r *RunnableSpreadsheet) SetBatch(cells map[string]Primitive) *RunnableSpreadsheet {
	for _, address := range slices.Sorted(maps.Keys(cells)) {
		if r.Set(address, cells[address]); r.err != nil {
			break
		}
	}
	return r
}

// WithWorksheet ensures a worksheet exists before continuing (chainable)
func (r *RunnableSpreadsheet) WithWorksheet(name string) *RunnableSpreadsheet {
	return r.step(func(s *Spreadsheet) error {
		if s.DoesWorksheetExist(name) {
			return nil
		}
		return s.AddWorksheet(name)
	})
}

// If allows conditional operations in the chain
func (r *RunnableSpreadsheet) If(condition bool, fn func(*RunnableSpreadsheet) *RunnableSpreadsheet) *RunnableSpreadsheet {
	if r.err != nil || !condition {
		return r
	}
	return fn(r)
}

// ForEach applies fn over a block of zero-based rows and columns, stopping
// on the first error (chainable)
func (r *RunnableSpreadsheet) ForEach(startRow, endRow, startCol, endCol int, fn func(row, col int, r *RunnableSpreadsheet)) *RunnableSpreadsheet {
	for row := startRow; row <= endRow && r.err == nil; row++ {
		for col := startCol; col <= endCol && r.err == nil; col++ {
			fn(row, col, r)
		}
	}
	return r
}

// Value reads one cell, or nil once the chain has failed.
// example: NewRunnableSpreadsheet(log).Set("A1", 10).Set("A2", "=A1*2").Calculate().Value("A2")
func (r *RunnableSpreadsheet) Value(address string) Primitive {
	if r.err != nil {
		return nil
	}
	val, err := r.spreadsheet.Get(address)
	if err != nil {
		r.err = err
		return nil
	}
	return val
}

// Values reads several cells in order
func (r *RunnableSpreadsheet) Values(addresses ...string) []Primitive {
	values := make([]Primitive, len(addresses))
	for i, address := range addresses {
		values[i] = r.Value(address)
	}
	if r.err != nil {
		return nil
	}
	return values
}

// Log prints the value of a cell using the PrintLn function (chainable)
func (r *RunnableSpreadsheet) Log(address string) *RunnableSpreadsheet {
	val := r.Value(address)
	if r.err != nil {
		return r
	}
	if val == nil {
		r.printLn(fmt.Sprintf("%s: <empty>", address))
	} else {
		r.printLn(fmt.Sprintf("%s: %v", address, val))
	}
	return r
}
