package spreadsheet

import (
	"errors"
	"slices"
	"testing"
)

func TestRunnableSpreadsheetChain(t *testing.T) {
	var lines []string
	printLn := func(line string) { lines = append(lines, line) }

	r := NewRunnableSpreadsheet(printLn).
		Set("Sheet1!A1", 10).
		Set("Sheet1!A2", "=A1*2").
		WithWorksheet("Sheet1").
		WithWorksheet("Totals").
		Set("Totals!A1", "=Sheet1!A2+1").
		ForEach(0, 2, 1, 1, func(row, col int, r *RunnableSpreadsheet) {
			r.Set(cellName(col, row+1), row)
		}).
		If(false, func(r *RunnableSpreadsheet) *RunnableSpreadsheet { return r.Set("Sheet1!A1", 99) }).
		Calculate().
		Log("Totals!A1").
		Log("Sheet1!Z9").
		CheckError()

	if got := r.Values("Sheet1!A2", "Totals!A1", "Sheet1!B3"); !slices.Equal(got, []Primitive{20.0, 21.0, 2.0}) {
		t.Errorf("Values() = %v", got)
	}
	want := []string{"Totals!A1: 21", "Sheet1!Z9: <empty>", "No errors"}
	if !slices.Equal(lines, want) {
		t.Errorf("printed %q, want %q", lines, want)
	}
}

func TestRunnableSpreadsheetErrors(t *testing.T) {
	var lines []string
	r := NewRunnableSpreadsheet(func(line string) { lines = append(lines, line) }).
		Set("Missing!A1", 1).
		Set("Sheet1!A1", 2)

	if r.Error() == nil {
		t.Fatal("setting a cell on an unknown worksheet should fail")
	}
	if r.Value("Sheet1!A1") != nil {
		t.Errorf("a failed chain reads nil")
	}
	r.CheckError()
	if len(lines) != 1 || lines[0][:6] != "ERROR:" {
		t.Errorf("CheckError printed %q", lines)
	}

	sentinel := errors.New("handled")
	r.OnError(func(error) error { return sentinel })
	if !errors.Is(r.Error(), sentinel) {
		t.Errorf("OnError should replace the error, got %v", r.Error())
	}
	if _, err := r.Run(); !errors.Is(err, sentinel) {
		t.Errorf("Run() = %v", err)
	}

	s, err := r.Reset().Set("Sheet1!A1", 2).Then(func(r *RunnableSpreadsheet) *RunnableSpreadsheet {
		return r.Set("Sheet1!A2", "=A1+1")
	}).Run()
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("Sheet1!A2"); v != 3.0 {
		t.Errorf("A2 = %v after reset, want 3", v)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Must should panic on a failed chain")
		}
	}()
	NewRunnableSpreadsheet(func(string) {}).RemoveWorksheet("Nope").Must()
}
