package spreadsheet

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newCompilerBook(t *testing.T) *Spreadsheet {
	t.Helper()
	s := NewSpreadsheet(WithConfig(Config{Seed: 11}))
	if err := s.AddWorksheet("Sheet1"); err != nil {
		t.Fatal(err)
	}
	for address, value := range map[string]Primitive{
		"Sheet1!A1": 3.0,
		"Sheet1!A2": 4.0,
		"Sheet1!A3": "text",
		"Sheet1!A4": true,
		"Sheet1!A5": ErrorCodeNA,
	} {
		if err := s.Set(address, value); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

var valueComparer = cmp.Comparer(Identical)

// both evaluators must produce identical results for every compilable
// formula
func TestCompiledMatchesInterpreted(t *testing.T) {
	s := newCompilerBook(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cell := CellAddress{WorksheetID: 1, Row: 20, Column: 5}

	formulas := []string{
		"=1+2*3",
		"=A1*A2-1",
		"=-A1^2",
		`=A3&"!"`,
		"=A4+1",
		"=A5+1",
		"=A1/0",
		"=SUM(A1:A5)",
		"=SUM(A1, A2, 10)",
		"=COUNT(A1:A4)",
		"=AVERAGE(A1:A2)",
		"=MAX(A1:A2)*MIN(A1:A2)",
		"=ROUND(A1/A2, 2)",
		"=IF(A1>A2, \"big\", \"small\")",
		"=IF(A4, 1)",
		"=IF(FALSE, 1)",
		"=IF(A5, 1, 2)",
		"=IF(TRUE, 1, 1/0)",
		"=IF(A1=3, IF(A2=4, 34, 3), 0)",
		"=ABS(-A1)+SQRT(A2)",
		"=AND(A1>1, A4)",
		"=ISNA(A5)",
		"=LEN(A3)",
		"=UPPER(A3)",
		"=RAND()+RAND()",
		"=RANDBETWEEN(1, 6)",
		"=NOW()",
		"=ABS()",
	}
	for _, formula := range formulas {
		t.Run(formula, func(t *testing.T) {
			expr, err := s.parse(formula, 1)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			assignSites(expr)
			program, ok := Compile(expr, s.functions)
			if !ok {
				t.Fatalf("%s did not compile", formula)
			}
			if program.Len() == 0 {
				t.Fatalf("%s compiled to an empty program", formula)
			}

			vmFrame := newEvalFrame(s, newEvaluationContext(1, at, 7, nil), cell)
			compiled := vmFrame.finish(program.run(vmFrame))
			interpFrame := newEvalFrame(s, newEvaluationContext(1, at, 7, nil), cell)
			interpreted := interpFrame.finish(interpFrame.eval(expr))

			if !cmp.Equal(compiled, interpreted, valueComparer) {
				t.Errorf("%s: compiled %v, interpreted %v", formula, compiled, interpreted)
			}
		})
	}
}

func TestCompileRejects(t *testing.T) {
	s := newCompilerBook(t)
	if err := s.DefineNameFormula("Data", "", "=Sheet1!A1:A2"); err != nil {
		t.Fatal(err)
	}
	for _, formula := range []string{
		"=SEQUENCE(3)",
		"=LET(a, 1, a+1)",
		"=SUM(Data)",
		"=A1:A2",
		"=A1#",
		"={1,2}",
		"=IFERROR(1/0, 2)",
		"=MAP({1,2}, LAMBDA(x, x))",
		"=NOSUCH(1)",
		"=ABS(A1:A2)",
		"=[Book.xlsx]Prices!A1",
	} {
		expr, err := s.parse(formula, 1)
		if err != nil {
			t.Fatalf("parse %s: %v", formula, err)
		}
		if _, ok := Compile(expr, s.functions); ok {
			t.Errorf("%s should be interpreted", formula)
		}
	}
}

func TestCompileDeduplicatesOperands(t *testing.T) {
	s := newCompilerBook(t)
	expr, err := s.parse("=A1+A1+1+1", 1)
	if err != nil {
		t.Fatal(err)
	}
	program, ok := Compile(expr, s.functions)
	if !ok {
		t.Fatal("did not compile")
	}
	if len(program.cells) != 1 || len(program.consts) != 1 {
		t.Errorf("cells=%d consts=%d, want 1 and 1", len(program.cells), len(program.consts))
	}
	if program.Len() != 7 {
		t.Errorf("program has %d instructions, want 7", program.Len())
	}
}

func TestBytecodeEligibleCount(t *testing.T) {
	s := newCompilerBook(t)
	for address, formula := range map[string]string{
		"Sheet1!B1": "=A1*2",
		"Sheet1!B2": "=A1*2",
		"Sheet1!B3": "=SUM(A1:A2)",
		"Sheet1!B4": "=SEQUENCE(2)",
		"Sheet1!C1": "=LET(a, A1, a)",
	} {
		if err := s.Set(address, formula); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.BytecodeEligibleCount(); got != 3 {
		t.Errorf("BytecodeEligibleCount() = %d, want 3", got)
	}
	if err := s.Remove("Sheet1!B2"); err != nil {
		t.Fatal(err)
	}
	if got := s.BytecodeEligibleCount(); got != 2 {
		t.Errorf("after remove BytecodeEligibleCount() = %d, want 2", got)
	}
	if err := s.Recalculate(); err != nil {
		t.Fatal(err)
	}
	for address, want := range map[string]float64{"Sheet1!B1": 6, "Sheet1!B3": 7, "Sheet1!C1": 3} {
		got, _ := s.Get(address)
		if got != want {
			t.Errorf("%s = %v, want %v", address, got, want)
		}
	}
}

func TestOpcodeString(t *testing.T) {
	if OpCall.String() != "CALL" || OpBranch.String() != "BRANCH" {
		t.Errorf("opcode names: %s %s", OpCall, OpBranch)
	}
}
