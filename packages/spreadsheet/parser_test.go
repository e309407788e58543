package spreadsheet

import (
	"errors"
	"testing"
)

func createTestContext() *ParserContext {
	return &ParserContext{
		CurrentWorksheetID: 1,
		ResolveWorksheet: func(name string) uint32 {
			switch name {
			case "Sheet1":
				return 1
			case "Sheet2":
				return 2
			case "Sheet3":
				return 3
			default:
				return 0
			}
		},
	}
}

func parseFormula(formula string) (Expr, error) {
	return ParseFormula(formula, createTestContext())
}

func TestParserBasicFormulas(t *testing.T) {
	validFormulas := []string{
		"=1+2",
		"=A1",
		"=SUM(A1:A10)",
		"=Sheet2!A1",
		"=Sheet2!A1:B2",
		"=SUM(Sheet2!A1:A10)",
		"=Sheet2!A1 + Sheet3!B1",
		"=SUM(B2:A1)",
		"=SUM(A1:A1)",
		"=SUM(A1:Z1000)",
		`="Hello 世界"`,
		`=CONCATENATE("Hello ", "世界")`,
		"=IF(A1>0, \"pos\", \"neg\")",
		"={1,2;3,4}",
		"=SUM(A1#)",
		"=LAMBDA(x, x*2)",
		"=LET(a, 1, a+1)",
		"=[Book.xlsx]Prices!A1",
	}

	for _, formula := range validFormulas {
		t.Run(formula, func(t *testing.T) {
			if _, err := parseFormula(formula); err != nil {
				t.Errorf("Failed to parse valid formula %s: %v", formula, err)
			}
		})
	}
}

func TestParserInvalidFormulas(t *testing.T) {
	invalidFormulas := []string{
		"=",
		"=SUM(",
		"=A1:",
		`="hello`,
		"={1,2;3}",
		"=LAMBDA()",
		"=LET(a, 1)",
		"=LAMBDA(1, 2)",
	}

	for _, formula := range invalidFormulas {
		t.Run(formula, func(t *testing.T) {
			_, err := parseFormula(formula)
			if err == nil {
				t.Fatalf("Expected parse error for %s", formula)
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Errorf("error %v is not a *ParseError", err)
			}
		})
	}
}

func TestParserLowering(t *testing.T) {
	cases := []struct {
		formula  string
		expected string
	}{
		{"=1+2*3", "(1+(2*3))"},
		{"=(1+2)*3", "((1+2)*3)"},
		{"=2^3^2", "((2^3)^2)"},
		{"=-2^2", "(-2^2)"},
		{"=50%", "50%"},
		{`="a"&"b"`, `("a"&"b")`},
		{"=A1", "1!A1"},
		{"=$B$3", "1!B3"},
		{"=Sheet2!A1:B2", "2!A1:B2"},
		{"=SUM(B2:A1)", "SUM(1!A1:B2)"},
		{"=sum(a1)", "SUM(1!A1)"},
		{`=_xlfn.CONCAT("a")`, `CONCAT("a")`},
		{"=A1#", "1!A1#"},
		{"=Sheet2!C3#", "2!C3#"},
		{"={1,2;3,4}", "{1,2;3,4}"},
		{"=LAMBDA(x, x*2)", "LAMBDA(x,(x*2))"},
		{"=LET(a, 1, a+1)", "LET(a,1,(a+1))"},
		{"=Rate*2", "(Rate*2)"},
		{"=TRUE", "TRUE"},
		{"=#DIV/0!", "#DIV/0!"},
		{"=IF(A1,,2)", "IF(1!A1,,2)"},
		{"1+1", "(1+1)"},
	}
	for _, c := range cases {
		t.Run(c.formula, func(t *testing.T) {
			expr, err := parseFormula(c.formula)
			if err != nil {
				t.Fatalf("parse %s: %v", c.formula, err)
			}
			if got := expr.String(); got != c.expected {
				t.Errorf("parse %s = %s, want %s", c.formula, got, c.expected)
			}
		})
	}
}

func TestParserReferences(t *testing.T) {
	t.Run("UnknownWorksheet", func(t *testing.T) {
		expr, err := parseFormula("=Missing!A1")
		if err != nil {
			t.Fatal(err)
		}
		ref, ok := expr.(*CellRefExpr)
		if !ok || ref.Addr.WorksheetID != 0 {
			t.Errorf("=Missing!A1 = %#v, want a cell on worksheet 0", expr)
		}
	})

	t.Run("WholeColumn", func(t *testing.T) {
		expr, err := parseFormula("=A:B")
		if err != nil {
			t.Fatal(err)
		}
		ref, ok := expr.(*RangeRefExpr)
		if !ok {
			t.Fatalf("=A:B = %#v, want a range", expr)
		}
		if ref.Range.StartRow != 0 || ref.Range.EndRow != MaxRows-1 || ref.Range.EndColumn != 1 {
			t.Errorf("=A:B = %v", ref.Range)
		}
	})

	t.Run("External", func(t *testing.T) {
		expr, err := parseFormula("=[Book.xlsx]Prices!B2:C4")
		if err != nil {
			t.Fatal(err)
		}
		ref, ok := expr.(*ExternalRefExpr)
		if !ok {
			t.Fatalf("external = %#v", expr)
		}
		if ref.Ref.Workbook != "Book.xlsx" || ref.Ref.Sheet != "Prices" || ref.Ref.IsCell() {
			t.Errorf("external = %+v", ref.Ref)
		}
		if got := ref.Ref.String(); got != "[Book.xlsx]Prices!B2:C4" {
			t.Errorf("external renders as %s", got)
		}
	})

	t.Run("CellLikeNames", func(t *testing.T) {
		expr, err := parseFormula("=TAX2024")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := expr.(*CellRefExpr); !ok {
			t.Errorf("=TAX2024 = %#v, want a cell reference", expr)
		}
	})
}

func TestRewriteSpillRefs(t *testing.T) {
	cases := map[string]string{
		"=SUM(A1#)":      "=SUM(ANCHORARRAY(A1))",
		"=Sheet1!B2#":    "=ANCHORARRAY(Sheet1!B2)",
		"=#N/A":          "=#N/A",
		`="A1#"`:         `="A1#"`,
		"=A1+1":          "=A1+1",
		"=ISNA(#N/A)+B1": "=ISNA(#N/A)+B1",
	}
	for in, want := range cases {
		if got := rewriteSpillRefs(in); got != want {
			t.Errorf("rewriteSpillRefs(%s) = %s, want %s", in, got, want)
		}
	}
}
