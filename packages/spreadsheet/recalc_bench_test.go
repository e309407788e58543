package spreadsheet

import (
	"fmt"
	"testing"
)

func newBenchSpreadsheet(b *testing.B, opts ...Option) *Spreadsheet {
	b.Helper()
	s := NewSpreadsheet(opts...)
	if err := s.AddWorksheet("Sheet1"); err != nil {
		b.Fatal(err)
	}
	return s
}

func BenchmarkLargeCellPopulation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		s := newBenchSpreadsheet(b)
		for row := 1; row <= 100; row++ {
			for col := 0; col < 26; col++ {
				s.Set(fmt.Sprintf("Sheet1!%s%d", columnName(uint32(col)), row), float64(row*col))
			}
		}
	}
}

func BenchmarkFormulaDependencyChain(b *testing.B) {
	s := newBenchSpreadsheet(b)
	s.Set("Sheet1!A1", 1.0)
	for i := 2; i <= 100; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), fmt.Sprintf("=A%d+1", i-1))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(i))
		s.Recalculate()
	}
}

func BenchmarkWideDependencyFanOut(b *testing.B) {
	s := newBenchSpreadsheet(b)
	s.Set("Sheet1!A1", 100.0)
	for i := 2; i <= 500; i++ {
		s.Set(fmt.Sprintf("Sheet1!B%d", i), "=A1*2")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(i))
		s.Recalculate()
	}
}

// wide waves evaluated on one goroutine versus the pool
func BenchmarkWideWave(b *testing.B) {
	setup := func(b *testing.B) *Spreadsheet {
		s := newBenchSpreadsheet(b, WithConfig(Config{Workers: 8, Seed: 7}))
		for i := 1; i <= 2000; i++ {
			s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
			s.Set(fmt.Sprintf("Sheet1!B%d", i), fmt.Sprintf("=SQRT(A%d)*PI()+MOD(A%d, 7)", i, i))
		}
		return s
	}
	b.Run("single", func(b *testing.B) {
		s := setup(b)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			s.Set("Sheet1!A1", float64(i))
			s.RecalculateSingleThreaded()
		}
	})
	b.Run("multi", func(b *testing.B) {
		s := setup(b)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			s.Set("Sheet1!A1", float64(i))
			s.RecalculateMultiThreaded()
		}
	})
}

func BenchmarkLargeRangeSUM(b *testing.B) {
	s := newBenchSpreadsheet(b)
	for i := 1; i <= 1000; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
	}
	s.Set("Sheet1!B1", "=SUM(A1:A1000)")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A500", float64(i))
		s.Recalculate()
	}
}

func BenchmarkVolatileFunctions(b *testing.B) {
	s := newBenchSpreadsheet(b, WithConfig(Config{Seed: 1}))
	for i := 1; i <= 50; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), "=RAND()")
		s.Set(fmt.Sprintf("Sheet1!B%d", i), fmt.Sprintf("=A%d*100", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Recalculate()
	}
}

func BenchmarkSpillResize(b *testing.B) {
	s := newBenchSpreadsheet(b)
	s.Set("Sheet1!A1", 10.0)
	s.Set("Sheet1!B1", "=SEQUENCE(A1)")
	s.Set("Sheet1!C1", "=SUM(B1#)")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(10+i%50))
		s.Recalculate()
	}
}

func BenchmarkLambdaCalls(b *testing.B) {
	s := newBenchSpreadsheet(b)
	s.DefineNameFormula("DOUBLE", "", "=LAMBDA(x, x*2)")
	for i := 1; i <= 200; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
		s.Set(fmt.Sprintf("Sheet1!B%d", i), fmt.Sprintf("=DOUBLE(A%d)+1", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(i))
		s.Recalculate()
	}
}

func BenchmarkInsertRows(b *testing.B) {
	s := newBenchSpreadsheet(b)
	for i := 1; i <= 500; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
		s.Set(fmt.Sprintf("Sheet1!B%d", i), fmt.Sprintf("=A%d*2", i))
	}
	s.Recalculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.InsertRows("Sheet1", 0, 1)
		s.DeleteRows("Sheet1", 0, 1)
	}
}

func BenchmarkDirtyPropagation(b *testing.B) {
	s := newBenchSpreadsheet(b)
	for i := 1; i <= 100; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
		s.Set(fmt.Sprintf("Sheet1!B%d", i), fmt.Sprintf("=A%d*2", i))
		s.Set(fmt.Sprintf("Sheet1!C%d", i), fmt.Sprintf("=B%d+SUM(A1:A%d)", i, i))
	}
	s.Recalculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i%100+1), float64(i))
		s.Recalculate()
	}
}
