package spreadsheet

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

// recalcFixture is one workbook described in testdata. expect holds the
// displayed value of each listed cell after a single recalculation.
type recalcFixture struct {
	Name   string               `yaml:"name"`
	Sheets []string             `yaml:"sheets"`
	Names  map[string]string    `yaml:"names"`
	Cells  map[string]Primitive `yaml:"cells"`
	Expect map[string]string    `yaml:"expect"`
}

func loadFixtures(t *testing.T, pattern string) []recalcFixture {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join("testdata", pattern))
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatalf("no fixtures match %s", pattern)
	}
	var fixtures []recalcFixture
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		var batch []recalcFixture
		if err := yaml.Unmarshal(data, &batch); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		fixtures = append(fixtures, batch...)
	}
	return fixtures
}

func TestRecalcFixtures(t *testing.T) {
	for _, fixture := range loadFixtures(t, "*.yaml") {
		t.Run(fixture.Name, func(t *testing.T) {
			r := NewRunnableSpreadsheet(func(line string) { t.Log(line) }, WithConfig(Config{Seed: 1}))
			for _, sheet := range fixture.Sheets {
				r.WithWorksheet(sheet)
			}
			for _, name := range slices.Sorted(maps.Keys(fixture.Names)) {
				r.DefineName(name, fixture.Names[name])
			}
			s, err := r.SetBatch(fixture.Cells).Run()
			if err != nil {
				t.Fatal(err)
			}

			got := make(map[string]string, len(fixture.Expect))
			for address := range fixture.Expect {
				v, err := s.GetValue(address)
				if err != nil {
					t.Fatalf("%s: %v", address, err)
				}
				got[address] = v.String()
			}
			if diff := cmp.Diff(fixture.Expect, got); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// every fixture must give the same result on the worker pool
func TestRecalcFixturesMultiThreaded(t *testing.T) {
	for _, fixture := range loadFixtures(t, "*.yaml") {
		t.Run(fixture.Name, func(t *testing.T) {
			build := func(cfg Config) map[string]string {
				r := NewRunnableSpreadsheet(func(line string) { t.Log(line) }, WithConfig(cfg))
				for _, sheet := range fixture.Sheets {
					r.WithWorksheet(sheet)
				}
				for _, name := range slices.Sorted(maps.Keys(fixture.Names)) {
					r.DefineName(name, fixture.Names[name])
				}
				s := r.SetBatch(fixture.Cells).Must().RunOrPanic()
				values := make(map[string]string, len(fixture.Expect))
				for address := range fixture.Expect {
					v, _ := s.GetValue(address)
					values[address] = v.String()
				}
				return values
			}
			single := build(Config{Seed: 1, Workers: 1})
			multi := build(Config{Seed: 1, Workers: 4, ParallelThreshold: 1})
			if diff := cmp.Diff(single, multi); diff != "" {
				t.Errorf("worker pool diverged (-single +multi):\n%s", diff)
			}
		})
	}
}
