package spreadsheet

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func appErrorCode(t *testing.T, err error) AppErrorCode {
	t.Helper()
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError, got %v", err)
	}
	return appErr.Code
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig([]byte("workers: 4\nseed: 9\npass_deadline: 250ms\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Workers != 4 || c.Seed != 9 || c.PassDeadline != 250*time.Millisecond {
		t.Errorf("decoded %+v", c)
	}
	if c.ParallelThreshold != defaultParallelThreshold || c.MaxRecursion != defaultMaxRecursion {
		t.Errorf("unset fields should take defaults: %+v", c)
	}

	empty, err := ParseConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if empty != DefaultConfig() {
		t.Errorf("empty document = %+v, want defaults", empty)
	}
}

func TestParseConfigRejects(t *testing.T) {
	for _, doc := range []string{
		"workers: 4\nthreads: 2\n",
		"workers: -1\n",
		"pass_deadline: -1s\n",
		"max_recursion: [1]\n",
	} {
		_, err := ParseConfig([]byte(doc))
		if err == nil {
			t.Errorf("%q should be rejected", doc)
			continue
		}
		if code := appErrorCode(t, err); code != InvalidArgument {
			t.Errorf("%q: code %v, want InvalidArgument", doc, code)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	} else if code := appErrorCode(t, err); code != NotFound {
		t.Errorf("code %v, want NotFound", code)
	}

	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("max_settle_rounds: 3\nparallel_threshold: 10\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxSettleRounds != 3 || c.ParallelThreshold != 10 {
		t.Errorf("loaded %+v", c)
	}
}
