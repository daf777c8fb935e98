package stm

import (
	"path/filepath"
	"testing"
	"time"

	"os"
)

func Test_DefaultTuning_Is_Valid(t *testing.T) {
	if err := DefaultTuning().validate(); err != nil {
		t.Fatalf("DefaultTuning().validate(): %v", err)
	}
}

func Test_LoadTuning_Empty_Path_Returns_Defaults(t *testing.T) {
	cfg, err := LoadTuning("")
	if err != nil {
		t.Fatalf("LoadTuning(\"\"): %v", err)
	}
	if cfg != DefaultTuning() {
		t.Fatalf("LoadTuning(\"\")=%+v, want=%+v", cfg, DefaultTuning())
	}
}

func Test_LoadTuning_Overrides_Only_Fields_Present_In_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.jsonc")
	contents := `{
		// module capacity is the only thing this deployment tunes
		"module_capacity": 64,
	}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("LoadTuning: %v", err)
	}

	want := DefaultTuning()
	want.ModuleCapacity = 64
	if cfg != want {
		t.Fatalf("LoadTuning()=%+v, want=%+v", cfg, want)
	}
}

func Test_LoadTuning_Rejects_Invalid_Values(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.jsonc")
	contents := `{"module_capacity": 0}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := LoadTuning(path); err == nil {
		t.Fatal("expected LoadTuning to reject module_capacity: 0")
	}
}

func Test_LoadTuning_Reports_Error_For_Missing_File(t *testing.T) {
	if _, err := LoadTuning(filepath.Join(t.TempDir(), "does-not-exist.jsonc")); err == nil {
		t.Fatal("expected an error for a missing tuning file")
	}
}

func Test_LoadTuning_Accepts_Duration_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.jsonc")
	contents := `{"gate_min_backoff": 1000000, "gate_max_backoff": 2000000}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("LoadTuning: %v", err)
	}
	if got, want := cfg.GateMinBackoff, time.Millisecond; got != want {
		t.Fatalf("GateMinBackoff=%v, want=%v", got, want)
	}
	if got, want := cfg.GateMaxBackoff, 2*time.Millisecond; got != want {
		t.Fatalf("GateMaxBackoff=%v, want=%v", got, want)
	}
}
