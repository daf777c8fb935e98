package stm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// errTuningFileRead and errTuningInvalid mirror the teacher's one-sentinel-
// per-failure-mode style for config loading.
var (
	errTuningFileRead = errors.New("stm: reading tuning file")
	errTuningInvalid  = errors.New("stm: invalid tuning file")
)

// Tuning holds the kernel's process-wide tunable parameters: sizing for the
// sparse lock map, module-table capacity, and the backoff bounds the
// irrevocability gate uses while it waits (spec.md §4.7.5).
//
// Tuning fields use `json` tags so a Tuning value can be loaded from a JWCC
// (JSON-with-comments) file via [LoadTuning], mirroring the root config
// loader's precedence pattern: defaults, then an optional file, then
// explicit in-code overrides the caller applies after loading.
type Tuning struct {
	// LockMapPageBits sizes each [LockMap] page at 1<<LockMapPageBits
	// entries. Larger pages mean fewer sync.Map lookups but more memory
	// committed per touched region.
	LockMapPageBits uint `json:"lock_map_page_bits"`

	// ModuleCapacity bounds how many modules a single [Tx] may register
	// (spec.md §8: "registering more modules than the fixed capacity fails
	// cleanly").
	ModuleCapacity int `json:"module_capacity"`

	// GateMinBackoff and GateMaxBackoff bound the exponential backoff the
	// irrevocability gate ([SharedState]) uses while waiting for the
	// opposing side to release it.
	GateMinBackoff time.Duration `json:"gate_min_backoff"`
	GateMaxBackoff time.Duration `json:"gate_max_backoff"`

	// FileLockTimeout bounds how long [modules/filebytes] waits to acquire
	// the cross-process flock on a record during commit, before giving up
	// and reporting a conflict.
	FileLockTimeout time.Duration `json:"file_lock_timeout"`
}

// DefaultTuning returns the kernel's default tunables.
func DefaultTuning() Tuning {
	return Tuning{
		LockMapPageBits: 8, // 256 locks per page
		ModuleCapacity:  16,
		GateMinBackoff:  100 * time.Microsecond,
		GateMaxBackoff:  10 * time.Millisecond,
		FileLockTimeout: 5 * time.Second,
	}
}

func (t Tuning) validate() error {
	if t.LockMapPageBits == 0 || t.LockMapPageBits > 24 {
		return fmt.Errorf("%w: lock_map_page_bits must be in [1,24], got %d", errTuningInvalid, t.LockMapPageBits)
	}
	if t.ModuleCapacity <= 0 {
		return fmt.Errorf("%w: module_capacity must be > 0, got %d", errTuningInvalid, t.ModuleCapacity)
	}
	if t.GateMinBackoff <= 0 || t.GateMaxBackoff < t.GateMinBackoff {
		return fmt.Errorf("%w: gate backoff bounds must satisfy 0 < min <= max", errTuningInvalid)
	}
	if t.FileLockTimeout <= 0 {
		return fmt.Errorf("%w: file_lock_timeout must be > 0, got %s", errTuningInvalid, t.FileLockTimeout)
	}
	return nil
}

// LoadTuning loads tunables with the following precedence (highest wins):
//
//  1. [DefaultTuning]
//  2. The JWCC file at path, if non-empty (comments and trailing commas are
//     accepted via [hujson.Standardize])
//
// A field absent from the file keeps its default - only fields present in
// the file override it. A field present with a zero value does override the
// default and is then rejected by validation where zero is not allowed. An
// empty path returns the defaults unchanged.
func LoadTuning(path string) (Tuning, error) {
	cfg := DefaultTuning()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("%w: %s: %w", errTuningFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Tuning{}, fmt.Errorf("%w %s: invalid JSONC: %w", errTuningInvalid, path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(standardized, &raw); err != nil {
		return Tuning{}, fmt.Errorf("%w %s: %w", errTuningInvalid, path, err)
	}

	if v, ok := raw["lock_map_page_bits"]; ok {
		if err := json.Unmarshal(v, &cfg.LockMapPageBits); err != nil {
			return Tuning{}, fmt.Errorf("%w %s: lock_map_page_bits: %w", errTuningInvalid, path, err)
		}
	}
	if v, ok := raw["module_capacity"]; ok {
		if err := json.Unmarshal(v, &cfg.ModuleCapacity); err != nil {
			return Tuning{}, fmt.Errorf("%w %s: module_capacity: %w", errTuningInvalid, path, err)
		}
	}
	if v, ok := raw["gate_min_backoff"]; ok {
		if err := json.Unmarshal(v, &cfg.GateMinBackoff); err != nil {
			return Tuning{}, fmt.Errorf("%w %s: gate_min_backoff: %w", errTuningInvalid, path, err)
		}
	}
	if v, ok := raw["gate_max_backoff"]; ok {
		if err := json.Unmarshal(v, &cfg.GateMaxBackoff); err != nil {
			return Tuning{}, fmt.Errorf("%w %s: gate_max_backoff: %w", errTuningInvalid, path, err)
		}
	}
	if v, ok := raw["file_lock_timeout"]; ok {
		if err := json.Unmarshal(v, &cfg.FileLockTimeout); err != nil {
			return Tuning{}, fmt.Errorf("%w %s: file_lock_timeout: %w", errTuningInvalid, path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Tuning{}, err
	}

	return cfg, nil
}
