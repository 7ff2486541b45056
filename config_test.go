package simt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[executive]
warp-size = 8
strict-hints = true
max-drain-iterations = 100

[limits]
max-shared-memory = 1024

[optimizer]
passes = ["remove-barriers", "reverse-if-conversion"]

[trace]
output = "run.cbor"
`))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.Executive.WarpSize != 8 || !cfg.Executive.StrictHints || cfg.Executive.MaxDrainIterations != 100 {
		t.Errorf("executive = %+v", cfg.Executive)
	}
	if cfg.Limits.MaxSharedMemory != 1024 {
		t.Errorf("max-shared-memory = %d, want 1024", cfg.Limits.MaxSharedMemory)
	}
	if cfg.Limits.MaxLocalMemory != MaxLocalMemory || cfg.Limits.MaxThreadsPerBlock != MaxThreadsPerBlock {
		t.Errorf("unset limits not defaulted: %+v", cfg.Limits)
	}
	if cfg.Executive.StackLimit != DefaultStackLimit {
		t.Errorf("stack-limit = %d, want default %d", cfg.Executive.StackLimit, DefaultStackLimit)
	}
	if len(cfg.Optimizer.Passes) != 2 || cfg.Trace.Output != "run.cbor" {
		t.Errorf("optimizer/trace = %+v %+v", cfg.Optimizer, cfg.Trace)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unknown pass", "[optimizer]\npasses = [\"loop-unroll\"]\n"},
		{"narrow warp", "[executive]\nwarp-size = 2\n"},
		{"negative stack", "[executive]\nstack-limit = -1\n"},
		{"bad toml", "[executive\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.toml))
			if !IsConfigurationError(err) {
				t.Errorf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Executive.WarpSize < MinWarpSize {
		t.Errorf("default warp size %d below %d", cfg.Executive.WarpSize, MinWarpSize)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simt.toml")
	if err := os.WriteFile(path, []byte("[executive]\nwarp-size = 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Executive.WarpSize != 4 {
		t.Errorf("warp-size = %d, want 4", cfg.Executive.WarpSize)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); !IsConfigurationError(err) {
		t.Errorf("missing file: err = %v, want configuration error", err)
	}
}
