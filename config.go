// Package simt configuration constants and runtime configuration
package simt

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Thread and block dimensions
const (
	// Maximum threads per block (CUDA compatibility)
	MaxThreadsPerBlock = 1024

	// Narrowest warp the scheduler issues
	MinWarpSize = 4
)

// Memory limits
const (
	// Shared memory available to one CTA
	MaxSharedMemory = 48 * 1024 // 48KB

	// Local memory available to one thread
	MaxLocalMemory = 512 * 1024 // 512KB

	// Default bound on a thread's call stack
	DefaultStackLimit = 1024 * 1024 // 1MB
)

// Memory pool parameters
const (
	// Minimum allocation size to prevent fragmentation
	MinAllocationSize = 64

	// Memory alignment for allocations
	MemoryAlignment = 64
)

// Optimizer pass names accepted in [optimizer] passes.
const (
	PassRemoveBarriers      = "remove-barriers"
	PassReverseIfConversion = "reverse-if-conversion"
)

var knownPasses = map[string]bool{
	PassRemoveBarriers:      true,
	PassReverseIfConversion: true,
}

// Config is the runtime configuration, normally read from a TOML file.
type Config struct {
	Executive ExecutiveConfig `toml:"executive"`
	Limits    LimitsConfig    `toml:"limits"`
	Optimizer OptimizerConfig `toml:"optimizer"`
	Trace     TraceConfig     `toml:"trace"`
}

// ExecutiveConfig tunes the CTA scheduler.
type ExecutiveConfig struct {
	WarpSize           int  `toml:"warp-size"`
	StackLimit         int  `toml:"stack-limit"`
	StrictHints        bool `toml:"strict-hints"`
	MaxDrainIterations int  `toml:"max-drain-iterations"`
}

// LimitsConfig bounds the memory a kernel may request.
type LimitsConfig struct {
	MaxSharedMemory    int `toml:"max-shared-memory"`
	MaxLocalMemory     int `toml:"max-local-memory"`
	MaxThreadsPerBlock int `toml:"max-threads-per-block"`
}

// OptimizerConfig lists the passes requested from the translator.
type OptimizerConfig struct {
	Passes []string `toml:"passes"`
}

// TraceConfig names where trace events are written.
type TraceConfig struct {
	Output string `toml:"output"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Executive: ExecutiveConfig{
			WarpSize:   DefaultWarpSize(),
			StackLimit: DefaultStackLimit,
		},
		Limits: LimitsConfig{
			MaxSharedMemory:    MaxSharedMemory,
			MaxLocalMemory:     MaxLocalMemory,
			MaxThreadsPerBlock: MaxThreadsPerBlock,
		},
	}
}

// ParseConfig decodes TOML configuration and fills unset values with
// defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, NewConfigurationError("ParseConfig", "invalid TOML", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and decodes a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, NewConfigurationError("LoadConfig", fmt.Sprintf("cannot read %s", path), err)
	}
	return ParseConfig(data)
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Executive.WarpSize == 0 {
		c.Executive.WarpSize = def.Executive.WarpSize
	}
	if c.Executive.StackLimit == 0 {
		c.Executive.StackLimit = def.Executive.StackLimit
	}
	if c.Limits.MaxSharedMemory == 0 {
		c.Limits.MaxSharedMemory = def.Limits.MaxSharedMemory
	}
	if c.Limits.MaxLocalMemory == 0 {
		c.Limits.MaxLocalMemory = def.Limits.MaxLocalMemory
	}
	if c.Limits.MaxThreadsPerBlock == 0 {
		c.Limits.MaxThreadsPerBlock = def.Limits.MaxThreadsPerBlock
	}
}

// Validate rejects out-of-range values and unknown optimizer passes.
func (c Config) Validate() error {
	switch {
	case c.Executive.WarpSize < MinWarpSize:
		return NewConfigurationError("Config", fmt.Sprintf("warp-size %d below minimum %d", c.Executive.WarpSize, MinWarpSize), nil)
	case c.Executive.StackLimit < 0:
		return NewConfigurationError("Config", "stack-limit must not be negative", nil)
	case c.Executive.MaxDrainIterations < 0:
		return NewConfigurationError("Config", "max-drain-iterations must not be negative", nil)
	case c.Limits.MaxSharedMemory < 0 || c.Limits.MaxLocalMemory < 0 || c.Limits.MaxThreadsPerBlock < 1:
		return NewConfigurationError("Config", "memory and thread limits must be positive", nil)
	}
	for _, p := range c.Optimizer.Passes {
		if !knownPasses[p] {
			return NewConfigurationError("Config", fmt.Sprintf("unknown optimizer pass %q", p), nil)
		}
	}
	return nil
}
