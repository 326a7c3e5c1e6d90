// Package launcher runs a process group with several ranks inside one process, each rank in its own goroutine
// with its own simulated backend, all sharing a store and a simgpu.Fabric.
//
// It's used by the pgrun command line tool to run scripted sequences of collectives (see Config) and benchmarks.
package launcher

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/store"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store kinds accepted in StoreConfig.Kind.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Op names accepted in OpConfig.Op.
const (
	OpAllReduce = "allreduce"
	OpBroadcast = "broadcast"
)

// Config of a launcher run, usually read from a YAML file.
type Config struct {
	// Ranks is the number of processes in the group.
	Ranks int `yaml:"ranks"`

	// DevicesPerRank is the number of buffers (one per device) each rank passes to the collectives.
	DevicesPerRank int `yaml:"devices_per_rank"`

	// DType of the buffers, e.g.: "float32" (default).
	DType string `yaml:"dtype"`

	// Elements per buffer. Default is 1.
	Elements int `yaml:"elements"`

	// SequenceCheck enables the debug check that all ranks issue the same collectives.
	SequenceCheck bool `yaml:"sequence_check"`

	Store StoreConfig `yaml:"store"`

	// Ops are executed in order by all ranks.
	Ops []OpConfig `yaml:"ops"`
}

// StoreConfig selects the store used to exchange the communicator unique ids.
type StoreConfig struct {
	// Kind is either "memory" (default) or "sqlite".
	Kind string `yaml:"kind"`

	// Path of the database file for the "sqlite" kind. Each rank opens its own connection.
	Path string `yaml:"path"`

	// Timeout of blocking Get calls. Default is store.DefaultTimeout.
	Timeout time.Duration `yaml:"timeout"`
}

// OpConfig is one collective call, issued by all ranks.
type OpConfig struct {
	// Op is "allreduce" or "broadcast".
	Op string `yaml:"op"`

	// Reduce operation for "allreduce": "sum" (default), "product", "max" or "min".
	Reduce string `yaml:"reduce"`

	// RootRank and RootBuffer select the source of a "broadcast".
	RootRank   int `yaml:"root_rank"`
	RootBuffer int `yaml:"root_buffer"`

	// Values initialize the buffers before the op: buffer i of rank r is filled with
	// values[(r*devices_per_rank + i) % len(values)].
	// If empty, the op reuses the buffers (and results) of the previous op.
	Values []float64 `yaml:"values"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read launcher config")
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "config %q", path)
	}
	return cfg, nil
}

// ParseConfig parses a YAML config, fills in the defaults and validates it.
// Unknown fields are rejected, to catch typos.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse YAML")
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.DType == "" {
		cfg.DType = "float32"
	}
	if cfg.Elements == 0 {
		cfg.Elements = 1
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = StoreMemory
	}
	if cfg.Store.Timeout == 0 {
		cfg.Store.Timeout = store.DefaultTimeout
	}
	for ii := range cfg.Ops {
		op := &cfg.Ops[ii]
		op.Op = strings.ToLower(op.Op)
		if op.Op == OpAllReduce && op.Reduce == "" {
			op.Reduce = "sum"
		}
	}
}

// BufferDType returns the parsed Config.DType.
func (cfg *Config) BufferDType() backends.DType {
	dtype, _ := backends.DTypeString(cfg.DType)
	return dtype
}

// Validate returns an error describing the first problem found in the config.
func (cfg *Config) Validate() error {
	if cfg.Ranks <= 0 {
		return errors.Errorf("ranks must be positive, got %d", cfg.Ranks)
	}
	if cfg.DevicesPerRank <= 0 {
		return errors.Errorf("devices_per_rank must be positive, got %d", cfg.DevicesPerRank)
	}
	if cfg.Elements <= 0 {
		return errors.Errorf("elements must be positive, got %d", cfg.Elements)
	}
	if _, err := backends.DTypeString(cfg.DType); err != nil {
		return errors.WithMessage(err, "invalid dtype")
	}
	switch cfg.Store.Kind {
	case StoreMemory:
	case StoreSQLite:
		if cfg.Store.Path == "" {
			return errors.Errorf("store of kind %q requires a path", StoreSQLite)
		}
	default:
		return errors.Errorf("unknown store kind %q, valid kinds are %q and %q", cfg.Store.Kind, StoreMemory, StoreSQLite)
	}
	if cfg.Store.Timeout < 0 {
		return errors.Errorf("store timeout must not be negative, got %s", cfg.Store.Timeout)
	}
	if len(cfg.Ops) == 0 {
		return errors.New("ops list is required and must be non-empty")
	}
	if len(cfg.Ops[0].Values) == 0 {
		return errors.New("the first op requires values")
	}
	for ii, op := range cfg.Ops {
		switch op.Op {
		case OpAllReduce:
			if _, err := backends.ParseReduceOp(op.Reduce); err != nil {
				return errors.WithMessagef(err, "op #%d", ii)
			}
		case OpBroadcast:
			if op.Reduce != "" {
				return errors.Errorf("op #%d: broadcast doesn't take a reduce operation", ii)
			}
			if op.RootRank < 0 || op.RootRank >= cfg.Ranks {
				return errors.Errorf("op #%d: root_rank %d out of range for %d ranks", ii, op.RootRank, cfg.Ranks)
			}
			if op.RootBuffer < 0 || op.RootBuffer >= cfg.DevicesPerRank {
				return errors.Errorf("op #%d: root_buffer %d out of range for %d devices per rank",
					ii, op.RootBuffer, cfg.DevicesPerRank)
			}
		default:
			return errors.Errorf("op #%d: unknown op %q, valid ops are %q and %q", ii, op.Op, OpAllReduce, OpBroadcast)
		}
	}
	return nil
}
