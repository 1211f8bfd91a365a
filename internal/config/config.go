// Package config loads the command line configuration: a YAML, TOML or
// JSON file overlaid with BPFVM_* environment variables.
//
// Keys are grouped in three sections:
//
//	vm:    engine options, mapped onto ebpf.Config
//	log:   level and format of the process logger
//	cache: program cache backend
//
// A nested key such as vm.compute_budget is read from the environment as
// BPFVM_VM_COMPUTE_BUDGET.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/fortiblox/bpfvm/pkg/cache"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "BPFVM"

// Cost table names.
const (
	CostsUniform  = "uniform"
	CostsWeighted = "weighted"
)

// Cache backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// File is the decoded configuration.
type File struct {
	VM    VM    `mapstructure:"vm"`
	Log   Log   `mapstructure:"log"`
	Cache Cache `mapstructure:"cache"`
}

// VM holds the engine options.
type VM struct {
	MaxCallDepth          int      `mapstructure:"max_call_depth"`
	ComputeBudget         uint64   `mapstructure:"compute_budget"`
	StackFrameSize        uint64   `mapstructure:"stack_frame_size"`
	StackGaps             bool     `mapstructure:"stack_gaps"`
	JIT                   bool     `mapstructure:"jit"`
	NativeCallFrames      bool     `mapstructure:"native_call_frames"`
	FallbackToInterpreter bool     `mapstructure:"fallback_to_interpreter"`
	AllowUnaligned        bool     `mapstructure:"allow_unaligned"`
	HeapSize              uint64   `mapstructure:"heap_size"`
	WritableInput         bool     `mapstructure:"writable_input"`
	Costs                 string   `mapstructure:"costs"`
	DisabledOpcodes       []string `mapstructure:"disabled_opcodes"` // opcode numbers or group names
}

// Log holds the logger options.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// Cache holds the program cache options.
type Cache struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	Programs  int    `mapstructure:"programs"`
	Artifacts int    `mapstructure:"artifacts"`
	Compress  bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	d := ebpf.DefaultConfig()
	v.SetDefault("vm.max_call_depth", d.MaxCallDepth)
	v.SetDefault("vm.compute_budget", d.ComputeBudget)
	v.SetDefault("vm.stack_frame_size", d.StackFrameSize)
	v.SetDefault("vm.stack_gaps", d.EnableStackGaps)
	v.SetDefault("vm.jit", d.UseJIT)
	v.SetDefault("vm.native_call_frames", d.NativeCallFrames)
	v.SetDefault("vm.fallback_to_interpreter", true)
	v.SetDefault("vm.allow_unaligned", d.AllowUnaligned)
	v.SetDefault("vm.heap_size", d.HeapSize)
	v.SetDefault("vm.writable_input", d.WritableInput)
	v.SetDefault("vm.costs", CostsUniform)
	v.SetDefault("vm.disabled_opcodes", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("cache.backend", BackendNone)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.programs", cache.DefaultPrograms)
	v.SetDefault("cache.artifacts", cache.DefaultArtifacts)
	v.SetDefault("cache.compress", true)
}

// New returns a viper instance with defaults and environment binding but
// no file. Callers may bind flags to it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if not empty, over the defaults and the environment.
func Load(path string) (*File, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// ReadFile merges the config file at path into v. An empty path is a
// no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Decode unmarshals v and validates the result.
func Decode(v *viper.Viper) (*File, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := f.VM.Config(); err != nil {
		return nil, err
	}
	if _, err := f.Log.level(); err != nil {
		return nil, err
	}
	if err := f.Cache.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Config converts the section into a validated engine configuration.
func (c VM) Config() (ebpf.Config, error) {
	cfg := ebpf.Config{
		MaxCallDepth:     c.MaxCallDepth,
		ComputeBudget:    c.ComputeBudget,
		StackFrameSize:   c.StackFrameSize,
		EnableStackGaps:  c.StackGaps,
		UseJIT:           c.JIT,
		NativeCallFrames: c.NativeCallFrames,
		AllowUnaligned:   c.AllowUnaligned,
		HeapSize:         c.HeapSize,
		WritableInput:    c.WritableInput,
	}

	switch strings.ToLower(c.Costs) {
	case "", CostsUniform:
	case CostsWeighted:
		cfg.Costs = ebpf.WeightedCosts()
	default:
		return cfg, fmt.Errorf("%w: unknown cost table %q", ErrInvalid, c.Costs)
	}

	if len(c.DisabledOpcodes) > 0 {
		set := ebpf.DefaultOpcodes()
		for _, name := range c.DisabledOpcodes {
			if err := disable(set, strings.TrimSpace(name)); err != nil {
				return cfg, err
			}
		}
		cfg.Opcodes = set
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// disable removes an opcode given as a number (0x24, 36) or a group.
func disable(set *ebpf.OpcodeSet, name string) error {
	if name == "" {
		return nil
	}
	if n, err := strconv.ParseUint(name, 0, 8); err == nil {
		set.Disable(uint8(n))
		return nil
	}
	if err := set.DisableGroup(strings.ToLower(name)); err != nil {
		return fmt.Errorf("%w: disabled opcode %q", ErrInvalid, name)
	}
	return nil
}

func (l Log) level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch l.Format {
	case "", "text", "json":
	default:
		return 0, fmt.Errorf("%w: unknown log format %q", ErrInvalid, l.Format)
	}
	return lvl, nil
}

// Apply configures logger from the section.
func (l Log) Apply(logger *logrus.Logger) error {
	lvl, err := l.level()
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func (c Cache) validate() error {
	switch c.Backend {
	case "", BackendNone, BackendMemory:
	case BackendBolt, BackendBadger:
		if c.Path == "" {
			return fmt.Errorf("%w: cache backend %s needs a path", ErrInvalid, c.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalid, c.Backend)
	}
	return nil
}

// OpenStore opens the configured backend. It returns nil for none.
func (c Cache) OpenStore(log logrus.FieldLogger) (cache.Store, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	sc := cache.StoreConfig{Path: c.Path, Compress: c.Compress}
	var (
		s   cache.Store
		err error
	)
	switch c.Backend {
	case BackendMemory:
		sc.InMemory = true
		s, err = cache.OpenBadger(sc, nil)
	case BackendBolt:
		s, err = cache.OpenBolt(sc)
	case BackendBadger:
		s, err = cache.OpenBadger(sc, log)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
