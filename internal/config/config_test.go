package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bpfvm/pkg/cache"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	cfg, err := f.VM.Config()
	require.NoError(t, err)
	assert.Equal(t, ebpf.DefaultConfig(), cfg)
	assert.True(t, f.VM.FallbackToInterpreter)
	assert.Equal(t, "info", f.Log.Level)
	assert.Equal(t, BackendNone, f.Cache.Backend)
	assert.Equal(t, cache.DefaultArtifacts, f.Cache.Artifacts)

	s, err := f.Cache.OpenStore(nil)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "bpfvm.yaml", `
vm:
  compute_budget: 5000
  jit: true
  costs: weighted
  stack_gaps: false
  disabled_opcodes: [alu32, "0x2f"]
log:
  level: debug
  format: json
cache:
  backend: bolt
  path: /tmp/programs.db
  artifacts: 4
`)
	f, err := Load(path)
	require.NoError(t, err)
	cfg, err := f.VM.Config()
	require.NoError(t, err)

	assert.Equal(t, uint64(5000), cfg.ComputeBudget)
	assert.True(t, cfg.UseJIT)
	assert.False(t, cfg.EnableStackGaps)
	assert.Equal(t, ebpf.WeightedCosts(), cfg.Costs)
	require.NotNil(t, cfg.Opcodes)
	assert.False(t, cfg.Opcodes.Has(ebpf.OpAdd32Imm))
	assert.False(t, cfg.Opcodes.Has(ebpf.OpMul64Reg))
	assert.True(t, cfg.Opcodes.Has(ebpf.OpMul64Imm))
	assert.Equal(t, ebpf.DefaultMaxCallDepth, cfg.MaxCallDepth)

	assert.Equal(t, BackendBolt, f.Cache.Backend)
	assert.Equal(t, 4, f.Cache.Artifacts)

	logger := logrus.New()
	require.NoError(t, f.Log.Apply(logger))
	assert.Equal(t, logrus.DebugLevel, logger.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestEnvironment(t *testing.T) {
	path := writeFile(t, "bpfvm.toml", `
[vm]
compute_budget = 5000
`)
	t.Setenv("BPFVM_VM_COMPUTE_BUDGET", "77")
	t.Setenv("BPFVM_VM_DISABLED_OPCODES", "div,endian")
	t.Setenv("BPFVM_LOG_LEVEL", "warn")

	f, err := Load(path)
	require.NoError(t, err)
	cfg, err := f.VM.Config()
	require.NoError(t, err)
	assert.Equal(t, uint64(77), cfg.ComputeBudget)
	assert.False(t, cfg.Opcodes.Has(ebpf.OpMod64Reg))
	assert.False(t, cfg.Opcodes.Has(ebpf.OpBe))
	assert.True(t, cfg.Opcodes.Has(ebpf.OpAdd32Imm))
	assert.Equal(t, "warn", f.Log.Level)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"frame size", "vm:\n  stack_frame_size: 1000\n", ebpf.ErrInvalidConfig},
		{"call depth", "vm:\n  max_call_depth: 0\n", ebpf.ErrInvalidConfig},
		{"heap", "vm:\n  heap_size: 1048576\n", ebpf.ErrInvalidConfig},
		{"group", "vm:\n  disabled_opcodes: [simd]\n", ErrInvalid},
		{"costs", "vm:\n  costs: free\n", ErrInvalid},
		{"log level", "log:\n  level: loud\n", ErrInvalid},
		{"log format", "log:\n  format: xml\n", ErrInvalid},
		{"backend", "cache:\n  backend: redis\n", ErrInvalid},
		{"path", "cache:\n  backend: badger\n", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bpfvm.yaml", tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenStore(t *testing.T) {
	for _, c := range []Cache{
		{Backend: BackendMemory},
		{Backend: BackendBolt, Path: filepath.Join(t.TempDir(), "programs.db"), Compress: true},
		{Backend: BackendBadger, Path: t.TempDir()},
	} {
		t.Run(c.Backend, func(t *testing.T) {
			s, err := c.OpenStore(nil)
			require.NoError(t, err)
			require.NotNil(t, s)
			ids, err := s.IDs()
			require.NoError(t, err)
			assert.Empty(t, ids)
			require.NoError(t, s.Close())
		})
	}
}
