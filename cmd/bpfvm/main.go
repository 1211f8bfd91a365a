// bpfvm verifies, disassembles and runs eBPF programs.
//
// A program file holds raw little-endian instruction slots. Read-only
// data, the entry point and extra function entries are given by flags.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fortiblox/bpfvm/internal/config"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/syscalls"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// app is the state shared by the subcommands of one invocation.
type app struct {
	v   *viper.Viper
	log *logrus.Logger
	cfg *config.File

	configPath string
	rodata     string
	entry      int
	functions  []int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New(), log: logrus.New()}
	a.log.Out = os.Stderr

	root := &cobra.Command{
		Use:           "bpfvm",
		Short:         "bpfvm: verify, disassemble and run eBPF programs",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (yaml, toml or json)")
	pf.String("log-level", "info", "Logging verbosity: panic, fatal, error, warn, info, debug, trace")
	pf.StringVar(&a.rodata, "rodata", "", "File mapped read-only at the program region")
	pf.IntVar(&a.entry, "entry", 0, "Instruction index of the entry point")
	pf.IntSliceVar(&a.functions, "function", nil, "Additional function entry index (repeatable)")
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))

	root.AddCommand(
		a.verifyCmd(),
		a.disasmCmd(),
		a.runCmd(),
		a.hashCmd(),
		a.cacheCmd(),
	)
	return root
}

// setup reads the config file and configures the logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.log.Out = cmd.ErrOrStderr()
	if err := config.ReadFile(a.v, a.configPath); err != nil {
		return err
	}
	cfg, err := config.Decode(a.v)
	if err != nil {
		return err
	}
	if err := cfg.Log.Apply(a.log); err != nil {
		return err
	}
	a.cfg = cfg
	a.log.WithFields(logrus.Fields{
		"config":  a.configPath,
		"command": cmd.Name(),
	}).Debug("configuration loaded")
	return nil
}

// vmConfig returns the engine configuration.
func (a *app) vmConfig() (ebpf.Config, error) {
	return a.cfg.VM.Config()
}

// syscallTable returns the standard syscall set.
func (a *app) syscallTable() (*ebpf.SyscallTable, error) {
	return syscalls.StandardTable(syscalls.Options{})
}

// readImage loads the program at path together with the --rodata,
// --entry and --function flags.
func (a *app) readImage(path string) (ebpf.Image, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return ebpf.Image{}, fmt.Errorf("read program: %w", err)
	}
	img := ebpf.Image{Text: text, Entry: a.entry, Functions: a.functions}
	if a.rodata != "" {
		if img.ROData, err = os.ReadFile(a.rodata); err != nil {
			return ebpf.Image{}, fmt.Errorf("read rodata: %w", err)
		}
	}
	return img, nil
}
