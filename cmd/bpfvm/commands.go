package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/cache"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/jit"
	"github.com/fortiblox/bpfvm/pkg/verifier"
	"github.com/fortiblox/bpfvm/pkg/vm"
)

// errNoStore is returned by cache commands without a persistent backend.
var errNoStore = errors.New("no persistent cache configured")

// verify checks the program at path with the configured engine options.
func (a *app) verify(path string) (ebpf.Image, *ebpf.Program, *ebpf.SyscallTable, error) {
	cfg, err := a.vmConfig()
	if err != nil {
		return ebpf.Image{}, nil, nil, err
	}
	table, err := a.syscallTable()
	if err != nil {
		return ebpf.Image{}, nil, nil, err
	}
	img, err := a.readImage(path)
	if err != nil {
		return ebpf.Image{}, nil, nil, err
	}
	prog, err := verifier.New(cfg, table, verifier.WithLogger(a.log)).Verify(img)
	if err != nil {
		return img, nil, nil, err
	}
	return img, prog, table, nil
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify a program and print its function table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, prog, _, err := a.verify(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "program %s\n", types.ComputeProgramID(img))
			fmt.Fprintf(out, "%d instructions, entry %d\n", prog.Len(), prog.Entry)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FUNCTION\tENTRY\tEND\tFRAME")
			for i, f := range prog.Functions {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", i, f.Entry, f.End, f.FrameSize)
			}
			return w.Flush()
		},
	}
}

func (a *app) disasmCmd() *cobra.Command {
	var native bool
	cmd := &cobra.Command{
		Use:   "disasm <file>",
		Short: "Print the instruction listing, or the generated x86-64 code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, prog, table, err := a.verify(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !native {
				fmt.Fprint(out, ebpf.Disassemble(prog, table))
				return nil
			}
			listing, err := jit.Listing(prog, prog.Config)
			if err != nil {
				return err
			}
			fmt.Fprint(out, listing)
			return nil
		},
	}
	cmd.Flags().BoolVar(&native, "native", false, "Print the x86-64 code generated by the JIT")
	return cmd
}

func (a *app) runCmd() *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a program and print r0 or the fault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], inputPath)
		},
	}
	f := cmd.Flags()
	f.StringVar(&inputPath, "input", "", "File mapped at the input region")
	f.Bool("jit", false, "Run compiled code")
	f.Uint64("budget", ebpf.DefaultComputeBudget, "Compute units available to the invocation")
	_ = a.v.BindPFlag("vm.jit", f.Lookup("jit"))
	_ = a.v.BindPFlag("vm.compute_budget", f.Lookup("budget"))
	return cmd
}

// openCache opens the configured program cache.
func (a *app) openCache(cfg ebpf.Config, table *ebpf.SyscallTable) (*cache.Cache, error) {
	store, err := a.cfg.Cache.OpenStore(a.log)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(cache.Options{
		Config:    cfg,
		Syscalls:  table,
		Store:     store,
		Programs:  a.cfg.Cache.Programs,
		Artifacts: a.cfg.Cache.Artifacts,
		Logger:    a.log,
	})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}
	return c, nil
}

func (a *app) run(cmd *cobra.Command, path, inputPath string) error {
	cfg, err := a.vmConfig()
	if err != nil {
		return err
	}
	table, err := a.syscallTable()
	if err != nil {
		return err
	}
	img, err := a.readImage(path)
	if err != nil {
		return err
	}
	var input []byte
	if inputPath != "" {
		if input, err = os.ReadFile(inputPath); err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}

	c, err := a.openCache(cfg, table)
	if err != nil {
		return err
	}
	defer c.Close()

	id, prog, err := c.Program(img)
	if err != nil {
		return err
	}
	log := a.log.WithField("program", id.Short())

	opts := vm.Options{Syscalls: table, Logger: log}
	if cfg.UseJIT {
		lease, err := c.Artifact(id)
		switch {
		case err == nil:
			defer lease.Release()
			opts.Artifact = lease.Artifact()
		case a.cfg.VM.FallbackToInterpreter:
			log.WithError(err).Warn("jit unavailable, interpreting")
			interp := cfg
			interp.UseJIT = false
			opts.Config = &interp
		default:
			return err
		}
	}

	ctx, err := vm.New(prog, opts)
	if err != nil {
		return err
	}
	defer ctx.Close()
	if err := ctx.BindInput(input); err != nil {
		return err
	}
	r0, runErr := ctx.Run()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "engine: %s\n", ctx.Engine())
	fmt.Fprintf(out, "instructions: %d\n", ctx.Executed())
	fmt.Fprintf(out, "units: %d of %d\n", ctx.Consumed(), ctx.Config().ComputeBudget)
	if runErr != nil {
		fmt.Fprintf(out, "fault: %v\n", runErr)
		return runErr
	}
	fmt.Fprintf(out, "r0: %d (%#x)\n", r0, r0)
	return nil
}

func (a *app) hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the program id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := a.readImage(args[0])
			if err != nil {
				return err
			}
			id := types.ComputeProgramID(img)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, id.Hex())
			return nil
		},
	}
}

func (a *app) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persistent program cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored program ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.cfg.Cache.OpenStore(a.log)
			if err != nil {
				return err
			}
			if store == nil {
				return errNoStore
			}
			defer store.Close()
			ids, err := store.IDs()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})
	return cmd
}
