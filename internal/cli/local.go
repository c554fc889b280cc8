package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/chains/evm"
	"github.com/pendergraft/contratweak/internal/chains/evm/foundry"
	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/executor"
	"github.com/pendergraft/contratweak/internal/tweak"
)

// localFlags are shared by the commands that run the pipeline in-process.
type localFlags struct {
	dir        string
	rpcURL     string
	jsonOutput bool

	dryRun        bool
	allowMismatch bool
	immutables    map[string]string
	reexecute     []string
}

func createTweakCmd() *cobra.Command {
	var f localFlags

	cmd := &cobra.Command{
		Use:   "tweak",
		Short: "Recompile a cloned contract and replace its code on a fork",
		Long: `Recompile the cloned project, check the storage layout against the deployed
contract, rebuild the runtime code with the original immutables and libraries,
and install it at the original address on the fork node.

Running tweak twice on unchanged sources leaves the node untouched the second time.

EXAMPLES:
  # Tweak the project in the current directory against anvil
  contratweak tweak

  # Preview the generated code without writing it
  contratweak tweak --dry-run

  # Override an immutable and recompute another by re-running the constructor
  contratweak tweak --immutable owner=0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266 --reexecute DOMAIN_SEPARATOR
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := tweak.ModeApply
			if f.dryRun {
				mode = tweak.ModeDryRun
			}
			return runLocal(cmd.Context(), cmd.OutOrStdout(), f, mode)
		},
	}

	addLocalFlags(cmd, &f)
	cmd.Flags().StringVar(&f.rpcURL, "rpc-url", "", "fork node JSON-RPC URL (default from config)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "stop after generating the deployment")
	cmd.Flags().BoolVar(&f.allowMismatch, "allow-chain-mismatch", false, "apply even if the node's chain id differs from the project")
	cmd.Flags().StringToStringVar(&f.immutables, "immutable", nil, "immutable override name=0xvalue (repeatable)")
	cmd.Flags().StringSliceVar(&f.reexecute, "reexecute", nil, "immutables to recompute by re-running the constructor")

	return cmd
}

func createCheckCmd() *cobra.Command {
	var f localFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check storage layout compatibility without touching the chain",
		Long: `Recompile the cloned project and compare its storage layout with the layout of
the deployed contract. Every incompatibility is reported; the command fails when
there is at least one.

EXAMPLES:
  contratweak check
  contratweak check --dir ./clones/vault --json
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd.Context(), cmd.OutOrStdout(), f, tweak.ModeCheck)
		},
	}

	addLocalFlags(cmd, &f)
	return cmd
}

func addLocalFlags(cmd *cobra.Command, f *localFlags) {
	cmd.Flags().StringVar(&f.dir, "dir", "", "cloned project directory (default from config, then current directory)")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "output as JSON")
}

func projectDir(flag string, config *ProjectConfig) string {
	if flag != "" {
		return flag
	}
	if config != nil && config.Dir != "" {
		return config.Dir
	}
	return "."
}

// detectCompiler picks the compiler whose config file dir carries.
func detectCompiler(dir string, config *ProjectConfig) (chains.Compiler, error) {
	var opts []foundry.Option
	if config != nil && config.Tweak.Forge != "" {
		opts = append(opts, foundry.WithBinary(config.Tweak.Forge))
	}
	registry := chains.NewRegistry()
	registry.Register(evm.NewChain(opts...))
	return registry.DetectCompiler(dir)
}

func runLocal(ctx context.Context, out io.Writer, f localFlags, mode tweak.Mode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	config := loadProjectConfigSilent()
	logger := newLogger()

	project, err := clone.Load(projectDir(f.dir, config))
	if err != nil {
		return err
	}
	compiler, err := detectCompiler(project.Dir, config)
	if err != nil {
		return err
	}

	var exec tweak.Executor
	if mode != tweak.ModeCheck {
		clientOpts, err := config.ClientOptions()
		if err != nil {
			return err
		}
		execOpts, err := config.ExecutorOptions(f.immutables, f.allowMismatch, f.reexecute)
		if err != nil {
			return err
		}

		url := getRPCURL(f.rpcURL)
		rpc, err := evm.Dial(ctx, url, clientOpts, logger)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", url, err)
		}
		defer rpc.Close()
		exec = executor.New(rpc, execOpts, logger)
	}

	var extra []string
	if config != nil {
		extra = config.Tweak.ExtraArgs
	}

	res, runErr := tweak.New(compiler, exec, logger).Run(ctx, project, tweak.Options{Mode: mode, ExtraArgs: extra})
	if res != nil {
		var err error
		if f.jsonOutput {
			err = printJSON(out, res)
		} else {
			err = printResult(out, res)
		}
		if err != nil {
			return err
		}
	}
	return runErr
}
