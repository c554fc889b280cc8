package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/tweak"
)

func createLayoutCmd() *cobra.Command {
	var dir string
	var compiled bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the storage layout of a cloned contract",
		Long: `Print the storage layout recorded when the contract was cloned. With
--compiled the project is rebuilt and the new layout is printed next to it,
followed by the compatibility verdict.

EXAMPLES:
  contratweak layout
  contratweak layout --compiled
  contratweak layout --compiled --json
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			config := loadProjectConfigSilent()

			project, err := clone.Load(projectDir(dir, config))
			if err != nil {
				return err
			}

			if !compiled {
				if jsonOutput {
					return printJSON(out, map[string]any{
						"contract": project.TargetContract,
						"original": layoutRows(project.StorageLayout),
					})
				}
				return printLayout(out, "Original layout of "+project.TargetContract, project.StorageLayout)
			}

			compiler, err := detectCompiler(project.Dir, config)
			if err != nil {
				return err
			}
			var extra []string
			if config != nil {
				extra = config.Tweak.ExtraArgs
			}
			res, runErr := tweak.New(compiler, nil, newLogger()).Run(ctx, project, tweak.Options{Mode: tweak.ModeCheck, ExtraArgs: extra})
			if res == nil || res.Candidate == nil {
				return runErr
			}

			if jsonOutput {
				doc := map[string]any{
					"contract": project.TargetContract,
					"original": layoutRows(project.StorageLayout),
					"compiled": layoutRows(res.Candidate),
				}
				if res.Verdict != nil {
					doc["findings"] = res.Verdict.Findings
				}
				if err := printJSON(out, doc); err != nil {
					return err
				}
				return runErr
			}

			if err := printLayout(out, "Original layout of "+project.TargetContract, project.StorageLayout); err != nil {
				return err
			}
			fmt.Fprintln(out)
			if err := printLayout(out, "Compiled layout", res.Candidate); err != nil {
				return err
			}
			if res.Verdict != nil {
				fmt.Fprintln(out)
				if res.Verdict.Compatible() {
					fmt.Fprintln(out, "Storage layout: compatible")
				} else {
					fmt.Fprintf(out, "Storage layout: incompatible (%d finding(s))\n", len(res.Verdict.Findings))
					if err := printFindings(out, res.Verdict.Findings); err != nil {
						return err
					}
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "cloned project directory (default from config, then current directory)")
	cmd.Flags().BoolVar(&compiled, "compiled", false, "also compile the sources and compare layouts")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}
