package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pendergraft/contratweak/pkg/client"
)

// errRunFailed makes the process exit non-zero after a failed run was printed.
var errRunFailed = errors.New("run failed")

func createRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Work with projects registered on a contratweak server",
		Long: `Commands that talk to a contratweak server. The server compiles projects under
its own projects root and applies tweaks to the node it is configured with.`,
	}

	cmd.AddCommand(createRemoteProjectsCmd())
	cmd.AddCommand(createRemoteImportCmd())
	cmd.AddCommand(createRemoteDeleteCmd())
	cmd.AddCommand(createRemoteCheckCmd())
	cmd.AddCommand(createRemoteTweakCmd())
	cmd.AddCommand(createRemoteRunsCmd())

	return cmd
}

func newClient() *client.Client {
	return client.New(getServer(), getAPIKey())
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// remoteProject returns the positional name or the config's project name.
func remoteProject(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if config := loadProjectConfigSilent(); config != nil && config.Project != "" {
		return config.Project, nil
	}
	return "", fmt.Errorf("project name required (argument or 'project' in contratweak.toml)")
}

func createRemoteProjectsCmd() *cobra.Command {
	var limit int
	var cursor string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "projects [name]",
		Short: "List registered projects or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			ctx := cmdContext(cmd)
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				p, err := c.GetProject(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get project: %w", err)
				}
				if jsonOutput {
					return printJSON(out, p)
				}
				return printProject(out, p)
			}

			resp, err := c.ListProjects(ctx, client.ListOptions{Limit: limit, Cursor: cursor})
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
			if jsonOutput {
				return printJSON(out, resp)
			}
			return printProjects(out, resp)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of items to show")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this project")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createRemoteImportCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "import <name> <dir>",
		Short: "Register a cloned project directory on the server",
		Long: `Register a cloned project with the server. The directory is resolved on the
server and must lie under its projects root.

EXAMPLES:
  contratweak remote import vault clones/vault
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newClient().ImportProject(cmdContext(cmd), client.ImportRequest{Name: args[0], Dir: args[1]})
			if err != nil {
				return fmt.Errorf("failed to import project: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%s at %d/%s)\n", p.Name, p.TargetContract, p.ChainID, p.Address)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func createRemoteDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a project and its run history from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteProject(cmdContext(cmd), args[0]); err != nil {
				return fmt.Errorf("failed to delete project: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func createRemoteCheckCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check [name]",
		Short: "Check a registered project's storage layout on the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := remoteProject(args)
			if err != nil {
				return err
			}
			run, err := newClient().Check(cmdContext(cmd), name)
			if err != nil {
				return fmt.Errorf("failed to start check: %w", err)
			}
			return finishRun(cmd.OutOrStdout(), run, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func createRemoteTweakCmd() *cobra.Command {
	var req client.TweakRequest
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "tweak [name]",
		Short: "Tweak a registered project on the server's node",
		Long: `Run the full pipeline for a registered project on the server. Runs on the same
deployed contract are serialized by the server.

EXAMPLES:
  contratweak remote tweak vault
  contratweak remote tweak vault --dry-run --immutable fee=0x01f4
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := remoteProject(args)
			if err != nil {
				return err
			}
			run, err := newClient().Tweak(cmdContext(cmd), name, req)
			if err != nil {
				return fmt.Errorf("failed to start tweak: %w", err)
			}
			return finishRun(cmd.OutOrStdout(), run, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "stop after generating the deployment")
	cmd.Flags().BoolVar(&req.AllowChainMismatch, "allow-chain-mismatch", false, "apply even if the node's chain id differs from the project")
	cmd.Flags().StringToStringVar(&req.Immutables, "immutable", nil, "immutable override name=0xvalue (repeatable)")
	cmd.Flags().StringSliceVar(&req.Reexecute, "reexecute", nil, "immutables to recompute by re-running the constructor")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createRemoteRunsCmd() *cobra.Command {
	var opts client.ListOptions
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List runs or show one",
		Long: `List recorded runs, newest first, or show a single run.

EXAMPLES:
  contratweak remote runs
  contratweak remote runs --project vault --status failed
  contratweak remote runs 7d0c1f52-0d37-4c47-9b7a-5c1c1f9f0b8e
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			ctx := cmdContext(cmd)
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				run, err := c.GetRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get run: %w", err)
				}
				if jsonOutput {
					return printJSON(out, run)
				}
				return printRun(out, run)
			}

			resp, err := c.ListRuns(ctx, opts)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			if jsonOutput {
				return printJSON(out, resp)
			}
			return printRuns(out, resp)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of items to show")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "continue after this run id")
	cmd.Flags().StringVar(&opts.Project, "project", "", "only runs of this project")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only runs with this status (running, succeeded, failed)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func finishRun(out io.Writer, run *client.Run, jsonOutput bool) error {
	var err error
	if jsonOutput {
		err = printJSON(out, run)
	} else {
		err = printRun(out, run)
	}
	if err != nil {
		return err
	}
	if !run.Succeeded() {
		return fmt.Errorf("%w at %s: %s", errRunFailed, run.Stage, run.Error)
	}
	return nil
}

func printProject(out io.Writer, p *client.Project) error {
	fmt.Fprintf(out, "Name:       %s\n", p.Name)
	fmt.Fprintf(out, "Contract:   %s\n", p.TargetContract)
	fmt.Fprintf(out, "Target:     %d/%s\n", p.ChainID, p.Address)
	fmt.Fprintf(out, "Directory:  %s\n", p.Dir)
	if p.CompilerVersion != "" {
		fmt.Fprintf(out, "Compiler:   solc %s\n", p.CompilerVersion)
	}
	if len(p.Immutables) > 0 {
		fmt.Fprintf(out, "Immutables: %v\n", p.Immutables)
	}
	if p.Libraries > 0 {
		fmt.Fprintf(out, "Libraries:  %d\n", p.Libraries)
	}
	fmt.Fprintf(out, "Creation:   %v\n", p.HasCreation)
	if p.CreatedAt != "" {
		fmt.Fprintf(out, "Imported:   %s\n", p.CreatedAt)
	}
	return nil
}

func printProjects(out io.Writer, resp *client.ListProjectsResponse) error {
	if len(resp.Data) == 0 {
		fmt.Fprintln(out, "No projects found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCONTRACT\tCHAIN\tADDRESS")
	for _, p := range resp.Data {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.Name, p.TargetContract, p.ChainID, p.Address)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if resp.Pagination.HasMore {
		fmt.Fprintf(out, "\n(more available: --cursor %s)\n", resp.Pagination.NextCursor)
	}
	return nil
}

func printRun(out io.Writer, run *client.Run) error {
	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Project:  %s\n", run.Project)
	fmt.Fprintf(out, "Mode:     %s\n", run.Mode)
	fmt.Fprintf(out, "Status:   %s\n", run.Status)
	if run.Stage != "" {
		fmt.Fprintf(out, "Stage:    %s\n", run.Stage)
	}
	fmt.Fprintf(out, "Target:   %s\n", run.Target)
	if run.CodeHash != "" {
		fmt.Fprintf(out, "Code:     %s (written: %v)\n", run.CodeHash, run.Written)
	}
	fmt.Fprintf(out, "Duration: %dms\n", run.DurationMs)
	if run.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", run.Error)
	}
	if len(run.Findings) > 0 {
		fmt.Fprintf(out, "\nStorage layout: incompatible (%d finding(s))\n", len(run.Findings))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  KIND\tSLOT\tOFFSET\tLABEL\tREASON")
		for _, f := range run.Findings {
			fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\n", f.Kind, f.Slot, f.Offset, f.Label, f.Reason)
		}
		return w.Flush()
	}
	return nil
}

func printRuns(out io.Writer, resp *client.ListRunsResponse) error {
	if len(resp.Data) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tMODE\tSTATUS\tSTAGE\tCREATED")
	for _, r := range resp.Data {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Project, r.Mode, r.Status, r.Stage, r.CreatedAt)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if resp.Pagination.HasMore {
		fmt.Fprintf(out, "\n(more available: --cursor %s)\n", resp.Pagination.NextCursor)
	}
	return nil
}
