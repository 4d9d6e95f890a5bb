package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/m4xw311/agentforge/acp"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/knowledge"
	"github.com/m4xw311/agentforge/mcpserver"
	"github.com/m4xw311/agentforge/orchestrator"
	"github.com/m4xw311/agentforge/terminal"
	"github.com/spf13/cobra"
)

func newRunCommand(ov *overrides) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run one request through the pipeline and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*ov)
			if err != nil {
				return err
			}
			a, err := newPipelineApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			return runOnce(cmd, a.orch, strings.Join(args, " "), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run result as JSON instead of streaming output")
	return cmd
}

// runOnce fails when any subtask failed so scripts can rely on the exit code.
func runOnce(cmd *cobra.Command, o *orchestrator.Orchestrator, request string, asJSON bool) error {
	out := cmd.OutOrStdout()

	var opts []orchestrator.RunOption
	if !asJSON {
		opts = append(opts, orchestrator.WithChunkHandler(func(chunk string) {
			fmt.Fprint(out, chunk)
		}))
	}
	res, err := o.Run(cmd.Context(), request, opts...)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printSummary(out, res)
	}

	if !res.Succeeded() {
		failed := 0
		for _, rec := range res.Records {
			if !rec.Success {
				failed++
			}
		}
		return errors.New("%d of %d subtasks failed", failed, len(res.Records))
	}
	return nil
}

func printSummary(out io.Writer, res *orchestrator.RunResult) {
	fmt.Fprintf(out, "\n\nRun %s\n", res.RunID)
	for i, rec := range res.Records {
		mark := "✓"
		if !rec.Success {
			mark = "✗"
		}
		fmt.Fprintf(out, "  %s %d. %s\n", mark, i+1, rec.Task.Description)
	}
	fmt.Fprintf(out, "Patterns stored: %d\n", res.PatternsStored)
}

func newREPLCommand(ov *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "repl [prompt]",
		Short: "Start the interactive terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd, *ov, args)
		},
	}
}

func runREPL(cmd *cobra.Command, ov overrides, args []string) error {
	cfg, err := loadConfig(ov)
	if err != nil {
		return err
	}
	a, err := newPipelineApp(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	t := terminal.New(a.orch, cmd.InOrStdin(), cmd.OutOrStdout())
	return t.Run(cmd.Context(), strings.Join(args, " "))
}

func newACPCommand(ov *overrides) *cobra.Command {
	var wsAddr string
	cmd := &cobra.Command{
		Use:   "acp",
		Short: "Serve the Agent Client Protocol on stdio, or on a websocket with --ws",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*ov)
			if err != nil {
				return err
			}
			a, err := newPipelineApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			runner := acp.Pipeline(a.orch)
			if wsAddr != "" {
				return acp.ListenWebSocket(cmd.Context(), wsAddr, runner, a.logger)
			}
			srv := acp.NewServer(runner, a.logger)
			return srv.Serve(cmd.Context(), acp.NewStdioConn(cmd.InOrStdin(), cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringVar(&wsAddr, "ws", "", "Listen for websocket clients on this address, e.g. :8765")
	return cmd
}

func newMCPCommand(ov *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose the knowledge store as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*ov)
			if err != nil {
				return err
			}
			a, err := newBaseApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			return mcpserver.ServeStdio(mcpserver.New(a.store, version, a.logger))
		},
	}
}

func newPatternsCommand(ov *overrides) *cobra.Command {
	var (
		patternType string
		limit       int
		minRate     float64
	)
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List learned patterns, best scoring first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*ov)
			if err != nil {
				return err
			}
			a, err := newBaseApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			patterns, err := a.store.SearchPatterns(cmd.Context(), knowledge.PatternQuery{
				PatternType:    patternType,
				MinSuccessRate: minRate,
				Limit:          limit,
			})
			if err != nil {
				return err
			}
			printPatterns(cmd.OutOrStdout(), patterns)
			return nil
		},
	}
	cmd.Flags().StringVarP(&patternType, "type", "t", "", "Only list patterns of this type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of patterns")
	cmd.Flags().Float64Var(&minRate, "min-success-rate", 0, "Minimum success rate (0.0-1.0)")
	return cmd
}

func printPatterns(out io.Writer, patterns []knowledge.Pattern) {
	if len(patterns) == 0 {
		fmt.Fprintln(out, "No patterns learned yet.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSUCCESS\tUSES\tDESCRIPTION")
	for _, p := range patterns {
		fmt.Fprintf(tw, "%d\t%s\t%.0f%%\t%d\t%s\n",
			p.ID, p.PatternType, p.SuccessRate*100, p.UsageCount, p.Description)
	}
	_ = tw.Flush()
}

func newToolsCommand(ov *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the capabilities available to the coder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*ov)
			if err != nil {
				return err
			}
			a, err := newToolsApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			for _, d := range a.gateway.Describe() {
				fmt.Fprintf(out, "%-24s %s\n", d.Name, d.Description)
			}
			return nil
		},
	}
}
