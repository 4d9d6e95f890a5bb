package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

// overrides are the global flags; non-empty values replace the loaded
// configuration.
type overrides struct {
	llm      string
	model    string
	workDir  string
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var ov overrides

	rootCmd := &cobra.Command{
		Use:   "agentforge [prompt]",
		Short: "Self-improving multi-agent coding assistant",
		Long: `agentforge plans a request, implements it subtask by subtask and learns
reusable patterns from the outcome. Without a subcommand it starts the
interactive terminal, sending the optional prompt first.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd, ov, args)
		},
	}

	rootCmd.PersistentFlags().StringVar(&ov.llm, "llm", "", "LLM backend: glm, compatible, openai, anthropic, bedrock, gemini or mock")
	rootCmd.PersistentFlags().StringVarP(&ov.model, "model", "m", "", "Model name")
	rootCmd.PersistentFlags().StringVarP(&ov.workDir, "workdir", "w", "", "Directory the tools operate in")
	rootCmd.PersistentFlags().StringVar(&ov.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(newRunCommand(&ov))
	rootCmd.AddCommand(newREPLCommand(&ov))
	rootCmd.AddCommand(newACPCommand(&ov))
	rootCmd.AddCommand(newMCPCommand(&ov))
	rootCmd.AddCommand(newPatternsCommand(&ov))
	rootCmd.AddCommand(newToolsCommand(&ov))

	return rootCmd
}
