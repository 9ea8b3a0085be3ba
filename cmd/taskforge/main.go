// taskforge dispatches typed inference tasks to a local model runtime with
// resource-aware routing, a two-tier result cache, health-tracked load
// balancing, and adaptive few-shot memory.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Version is stamped by the build.
var Version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "taskforge - resource-aware dispatcher for local LLM inference",
	Long: `taskforge is the orchestration core for heterogeneous inference tasks
(generate, chat, embed, vision, audio) against a local model runtime.

It routes every task to a model variant the host can afford, balances across
replicated runtime endpoints with health tracking, deduplicates work through
a two-tier cache, and improves its prompts over time from retained
experiences.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskforge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskforge %s\n", Version)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatcher until interrupted",
	RunE:  runDaemon,
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Dispatch a single task and print the result",
	RunE:  runExec,
}

var (
	execKind    string
	execPrompt  string
	execNoCache bool
	execTimeout time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "taskforge.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	execCmd.Flags().StringVar(&execKind, "kind", "generate", "task kind: generate, chat, embed")
	execCmd.Flags().StringVar(&execPrompt, "prompt", "", "prompt text")
	execCmd.Flags().BoolVar(&execNoCache, "no-cache", false, "bypass the result cache")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "per-task timeout override")

	rootCmd.AddCommand(versionCmd, runCmd, execCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
