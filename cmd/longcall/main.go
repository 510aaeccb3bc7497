// Command longcall serves long-running job functions over HTTP. Jobs run out
// of band, either in a pool of child processes or on asynq workers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/longcall/internal/config"
	"github.com/seantiz/longcall/internal/demo"
	"github.com/seantiz/longcall/internal/jobfn"
	"github.com/seantiz/longcall/internal/worker"
)

var flagConfigFilePath string // value of --config flag

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file; LONGCALL_* environment variables override it")
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(functionsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("longcall failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "longcall",
	Short:        "Background job manager for long-running function calls",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and dispatch jobs to the configured backend",
	RunE:  doServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume jobs from the queue backend",
	RunE:  doWorker,
}

var jobCmd = &cobra.Command{
	Use:    "_job",
	Short:  "internal command: run one job for the process backend",
	RunE:   doJob,
	Hidden: true,
}

var functionsCmd = &cobra.Command{
	Use:   "functions",
	Short: "List registered job functions and their identities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := newRegistry()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTASK\tIDENTITY")
		for _, f := range reg.List() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.TaskName(), f.Identity)
		}
		return tw.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "longcall: version info not available")
			return
		}
		fmt.Fprintf(out, "longcall: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:    %s\n", s.Value)
			}
		}
	},
}

// newRegistry builds the function registry. Every process that runs jobs
// must build the same one so identities agree.
func newRegistry() (*jobfn.Registry, error) {
	reg := jobfn.NewRegistry()
	if err := demo.Register(reg); err != nil {
		return nil, fmt.Errorf("register demo functions: %w", err)
	}
	return reg, nil
}

// doJob runs inside a process-pool child. The request arrives on stdin and
// the outcome leaves on stdout, so logs go to stderr.
func doJob(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	level := slog.LevelInfo
	if cfg, err := config.Load(flagConfigFilePath); err == nil {
		level = cfg.Level()
	}
	logger := config.NewLogger(os.Stderr, level)

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	return worker.RunChild(ctx, reg, os.Stdin, os.Stdout, logger)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
