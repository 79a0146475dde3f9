package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func newRootCmd() *cobra.Command {
	var home string
	root := &cobra.Command{
		Use:           "agentcore",
		Short:         "Agent orchestration core",
		Long:          "Stores agents, skills, tasks, organizations and vehicles, schedules work onto agents, and serves the A2A and chat push surfaces.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if home != "" {
				_ = os.Setenv("AGENTCORE_HOME", home)
			}
		},
	}
	root.PersistentFlags().StringVar(&home, "home", "", "data directory (default $AGENTCORE_HOME or ~/.agentcore)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newStatusCmd(),
		newDoctorCmd(),
		newSeedOrgsCmd(),
		newA2ACmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentcore %s\n", Version)
		},
	}
}

// loadConfig reads config.yaml from the active home directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle().Render("error: ")+err.Error())
		stop()
		os.Exit(1)
	}
}
