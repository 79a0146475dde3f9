package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/doctor"
)

var errChecksFailed = errors.New("one or more checks failed")

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfgp *config.Config
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "config load: %v\n", err)
			} else {
				cfgp = &cfg
			}

			diag := doctor.Run(cmd.Context(), cfgp, Version)
			out := cmd.OutOrStdout()

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, heading(out, fmt.Sprintf("agentcore doctor (%s)", diag.Timestamp.Format(time.RFC3339))))
				fmt.Fprintln(out, dim(out, fmt.Sprintf("%s/%s %s, %s", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)))
				for _, res := range diag.Results {
					fmt.Fprintf(out, "%s %-12s %s\n", badge(out, res.Status), res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "       %s\n", dim(out, res.Detail))
					}
				}
			}

			if diag.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the diagnosis as JSON")
	return cmd
}
