package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/migrate"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/service"
)

func newSeedOrgsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-orgs",
		Short: "Create the default organization tree when absent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(cfg *config.Config, store *persistence.Store) error {
				if _, err := migrate.New(store, migrate.Options{}).MigrateToLatest(cmd.Context()); err != nil {
					return err
				}
				svc := service.New(service.Deps{Store: store, Logger: slog.Default()})
				res := svc.Orgs.SeedDefaultOrgs(cmd.Context())
				if err := res.Err(); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if data, ok := res.Data.(map[string]any); ok && data["created"] == true {
					ids, _ := data["ids"].([]string)
					fmt.Fprintf(out, "created %s with %d departments (root %s)\n",
						service.DefaultRootOrg, max(len(ids)-1, 0), res.ID)
					return nil
				}
				fmt.Fprintf(out, "%s already present (root %s)\n", service.DefaultRootOrg, res.ID)
				return nil
			})
		},
	}
}
