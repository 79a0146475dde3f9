package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/migrate"
	"github.com/basket/agentcore/internal/persistence"
)

// openStore opens the configured database and points the audit trail at it.
func openStore(cfg *config.Config, logger *slog.Logger) (*persistence.Store, error) {
	store, err := persistence.Open(cfg.DBPath, cfg.StoreOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	audit.SetDB(store.DB())
	return store, nil
}

// withStore loads config, opens the store and runs fn against it.
func withStore(ctx context.Context, fn func(*config.Config, *persistence.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	defer func() { _ = audit.Close() }()

	store, err := openStore(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func newMigrateCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date",
		Long:  "Runs every migration script between the stored schema version and --target (default: the latest registered version). A fresh database gets the current schema in one step.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(cfg *config.Config, store *persistence.Store) error {
				eng := migrate.New(store, migrate.Options{})
				var (
					res migrate.Result
					err error
				)
				if target == "" {
					res, err = eng.MigrateToLatest(cmd.Context())
				} else {
					res, err = eng.MigrateTo(cmd.Context(), target)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				switch {
				case res.Fresh:
					fmt.Fprintf(out, "fresh install at %s\n", res.To)
				case len(res.Applied) == 0:
					fmt.Fprintf(out, "already at %s\n", res.To)
				default:
					fmt.Fprintf(out, "migrated %s -> %s (%s)\n", res.From, res.To, strings.Join(res.Applied, ", "))
				}
				if len(res.DeferredIndexes) > 0 {
					fmt.Fprintf(out, "warning: indexes not created: %s\n", strings.Join(res.DeferredIndexes, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "schema version to migrate to")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show schema status and probe the running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(cfg *config.Config, store *persistence.Store) error {
				st, err := migrate.New(store, migrate.Options{}).GetMigrationStatus(cmd.Context())
				if err != nil {
					return err
				}
				health := probeHealth(cmd.Context(), cfg)

				out := cmd.OutOrStdout()
				if jsonOutput {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{"schema": st, "gateway": health})
				}

				fmt.Fprintln(out, heading(out, "Schema"))
				current := st.CurrentVersion
				if st.Fresh {
					current = "(fresh)"
				}
				fmt.Fprintf(out, "  current:  %s\n", current)
				fmt.Fprintf(out, "  latest:   %s\n", st.LatestVersion)
				if st.NeedsMigration {
					fmt.Fprintf(out, "  pending:  %s\n", strings.Join(st.MigrationPath, " -> "))
				}
				if len(st.MissingIndexes) > 0 {
					fmt.Fprintf(out, "  missing:  %s\n", strings.Join(st.MissingIndexes, ", "))
				}
				fmt.Fprintln(out, heading(out, "Gateway"))
				if health.Err != "" {
					fmt.Fprintf(out, "  %s\n", dim(out, "not reachable at "+health.URL+": "+health.Err))
				} else {
					fmt.Fprintf(out, "  %s answered %d\n", health.URL, health.StatusCode)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print status as JSON")
	return cmd
}
