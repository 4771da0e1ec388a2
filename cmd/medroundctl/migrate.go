package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/carehaven/medround/internal/infrastructure/postgres"
)

func migrateCmd(g *globals) *cobra.Command {
	var schema string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}
	cmd.PersistentFlags().StringVar(&schema, "schema", "", "target schema (default DB_SCHEMA or public)")

	open := func(cmd *cobra.Command) (*postgres.Migrator, string, func(), error) {
		cfg, err := loadConfig(true)
		if err != nil {
			return nil, "", nil, err
		}
		target := schema
		if target == "" {
			target = cfg.DBSchema
		}
		if target == "" {
			target = "public"
		}
		pool, err := postgres.NewPool(cmd.Context(), postgres.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
		if err != nil {
			return nil, "", nil, err
		}
		return postgres.NewMigrator(pool, g.logger()), target, pool.Close, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, target, closeFn, err := open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := m.Up(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) to %s\n", n, target)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, target, closeFn, err := open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(cmd.Context(), target)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), statuses, func(tw table.Writer) {
				tw.SetTitle("schema " + target)
				tw.AppendHeader(table.Row{"Version", "Name", "Applied", "Applied At"})
				for _, s := range statuses {
					at := ""
					if s.AppliedAt != nil {
						at = s.AppliedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{s.Version, s.Name, s.Applied, at})
				}
			})
		},
	})
	return cmd
}
