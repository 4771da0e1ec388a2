package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/app"
	"github.com/carehaven/medround/internal/config"
	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/observability/logging"
)

type globals struct {
	json     bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "medroundctl",
		Short:         "Administer the medication workflow engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolVar(&g.json, "json", false, "output JSON")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level")

	root.AddCommand(migrateCmd(g))
	root.AddCommand(reconcileCmd(g))
	root.AddCommand(scheduleCmd(g))
	root.AddCommand(topicsCmd(g))
	return root
}

func (g *globals) logger() *zap.Logger {
	return logging.Must(g.logLevel, "console")
}

// loadConfig reads the environment; needDB also validates it
func loadConfig(needDB bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if needDB {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (g *globals) openEngine(ctx context.Context) (*app.Engine, *config.Config, error) {
	cfg, err := loadConfig(true)
	if err != nil {
		return nil, nil, err
	}
	e, err := app.Open(ctx, cfg, nil, g.logger())
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

// rangeFlags binds --from and --to; both or neither must be set
type rangeFlags struct {
	from, to string
}

func (r *rangeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.from, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&r.to, "to", "", "last date, YYYY-MM-DD")
}

// resolve returns the flagged range, or fallback when neither flag is set
func (r *rangeFlags) resolve(fallback func() schedule.DateRange) (schedule.DateRange, error) {
	if r.from == "" && r.to == "" {
		return fallback(), nil
	}
	if r.from == "" || r.to == "" {
		return schedule.DateRange{}, fmt.Errorf("%w: --from and --to go together", schedule.ErrInvalidRange)
	}
	from, err := schedule.ParseDate(r.from)
	if err != nil {
		return schedule.DateRange{}, err
	}
	to, err := schedule.ParseDate(r.to)
	if err != nil {
		return schedule.DateRange{}, err
	}
	rng := schedule.DateRange{From: from, To: to}
	return rng, rng.Validate()
}

func (g *globals) emit(w io.Writer, v any, render func(table.Writer)) error {
	if g.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	render(tw)
	tw.Render()
	return nil
}

func resultRow(r reconcile.Result) table.Row {
	return table.Row{r.Inserted, r.Pruned, r.Duplicates, r.Skipped}
}
