package main

import (
	"maps"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/pkg/workerpool"
)

func reconcileCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Materialize workflow records from prescriptions",
	}

	var rf rangeFlags
	patient := &cobra.Command{
		Use:   "patient <patient-id>",
		Short: "Reconcile one patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := g.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			rng, err := rf.resolve(engine.Window)
			if err != nil {
				return err
			}
			res, err := engine.Reconciler.Reconcile(cmd.Context(), args[0], rng)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), res, func(tw table.Writer) {
				tw.SetTitle("%s %s..%s", args[0], rng.From, rng.To)
				tw.AppendHeader(table.Row{"Inserted", "Pruned", "Duplicates", "Skipped"})
				tw.AppendRow(resultRow(res))
			})
		},
	}
	rf.bind(patient)

	var sf rangeFlags
	var workers int
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile every patient with a prescription in range",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, err := g.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			rng, err := sf.resolve(engine.Window)
			if err != nil {
				return err
			}
			pool := workerpool.DefaultConfig()
			pool.Workers = cfg.BatchWorkers
			if workers > 0 {
				pool.Workers = workers
			}
			report, err := engine.Reconciler.Sweep(cmd.Context(), engine.Prescriptions, rng, pool)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), report, func(tw table.Writer) { renderSweep(tw, report) })
		},
	}
	sf.bind(sweep)
	sweep.Flags().IntVar(&workers, "workers", 0, "concurrent patients (default BATCH_WORKERS)")

	cmd.AddCommand(patient, sweep)
	return cmd
}

func renderSweep(tw table.Writer, report reconcile.SweepReport) {
	tw.SetTitle("%d/%d patients reconciled", report.Succeeded, report.Patients)
	tw.AppendHeader(table.Row{"Inserted", "Pruned", "Duplicates", "Skipped"})
	tw.AppendRow(resultRow(report.Total))
	if len(report.Failed) > 0 {
		tw.AppendSeparator()
		for _, id := range slices.Sorted(maps.Keys(report.Failed)) {
			tw.AppendRow(table.Row{"failed: " + id, report.Failed[id], "", ""})
		}
	}
}
