package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/carehaven/medround/internal/api/handlers"
	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/infrastructure/memory"
)

func scheduleCmd(g *globals) *cobra.Command {
	var rf rangeFlags
	var file string
	cmd := &cobra.Command{
		Use:   "schedule <patient-id>",
		Short: "Preview the dose-events a patient's prescriptions produce",
		Long: "Preview expands prescriptions without writing anything. With --file the\n" +
			"prescriptions are read from a JSON array instead of the database.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(file == "")
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			rng, err := rf.resolve(func() schedule.DateRange {
				return reconcile.Window(time.Now().In(loc), cfg.ReconcileDaysBack, cfg.ReconcileDaysAhead)
			})
			if err != nil {
				return err
			}

			var source prescription.Source
			if file != "" {
				rxs, err := readPrescriptions(file)
				if err != nil {
					return err
				}
				source = memory.NewPrescriptions(rxs...)
			} else {
				engine, _, err := g.openEngine(cmd.Context())
				if err != nil {
					return err
				}
				defer engine.Close()
				source = engine.Prescriptions
			}

			rxs, err := source.ListPrescriptions(cmd.Context(), args[0], prescription.Filter{Overlaps: &rng})
			if err != nil {
				return err
			}
			preview := handlers.Preview(rxs, rng)
			return g.emit(cmd.OutOrStdout(), preview, func(tw table.Writer) { renderPreview(tw, args[0], preview) })
		},
	}
	rf.bind(cmd)
	cmd.Flags().StringVar(&file, "file", "", "JSON array of prescriptions")
	return cmd
}

func readPrescriptions(path string) ([]*prescription.Prescription, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rxs []*prescription.Prescription
	if err := json.Unmarshal(b, &rxs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return rxs, nil
}

func renderPreview(tw table.Writer, patientID string, p handlers.ScheduleResponse) {
	tw.SetTitle("%s %s..%s", patientID, p.Range.From, p.Range.To)
	tw.AppendHeader(table.Row{"Date", "Time", "Prescription", "Medication", "Preparation", "Route"})
	for _, ev := range p.Events {
		tw.AppendRow(table.Row{ev.Date, ev.Time, ev.PrescriptionID, ev.MedicationName, ev.PreparationMethod, ev.Route})
	}
	for _, id := range p.Retired {
		tw.AppendFooter(table.Row{"retired", "", id})
	}
	for _, id := range p.Skipped {
		tw.AppendFooter(table.Row{"skipped", "", id})
	}
}
