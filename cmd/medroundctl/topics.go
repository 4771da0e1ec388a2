package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/carehaven/medround/internal/infrastructure/redpanda"
)

func topicsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Inspect and provision Redpanda topics",
	}

	withAdmin := func(cmd *cobra.Command, fn func(*redpanda.Admin) error) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, g.logger())
		if err != nil {
			return err
		}
		defer admin.Close()
		return fn(admin)
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the workflow topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a *redpanda.Admin) error {
				statuses, err := a.EnsureTopics(cmd.Context())
				if err != nil {
					return err
				}
				return g.emit(cmd.OutOrStdout(), statuses, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Topic", "Partitions", "Replication", "Retention", "State"})
					for _, t := range statuses {
						state := "exists"
						if t.Created {
							state = "created"
						}
						tw.AppendRow(table.Row{t.Name, t.Partitions, t.ReplicationFactor, t.Retention, state})
					}
				})
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a *redpanda.Admin) error {
				names, err := a.ListTopics(cmd.Context())
				if err != nil {
					return err
				}
				return g.emit(cmd.OutOrStdout(), names, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Topic"})
					for _, n := range names {
						tw.AppendRow(table.Row{n})
					}
				})
			})
		},
	}

	describe := &cobra.Command{
		Use:   "describe <topic>",
		Short: "Show partition leaders and replicas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a *redpanda.Admin) error {
				d, err := a.DescribeTopic(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return g.emit(cmd.OutOrStdout(), d, func(tw table.Writer) {
					tw.SetTitle(d.Name)
					tw.AppendHeader(table.Row{"Partition", "Leader", "Replicas", "ISR"})
					for _, p := range d.Partitions {
						tw.AppendRow(table.Row{p.ID, p.Leader, fmt.Sprint(p.Replicas), fmt.Sprint(p.ISR)})
					}
				})
			})
		},
	}

	var group string
	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(a *redpanda.Admin) error {
				if group == "" {
					group = redpanda.DefaultConsumerConfig().GroupID
				}
				lags, err := a.GroupLag(cmd.Context(), group)
				if err != nil {
					return err
				}
				return g.emit(cmd.OutOrStdout(), lags, func(tw table.Writer) {
					tw.SetTitle("group " + group)
					tw.AppendHeader(table.Row{"Topic", "Partition", "Lag"})
					var total int64
					for _, l := range lags {
						tw.AppendRow(table.Row{l.Topic, l.Partition, l.Lag})
						total += l.Lag
					}
					tw.AppendFooter(table.Row{"", "total", total})
				})
			})
		},
	}
	lag.Flags().StringVar(&group, "group", "", "consumer group (default the reconcile worker's)")

	cmd.AddCommand(ensure, list, describe, lag)
	return cmd
}
