package main

import (
	"context"
	"fmt"

	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/connfactory"
	"github.com/opendental-analytics/etl-core/internal/etllog"
	"github.com/opendental-analytics/etl-core/internal/replicator"
	"github.com/opendental-analytics/etl-core/internal/settings"
	"github.com/spf13/cobra"
)

var (
	replicateForceFull   bool
	replicateMaxWorkers  int
	replicateCategory    string
	replicateMaxPriority int
)

var replicateCmd = &cobra.Command{
	Use:   "replicate [table...]",
	Short: "Copy tables from the source MySQL into the replication MySQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := settings.NewFromOS(configDir)
		if err != nil {
			return err
		}
		if err := etllog.Configure(string(st.Environment()), st.Pipeline().General.LogLevel); err != nil {
			return err
		}
		defer etllog.Sync()

		ctx := context.Background()
		source, err := connfactory.GetSourceConnection(st)
		if err != nil {
			return err
		}
		defer source.Close()

		target, err := connfactory.GetReplicationConnection(st)
		if err != nil {
			return err
		}
		defer target.Close()

		r := replicator.New(source, target, st)

		var results map[string]bool
		switch {
		case replicateCategory != "":
			results = r.CopyTablesByCategory(ctx, config.PerformanceCategory(replicateCategory), replicateMaxWorkers, replicateForceFull)
		case replicateMaxPriority > 0:
			results = r.CopyTablesByPriority(ctx, replicateMaxPriority, replicateMaxWorkers, replicateForceFull)
		case len(args) > 0:
			results = r.CopyTables(ctx, args, replicateMaxWorkers, replicateForceFull)
		default:
			names := make([]string, 0)
			for _, t := range st.ListTables() {
				names = append(names, t.TableName)
			}
			results = r.CopyTables(ctx, names, replicateMaxWorkers, replicateForceFull)
		}

		return printResults(results)
	},
}

func init() {
	replicateCmd.Flags().BoolVar(&replicateForceFull, "force-full", false, "force a full-table copy regardless of watermark")
	replicateCmd.Flags().IntVar(&replicateMaxWorkers, "max-workers", 4, "maximum tables copied concurrently")
	replicateCmd.Flags().StringVar(&replicateCategory, "category", "", "copy only tables in this performance_category")
	replicateCmd.Flags().IntVar(&replicateMaxPriority, "max-priority", 0, "copy only tables with processing_priority <= this value")
}

func printResults(results map[string]bool) error {
	failed := 0
	for name, ok := range results {
		status := "ok"
		if !ok {
			status = "failed"
			failed++
		}
		fmt.Printf("%s\t%s\n", name, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d table(s) failed", failed)
	}
	return nil
}
