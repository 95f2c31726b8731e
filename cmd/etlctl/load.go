package main

import (
	"context"

	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/connfactory"
	"github.com/opendental-analytics/etl-core/internal/etllog"
	"github.com/opendental-analytics/etl-core/internal/loader"
	"github.com/opendental-analytics/etl-core/internal/settings"
	"github.com/spf13/cobra"
)

var (
	loadForceFull bool
	loadChunkSize int
)

var loadCmd = &cobra.Command{
	Use:   "load [table...]",
	Short: "Load tables from the replication MySQL into the analytics PostgreSQL",
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
		replication, err := connfactory.GetReplicationConnection(st)
		if err != nil {
			return err
		}
		defer replication.Close()

		pg, err := connfactory.GetRawAnalyticsConnection(ctx, st)
		if err != nil {
			return err
		}
		defer pg.Close()

		l := loader.New(replication, pg, st, config.Raw)

		names := args
		if len(names) == 0 {
			for _, t := range st.ListTables() {
				names = append(names, t.TableName)
			}
		}

		results := make(map[string]bool, len(names))
		for _, name := range names {
			if loadChunkSize > 0 {
				results[name] = l.LoadTableChunked(ctx, name, loadForceFull, loadChunkSize)
			} else {
				results[name] = l.LoadTable(ctx, name, loadForceFull)
			}
		}

		return printResults(results)
	},
}

func init() {
	loadCmd.Flags().BoolVar(&loadForceFull, "force-full", false, "force a full-table load regardless of watermark")
	loadCmd.Flags().IntVar(&loadChunkSize, "chunk-size", 0, "override the adaptive batch size")
}
