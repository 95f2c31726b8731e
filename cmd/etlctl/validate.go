package main

import (
	"context"
	"fmt"

	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/connfactory"
	"github.com/opendental-analytics/etl-core/internal/loader"
	"github.com/opendental-analytics/etl-core/internal/settings"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [table...]",
	Short: "Verify that replication and analytics row counts agree for each table",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := settings.NewFromOS(configDir)
		if err != nil {
			return err
		}
		if err := st.Validate(); err != nil {
			return err
		}

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

		mismatch := 0
		for _, name := range names {
			ok, err := l.VerifyLoad(ctx, name)
			if err != nil {
				fmt.Printf("%s\terror: %v\n", name, err)
				mismatch++
				continue
			}
			if ok {
				fmt.Printf("%s\tmatch\n", name)
			} else {
				fmt.Printf("%s\tmismatch\n", name)
				mismatch++
			}
		}

		if mismatch > 0 {
			return fmt.Errorf("%d table(s) did not verify", mismatch)
		}
		return nil
	},
}
