// Command etlctl is a thin operational wrapper around the replicator and
// loader core. It is intentionally not an orchestrator: no
// scheduling, alerting, or DAG logic lives here, only the replicate, load and
// validate subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configDir string

var rootCmd = &cobra.Command{
	Use:   "etlctl",
	Short: "Operational commands for the OpenDental analytics ETL core",
	Long: `etlctl drives the replicator and loader directly, one invocation per
operation. It reads ETL_ENVIRONMENT and the usual connection environment
variables exactly as Settings.NewFromOS does; it does not schedule or
retry at the stage level, that is an outer orchestrator's job.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("config-dir") && viper.IsSet("config-dir") {
			configDir = viper.GetString("config-dir")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory containing pipeline.yml and tables.yml")
	viper.BindPFlag("config-dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	viper.SetEnvPrefix("ETLCTL")
	viper.AutomaticEnv()
	rootCmd.AddCommand(replicateCmd, loadCmd, validateCmd)
}
