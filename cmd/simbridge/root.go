package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jrepp/simbridge/cmd/simbridge/internal/ui"
	"github.com/jrepp/simbridge/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg *config.Config
	out *ui.UI
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "simbridge",
	Short: "Simulation engine pool and session bridge",
	Long: `simbridge launches and supervises Minecraft/Malmo engine processes and
drives episodes against them over the Malmo environment protocol.

Configuration is read from --config (default: ~/.simbridge.yaml), then
SIMBRIDGE_* environment variables, then flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		out = ui.New()

		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log = cfg.Logger(os.Stderr)
		slog.SetDefault(log)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: ~/.simbridge.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("log-dir", ".", "Directory for engine and watchdog logs")
	rootCmd.PersistentFlags().Int("base-port", 9000, "Lowest engine port")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log.dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("pool.base_port", rootCmd.PersistentFlags().Lookup("base-port"))

	rootCmd.AddCommand(watchdogCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(episodeCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}
