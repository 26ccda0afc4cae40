package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"taskd/internal/config"
	"taskd/internal/logging"
)

var version = "dev"

var (
	cfgFile string
	envFile string
	loader  *config.Loader
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:               "taskd",
	Short:             "Persistent task queue with an HTTP API and isolated workers",
	SilenceUsage:      true,
	PersistentPreRunE: persistentPreRun,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/taskd.yaml or ./taskd.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load before reading the environment (default .env)")
	rootCmd.AddCommand(serveCmd, workerCmd, apiCmd, migrateCmd, versionCmd)
}

// persistentPreRun loads configuration and the root logger for every command.
func persistentPreRun(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" || cmd.Name() == "version" {
		return nil
	}
	var err error
	loader, err = config.NewLoader(cfgFile, envFile)
	if err != nil {
		return err
	}
	cfg = loader.Config()
	logger = logging.New(cfg.Logging, os.Stdout)
	if f := loader.File(); f != "" {
		logger.Info().Str("file", f).Msg("configuration loaded")
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
