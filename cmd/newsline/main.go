package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.0.0"

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:          "newsline",
		Short:        "Scheduled news aggregation into a deduplicated daily timeline",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// a missing .env is normal outside development
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $NEWSLINE_CONFIG, then config.yaml when present)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(versionCmd())
}
