package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "hotlog",
	Short:        "Tail framed API logs and serve hot queries over them",
	Long:         "HotLog tails sentinel-framed log files, keeps recent records in a TTL cache and answers queries across the cache, the raw file archive and a cold Postgres store.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(parseCmd)
}
