package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "cardlens"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	var configPath string
	var pretty bool

	rootCmd := &cobra.Command{
		Use:     "cardlens",
		Short:   "Trading-card identification, valuation and authenticity scoring",
		Version: version,
		Long: `cardlens identifies trading cards from photos, prices them against
recent marketplace sales and scores their authenticity from explainable
visual signals.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			if pretty {
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable console logging")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newHashCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
