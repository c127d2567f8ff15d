package main

import (
	"fmt"
	"os"

	"github.com/dkeye/roomlink/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "roomctl",
	Short:         "roomctl joins roomlink rooms from a terminal.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		var err error
		if configFile != "" {
			cfg, err = config.LoadFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(cfg.Level())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	rootCmd.AddCommand(tokenCmd, roomsCmd, joinCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
