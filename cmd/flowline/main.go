package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/config"
	"flowline/internal/logging"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "flowline",
		Short: "Flowline - workflow pipeline engine",
		Long: `Flowline tracks business entities through configurable state pipelines.
It stores pipeline definitions, executes guarded transitions with audit
logging, and answers dashboard queries about where entities sit and which
ones are stuck.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./flowline.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(dashboardCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("flowline")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FLOWLINE")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Printf("Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		logging.Initialize(false)
		return
	}
	logging.Initialize(cfg.Debug)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
