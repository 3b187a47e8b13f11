// Package config loads runtime settings from the flowline config file and
// FLOWLINE_* environment variables.
package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL        string
	APIPort            int
	PipelinesDir       string
	StaleDays          int
	SweepSchedule      string
	WebhookTimeoutSecs int
	NATSEnabled        bool
	NATSEmbedded       bool
	NATSURL            string
	Debug              bool
	LocalMode          bool
	AdminUsername      string
}

func Load() (*Config, error) {
	viper.SetDefault("database_url", "flowline.db")
	viper.SetDefault("api_port", 8080)
	viper.SetDefault("pipelines_dir", "./pipelines")
	viper.SetDefault("stale_days", 7)
	viper.SetDefault("sweep_schedule", "0 * * * *")
	viper.SetDefault("webhook_timeout_secs", 30)
	viper.SetDefault("nats_enabled", true)
	viper.SetDefault("nats_embedded", true)
	viper.SetDefault("nats_url", "")
	viper.SetDefault("debug", false)
	viper.SetDefault("local_mode", true)
	viper.SetDefault("admin_username", "admin")

	return &Config{
		DatabaseURL:        viper.GetString("database_url"),
		APIPort:            viper.GetInt("api_port"),
		PipelinesDir:       viper.GetString("pipelines_dir"),
		StaleDays:          viper.GetInt("stale_days"),
		SweepSchedule:      viper.GetString("sweep_schedule"),
		WebhookTimeoutSecs: viper.GetInt("webhook_timeout_secs"),
		NATSEnabled:        viper.GetBool("nats_enabled"),
		NATSEmbedded:       viper.GetBool("nats_embedded"),
		NATSURL:            viper.GetString("nats_url"),
		Debug:              viper.GetBool("debug"),
		LocalMode:          viper.GetBool("local_mode"),
		AdminUsername:      viper.GetString("admin_username"),
	}, nil
}
