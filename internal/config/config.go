// Package config holds the runtime configuration of a host binary, merged
// from flags and environment variables by viper. cmd/bartender loads it
// through Load; cmd/tap and cmd/mug read their settings from viper
// directly.
package config

import "github.com/spf13/viper"

// Config holds the settings a host binary needs to stand up its piece of
// the telemetry bus.
type Config struct {
	Host            string
	BasePort        int
	HeartbeatMillis int
	TimeoutMillis   int
	KegDir          string
	DashboardPort   int
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults set up by the calling cobra command.
func Load() Config {
	return Config{
		Host:            viper.GetString("host"),
		BasePort:        viper.GetInt("base_port"),
		HeartbeatMillis: viper.GetInt("heartbeat_millis"),
		TimeoutMillis:   viper.GetInt("timeout_millis"),
		KegDir:          viper.GetString("keg_dir"),
		DashboardPort:   viper.GetInt("dashboard_port"),
	}
}
