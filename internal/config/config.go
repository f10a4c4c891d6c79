// Package config reads the control plane's environment configuration. Every
// value has a default that works on a freshly imaged mirror; a missing broker
// or telemetry endpoint degrades behavior rather than blocking startup.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config carries everything main needs to wire the process.
type Config struct {
	RedisURL         string
	DBPath           string
	ListenAddr       string
	PrivateModeCode  string
	SnapshotInterval time.Duration
	OTLPEndpoint     string
}

// Load resolves configuration from the environment.
func Load() Config {
	v := viper.New()
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("DB_PATH", "data/control_plane.db")
	v.SetDefault("LISTEN_ADDR", ":8090")
	v.SetDefault("PRIVATE_MODE_CODE", "unlock")
	v.SetDefault("SNAPSHOT_INTERVAL", "60s")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.AutomaticEnv()

	return Config{
		RedisURL:         v.GetString("REDIS_URL"),
		DBPath:           v.GetString("DB_PATH"),
		ListenAddr:       v.GetString("LISTEN_ADDR"),
		PrivateModeCode:  v.GetString("PRIVATE_MODE_CODE"),
		SnapshotInterval: snapshotInterval(v.GetString("SNAPSHOT_INTERVAL")),
		OTLPEndpoint:     v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// snapshotInterval parses the interval setting. Bare numbers are seconds, so
// SNAPSHOT_INTERVAL=90 and SNAPSHOT_INTERVAL=90s mean the same thing; values
// that do not parse or are not positive fall back to one minute.
func snapshotInterval(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		d, err = time.ParseDuration(raw + "s")
	}
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}
