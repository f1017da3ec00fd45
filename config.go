package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type duration struct {
	time.Duration
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type config struct {
	Addr            string   `toml:"addr"`
	DatabasePath    string   `toml:"database_path"`
	SessionLifetime duration `toml:"session_lifetime"`
}

func defaultConfig() config {
	return config{
		Addr:            ":8080",
		DatabasePath:    "spookchat.db",
		SessionLifetime: duration{12 * time.Hour},
	}
}

// loadConfig reads the TOML config file if it exists, then applies
// environment overrides on top. A missing file is not an error; the
// defaults are enough to run.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "spookchat.db"
	}
	if cfg.SessionLifetime.Duration <= 0 {
		cfg.SessionLifetime = duration{12 * time.Hour}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
