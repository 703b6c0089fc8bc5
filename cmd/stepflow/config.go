package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all stepflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath            string   `json:"db_path"`
	LogLevel          string   `json:"log_level"`
	Concurrency       int      `json:"concurrency"`
	MaxStepExecutions int      `json:"max_step_executions"`
	SchedulerInterval Duration `json:"scheduler_interval"`
	HTTPTimeout       Duration `json:"http_timeout"`
}

// Duration is a time.Duration read from JSON as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:          "info",
		Concurrency:       4,
		MaxStepExecutions: 1000,
		SchedulerInterval: Duration(time.Minute),
		HTTPTimeout:       Duration(30 * time.Second),
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

// loadConfig layers settings.json and STEPFLOW_* env vars over the defaults.
// A missing settings file is not an error; a malformed one is.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STEPFLOW_CONCURRENCY: %w", err)
		}
		cfg.Concurrency = n
	}
	if v := os.Getenv("STEPFLOW_MAX_STEP_EXECUTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STEPFLOW_MAX_STEP_EXECUTIONS: %w", err)
		}
		cfg.MaxStepExecutions = n
	}
	if v := os.Getenv("STEPFLOW_SCHEDULER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("STEPFLOW_SCHEDULER_INTERVAL: %w", err)
		}
		cfg.SchedulerInterval = Duration(d)
	}
	if v := os.Getenv("STEPFLOW_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("STEPFLOW_HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = Duration(d)
	}

	return cfg, nil
}
