package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all orquesta server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string            `json:"db_path"`
	LogLevel string            `json:"log_level"`
	PoolSize int               `json:"pool_size"`
	Agents   map[string]string `json:"agents"` // agent ID -> HTTP endpoint
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(orquestaDir(), "orquesta.db"),
		LogLevel: "info",
		PoolSize: 16,
	}
}

func orquestaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orquesta"
	}
	return filepath.Join(home, ".orquesta")
}

func settingsPath() string {
	return filepath.Join(orquestaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ORQUESTA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ORQUESTA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORQUESTA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	// ORQUESTA_AGENTS is a JSON object of agent ID -> endpoint URL.
	if v := os.Getenv("ORQUESTA_AGENTS"); v != "" {
		var agents map[string]string
		if err := json.Unmarshal([]byte(v), &agents); err == nil {
			cfg.Agents = agents
		}
	}

	return cfg
}
