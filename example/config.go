package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type config struct {
	Host           string
	Port           uint16
	Path           string
	LogLevel       string
	SpoolDir       string
	Heartbeat      time.Duration
	ChunkSize      int
	MaxStreamSize  int64
	ReplaceSession bool
}

func defaultConfig() config {
	return config{
		Host:     "127.0.0.1",
		Port:     12345,
		Path:     "/ws",
		LogLevel: "info",
	}
}

type fileConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Path          string `toml:"path"`
	LogLevel      string `toml:"log_level"`
	SpoolDir      string `toml:"spool_dir"`
	Heartbeat     string `toml:"heartbeat"`
	ChunkSize     int    `toml:"chunk_size"`
	MaxStreamSize int64  `toml:"max_stream_size"`
	SessionPolicy string `toml:"session_policy"`
}

// loadConfig overlays the keys present in the TOML file at path onto the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, errors.Wrap(err, "load config")
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}

	if meta.IsDefined("port") {
		if raw.Port < 0 || raw.Port > 65535 {
			return config{}, errors.Errorf("port %d out of range", raw.Port)
		}
		cfg.Port = uint16(raw.Port)
	}

	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("spool_dir") {
		cfg.SpoolDir = strings.TrimSpace(raw.SpoolDir)
	}

	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return config{}, errors.Wrap(err, "parse heartbeat")
		}
		cfg.Heartbeat = d
	}

	if meta.IsDefined("chunk_size") {
		cfg.ChunkSize = raw.ChunkSize
	}

	if meta.IsDefined("max_stream_size") {
		cfg.MaxStreamSize = raw.MaxStreamSize
	}

	if meta.IsDefined("session_policy") {
		switch strings.TrimSpace(raw.SessionPolicy) {
		case "reject":
			cfg.ReplaceSession = false
		case "replace":
			cfg.ReplaceSession = true
		default:
			return config{}, errors.Errorf("unsupported session_policy %q", raw.SessionPolicy)
		}
	}

	return cfg, nil
}
