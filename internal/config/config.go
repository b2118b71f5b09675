// Package config loads the JSON configuration record from spec.md
// section 6, using the teacher's default-struct-then-JSON-overlay
// pattern from LoadServerConfig (missing file => defaults; present
// file => defaults overlaid by whatever fields it sets).
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Config is the configuration surface consumed by the core, per
// spec.md section 6.
type Config struct {
	MaxClients         int      `json:"maxClients"`
	IdleTimeoutMS      int      `json:"idleTimeoutMs"`
	ConnectTimeoutMS   int      `json:"connectTimeoutMs"`
	ExecutionTimeoutMS int      `json:"executionTimeoutMs"`

	SSL     bool   `json:"ssl"`
	SSLCert string `json:"sslCert"`
	SSLKey  string `json:"sslKey"`

	ChatMaxNicknameLen int `json:"chatMaxNicknameLen"`
	ChatMaxMessageLen  int `json:"chatMaxMessageLen"`

	AllowList []string `json:"allowList"`
	DenyList  []string `json:"denyList"`
	AllowFile string   `json:"allowFile"`
	DenyFile  string   `json:"denyFile"`

	PausePercent  float64 `json:"pausePercent"`
	ResumePercent float64 `json:"resumePercent"`

	MetricsListenAddr string `json:"metricsListenAddr"`

	Verbose bool `json:"verbose"`
}

func defaultConfig() Config {
	return Config{
		MaxClients:         50,
		IdleTimeoutMS:      0,
		ConnectTimeoutMS:   0,
		ExecutionTimeoutMS: 0,
		ChatMaxNicknameLen: 32,
		ChatMaxMessageLen:  512,
		PausePercent:       0.80,
		ResumePercent:      0.40,
	}
}

// Load reads config.json from dir, overlaying it onto the defaults.
// A missing file is not an error; it yields the defaults, matching
// the teacher's LoadServerConfig behavior.
func Load(dir string) (Config, error) {
	path := filepath.Join(dir, "config.json")
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("WARN: config.json not found at %s, using defaults", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	log.Printf("INFO: loaded configuration from %s", path)
	return cfg, nil
}

// Validate applies spec.md section 7's "Configuration" error kind:
// invalid thresholds are refused at init rather than surfacing later
// as a runtime failure.
func (c Config) Validate() error {
	if c.MaxClients <= 0 {
		return fmt.Errorf("maxClients must be positive, got %d", c.MaxClients)
	}
	if c.PausePercent < 0 || c.PausePercent > 1 {
		return fmt.Errorf("pausePercent must be within [0,1], got %v", c.PausePercent)
	}
	if c.ResumePercent < 0 || c.ResumePercent > 1 {
		return fmt.Errorf("resumePercent must be within [0,1], got %v", c.ResumePercent)
	}
	if c.SSL && (c.SSLCert == "" || c.SSLKey == "") {
		return fmt.Errorf("ssl enabled but sslCert/sslKey not both set")
	}
	return nil
}
