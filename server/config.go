// ABOUTME: Server configuration loaded from CONVEYOR_-prefixed environment variables.
// ABOUTME: Covers listen address, data layout, worker bounds, retention, and Slack notification settings.
package server

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the server's runtime configuration. Every field can be set
// through a CONVEYOR_-prefixed environment variable, e.g. CONVEYOR_ADDR.
type Config struct {
	// Addr is the listen address.
	Addr string `envconfig:"ADDR" default:"127.0.0.1:8712"`
	// DataDir holds the run state database and per-run directories.
	DataDir string `envconfig:"DATA_DIR" default:"./conveyor-data"`
	// Workspace is the working directory stages execute in.
	Workspace string `envconfig:"WORKSPACE" default:"."`
	// MaxWorkers bounds concurrently running stages per run. Zero = unbounded.
	MaxWorkers int `envconfig:"MAX_WORKERS"`
	// RetentionDays prunes runs older than this on startup. Zero disables pruning.
	RetentionDays int `envconfig:"RETENTION_DAYS"`

	// SlackToken and SlackChannel enable Slack run notifications when both set.
	SlackToken   string `envconfig:"SLACK_TOKEN"`
	SlackChannel string `envconfig:"SLACK_CHANNEL"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("conveyor", &cfg); err != nil {
		return Config{}, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}
