// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package config loads the devid command configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// SimulatorTPM selects the TPM simulator instead of a device node.
const SimulatorTPM = "simulator"

// Config holds the settings shared by all devid subcommands. Command line
// flags override these values.
type Config struct {
	// ConfigDir is the root of the credential vault. It defaults to
	// .config/devid in the user's home directory.
	ConfigDir string `env:"DEVID_CONFIG_DIR"`

	// DB is the path of the SQLite directory database.
	DB string `env:"DEVID_DB" envDefault:"devid.db"`

	// DBPassword enables the encrypting VFS when set.
	DBPassword string `env:"DEVID_DB_PASSWORD"`

	PoolSize      int           `env:"DEVID_POOL_SIZE" envDefault:"8"`
	InvitationTTL time.Duration `env:"DEVID_INVITATION_TTL" envDefault:"1h"`
	LogLevel      logrus.Level  `env:"DEVID_LOG_LEVEL" envDefault:"info"`

	// TPM is a device node path or SimulatorTPM.
	TPM string `env:"DEVID_TPM" envDefault:"/dev/tpmrm0"`
}

// Load parses the process environment.
func Load() (Config, error) { return parse(env.Options{}, os.UserHomeDir) }

// LoadFrom parses the given environment instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ}, func() (string, error) {
		if home := environ["HOME"]; home != "" {
			return home, nil
		}
		return "", fmt.Errorf("$HOME is not defined")
	})
}

func parse(opts env.Options, homeDir func() (string, error)) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.ConfigDir == "" {
		home, err := homeDir()
		if err != nil {
			return Config{}, fmt.Errorf("DEVID_CONFIG_DIR is unset and there is no home directory: %w", err)
		}
		cfg.ConfigDir = filepath.Join(home, ".config", "devid")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("DEVID_POOL_SIZE must be at least 1, got %d", c.PoolSize)
	}
	if c.InvitationTTL <= 0 {
		return fmt.Errorf("DEVID_INVITATION_TTL must be positive, got %s", c.InvitationTTL)
	}
	if c.ConfigDir == "" {
		return fmt.Errorf("DEVID_CONFIG_DIR must not be empty")
	}
	return nil
}
