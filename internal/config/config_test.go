// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package config_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{"HOME": "/home/arthur"})
	require.NoError(t, err)
	assert.Equal(t, config.Config{
		ConfigDir:     "/home/arthur/.config/devid",
		DB:            "devid.db",
		PoolSize:      8,
		InvitationTTL: time.Hour,
		LogLevel:      logrus.InfoLevel,
		TPM:           "/dev/tpmrm0",
	}, cfg)
}

func TestLoadHome(t *testing.T) {
	t.Setenv("HOME", "/home/trillian")
	t.Setenv("DEVID_CONFIG_DIR", "")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/home/trillian/.config/devid", cfg.ConfigDir)
}

func TestNoHome(t *testing.T) {
	_, err := config.LoadFrom(map[string]string{})
	require.ErrorContains(t, err, "DEVID_CONFIG_DIR")

	cfg, err := config.LoadFrom(map[string]string{"DEVID_CONFIG_DIR": "/etc/devid"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/devid", cfg.ConfigDir)
}

func TestOverrides(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"DEVID_CONFIG_DIR":     "/etc/devid",
		"DEVID_DB":             "/var/lib/devid/dir.db",
		"DEVID_DB_PASSWORD":    "Ford Prefect",
		"DEVID_POOL_SIZE":      "2",
		"DEVID_INVITATION_TTL": "15m",
		"DEVID_LOG_LEVEL":      "debug",
		"DEVID_TPM":            config.SimulatorTPM,
	})
	require.NoError(t, err)
	assert.Equal(t, "/etc/devid", cfg.ConfigDir)
	assert.Equal(t, "/var/lib/devid/dir.db", cfg.DB)
	assert.Equal(t, "Ford Prefect", cfg.DBPassword)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, 15*time.Minute, cfg.InvitationTTL)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "simulator", cfg.TPM)
}

func TestInvalid(t *testing.T) {
	for name, environ := range map[string]map[string]string{
		"pool size": {"HOME": "/root", "DEVID_POOL_SIZE": "0"},
		"ttl":       {"HOME": "/root", "DEVID_INVITATION_TTL": "-1m"},
		"bad ttl":   {"HOME": "/root", "DEVID_INVITATION_TTL": "soon"},
		"log level": {"HOME": "/root", "DEVID_LOG_LEVEL": "loud"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadFrom(environ)
			require.Error(t, err)
		})
	}
}

func TestValidateConfigDir(t *testing.T) {
	cfg := config.Config{PoolSize: 1, InvitationTTL: time.Hour}
	require.ErrorContains(t, cfg.Validate(), "DEVID_CONFIG_DIR")
}
