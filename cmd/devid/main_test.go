// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/vault"
)

func setup(t *testing.T) {
	dir := t.TempDir()
	cfg.ConfigDir = filepath.Join(dir, "vault")
	cfg.DB = filepath.Join(dir, "devid.db")
	cfg.DBPassword = ""
	cfg.PoolSize = 2
	cfg.InvitationTTL = time.Hour
	debug = false
}

func TestParseAction(t *testing.T) {
	_, err := parseAction(keysFlags, nil)
	require.ErrorIs(t, err, errUsage)

	_, err = parseAction(keysFlags, []string{"new", "-no-such-flag"})
	require.ErrorIs(t, err, errUsage)

	action, err := parseAction(keysFlags, []string{"new", "-org", "CoolOrg", "-force"})
	require.NoError(t, err)
	assert.Equal(t, "new", action)
	assert.Equal(t, "CoolOrg", orgID)
	assert.True(t, force)

	_, err = parseAction(keysFlags, []string{"list"})
	require.NoError(t, err)
	assert.Empty(t, orgID, "options are reset between actions")
	assert.False(t, force)
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	setup(t)

	seal := []string{"-org", "CoolOrg", "-device", "alice@laptop", "-password", "hunter2"}
	require.NoError(t, keys(ctx, append([]string{"new"}, seal...)))
	require.ErrorIs(t, keys(ctx, append([]string{"new"}, seal...)), devid.ErrAlreadyExists)
	require.NoError(t, keys(ctx, append([]string{"new", "-force"}, seal...)))

	require.NoError(t, keys(ctx, append([]string{"show"}, seal...)))
	require.ErrorIs(t, keys(ctx, []string{"show", "-org", "CoolOrg", "-device", "alice@laptop", "-password", "wrong"}), devid.ErrCrypto)
	require.ErrorIs(t, keys(ctx, []string{"show", "-org", "CoolOrg", "-device", "alice@laptop", "-password", ""}), errUsage)
	require.NoError(t, keys(ctx, []string{"cipher", "-org", "CoolOrg", "-device", "alice@laptop"}))
	require.NoError(t, keys(ctx, []string{"list"}))

	available, err := vault.List(cfg.ConfigDir)
	require.NoError(t, err)
	assert.Equal(t, []vault.Available{{OrganizationID: "CoolOrg", DeviceID: "alice@laptop", Cipher: "password"}}, available)

	require.NoError(t, keys(ctx, []string{"remove", "-org", "CoolOrg", "-device", "alice@laptop"}))
	require.ErrorIs(t, keys(ctx, []string{"remove", "-org", "CoolOrg", "-device", "alice@laptop"}), devid.ErrNotFound)

	require.ErrorIs(t, keys(ctx, []string{"new", "-org", "CoolOrg", "-device", "alice"}), errUsage)
	require.ErrorIs(t, keys(ctx, []string{"rotate", "-org", "CoolOrg", "-device", "alice@laptop"}), errUsage)
}

func TestTPMKeyRange(t *testing.T) {
	setup(t)
	t.Cleanup(func() { tpmKeyID = 0 })

	tpmKeyID = math.MaxUint32 + 1
	_, _, err := tpmBackend()
	require.ErrorIs(t, err, errUsage)
}

func TestUsersAndInvitations(t *testing.T) {
	ctx := context.Background()
	setup(t)

	require.NoError(t, users(ctx, []string{"create-root", "-org", "CoolOrg", "-user", "admin", "-device", "root", "-password", "hunter2"}))
	_, err := vault.CipherKind(cfg.ConfigDir, "CoolOrg", "admin@root")
	require.NoError(t, err, "root device keys are sealed in the vault")

	require.ErrorIs(t, users(ctx, []string{"create-root", "-org", "CoolOrg", "-user", "admin", "-device", "root", "-password", "hunter2"}),
		devid.ErrAlreadyExists, "existing key file")
	require.ErrorIs(t, users(ctx, []string{"create-root", "-org", "CoolOrg", "-user", "admin", "-device", "spare", "-password", "hunter2"}),
		devid.ErrAlreadyExists, "existing user")
	_, err = vault.CipherKind(cfg.ConfigDir, "CoolOrg", "admin@spare")
	require.ErrorIs(t, err, devid.ErrNotFound, "keys of a failed registration are removed")

	inv := func(args ...string) error { return invite(ctx, append(args, "-org", "CoolOrg")) }
	require.NoError(t, inv("user", "-user", "alice", "-by", "admin@root"))
	require.NoError(t, inv("show", "-user", "alice"))
	require.NoError(t, inv("claim", "-user", "alice"))
	require.ErrorIs(t, inv("claim", "-user", "alice"), devid.ErrAlreadyClaimed)
	require.ErrorIs(t, inv("cancel", "-user", "alice"), devid.ErrInvalidState)

	require.NoError(t, inv("device", "-device", "admin@phone", "-by", "admin@root"))
	require.NoError(t, inv("cancel", "-device", "admin@phone"))
	require.ErrorIs(t, inv("show", "-device", "admin@phone"), devid.ErrNotFound)
	require.ErrorIs(t, inv("show", "-user", "alice", "-device", "admin@phone"), errUsage)

	require.NoError(t, users(ctx, []string{"find", "-org", "CoolOrg", "-query", "ADM"}))
	require.ErrorIs(t, users(ctx, []string{"find", "-org", "CoolOrg", "-page", "-1"}), devid.ErrInvalidArgument)
	require.ErrorIs(t, users(ctx, []string{"find", "-org", "CoolOrg", "-per-page", "0"}), devid.ErrInvalidArgument)
	require.NoError(t, users(ctx, []string{"show", "-org", "CoolOrg", "-user", "admin"}))
	require.ErrorIs(t, users(ctx, []string{"revoke", "-org", "CoolOrg", "-device", "admin@root"}), errUsage)
	require.NoError(t, users(ctx, []string{"revoke", "-org", "CoolOrg", "-device", "admin@root", "-by", "admin@root"}))
	require.ErrorIs(t, users(ctx, []string{"revoke", "-org", "CoolOrg", "-device", "admin@root", "-by", "admin@root"}), devid.ErrAlreadyRevoked)
}
