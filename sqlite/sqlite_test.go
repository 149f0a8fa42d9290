// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/directorytest"
	"github.com/fido-device-onboard/go-devid/sqlite"
)

func TestStore(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "devid.db"), "", 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.DebugLog = directorytest.TestingLog(t)

	directorytest.RunStoreSuite(t, db)
}

func TestEncryptedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devid.db")

	db, err := sqlite.Open(path, "Ford Prefect", 4)
	require.NoError(t, err)
	directorytest.RunStoreSuite(t, db)
	require.NoError(t, db.Close())

	// Reopen with the right password and the data survives
	db, err = sqlite.Open(path, "Ford Prefect", 1)
	require.NoError(t, err)
	err = devid.WithConn(context.Background(), db, func(c devid.Conn) error {
		_, total, err := c.FindUsers(context.Background(), "FindOrg", devid.UserQuery{})
		require.NoError(t, err)
		require.NotZero(t, total)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = sqlite.Open(path, "Arthur Dent", 1)
	require.ErrorContains(t, err, "password")
}
