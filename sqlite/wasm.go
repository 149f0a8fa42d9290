// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/ncruces/go-sqlite3/driver"    // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"   // Load sqlite WASM binary
	_ "github.com/ncruces/go-sqlite3/vfs/xts" // Encryption VFS
)

// Open creates or opens a SQLite database file with a pool of at most
// poolSize connections. If a password is specified, then the xts VFS will be
// used with a text key.
//
// Transactions begin immediately so that concurrent writers wait on the busy
// timeout instead of failing on lock upgrade.
func Open(filename, password string, poolSize int) (*DB, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	query := "?_pragma=foreign_keys(on)&_pragma=busy_timeout(10000)&_txlock=immediate"
	if password != "" {
		query += fmt.Sprintf("&vfs=xts&_pragma=textkey(%q)&_pragma=temp_store(memory)", password)
	}
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + query)
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	if err := Init(db); err != nil {
		return nil, err
	}
	return New(db), nil
}
