// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fido-device-onboard/go-devid"
)

func (c *conn) checkCertifier(ctx context.Context, tx querier, org devid.OrganizationID, certifier devid.DeviceID) error {
	if certifier.IsZero() {
		return nil
	}
	found, err := exists(ctx, tx, "devices", map[string]any{
		"organization_id": string(org),
		"device_id":       string(certifier),
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", devid.ErrCertifierNotFound, certifier)
	}
	return nil
}

func deviceRow(org devid.OrganizationID, d *devid.Device, encryptedAnswer []byte) map[string]any {
	return map[string]any{
		"organization_id":     string(org),
		"device_id":           string(d.DeviceID),
		"user_id":             string(d.UserID()),
		"certificate":         blob(d.Certificate),
		"created_on":          micros(d.CreatedOn),
		"certifier":           nullable(string(d.Certifier)),
		"encrypted_answer":    blob(encryptedAnswer),
		"revoked_on":          micros(d.RevokedOn),
		"revoked_certificate": blob(d.RevokedCertificate),
		"revoked_certifier":   nullable(string(d.RevokedCertifier)),
	}
}

func (c *conn) CreateUser(ctx context.Context, org devid.OrganizationID, user *devid.User, firstDevice *devid.Device) error {
	ctx = c.db.debugCtx(ctx)
	return c.inTx(ctx, func(tx *sql.Tx) error {
		userTaken, err := exists(ctx, tx, "users", map[string]any{
			"organization_id": string(org),
			"user_id":         string(user.UserID),
		})
		if err != nil {
			return err
		}
		deviceTaken, err := exists(ctx, tx, "devices", map[string]any{
			"organization_id": string(org),
			"device_id":       string(firstDevice.DeviceID),
		})
		if err != nil {
			return err
		}
		if userTaken || deviceTaken {
			return devid.ErrAlreadyExists
		}
		if err := c.checkCertifier(ctx, tx, org, user.Certifier); err != nil {
			return err
		}
		if err := c.checkCertifier(ctx, tx, org, firstDevice.Certifier); err != nil {
			return err
		}

		if err := insert(ctx, tx, "users", map[string]any{
			"organization_id": string(org),
			"user_id":         string(user.UserID),
			"user_id_folded":  devid.FoldQuery(string(user.UserID)),
			"certificate":     blob(user.Certificate),
			"created_on":      micros(user.CreatedOn),
			"certifier":       nullable(string(user.Certifier)),
		}, false); err != nil {
			return err
		}
		return insert(ctx, tx, "devices", deviceRow(org, firstDevice, nil), false)
	})
}

func (c *conn) User(ctx context.Context, org devid.OrganizationID, id devid.UserID) (*devid.User, error) {
	var (
		certificate []byte
		createdOn   sql.NullInt64
		certifier   sql.NullString
	)
	if err := query(c.db.debugCtx(ctx), c.conn, "users",
		[]string{"certificate", "created_on", "certifier"},
		map[string]any{
			"organization_id": string(org),
			"user_id":         string(id),
		},
		&certificate, &createdOn, &certifier,
	); err != nil {
		if errors.Is(err, devid.ErrNotFound) {
			return nil, devid.ErrUserNotFound
		}
		return nil, err
	}
	return &devid.User{
		UserID:      id,
		Certificate: certificate,
		CreatedOn:   fromMicros(createdOn),
		Certifier:   devid.DeviceID(certifier.String),
	}, nil
}

func (c *conn) FindUsers(ctx context.Context, org devid.OrganizationID, q devid.UserQuery) ([]devid.UserID, int, error) {
	ctx = c.db.debugCtx(ctx)

	where := "u.organization_id = ?"
	args := []any{string(org)}
	if q.Folded != "" {
		where += " AND instr(u.user_id_folded, ?) > 0"
		args = append(args, q.Folded)
	}
	if q.OmitRevoked {
		where += ` AND EXISTS (SELECT 1 FROM devices d
			WHERE d.organization_id = u.organization_id
			AND d.user_id = u.user_id
			AND d.revoked_on IS NULL)`
	}

	countQuery := "SELECT COUNT(*) FROM users u WHERE " + where
	debug(ctx, "sqlite: %s\n%+v", countQuery, args)
	var total int
	if err := c.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, storageErr(err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	pageQuery := "SELECT u.user_id FROM users u WHERE " + where + " ORDER BY u.user_id LIMIT ? OFFSET ?"
	pageArgs := append(args, limit, q.Offset)
	debug(ctx, "sqlite: %s\n%+v", pageQuery, pageArgs)
	rows, err := c.conn.QueryContext(ctx, pageQuery, pageArgs...)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	defer func() { _ = rows.Close() }()

	ids := []devid.UserID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, storageErr(err)
		}
		ids = append(ids, devid.UserID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr(err)
	}
	return ids, total, nil
}

func (c *conn) CreateDevice(ctx context.Context, org devid.OrganizationID, device *devid.Device, encryptedAnswer []byte) error {
	ctx = c.db.debugCtx(ctx)
	return c.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := exists(ctx, tx, "users", map[string]any{
			"organization_id": string(org),
			"user_id":         string(device.UserID()),
		})
		if err != nil {
			return err
		}
		if !owner {
			return devid.ErrUserNotFound
		}
		taken, err := exists(ctx, tx, "devices", map[string]any{
			"organization_id": string(org),
			"device_id":       string(device.DeviceID),
		})
		if err != nil {
			return err
		}
		if taken {
			return devid.ErrAlreadyExists
		}
		if err := c.checkCertifier(ctx, tx, org, device.Certifier); err != nil {
			return err
		}
		return insert(ctx, tx, "devices", deviceRow(org, device, encryptedAnswer), false)
	})
}

var deviceColumns = []string{
	"device_id",
	"certificate",
	"created_on",
	"certifier",
	"revoked_on",
	"revoked_certificate",
	"revoked_certifier",
}

type deviceScanner struct {
	deviceID           string
	certificate        []byte
	createdOn          sql.NullInt64
	certifier          sql.NullString
	revokedOn          sql.NullInt64
	revokedCertificate []byte
	revokedCertifier   sql.NullString
}

func (s *deviceScanner) targets() []any {
	return []any{
		&s.deviceID,
		&s.certificate,
		&s.createdOn,
		&s.certifier,
		&s.revokedOn,
		&s.revokedCertificate,
		&s.revokedCertifier,
	}
}

func (s *deviceScanner) device() *devid.Device {
	return &devid.Device{
		DeviceID:           devid.DeviceID(s.deviceID),
		Certificate:        s.certificate,
		CreatedOn:          fromMicros(s.createdOn),
		Certifier:          devid.DeviceID(s.certifier.String),
		RevokedOn:          fromMicros(s.revokedOn),
		RevokedCertificate: s.revokedCertificate,
		RevokedCertifier:   devid.DeviceID(s.revokedCertifier.String),
	}
}

func (c *conn) Device(ctx context.Context, org devid.OrganizationID, id devid.DeviceID) (*devid.Device, error) {
	var s deviceScanner
	if err := query(c.db.debugCtx(ctx), c.conn, "devices", deviceColumns,
		map[string]any{
			"organization_id": string(org),
			"device_id":       string(id),
		},
		s.targets()...,
	); err != nil {
		if errors.Is(err, devid.ErrNotFound) {
			return nil, devid.ErrDeviceNotFound
		}
		return nil, err
	}
	return s.device(), nil
}

func (c *conn) UserDevices(ctx context.Context, org devid.OrganizationID, id devid.UserID) ([]*devid.Device, error) {
	ctx = c.db.debugCtx(ctx)
	query := fmt.Sprintf(
		"SELECT `%s` FROM devices WHERE organization_id = ? AND user_id = ? ORDER BY device_id",
		strings.Join(deviceColumns, "`, `"),
	)
	debug(ctx, "sqlite: %s\n%+v", query, []any{org, id})

	rows, err := c.conn.QueryContext(ctx, query, string(org), string(id))
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() { _ = rows.Close() }()

	var devices []*devid.Device
	for rows.Next() {
		var s deviceScanner
		if err := rows.Scan(s.targets()...); err != nil {
			return nil, storageErr(err)
		}
		devices = append(devices, s.device())
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return devices, nil
}

func (c *conn) DeviceAnswer(ctx context.Context, org devid.OrganizationID, id devid.DeviceID) ([]byte, error) {
	var answer []byte
	if err := query(c.db.debugCtx(ctx), c.conn, "devices", []string{"encrypted_answer"},
		map[string]any{
			"organization_id": string(org),
			"device_id":       string(id),
		},
		&answer,
	); err != nil {
		if errors.Is(err, devid.ErrNotFound) {
			return nil, devid.ErrDeviceNotFound
		}
		return nil, err
	}
	return answer, nil
}

func (c *conn) RevokeDevice(ctx context.Context, org devid.OrganizationID, id devid.DeviceID, rev devid.Revocation) error {
	ctx = c.db.debugCtx(ctx)
	return c.inTx(ctx, func(tx *sql.Tx) error {
		key := map[string]any{
			"organization_id": string(org),
			"device_id":       string(id),
		}
		var revokedOn sql.NullInt64
		if err := query(ctx, tx, "devices", []string{"revoked_on"}, key, &revokedOn); err != nil {
			if errors.Is(err, devid.ErrNotFound) {
				return devid.ErrDeviceNotFound
			}
			return err
		}
		if revokedOn.Valid {
			return devid.ErrAlreadyRevoked
		}
		if err := c.checkCertifier(ctx, tx, org, rev.Certifier); err != nil {
			return err
		}

		// Set once: the row only matches while it is unrevoked
		n, err := update(ctx, tx, "devices",
			map[string]any{
				"revoked_on":          micros(rev.RevokedOn),
				"revoked_certificate": blob(rev.Certificate),
				"revoked_certifier":   nullable(string(rev.Certifier)),
			},
			map[string]any{
				"organization_id": string(org),
				"device_id":       string(id),
				"revoked_on":      nil,
			},
		)
		if err != nil {
			return err
		}
		if n == 0 {
			return devid.ErrAlreadyRevoked
		}
		return nil
	})
}
