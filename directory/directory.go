// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package directory implements user and device registration, lookup, trust
// chain resolution, search, and revocation on top of a devid.Store.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fido-device-onboard/go-devid"
)

var tracer = otel.Tracer("github.com/fido-device-onboard/go-devid/directory")

// Pagination defaults for Find.
const (
	DefaultPage    = 1
	DefaultPerPage = 100
)

// Directory manages the users and devices of organizations. Every operation
// holds exactly one connection from Store for its duration.
type Directory struct {
	Store devid.Store

	// Events, if set, receives an event for every successful change.
	Events *devid.EventBus

	// Log defaults to the logrus standard logger.
	Log logrus.FieldLogger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (d *Directory) log() logrus.FieldLogger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}

func (d *Directory) now() time.Time {
	if d.Clock == nil {
		return normalize(time.Now())
	}
	return normalize(d.Clock())
}

// Stores persist microsecond precision in UTC.
func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

func (d *Directory) start(ctx context.Context, op string, org devid.OrganizationID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "directory."+op, trace.WithAttributes(
		append(attrs, attribute.String("organization_id", string(org)))...,
	))
}

func end(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

func validateDevice(device *devid.Device) error {
	if _, err := devid.ParseDeviceID(string(device.DeviceID)); err != nil {
		return err
	}
	if device.Certifier == device.DeviceID {
		return fmt.Errorf("%w: device %s certifies itself", devid.ErrValidation, device.DeviceID)
	}
	if device.Revoked() {
		return fmt.Errorf("%w: device %s is created revoked", devid.ErrValidation, device.DeviceID)
	}
	return nil
}

// CreateUser registers a user together with its first device. The device
// must belong to the user. A zero CreatedOn on either record is set to the
// current time.
func (d *Directory) CreateUser(ctx context.Context, org devid.OrganizationID, user *devid.User, firstDevice *devid.Device) (err error) {
	ctx, span := d.start(ctx, "CreateUser", org,
		attribute.String("user_id", string(user.UserID)),
		attribute.String("device_id", string(firstDevice.DeviceID)),
	)
	defer end(span, &err)

	if _, err := devid.ParseUserID(string(user.UserID)); err != nil {
		return err
	}
	if err := validateDevice(firstDevice); err != nil {
		return err
	}
	if firstDevice.UserID() != user.UserID {
		return fmt.Errorf("%w: device %s does not belong to user %s", devid.ErrValidation, firstDevice.DeviceID, user.UserID)
	}

	now := d.now()
	u, dev := *user, *firstDevice
	u.CreatedOn, dev.CreatedOn = normalize(u.CreatedOn), normalize(dev.CreatedOn)
	if u.CreatedOn.IsZero() {
		u.CreatedOn = now
	}
	if dev.CreatedOn.IsZero() {
		dev.CreatedOn = now
	}

	if err := devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		return c.CreateUser(ctx, org, &u, &dev)
	}); err != nil {
		return err
	}

	d.log().WithFields(logrus.Fields{
		"op":              "CreateUser",
		"organization_id": org,
		"user_id":         u.UserID,
		"device_id":       dev.DeviceID,
	}).Info("user created")
	d.Events.Publish(ctx, devid.Event{
		Type:           devid.EventTypeUserCreated,
		Timestamp:      u.CreatedOn,
		OrganizationID: org,
		UserID:         u.UserID,
		DeviceID:       dev.DeviceID,
		Certifier:      u.Certifier,
	})
	return nil
}

// CreateDevice adds a device to an existing user and stores an opaque answer
// payload with it. An empty payload is valid.
func (d *Directory) CreateDevice(ctx context.Context, org devid.OrganizationID, device *devid.Device, encryptedAnswer []byte) (err error) {
	ctx, span := d.start(ctx, "CreateDevice", org, attribute.String("device_id", string(device.DeviceID)))
	defer end(span, &err)

	if err := validateDevice(device); err != nil {
		return err
	}
	dev := *device
	dev.CreatedOn = normalize(dev.CreatedOn)
	if dev.CreatedOn.IsZero() {
		dev.CreatedOn = d.now()
	}

	if err := devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		return c.CreateDevice(ctx, org, &dev, encryptedAnswer)
	}); err != nil {
		return err
	}

	d.log().WithFields(logrus.Fields{
		"op":              "CreateDevice",
		"organization_id": org,
		"device_id":       dev.DeviceID,
	}).Info("device created")
	d.Events.Publish(ctx, devid.Event{
		Type:           devid.EventTypeDeviceCreated,
		Timestamp:      dev.CreatedOn,
		OrganizationID: org,
		UserID:         dev.UserID(),
		DeviceID:       dev.DeviceID,
		Certifier:      dev.Certifier,
	})
	return nil
}

// EncryptedAnswer returns the payload stored when the device was created.
func (d *Directory) EncryptedAnswer(ctx context.Context, org devid.OrganizationID, id devid.DeviceID) (answer []byte, err error) {
	ctx, span := d.start(ctx, "EncryptedAnswer", org, attribute.String("device_id", string(id)))
	defer end(span, &err)

	err = devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		answer, err = c.DeviceAnswer(ctx, org, id)
		return err
	})
	return answer, err
}

// GetUser returns a user by ID.
func (d *Directory) GetUser(ctx context.Context, org devid.OrganizationID, id devid.UserID) (user *devid.User, err error) {
	ctx, span := d.start(ctx, "GetUser", org, attribute.String("user_id", string(id)))
	defer end(span, &err)

	err = devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		user, err = c.User(ctx, org, id)
		return err
	})
	return user, err
}

// GetUserWithDevice returns a device and the user owning it.
func (d *Directory) GetUserWithDevice(ctx context.Context, org devid.OrganizationID, id devid.DeviceID) (user *devid.User, device *devid.Device, err error) {
	ctx, span := d.start(ctx, "GetUserWithDevice", org, attribute.String("device_id", string(id)))
	defer end(span, &err)

	err = devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		user, device, err = userWithDevice(ctx, c, org, id)
		return err
	})
	return user, device, err
}

func userWithDevice(ctx context.Context, c devid.Conn, org devid.OrganizationID, id devid.DeviceID) (*devid.User, *devid.Device, error) {
	device, err := c.Device(ctx, org, id)
	if err != nil {
		return nil, nil, err
	}
	user, err := c.User(ctx, org, device.UserID())
	if errors.Is(err, devid.ErrUserNotFound) {
		return nil, nil, fmt.Errorf("%w: device %s has no owner", devid.ErrTrustChainBroken, id)
	}
	if err != nil {
		return nil, nil, err
	}
	return user, device, nil
}

// GetUserWithTrustchain returns a user and the chain of devices from the
// root of trust to the device that certified the user. The chain of the
// root user is empty.
func (d *Directory) GetUserWithTrustchain(ctx context.Context, org devid.OrganizationID, id devid.UserID) (user *devid.User, chain devid.TrustChain, err error) {
	ctx, span := d.start(ctx, "GetUserWithTrustchain", org, attribute.String("user_id", string(id)))
	defer end(span, &err)

	err = devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		if user, err = c.User(ctx, org, id); err != nil {
			return err
		}
		chain, err = newResolver(c, org).chain(ctx, user.Certifier)
		return err
	})
	return user, chain, err
}

// GetUserWithDeviceAndTrustchain returns a device, its owner, and the chain
// of devices from the root of trust to the device's certifier.
func (d *Directory) GetUserWithDeviceAndTrustchain(ctx context.Context, org devid.OrganizationID, id devid.DeviceID) (user *devid.User, device *devid.Device, chain devid.TrustChain, err error) {
	ctx, span := d.start(ctx, "GetUserWithDeviceAndTrustchain", org, attribute.String("device_id", string(id)))
	defer end(span, &err)

	err = devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		if user, device, err = userWithDevice(ctx, c, org, id); err != nil {
			return err
		}
		chain, err = newResolver(c, org).chain(ctx, device.Certifier)
		return err
	})
	return user, device, chain, err
}

// GetUserWithDevicesAndTrustchain returns a user, all of its devices, and
// the union of the trust chains of the user, of every device, and of every
// revocation certifier. Each device appears once and after its certifier.
func (d *Directory) GetUserWithDevicesAndTrustchain(ctx context.Context, org devid.OrganizationID, id devid.UserID) (user *devid.User, devices []*devid.Device, chain devid.TrustChain, err error) {
	ctx, span := d.start(ctx, "GetUserWithDevicesAndTrustchain", org, attribute.String("user_id", string(id)))
	defer end(span, &err)

	err = devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		if user, err = c.User(ctx, org, id); err != nil {
			return err
		}
		if devices, err = c.UserDevices(ctx, org, id); err != nil {
			return err
		}

		anchors := []devid.DeviceID{user.Certifier}
		for _, dev := range devices {
			anchors = append(anchors, dev.Certifier, dev.RevokedCertifier)
		}
		chain, err = newResolver(c, org).union(ctx, anchors)
		return err
	})
	return user, devices, chain, err
}

// FindOptions selects and paginates users. Use DefaultFindOptions for the
// default pagination; Page and PerPage below 1 are rejected.
type FindOptions struct {
	// Query is matched case-insensitively as a substring of the user ID.
	Query string

	// Page is 1-indexed.
	Page, PerPage int

	// OmitRevoked excludes users whose every device is revoked.
	OmitRevoked bool
}

// DefaultFindOptions returns options matching every user on the first page
// of DefaultPerPage results.
func DefaultFindOptions() FindOptions {
	return FindOptions{Page: DefaultPage, PerPage: DefaultPerPage}
}

// Find returns one page of user IDs in ascending order and the total number
// of matching users.
func (d *Directory) Find(ctx context.Context, org devid.OrganizationID, opts FindOptions) (ids []devid.UserID, total int, err error) {
	ctx, span := d.start(ctx, "Find", org, attribute.String("query", opts.Query))
	defer end(span, &err)

	page, perPage := opts.Page, opts.PerPage
	if page < 1 || perPage < 1 {
		return nil, 0, fmt.Errorf("%w: page %d, per page %d", devid.ErrInvalidArgument, page, perPage)
	}

	q := devid.UserQuery{
		Folded:      devid.FoldQuery(opts.Query),
		OmitRevoked: opts.OmitRevoked,
		Offset:      (page - 1) * perPage,
		Limit:       perPage,
	}
	err = devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		ids, total, err = c.FindUsers(ctx, org, q)
		return err
	})
	return ids, total, err
}

// RevokeDevice sets the revocation fields of an active device. The
// revocation certifier is required. A zero revokedOn is replaced by the
// current time. The effective revocation time is returned.
func (d *Directory) RevokeDevice(ctx context.Context, org devid.OrganizationID, id devid.DeviceID, revokedCertificate []byte, revokedCertifier devid.DeviceID, revokedOn time.Time) (_ time.Time, err error) {
	ctx, span := d.start(ctx, "RevokeDevice", org, attribute.String("device_id", string(id)))
	defer end(span, &err)

	if _, err := devid.ParseDeviceID(string(revokedCertifier)); err != nil {
		return time.Time{}, fmt.Errorf("revocation certifier: %w", err)
	}
	revokedOn = normalize(revokedOn)
	if revokedOn.IsZero() {
		revokedOn = d.now()
	}
	rev := devid.Revocation{
		RevokedOn:   revokedOn,
		Certificate: revokedCertificate,
		Certifier:   revokedCertifier,
	}
	if err := devid.WithConn(ctx, d.Store, func(c devid.Conn) error {
		return c.RevokeDevice(ctx, org, id, rev)
	}); err != nil {
		return time.Time{}, err
	}

	d.log().WithFields(logrus.Fields{
		"op":              "RevokeDevice",
		"organization_id": org,
		"device_id":       id,
		"certifier":       revokedCertifier,
	}).Info("device revoked")
	d.Events.Publish(ctx, devid.Event{
		Type:           devid.EventTypeDeviceRevoked,
		Timestamp:      revokedOn,
		OrganizationID: org,
		UserID:         id.UserID(),
		DeviceID:       id,
		Certifier:      revokedCertifier,
	})
	return revokedOn, nil
}
