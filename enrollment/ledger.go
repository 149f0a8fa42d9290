// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package enrollment implements the invitation handshake through which new
// users and devices join an organization.
//
// An invitation starts pending and ends exactly once, either claimed by the
// invited party or cancelled. A pending invitation is only claimable for the
// ledger's TTL after creation. Expired invitations are not a separate state:
// lookups treat them as missing and a new invitation replaces them.
package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fido-device-onboard/go-devid"
)

var tracer = otel.Tracer("github.com/fido-device-onboard/go-devid/enrollment")

// DefaultTTL is used when Ledger.TTL is not positive.
const DefaultTTL = time.Hour

// Ledger manages user and device invitations. Every operation holds exactly
// one connection from Store for its duration.
type Ledger struct {
	Store devid.Store

	// TTL bounds how long a pending invitation can be claimed.
	TTL time.Duration

	// Events, if set, receives an event for every successful change.
	Events *devid.EventBus

	// Log defaults to the logrus standard logger.
	Log logrus.FieldLogger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (l *Ledger) log() logrus.FieldLogger {
	if l.Log == nil {
		return logrus.StandardLogger()
	}
	return l.Log
}

func (l *Ledger) now() time.Time {
	now := time.Now
	if l.Clock != nil {
		now = l.Clock
	}
	return now().UTC().Truncate(time.Microsecond)
}

func (l *Ledger) ttl() time.Duration {
	if l.TTL <= 0 {
		return DefaultTTL
	}
	return l.TTL
}

// Pending invitations created before the returned time have expired.
func (l *Ledger) staleBefore(now time.Time) time.Time { return now.Add(-l.ttl()) }

func (l *Ledger) live(state devid.InvitationState, createdOn, now time.Time) bool {
	return state == devid.InvitationPending && !createdOn.Before(l.staleBefore(now))
}

func (l *Ledger) start(ctx context.Context, op string, org devid.OrganizationID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "enrollment."+op, trace.WithAttributes(
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

// Checks the creator of a new invitation.
func creatorExists(ctx context.Context, c devid.Conn, org devid.OrganizationID, creator devid.DeviceID) error {
	if _, err := devid.ParseDeviceID(string(creator)); err != nil {
		return err
	}
	_, err := c.Device(ctx, org, creator)
	return err
}

// settle moves the invitation returned by read to the terminal state to. The
// store applies the transition as a compare-and-set, so when a concurrent
// writer wins, the invitation is read again and the error its new state
// implies is returned.
func (l *Ledger) settle(
	to devid.InvitationState,
	payload []byte,
	read func() (devid.InvitationState, time.Time, error),
	apply func(devid.InvitationTransition) error,
) (devid.InvitationTransition, error) {
	state, createdOn, err := read()
	if err != nil {
		return devid.InvitationTransition{}, err
	}
	now := l.now()
	if state == devid.InvitationPending && !l.live(state, createdOn, now) {
		return devid.InvitationTransition{}, devid.ErrInvitationNotFound
	}
	if _, err := state.Transition(to); err != nil {
		return devid.InvitationTransition{}, err
	}

	tr := devid.InvitationTransition{
		From:      state,
		To:        to,
		CreatedOn: createdOn,
		At:        now,
	}
	if to == devid.InvitationClaimed {
		tr.Payload = payload
	}
	err = apply(tr)
	if !errors.Is(err, devid.ErrConflict) {
		return tr, err
	}

	state, _, err = read()
	if err != nil {
		return devid.InvitationTransition{}, err
	}
	if state == devid.InvitationPending {
		// Replaced by a newer invitation
		return devid.InvitationTransition{}, devid.ErrInvitationNotFound
	}
	_, err = state.Transition(to)
	return devid.InvitationTransition{}, err
}

func (l *Ledger) logTransition(op string, org devid.OrganizationID, key string, id any, tr devid.InvitationTransition) {
	l.log().WithFields(logrus.Fields{
		"op":              op,
		"organization_id": org,
		key:               id,
		"state":           tr.To.String(),
	}).Info("invitation " + tr.To.String())
}

func eventType(state devid.InvitationState) devid.EventType {
	switch state {
	case devid.InvitationClaimed:
		return devid.EventTypeInvitationClaimed
	case devid.InvitationCancelled:
		return devid.EventTypeInvitationCancelled
	default:
		return devid.EventTypeInvitationCreated
	}
}
