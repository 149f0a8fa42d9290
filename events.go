// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package devid

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of directory event
type EventType int

const (
	// EventTypeUnknown - Unknown event type
	EventTypeUnknown EventType = iota

	// EventTypeUserCreated indicates a user and its first device were created
	EventTypeUserCreated
	// EventTypeDeviceCreated indicates a device was added to a user
	EventTypeDeviceCreated
	// EventTypeDeviceRevoked indicates a device was revoked
	EventTypeDeviceRevoked

	// EventTypeInvitationCreated indicates a user or device invitation was opened
	EventTypeInvitationCreated
	// EventTypeInvitationClaimed indicates a pending invitation was claimed
	EventTypeInvitationClaimed
	// EventTypeInvitationCancelled indicates a pending invitation was cancelled
	EventTypeInvitationCancelled
)

var eventTypeNames = map[EventType]string{
	EventTypeUnknown:             "Unknown Event",
	EventTypeUserCreated:         "User Created",
	EventTypeDeviceCreated:       "Device Created",
	EventTypeDeviceRevoked:       "Device Revoked",
	EventTypeInvitationCreated:   "Invitation Created",
	EventTypeInvitationClaimed:   "Invitation Claimed",
	EventTypeInvitationCancelled: "Invitation Cancelled",
}

// String returns a human-readable description of the event type
func (e EventType) String() string { return eventTypeNames[e] }

// Event represents a directory or enrollment event
type Event struct {
	Type           EventType
	Timestamp      time.Time
	OrganizationID OrganizationID

	// UserID is set for user creation and user invitations.
	UserID UserID

	// DeviceID is set for device events and device invitations.
	DeviceID DeviceID

	// Certifier is the certifying device of a creation or revocation, or the
	// creator of an invitation.
	Certifier DeviceID
}

// EventHandler receives events. Implementations should not block for long
// periods.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event)
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event Event)

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) { f(ctx, event) }

// EventBus dispatches events to subscribed handlers. Each handler is called
// in its own goroutine so that publishing never blocks a directory operation.
// The zero value is ready to use and a nil *EventBus discards all events.
type EventBus struct {
	// Log receives recovered handler panics. Defaults to the logrus standard
	// logger.
	Log logrus.FieldLogger

	mu       sync.RWMutex
	handlers []EventHandler
}

// Subscribe registers a handler for all events.
func (b *EventBus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish dispatches an event to all subscribed handlers.
func (b *EventBus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log().WithFields(logrus.Fields{
						"event": event.Type.String(),
						"panic": r,
					}).Warn("event handler panicked")
				}
			}()
			h.HandleEvent(ctx, event)
		}()
	}
}

func (b *EventBus) log() logrus.FieldLogger {
	if b.Log == nil {
		return logrus.StandardLogger()
	}
	return b.Log
}
