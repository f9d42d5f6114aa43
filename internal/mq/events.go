package mq

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types, also used as routing keys on the events exchange
const (
	EventMeasurementRecorded   = "measurement.recorded"
	EventDeviceRegistered      = "device.registered"
	EventDeviceLocationChanged = "device.location_changed"
)

// Event is the envelope of every published domain event
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// NewEvent creates an event with a sortable unique ID
func NewEvent(eventType string, occurredAt time.Time, data any) Event {
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(occurredAt), ulid.DefaultEntropy()).String(),
		Type:       eventType,
		OccurredAt: occurredAt,
		Data:       data,
	}
}

// MeasurementRecorded is published after a measurement is stored
type MeasurementRecorded struct {
	MeasurementID int64     `json:"measurement_id"`
	DeviceID      string    `json:"device_id"`
	LocationID    *int64    `json:"location_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	Mean          float64   `json:"mean"`
}

// DeviceRegistered is published after a device is bound to a user
type DeviceRegistered struct {
	DeviceID  string `json:"device_id"`
	UserID    int64  `json:"user_id"`
	HistoryID int64  `json:"history_id"`
	NewUser   bool   `json:"new_user"`
}

// DeviceLocationChanged is published after a device claims a new location
type DeviceLocationChanged struct {
	DeviceID   string `json:"device_id"`
	UserID     int64  `json:"user_id"`
	LocationID int64  `json:"location_id"`
	HistoryID  int64  `json:"history_id"`
}

// EventPublisher publishes domain events
//
//go:generate mockgen -source=events.go -destination=../mocks/publisher.go -package=mocks
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) error
}

// NopPublisher drops events. It is used when no broker is configured.
type NopPublisher struct{}

// PublishEvent implements EventPublisher
func (NopPublisher) PublishEvent(context.Context, Event) error { return nil }
