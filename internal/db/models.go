package db

import (
	"time"
)

// RevisionEnd is the closing state of a device history row: open (still
// current) or closed at a point in time.
type RevisionEnd struct {
	closedAt *time.Time
}

// OpenRevision returns the state of a current history row
func OpenRevision() RevisionEnd {
	return RevisionEnd{}
}

// ClosedAt returns the state of a history row that ended at t
func ClosedAt(t time.Time) RevisionEnd {
	return RevisionEnd{closedAt: &t}
}

// RevisionEndFrom converts a nullable column value
func RevisionEndFrom(t *time.Time) RevisionEnd {
	if t == nil {
		return OpenRevision()
	}
	return ClosedAt(*t)
}

// IsOpen reports whether the row is still current
func (r RevisionEnd) IsOpen() bool {
	return r.closedAt == nil
}

// Time returns the closing time and false for open rows
func (r RevisionEnd) Time() (time.Time, bool) {
	if r.closedAt == nil {
		return time.Time{}, false
	}
	return *r.closedAt, true
}

// Nullable returns the column value, nil for open rows
func (r RevisionEnd) Nullable() *time.Time {
	return r.closedAt
}

// Device is a provisioned sensor
type Device struct {
	ID         int64
	Identifier string
	CreatedAt  time.Time
}

// DeviceHistory binds a device to a user and optionally a location for a
// revision period
type DeviceHistory struct {
	ID            int64
	DeviceID      int64
	UserID        int64
	LocationID    *int64
	RevisionStart time.Time
	RevisionEnd   RevisionEnd
}

// User owns devices and tokens
type User struct {
	ID             int64
	Username       string
	Email          string
	Active         bool
	DateRegistered time.Time
}

// Token is a bearer credential issued to a user
type Token struct {
	ID         int64
	UserID     int64
	Value      string
	ValidStart time.Time
	ValidEnd   *time.Time
	Active     bool
}

// ValidAt reports whether the token can be used at now. The window is
// [ValidStart, ValidEnd) and a nil ValidEnd never expires.
func (t Token) ValidAt(now time.Time) bool {
	if !t.Active || now.Before(t.ValidStart) {
		return false
	}
	return t.ValidEnd == nil || now.Before(*t.ValidEnd)
}

// Location is a geofenced spot claimed by a device
type Location struct {
	ID           int64
	PublicLabel  string
	PrivateLabel string
	Latitude     float64
	Longitude    float64
	Radius       float64
}

// LocationSummary is a listed location. Active is set when any open device
// history row references it.
type LocationSummary struct {
	Location
	Active bool
}

// Measurement is one recorded noise level sample
type Measurement struct {
	ID              int64
	DeviceID        int64
	UserID          int64
	LocationID      *int64
	Timestamp       time.Time
	Min             float64
	Max             float64
	Mean            float64
	Uptime          *int64
	SoftwareVersion *string
	CreatedAt       time.Time
}

// NoiseRow is a raw or hourly aggregated noise level
type NoiseRow struct {
	Timestamp time.Time
	Min       float64
	Max       float64
	Mean      float64
}

// LifetimeSummary aggregates every measurement of a location. Bounds and
// levels are nil when Count is zero.
type LifetimeSummary struct {
	Start *time.Time
	End   *time.Time
	Count int64
	Min   *float64
	Max   *float64
	Mean  *float64
}

// SoftwareUpdate is a published firmware release
type SoftwareUpdate struct {
	ID          int64
	Version     string
	ReleaseTime time.Time
	Filename    string
}

// EmailTemplate is a stored outbound email
type EmailTemplate struct {
	ID      int64
	Name    string
	From    string
	Subject string
	Body    string
}
