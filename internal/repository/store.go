package repository

import (
	"context"
	"errors"
	"time"

	"github.com/septivank/tracket-noise-api/internal/db"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses against a concurrent change
	// or violates a uniqueness rule
	ErrConflict = errors.New("conflict")
)

// Granularity selects how noise measurements are summarised
type Granularity string

const (
	GranularityRaw      Granularity = "raw"
	GranularityHourly   Granularity = "hourly"
	GranularityLifetime Granularity = "life-time"
)

// NoiseQuery selects measurements of one location. Start and End are
// inclusive and optional.
type NoiseQuery struct {
	LocationID  int64
	Start       *time.Time
	End         *time.Time
	Granularity Granularity
	Offset      int
	Limit       int
}

// Store is the persistence contract of the API
type Store interface {
	FindDevice(ctx context.Context, identifier string) (*db.Device, error)

	// CurrentHistory returns the open history row of a device
	CurrentHistory(ctx context.Context, deviceID int64) (*db.DeviceHistory, error)
	// OpenHistoryFor returns the open history row binding device and user
	OpenHistoryFor(ctx context.Context, deviceID, userID int64) (*db.DeviceHistory, error)
	// HasLocationClaim reports whether device and user were ever bound to location
	HasLocationClaim(ctx context.Context, deviceID, userID, locationID int64) (bool, error)
	CreateHistory(ctx context.Context, history *db.DeviceHistory) error
	// CloseHistory ends an open row. ErrConflict means the row was already closed.
	CloseHistory(ctx context.Context, historyID int64, at time.Time) error

	FindActiveUserByEmail(ctx context.Context, email string) (*db.User, error)
	GetUser(ctx context.Context, userID int64) (*db.User, error)
	CreateUser(ctx context.Context, user *db.User) error
	AddUserToLoginPolicy(ctx context.Context, policy string, userID int64) error

	// FindValidToken returns a token of the user valid at now
	FindValidToken(ctx context.Context, userID int64, now time.Time) (*db.Token, error)
	// FindValidTokenByValue returns the user's token with value if valid at now
	FindValidTokenByValue(ctx context.Context, userID int64, value string, now time.Time) (*db.Token, error)
	CreateToken(ctx context.Context, token *db.Token) error

	// FindLocationsByCoords returns exact coordinate matches, newest first
	FindLocationsByCoords(ctx context.Context, latitude, longitude, radius float64) ([]db.Location, error)
	CreateLocation(ctx context.Context, location *db.Location) error
	UpdateLocationLabels(ctx context.Context, locationID int64, publicLabel, privateLabel string) error
	ListLocations(ctx context.Context, locationID *int64, offset, limit int) ([]db.LocationSummary, error)

	CreateMeasurement(ctx context.Context, measurement *db.Measurement) error
	// RecentMeans returns the latest mean levels of a device, newest first
	RecentMeans(ctx context.Context, deviceID int64, limit int) ([]float64, error)
	// QueryNoise returns raw or hourly rows ordered by timestamp
	QueryNoise(ctx context.Context, query NoiseQuery) ([]db.NoiseRow, error)
	LifetimeSummary(ctx context.Context, locationID int64, start, end *time.Time) (*db.LifetimeSummary, error)

	LatestSoftwareUpdate(ctx context.Context) (*db.SoftwareUpdate, error)
	FindEmailTemplate(ctx context.Context, name string) (*db.EmailTemplate, error)

	// WithinTx runs fn in a unit of work. Writes made through the Store
	// passed to fn are discarded when fn returns an error.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
