package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/septivank/tracket-noise-api/internal/db"
)

const uniqueViolation = "23505"

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations
type Repository struct {
	pool     *pgxpool.Pool
	q        querier
	timezone string
}

// NewRepository creates a new repository. Hourly buckets are cut in loc.
func NewRepository(pool *pgxpool.Pool, loc *time.Location) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{pool: pool, q: pool, timezone: loc.String()}
}

var _ Store = (*Repository)(nil)

// WithinTx runs fn inside a database transaction
func (r *Repository) WithinTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := r.q.(pgx.Tx); inTx {
		return fn(r)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&Repository{pool: r.pool, q: tx, timezone: r.timezone})
	})
}

// FindDevice retrieves a device by its identifier
func (r *Repository) FindDevice(ctx context.Context, identifier string) (*db.Device, error) {
	query := `
		SELECT id, identifier, created_at
		FROM devices
		WHERE identifier = $1
		ORDER BY id
		LIMIT 1
	`

	var device db.Device
	err := r.q.QueryRow(ctx, query, identifier).Scan(&device.ID, &device.Identifier, &device.CreatedAt)
	if err != nil {
		return nil, notFound(err, "failed to query device")
	}
	return &device, nil
}

const historyColumns = `id, device_id, user_id, location_id, revision_start, revision_end`

func scanHistory(row pgx.Row) (*db.DeviceHistory, error) {
	var (
		h   db.DeviceHistory
		end *time.Time
	)
	if err := row.Scan(&h.ID, &h.DeviceID, &h.UserID, &h.LocationID, &h.RevisionStart, &end); err != nil {
		return nil, err
	}
	h.RevisionEnd = db.RevisionEndFrom(end)
	return &h, nil
}

// CurrentHistory returns the open history row of a device
func (r *Repository) CurrentHistory(ctx context.Context, deviceID int64) (*db.DeviceHistory, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM device_history
		WHERE device_id = $1 AND revision_end IS NULL
		ORDER BY id DESC
		LIMIT 1
	`

	h, err := scanHistory(r.q.QueryRow(ctx, query, deviceID))
	if err != nil {
		return nil, notFound(err, "failed to query current device history")
	}
	return h, nil
}

// OpenHistoryFor returns the open history row binding device and user
func (r *Repository) OpenHistoryFor(ctx context.Context, deviceID, userID int64) (*db.DeviceHistory, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM device_history
		WHERE device_id = $1 AND user_id = $2 AND revision_end IS NULL
		ORDER BY id DESC
		LIMIT 1
	`

	h, err := scanHistory(r.q.QueryRow(ctx, query, deviceID, userID))
	if err != nil {
		return nil, notFound(err, "failed to query device history")
	}
	return h, nil
}

// HasLocationClaim reports whether device and user were ever bound to location
func (r *Repository) HasLocationClaim(ctx context.Context, deviceID, userID, locationID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM device_history
			WHERE device_id = $1 AND user_id = $2 AND location_id = $3
		)
	`

	var exists bool
	if err := r.q.QueryRow(ctx, query, deviceID, userID, locationID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query location claim: %w", err)
	}
	return exists, nil
}

// CreateHistory inserts a history row and sets its ID
func (r *Repository) CreateHistory(ctx context.Context, history *db.DeviceHistory) error {
	query := `
		INSERT INTO device_history (device_id, user_id, location_id, revision_start, revision_end)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := r.q.QueryRow(ctx, query,
		history.DeviceID,
		history.UserID,
		history.LocationID,
		history.RevisionStart,
		history.RevisionEnd.Nullable(),
	).Scan(&history.ID)
	if err != nil {
		return conflict(err, "failed to create device history")
	}
	return nil
}

// CloseHistory ends an open history row
func (r *Repository) CloseHistory(ctx context.Context, historyID int64, at time.Time) error {
	query := `
		UPDATE device_history
		SET revision_end = $2
		WHERE id = $1 AND revision_end IS NULL
	`

	tag, err := r.q.Exec(ctx, query, historyID, at)
	if err != nil {
		return fmt.Errorf("failed to close device history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device history %d is not open: %w", historyID, ErrConflict)
	}
	return nil
}

const userColumns = `id, username, email, active, date_registered`

func scanUser(row pgx.Row) (*db.User, error) {
	var u db.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Active, &u.DateRegistered); err != nil {
		return nil, err
	}
	return &u, nil
}

// FindActiveUserByEmail retrieves the active user registered with email
func (r *Repository) FindActiveUserByEmail(ctx context.Context, email string) (*db.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE lower(email) = lower($1) AND active
		ORDER BY id
		LIMIT 1
	`

	u, err := scanUser(r.q.QueryRow(ctx, query, email))
	if err != nil {
		return nil, notFound(err, "failed to query user")
	}
	return u, nil
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, userID int64) (*db.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(r.q.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, notFound(err, "failed to query user")
	}
	return u, nil
}

// CreateUser inserts a user and sets its ID
func (r *Repository) CreateUser(ctx context.Context, user *db.User) error {
	query := `
		INSERT INTO users (username, email, active, date_registered)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	err := r.q.QueryRow(ctx, query, user.Username, user.Email, user.Active, user.DateRegistered).Scan(&user.ID)
	if err != nil {
		return conflict(err, "failed to create user")
	}
	return nil
}

// AddUserToLoginPolicy enrolls a user into a login policy
func (r *Repository) AddUserToLoginPolicy(ctx context.Context, policy string, userID int64) error {
	query := `
		INSERT INTO login_policy_members (policy, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`

	if _, err := r.q.Exec(ctx, query, policy, userID); err != nil {
		return fmt.Errorf("failed to add user to login policy: %w", err)
	}
	return nil
}

const tokenColumns = `id, user_id, token, valid_start, valid_end, active`

// validTokenClause matches tokens usable at $2 within [valid_start, valid_end)
const validTokenClause = `active AND valid_start <= $2 AND (valid_end IS NULL OR valid_end > $2)`

func scanToken(row pgx.Row) (*db.Token, error) {
	var t db.Token
	if err := row.Scan(&t.ID, &t.UserID, &t.Value, &t.ValidStart, &t.ValidEnd, &t.Active); err != nil {
		return nil, err
	}
	return &t, nil
}

// FindValidToken returns a token of the user valid at now
func (r *Repository) FindValidToken(ctx context.Context, userID int64, now time.Time) (*db.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM user_tokens
		WHERE user_id = $1 AND ` + validTokenClause + `
		ORDER BY id DESC
		LIMIT 1
	`

	t, err := scanToken(r.q.QueryRow(ctx, query, userID, now))
	if err != nil {
		return nil, notFound(err, "failed to query user token")
	}
	return t, nil
}

// FindValidTokenByValue returns the user's token with value if valid at now
func (r *Repository) FindValidTokenByValue(ctx context.Context, userID int64, value string, now time.Time) (*db.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM user_tokens
		WHERE user_id = $1 AND token = $3 AND ` + validTokenClause + `
		LIMIT 1
	`

	t, err := scanToken(r.q.QueryRow(ctx, query, userID, now, value))
	if err != nil {
		return nil, notFound(err, "failed to query user token")
	}
	return t, nil
}

// CreateToken inserts a token and sets its ID
func (r *Repository) CreateToken(ctx context.Context, token *db.Token) error {
	query := `
		INSERT INTO user_tokens (user_id, token, valid_start, valid_end, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := r.q.QueryRow(ctx, query, token.UserID, token.Value, token.ValidStart, token.ValidEnd, token.Active).Scan(&token.ID)
	if err != nil {
		return conflict(err, "failed to create user token")
	}
	return nil
}

// FindLocationsByCoords returns exact coordinate matches, newest first
func (r *Repository) FindLocationsByCoords(ctx context.Context, latitude, longitude, radius float64) ([]db.Location, error) {
	query := `
		SELECT id, public_label, private_label, latitude, longitude, radius
		FROM locations
		WHERE latitude = $1 AND longitude = $2 AND radius = $3
		ORDER BY id DESC
	`

	rows, err := r.q.Query(ctx, query, latitude, longitude, radius)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var locations []db.Location
	for rows.Next() {
		var l db.Location
		if err := rows.Scan(&l.ID, &l.PublicLabel, &l.PrivateLabel, &l.Latitude, &l.Longitude, &l.Radius); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return locations, nil
}

// CreateLocation inserts a location and sets its ID
func (r *Repository) CreateLocation(ctx context.Context, location *db.Location) error {
	query := `
		INSERT INTO locations (public_label, private_label, latitude, longitude, radius)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := r.q.QueryRow(ctx, query,
		location.PublicLabel,
		location.PrivateLabel,
		location.Latitude,
		location.Longitude,
		location.Radius,
	).Scan(&location.ID)
	if err != nil {
		return fmt.Errorf("failed to create location: %w", err)
	}
	return nil
}

// UpdateLocationLabels replaces the labels of a location
func (r *Repository) UpdateLocationLabels(ctx context.Context, locationID int64, publicLabel, privateLabel string) error {
	query := `
		UPDATE locations
		SET public_label = $2, private_label = $3
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query, locationID, publicLabel, privateLabel)
	if err != nil {
		return fmt.Errorf("failed to update location labels: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLocations returns a page of locations ordered by ID
func (r *Repository) ListLocations(ctx context.Context, locationID *int64, offset, limit int) ([]db.LocationSummary, error) {
	query := `
		SELECT l.id, l.public_label, l.private_label, l.latitude, l.longitude, l.radius,
			EXISTS (
				SELECT 1 FROM device_history h
				WHERE h.location_id = l.id AND h.revision_end IS NULL
			) AS active
		FROM locations l
		WHERE ($1::bigint IS NULL OR l.id = $1)
		ORDER BY l.id
		OFFSET $2
		LIMIT $3
	`

	rows, err := r.q.Query(ctx, query, locationID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	locations := []db.LocationSummary{}
	for rows.Next() {
		var l db.LocationSummary
		if err := rows.Scan(&l.ID, &l.PublicLabel, &l.PrivateLabel, &l.Latitude, &l.Longitude, &l.Radius, &l.Active); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return locations, nil
}

// CreateMeasurement inserts a measurement and sets its ID
func (r *Repository) CreateMeasurement(ctx context.Context, m *db.Measurement) error {
	query := `
		INSERT INTO noise_measurements (
			device_id, user_id, location_id, ts,
			min_level, max_level, mean_level, uptime, software_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query,
		m.DeviceID,
		m.UserID,
		m.LocationID,
		m.Timestamp,
		m.Min,
		m.Max,
		m.Mean,
		m.Uptime,
		m.SoftwareVersion,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

// RecentMeans gets recent mean levels for anomaly detection
func (r *Repository) RecentMeans(ctx context.Context, deviceID int64, limit int) ([]float64, error) {
	query := `
		SELECT mean_level
		FROM noise_measurements
		WHERE device_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent means: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		values = append(values, value)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return values, nil
}

// QueryNoise returns raw or hourly rows of a location ordered by timestamp
func (r *Repository) QueryNoise(ctx context.Context, q NoiseQuery) ([]db.NoiseRow, error) {
	args := []any{q.LocationID}
	where := []string{"location_id = $1"}
	if q.Start != nil {
		args = append(args, *q.Start)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if q.End != nil {
		args = append(args, *q.End)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}

	var query string
	switch q.Granularity {
	case GranularityHourly:
		args = append(args, r.timezone)
		query = fmt.Sprintf(`
			SELECT date_trunc('hour', ts, $%d::text) AS bucket,
				MIN(min_level), MAX(max_level), AVG(mean_level)
			FROM noise_measurements
			WHERE %s
			GROUP BY bucket
			ORDER BY bucket`, len(args), strings.Join(where, " AND "))
	case GranularityRaw, "":
		query = fmt.Sprintf(`
			SELECT ts, min_level, max_level, mean_level
			FROM noise_measurements
			WHERE %s
			ORDER BY ts, id`, strings.Join(where, " AND "))
	default:
		return nil, fmt.Errorf("unsupported granularity %q", q.Granularity)
	}

	args = append(args, q.Offset, q.Limit)
	query += fmt.Sprintf(" OFFSET $%d LIMIT $%d", len(args)-1, len(args))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query noise: %w", err)
	}
	defer rows.Close()

	result := []db.NoiseRow{}
	for rows.Next() {
		var row db.NoiseRow
		if err := rows.Scan(&row.Timestamp, &row.Min, &row.Max, &row.Mean); err != nil {
			return nil, fmt.Errorf("failed to scan noise row: %w", err)
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return result, nil
}

// LifetimeSummary aggregates every measurement of a location within bounds
func (r *Repository) LifetimeSummary(ctx context.Context, locationID int64, start, end *time.Time) (*db.LifetimeSummary, error) {
	query := `
		SELECT MIN(ts), MAX(ts), COUNT(*), MIN(min_level), MAX(max_level), AVG(mean_level)
		FROM noise_measurements
		WHERE location_id = $1
			AND ($2::timestamptz IS NULL OR ts >= $2)
			AND ($3::timestamptz IS NULL OR ts <= $3)
	`

	var s db.LifetimeSummary
	err := r.q.QueryRow(ctx, query, locationID, start, end).Scan(&s.Start, &s.End, &s.Count, &s.Min, &s.Max, &s.Mean)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise noise: %w", err)
	}
	return &s, nil
}

// LatestSoftwareUpdate returns the most recently released firmware
func (r *Repository) LatestSoftwareUpdate(ctx context.Context) (*db.SoftwareUpdate, error) {
	query := `
		SELECT id, version, release_time, filename
		FROM device_updates
		ORDER BY release_time DESC, id DESC
		LIMIT 1
	`

	var u db.SoftwareUpdate
	err := r.q.QueryRow(ctx, query).Scan(&u.ID, &u.Version, &u.ReleaseTime, &u.Filename)
	if err != nil {
		return nil, notFound(err, "failed to query software update")
	}
	return &u, nil
}

// FindEmailTemplate retrieves an email template by name
func (r *Repository) FindEmailTemplate(ctx context.Context, name string) (*db.EmailTemplate, error) {
	query := `
		SELECT id, name, sender, subject, body
		FROM email_templates
		WHERE name = $1
	`

	var t db.EmailTemplate
	err := r.q.QueryRow(ctx, query, name).Scan(&t.ID, &t.Name, &t.From, &t.Subject, &t.Body)
	if err != nil {
		return nil, notFound(err, "failed to query email template")
	}
	return &t, nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func conflict(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", msg, ErrConflict)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
