package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/septivank/tracket-noise-api/internal/db"
	"github.com/septivank/tracket-noise-api/tools/timeparser"
)

type memoryData struct {
	nextID       int64
	devices      []db.Device
	users        []db.User
	policies     map[string]map[int64]bool
	history      []db.DeviceHistory
	tokens       []db.Token
	locations    []db.Location
	measurements []db.Measurement
	updates      []db.SoftwareUpdate
	templates    []db.EmailTemplate
}

func (d *memoryData) id() int64 {
	d.nextID++
	return d.nextID
}

func (d *memoryData) clone() *memoryData {
	c := *d
	c.devices = append([]db.Device(nil), d.devices...)
	c.users = append([]db.User(nil), d.users...)
	c.history = append([]db.DeviceHistory(nil), d.history...)
	c.tokens = append([]db.Token(nil), d.tokens...)
	c.locations = append([]db.Location(nil), d.locations...)
	c.measurements = append([]db.Measurement(nil), d.measurements...)
	c.updates = append([]db.SoftwareUpdate(nil), d.updates...)
	c.templates = append([]db.EmailTemplate(nil), d.templates...)
	c.policies = make(map[string]map[int64]bool, len(d.policies))
	for policy, members := range d.policies {
		m := make(map[int64]bool, len(members))
		for id := range members {
			m[id] = true
		}
		c.policies[policy] = m
	}
	return &c
}

// MemoryStore is an in-process Store used for development and tests. A unit
// of work holds the store lock and restores a snapshot when it fails.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memoryData
	inTx bool
	loc  *time.Location
}

// NewMemoryStore creates an empty in-memory store. Hourly buckets are cut in loc.
func NewMemoryStore(loc *time.Location) *MemoryStore {
	if loc == nil {
		loc = time.UTC
	}
	return &MemoryStore{
		mu:   &sync.Mutex{},
		data: &memoryData{policies: map[string]map[int64]bool{}},
		loc:  loc,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithinTx runs fn with exclusive access to the store
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	tx := &MemoryStore{mu: m.mu, data: m.data, inTx: true, loc: m.loc}
	if err := fn(tx); err != nil {
		*m.data = *snapshot
		return err
	}
	return nil
}

// AddDevice provisions a device
func (m *MemoryStore) AddDevice(identifier string) db.Device {
	defer m.lock()()
	for _, d := range m.data.devices {
		if d.Identifier == identifier {
			return d
		}
	}
	d := db.Device{ID: m.data.id(), Identifier: identifier, CreatedAt: time.Now()}
	m.data.devices = append(m.data.devices, d)
	return d
}

// AddSoftwareUpdate publishes a firmware release
func (m *MemoryStore) AddSoftwareUpdate(update db.SoftwareUpdate) db.SoftwareUpdate {
	defer m.lock()()
	update.ID = m.data.id()
	m.data.updates = append(m.data.updates, update)
	return update
}

// AddEmailTemplate stores an email template, replacing one with the same name
func (m *MemoryStore) AddEmailTemplate(template db.EmailTemplate) db.EmailTemplate {
	defer m.lock()()
	for i, t := range m.data.templates {
		if t.Name == template.Name {
			template.ID = t.ID
			m.data.templates[i] = template
			return template
		}
	}
	template.ID = m.data.id()
	m.data.templates = append(m.data.templates, template)
	return template
}

// SetUserActive toggles a user's active flag
func (m *MemoryStore) SetUserActive(userID int64, active bool) error {
	defer m.lock()()
	for i := range m.data.users {
		if m.data.users[i].ID == userID {
			m.data.users[i].Active = active
			return nil
		}
	}
	return ErrNotFound
}

// History returns every history row of a device in insertion order
func (m *MemoryStore) History(deviceID int64) []db.DeviceHistory {
	defer m.lock()()
	var out []db.DeviceHistory
	for _, h := range m.data.history {
		if h.DeviceID == deviceID {
			out = append(out, h)
		}
	}
	return out
}

// Users returns every user
func (m *MemoryStore) Users() []db.User {
	defer m.lock()()
	return append([]db.User(nil), m.data.users...)
}

// Tokens returns every token of a user
func (m *MemoryStore) Tokens(userID int64) []db.Token {
	defer m.lock()()
	var out []db.Token
	for _, t := range m.data.tokens {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// Locations returns every location
func (m *MemoryStore) Locations() []db.Location {
	defer m.lock()()
	return append([]db.Location(nil), m.data.locations...)
}

// Measurements returns every measurement of a device
func (m *MemoryStore) Measurements(deviceID int64) []db.Measurement {
	defer m.lock()()
	var out []db.Measurement
	for _, ms := range m.data.measurements {
		if ms.DeviceID == deviceID {
			out = append(out, ms)
		}
	}
	return out
}

// LoginPolicyMembers returns the users enrolled into policy
func (m *MemoryStore) LoginPolicyMembers(policy string) []int64 {
	defer m.lock()()
	var out []int64
	for id := range m.data.policies[policy] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindDevice retrieves a device by its identifier
func (m *MemoryStore) FindDevice(_ context.Context, identifier string) (*db.Device, error) {
	defer m.lock()()
	for _, d := range m.data.devices {
		if d.Identifier == identifier {
			d := d
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

// CurrentHistory returns the open history row of a device
func (m *MemoryStore) CurrentHistory(_ context.Context, deviceID int64) (*db.DeviceHistory, error) {
	defer m.lock()()
	return m.openHistory(func(h db.DeviceHistory) bool { return h.DeviceID == deviceID })
}

// OpenHistoryFor returns the open history row binding device and user
func (m *MemoryStore) OpenHistoryFor(_ context.Context, deviceID, userID int64) (*db.DeviceHistory, error) {
	defer m.lock()()
	return m.openHistory(func(h db.DeviceHistory) bool { return h.DeviceID == deviceID && h.UserID == userID })
}

func (m *MemoryStore) openHistory(match func(db.DeviceHistory) bool) (*db.DeviceHistory, error) {
	for i := len(m.data.history) - 1; i >= 0; i-- {
		h := m.data.history[i]
		if h.RevisionEnd.IsOpen() && match(h) {
			return &h, nil
		}
	}
	return nil, ErrNotFound
}

// HasLocationClaim reports whether device and user were ever bound to location
func (m *MemoryStore) HasLocationClaim(_ context.Context, deviceID, userID, locationID int64) (bool, error) {
	defer m.lock()()
	for _, h := range m.data.history {
		if h.DeviceID == deviceID && h.UserID == userID && h.LocationID != nil && *h.LocationID == locationID {
			return true, nil
		}
	}
	return false, nil
}

// CreateHistory inserts a history row and sets its ID
func (m *MemoryStore) CreateHistory(_ context.Context, history *db.DeviceHistory) error {
	defer m.lock()()
	if history.RevisionEnd.IsOpen() {
		for _, h := range m.data.history {
			if h.DeviceID == history.DeviceID && h.RevisionEnd.IsOpen() {
				return fmt.Errorf("failed to create device history: %w", ErrConflict)
			}
		}
	}
	history.ID = m.data.id()
	m.data.history = append(m.data.history, *history)
	return nil
}

// CloseHistory ends an open history row
func (m *MemoryStore) CloseHistory(_ context.Context, historyID int64, at time.Time) error {
	defer m.lock()()
	for i := range m.data.history {
		if m.data.history[i].ID != historyID {
			continue
		}
		if !m.data.history[i].RevisionEnd.IsOpen() {
			break
		}
		m.data.history[i].RevisionEnd = db.ClosedAt(at)
		return nil
	}
	return fmt.Errorf("device history %d is not open: %w", historyID, ErrConflict)
}

// FindActiveUserByEmail retrieves the active user registered with email
func (m *MemoryStore) FindActiveUserByEmail(_ context.Context, email string) (*db.User, error) {
	defer m.lock()()
	for _, u := range m.data.users {
		if u.Active && strings.EqualFold(u.Email, email) {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// GetUser retrieves a user by ID
func (m *MemoryStore) GetUser(_ context.Context, userID int64) (*db.User, error) {
	defer m.lock()()
	for _, u := range m.data.users {
		if u.ID == userID {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// CreateUser inserts a user and sets its ID
func (m *MemoryStore) CreateUser(_ context.Context, user *db.User) error {
	defer m.lock()()
	if user.Active {
		for _, u := range m.data.users {
			if u.Active && strings.EqualFold(u.Email, user.Email) {
				return fmt.Errorf("failed to create user: %w", ErrConflict)
			}
		}
	}
	user.ID = m.data.id()
	m.data.users = append(m.data.users, *user)
	return nil
}

// AddUserToLoginPolicy enrolls a user into a login policy
func (m *MemoryStore) AddUserToLoginPolicy(_ context.Context, policy string, userID int64) error {
	defer m.lock()()
	members, ok := m.data.policies[policy]
	if !ok {
		members = map[int64]bool{}
		m.data.policies[policy] = members
	}
	members[userID] = true
	return nil
}

// FindValidToken returns a token of the user valid at now
func (m *MemoryStore) FindValidToken(_ context.Context, userID int64, now time.Time) (*db.Token, error) {
	defer m.lock()()
	for i := len(m.data.tokens) - 1; i >= 0; i-- {
		t := m.data.tokens[i]
		if t.UserID == userID && t.ValidAt(now) {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

// FindValidTokenByValue returns the user's token with value if valid at now
func (m *MemoryStore) FindValidTokenByValue(_ context.Context, userID int64, value string, now time.Time) (*db.Token, error) {
	defer m.lock()()
	for _, t := range m.data.tokens {
		if t.UserID == userID && t.Value == value && t.ValidAt(now) {
			t := t
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

// CreateToken inserts a token and sets its ID
func (m *MemoryStore) CreateToken(_ context.Context, token *db.Token) error {
	defer m.lock()()
	for _, t := range m.data.tokens {
		if t.Value == token.Value {
			return fmt.Errorf("failed to create user token: %w", ErrConflict)
		}
	}
	token.ID = m.data.id()
	m.data.tokens = append(m.data.tokens, *token)
	return nil
}

// FindLocationsByCoords returns exact coordinate matches, newest first
func (m *MemoryStore) FindLocationsByCoords(_ context.Context, latitude, longitude, radius float64) ([]db.Location, error) {
	defer m.lock()()
	var out []db.Location
	for i := len(m.data.locations) - 1; i >= 0; i-- {
		l := m.data.locations[i]
		if l.Latitude == latitude && l.Longitude == longitude && l.Radius == radius {
			out = append(out, l)
		}
	}
	return out, nil
}

// CreateLocation inserts a location and sets its ID
func (m *MemoryStore) CreateLocation(_ context.Context, location *db.Location) error {
	defer m.lock()()
	location.ID = m.data.id()
	m.data.locations = append(m.data.locations, *location)
	return nil
}

// UpdateLocationLabels replaces the labels of a location
func (m *MemoryStore) UpdateLocationLabels(_ context.Context, locationID int64, publicLabel, privateLabel string) error {
	defer m.lock()()
	for i := range m.data.locations {
		if m.data.locations[i].ID == locationID {
			m.data.locations[i].PublicLabel = publicLabel
			m.data.locations[i].PrivateLabel = privateLabel
			return nil
		}
	}
	return ErrNotFound
}

// ListLocations returns a page of locations ordered by ID
func (m *MemoryStore) ListLocations(_ context.Context, locationID *int64, offset, limit int) ([]db.LocationSummary, error) {
	defer m.lock()()

	active := map[int64]bool{}
	for _, h := range m.data.history {
		if h.RevisionEnd.IsOpen() && h.LocationID != nil {
			active[*h.LocationID] = true
		}
	}

	var matched []db.LocationSummary
	for _, l := range m.data.locations {
		if locationID != nil && l.ID != *locationID {
			continue
		}
		matched = append(matched, db.LocationSummary{Location: l, Active: active[l.ID]})
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	return page(matched, offset, limit), nil
}

// CreateMeasurement inserts a measurement and sets its ID
func (m *MemoryStore) CreateMeasurement(_ context.Context, measurement *db.Measurement) error {
	defer m.lock()()
	measurement.ID = m.data.id()
	measurement.CreatedAt = time.Now()
	m.data.measurements = append(m.data.measurements, *measurement)
	return nil
}

// RecentMeans returns the latest mean levels of a device, newest first
func (m *MemoryStore) RecentMeans(_ context.Context, deviceID int64, limit int) ([]float64, error) {
	defer m.lock()()
	var rows []db.Measurement
	for _, ms := range m.data.measurements {
		if ms.DeviceID == deviceID {
			rows = append(rows, ms)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })

	var means []float64
	for i, r := range rows {
		if i >= limit {
			break
		}
		means = append(means, r.Mean)
	}
	return means, nil
}

func (m *MemoryStore) locationMeasurements(locationID int64, start, end *time.Time) []db.Measurement {
	var rows []db.Measurement
	for _, ms := range m.data.measurements {
		if ms.LocationID == nil || *ms.LocationID != locationID {
			continue
		}
		if start != nil && ms.Timestamp.Before(*start) {
			continue
		}
		if end != nil && ms.Timestamp.After(*end) {
			continue
		}
		rows = append(rows, ms)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

// QueryNoise returns raw or hourly rows of a location ordered by timestamp
func (m *MemoryStore) QueryNoise(_ context.Context, q NoiseQuery) ([]db.NoiseRow, error) {
	defer m.lock()()
	rows := m.locationMeasurements(q.LocationID, q.Start, q.End)

	switch q.Granularity {
	case GranularityRaw, "":
		out := make([]db.NoiseRow, 0, len(rows))
		for _, r := range rows {
			out = append(out, db.NoiseRow{Timestamp: r.Timestamp, Min: r.Min, Max: r.Max, Mean: r.Mean})
		}
		return page(out, q.Offset, q.Limit), nil
	case GranularityHourly:
		var (
			out   []db.NoiseRow
			sum   float64
			count int
		)
		for _, r := range rows {
			bucket := timeparser.HourStart(r.Timestamp, m.loc)
			if len(out) == 0 || !out[len(out)-1].Timestamp.Equal(bucket) {
				out = append(out, db.NoiseRow{Timestamp: bucket, Min: r.Min, Max: r.Max})
				sum, count = 0, 0
			}
			last := &out[len(out)-1]
			if r.Min < last.Min {
				last.Min = r.Min
			}
			if r.Max > last.Max {
				last.Max = r.Max
			}
			sum += r.Mean
			count++
			last.Mean = sum / float64(count)
		}
		if out == nil {
			out = []db.NoiseRow{}
		}
		return page(out, q.Offset, q.Limit), nil
	default:
		return nil, fmt.Errorf("unsupported granularity %q", q.Granularity)
	}
}

// LifetimeSummary aggregates every measurement of a location within bounds
func (m *MemoryStore) LifetimeSummary(_ context.Context, locationID int64, start, end *time.Time) (*db.LifetimeSummary, error) {
	defer m.lock()()
	rows := m.locationMeasurements(locationID, start, end)

	s := &db.LifetimeSummary{Count: int64(len(rows))}
	if len(rows) == 0 {
		return s, nil
	}

	first, last := rows[0].Timestamp, rows[len(rows)-1].Timestamp
	minLevel, maxLevel, sum := rows[0].Min, rows[0].Max, 0.0
	for _, r := range rows {
		if r.Min < minLevel {
			minLevel = r.Min
		}
		if r.Max > maxLevel {
			maxLevel = r.Max
		}
		sum += r.Mean
	}
	mean := sum / float64(len(rows))

	s.Start, s.End = &first, &last
	s.Min, s.Max, s.Mean = &minLevel, &maxLevel, &mean
	return s, nil
}

// LatestSoftwareUpdate returns the most recently released firmware
func (m *MemoryStore) LatestSoftwareUpdate(_ context.Context) (*db.SoftwareUpdate, error) {
	defer m.lock()()
	var latest *db.SoftwareUpdate
	for i := range m.data.updates {
		u := m.data.updates[i]
		if latest == nil || u.ReleaseTime.After(latest.ReleaseTime) ||
			(u.ReleaseTime.Equal(latest.ReleaseTime) && u.ID > latest.ID) {
			latest = &u
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// FindEmailTemplate retrieves an email template by name
func (m *MemoryStore) FindEmailTemplate(_ context.Context, name string) (*db.EmailTemplate, error) {
	defer m.lock()()
	for _, t := range m.data.templates {
		if t.Name == name {
			t := t
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func page[T any](rows []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
