package service_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/anomaly"
	"github.com/septivank/tracket-noise-api/internal/db"
	"github.com/septivank/tracket-noise-api/internal/lock"
	"github.com/septivank/tracket-noise-api/internal/logging"
	"github.com/septivank/tracket-noise-api/internal/mq"
	"github.com/septivank/tracket-noise-api/internal/repository"
	"github.com/septivank/tracket-noise-api/internal/service"
	"github.com/septivank/tracket-noise-api/internal/validator"
)

const (
	testPolicy   = "tracket"
	testTemplate = "registration-confirmation"
)

var (
	toronto = mustLoadLocation("America/Toronto")
	// 10:00 in Toronto
	testNow = time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func strPtr(s string) *string {
	return &s
}

type recordingMailer struct {
	mu    sync.Mutex
	sends []string
}

func (m *recordingMailer) Dispatch(email, templateName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, email+"|"+templateName)
}

func (m *recordingMailer) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sends...)
}

// faultyStore fails selected writes, including those made inside a unit of work
type faultyStore struct {
	repository.Store
	failCreateHistory bool
	failCloseHistory  bool
	failMeasurementAt int
	measurements      int
}

func (f *faultyStore) wrap(tx repository.Store) *faultyStore {
	c := *f
	c.Store = tx
	return &c
}

func (f *faultyStore) WithinTx(ctx context.Context, fn func(repository.Store) error) error {
	return f.Store.WithinTx(ctx, func(tx repository.Store) error {
		return fn(f.wrap(tx))
	})
}

func (f *faultyStore) CreateHistory(ctx context.Context, history *db.DeviceHistory) error {
	if f.failCreateHistory {
		return errors.New("disk full")
	}
	return f.Store.CreateHistory(ctx, history)
}

func (f *faultyStore) CloseHistory(ctx context.Context, historyID int64, at time.Time) error {
	if f.failCloseHistory {
		return errors.New("disk full")
	}
	return f.Store.CloseHistory(ctx, historyID, at)
}

func (f *faultyStore) CreateMeasurement(ctx context.Context, m *db.Measurement) error {
	f.measurements++
	if f.measurements == f.failMeasurementAt {
		return errors.New("disk full")
	}
	return f.Store.CreateMeasurement(ctx, m)
}

type fixture struct {
	memory    *repository.MemoryStore
	store     repository.Store
	now       time.Time
	mailer    *recordingMailer
	publisher mq.EventPublisher
	locker    lock.Locker

	auth     *service.Authenticator
	ingest   *service.IngestService
	devices  *service.DeviceService
	query    *service.QueryService
	software *service.SoftwareService
}

type fixtureOption func(*fixture)

func withStore(wrap func(repository.Store) repository.Store) fixtureOption {
	return func(f *fixture) { f.store = wrap(f.store) }
}

func withPublisher(p mq.EventPublisher) fixtureOption {
	return func(f *fixture) { f.publisher = p }
}

func withLocker(l lock.Locker) fixtureOption {
	return func(f *fixture) { f.locker = l }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	memory := repository.NewMemoryStore(toronto)
	f := &fixture{
		memory:    memory,
		store:     memory,
		now:       testNow,
		mailer:    &recordingMailer{},
		publisher: mq.NopPublisher{},
		locker:    lock.NewLocalLocker(),
	}
	for _, opt := range opts {
		opt(f)
	}

	clock := func() time.Time { return f.now }
	v := validator.NewValidator(10080, toronto)

	f.auth = service.NewAuthenticator(f.store, clock)
	f.ingest = service.NewIngestService(f.store, f.auth, v, anomaly.NewDetector(3.0, 3, 10), f.publisher, clock)
	f.devices = service.NewDeviceService(f.store, f.auth, f.locker, f.mailer, f.publisher, service.DeviceOptions{
		LoginPolicy:          testPolicy,
		ConfirmationTemplate: testTemplate,
	}, clock)
	f.query = service.NewQueryService(f.store, v, clock)
	f.software = service.NewSoftwareService(f.store, "https://tracket.info/downloads/", toronto)

	return f
}

func newLog() *logging.RequestLog {
	return logging.NewRequestLog(zap.NewNop())
}

// register provisions identifier and registers it to email
func (f *fixture) register(t *testing.T, identifier, email string) (db.Device, *service.RegisterResult) {
	t.Helper()
	device := f.memory.AddDevice(identifier)
	result, err := f.devices.Register(context.Background(), service.RegisterRequest{DeviceID: identifier, Email: email}, newLog())
	require.NoError(t, err)
	return device, result
}

// locate registers identifier and claims a location for it
func (f *fixture) locate(t *testing.T, identifier, email string) (db.Device, string, int64) {
	t.Helper()
	device, reg := f.register(t, identifier, email)
	result, err := f.devices.SetLocation(context.Background(), service.LocationRequest{
		DeviceID:      identifier,
		Authorization: "Token " + reg.Token,
		Latitude:      strPtr("43.6532"),
		Longitude:     strPtr("-79.3832"),
		Radius:        strPtr("50"),
		PublicLabel:   "Queen St",
	}, newLog())
	require.NoError(t, err)
	return device, reg.Token, result.LocationID
}

func requireKind(t *testing.T, err error, kind service.Kind, message string) *service.Error {
	t.Helper()
	require.Error(t, err)
	e, ok := service.AsError(err)
	require.True(t, ok, "expected service error, got %v", err)
	require.Equal(t, kind, e.Kind)
	require.Equal(t, message, e.Message)
	return e
}

func eventMessages(log *logging.RequestLog, kind string) []string {
	var out []string
	for _, e := range log.Events() {
		if e.Type == kind {
			out = append(out, e.Message)
		}
	}
	return out
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func int64Ptr(v int64) *int64 {
	return &v
}

func requireKindPrefix(t *testing.T, err error, prefix string) *service.Error {
	t.Helper()
	e, ok := service.AsError(err)
	require.True(t, ok, "expected service error, got %v", err)
	require.True(t, strings.HasPrefix(e.Message, prefix), "message %q", e.Message)
	return e
}
