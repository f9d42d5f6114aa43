//go:build integration

package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/septivank/tracket-noise-api/internal/db"
)

var (
	testPool    *pgxpool.Pool
	pgContainer *postgres.PostgresContainer
)

// TestMain starts a PostgreSQL container unless TEST_DATABASE_URL points at
// an existing database
func TestMain(m *testing.M) {
	ctx := context.Background()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		var err error
		pgContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("tracket_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			fmt.Printf("Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			terminate(ctx)
			os.Exit(1)
		}
	}

	var err error
	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		terminate(ctx)
		os.Exit(1)
	}

	if err := db.Migrate(ctx, testPool); err != nil {
		fmt.Printf("Failed to migrate database: %v\n", err)
		testPool.Close()
		terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()

	testPool.Close()
	terminate(ctx)
	os.Exit(code)
}

func terminate(ctx context.Context) {
	if pgContainer == nil {
		return
	}
	if err := pgContainer.Terminate(ctx); err != nil {
		fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
	}
}

func resetTables(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `
		TRUNCATE noise_measurements, user_tokens, device_history, locations,
			login_policy_members, users, devices, device_updates, email_templates
		RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func seedDevice(t *testing.T, identifier string) db.Device {
	t.Helper()
	var d db.Device
	err := testPool.QueryRow(context.Background(),
		`INSERT INTO devices (identifier) VALUES ($1) RETURNING id, identifier, created_at`, identifier,
	).Scan(&d.ID, &d.Identifier, &d.CreatedAt)
	require.NoError(t, err)
	return d
}

func TestRepository_HistoryLifecycle(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)
	repo := NewRepository(testPool, loc)

	device := seedDevice(t, "a1b2c3")
	found, err := repo.FindDevice(ctx, "a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, device.ID, found.ID)

	_, err = repo.FindDevice(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	user := &db.User{Username: "a@example.com", Email: "a@example.com", Active: true, DateRegistered: time.Now()}
	require.NoError(t, repo.CreateUser(ctx, user))
	assert.ErrorIs(t, repo.CreateUser(ctx, &db.User{Username: "x", Email: "A@example.com", Active: true, DateRegistered: time.Now()}), ErrConflict)

	first := &db.DeviceHistory{DeviceID: device.ID, UserID: user.ID, RevisionStart: time.Now()}
	require.NoError(t, repo.CreateHistory(ctx, first))

	err = repo.CreateHistory(ctx, &db.DeviceHistory{DeviceID: device.ID, UserID: user.ID, RevisionStart: time.Now()})
	assert.ErrorIs(t, err, ErrConflict)

	current, err := repo.CurrentHistory(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)
	assert.True(t, current.RevisionEnd.IsOpen())

	boom := errors.New("boom")
	err = repo.WithinTx(ctx, func(tx Store) error {
		if err := tx.CloseHistory(ctx, first.ID, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	current, err = repo.CurrentHistory(ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, current.RevisionEnd.IsOpen())

	require.NoError(t, repo.CloseHistory(ctx, first.ID, time.Now()))
	assert.ErrorIs(t, repo.CloseHistory(ctx, first.ID, time.Now()), ErrConflict)

	_, err = repo.CurrentHistory(ctx, device.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_TokensWindow(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := NewRepository(testPool, time.UTC)

	user := &db.User{Username: "a@example.com", Email: "a@example.com", Active: true, DateRegistered: time.Now()}
	require.NoError(t, repo.CreateUser(ctx, user))

	now := time.Now().UTC().Truncate(time.Second)
	end := now.Add(time.Hour)
	require.NoError(t, repo.CreateToken(ctx, &db.Token{UserID: user.ID, Value: "abc123", ValidStart: now.Add(-time.Hour), ValidEnd: &end, Active: true}))

	token, err := repo.FindValidTokenByValue(ctx, user.ID, "abc123", now)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token.Value)

	_, err = repo.FindValidTokenByValue(ctx, user.ID, "abc123", end)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FindValidToken(ctx, user.ID, now.Add(-2*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_NoiseQueries(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)
	repo := NewRepository(testPool, loc)

	device := seedDevice(t, "a1b2c3")
	user := &db.User{Username: "a@example.com", Email: "a@example.com", Active: true, DateRegistered: time.Now()}
	require.NoError(t, repo.CreateUser(ctx, user))
	location := &db.Location{PublicLabel: "Park", Latitude: 43.65, Longitude: -79.38, Radius: 100}
	require.NoError(t, repo.CreateLocation(ctx, location))
	require.NoError(t, repo.CreateHistory(ctx, &db.DeviceHistory{
		DeviceID: device.ID, UserID: user.ID, LocationID: &location.ID, RevisionStart: time.Now(),
	}))

	for _, m := range []struct {
		at   time.Time
		mean float64
	}{
		{time.Date(2024, 6, 1, 9, 10, 0, 0, loc), 40.1234},
		{time.Date(2024, 6, 1, 9, 45, 0, 0, loc), 50.5678},
		{time.Date(2024, 6, 1, 10, 5, 0, 0, loc), 60},
	} {
		require.NoError(t, repo.CreateMeasurement(ctx, &db.Measurement{
			DeviceID: device.ID, UserID: user.ID, LocationID: &location.ID,
			Timestamp: m.at, Min: m.mean - 10, Max: m.mean + 10, Mean: m.mean,
		}))
	}

	raw, err := repo.QueryNoise(ctx, NoiseQuery{LocationID: location.ID, Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, raw, 3)

	hourly, err := repo.QueryNoise(ctx, NoiseQuery{LocationID: location.ID, Granularity: GranularityHourly, Limit: 1000})
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	assert.True(t, hourly[0].Timestamp.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, loc)))
	assert.InDelta(t, 45.3456, hourly[0].Mean, 1e-9)
	assert.True(t, hourly[1].Timestamp.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, loc)))

	summary, err := repo.LifetimeSummary(ctx, location.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Count)

	locations, err := repo.ListLocations(ctx, nil, 0, 1000)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.True(t, locations[0].Active)

	claimed, err := repo.HasLocationClaim(ctx, device.ID, user.ID, location.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	means, err := repo.RecentMeans(ctx, device.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{60, 50.5678}, means)
}
