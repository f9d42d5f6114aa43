package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              BIGSERIAL PRIMARY KEY,
		username        TEXT NOT NULL,
		email           TEXT NOT NULL,
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		date_registered DATE NOT NULL DEFAULT CURRENT_DATE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_active_email_key ON users (lower(email)) WHERE active`,

	`CREATE TABLE IF NOT EXISTS login_policy_members (
		policy  TEXT NOT NULL,
		user_id BIGINT NOT NULL REFERENCES users (id),
		PRIMARY KEY (policy, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS devices (
		id         BIGSERIAL PRIMARY KEY,
		identifier TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS locations (
		id            BIGSERIAL PRIMARY KEY,
		public_label  TEXT NOT NULL DEFAULT '',
		private_label TEXT NOT NULL DEFAULT '',
		latitude      DOUBLE PRECISION NOT NULL,
		longitude     DOUBLE PRECISION NOT NULL,
		radius        DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS locations_coords_idx ON locations (latitude, longitude, radius)`,

	`CREATE TABLE IF NOT EXISTS device_history (
		id             BIGSERIAL PRIMARY KEY,
		device_id      BIGINT NOT NULL REFERENCES devices (id),
		user_id        BIGINT NOT NULL REFERENCES users (id),
		location_id    BIGINT REFERENCES locations (id),
		revision_start TIMESTAMPTZ NOT NULL,
		revision_end   TIMESTAMPTZ
	)`,
	// one open revision per device
	`CREATE UNIQUE INDEX IF NOT EXISTS device_history_open_key ON device_history (device_id) WHERE revision_end IS NULL`,
	`CREATE INDEX IF NOT EXISTS device_history_claim_idx ON device_history (device_id, user_id, location_id)`,

	`CREATE TABLE IF NOT EXISTS user_tokens (
		id          BIGSERIAL PRIMARY KEY,
		user_id     BIGINT NOT NULL REFERENCES users (id),
		token       TEXT NOT NULL UNIQUE,
		valid_start TIMESTAMPTZ NOT NULL,
		valid_end   TIMESTAMPTZ,
		active      BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS user_tokens_user_idx ON user_tokens (user_id) WHERE active`,

	`CREATE TABLE IF NOT EXISTS noise_measurements (
		id               BIGSERIAL PRIMARY KEY,
		device_id        BIGINT NOT NULL REFERENCES devices (id),
		user_id          BIGINT NOT NULL REFERENCES users (id),
		location_id      BIGINT REFERENCES locations (id),
		ts               TIMESTAMPTZ NOT NULL,
		min_level        DOUBLE PRECISION NOT NULL,
		max_level        DOUBLE PRECISION NOT NULL,
		mean_level       DOUBLE PRECISION NOT NULL,
		uptime           BIGINT,
		software_version TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS noise_measurements_location_ts_idx ON noise_measurements (location_id, ts, id)`,
	`CREATE INDEX IF NOT EXISTS noise_measurements_device_ts_idx ON noise_measurements (device_id, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS device_updates (
		id           BIGSERIAL PRIMARY KEY,
		version      TEXT NOT NULL,
		release_time TIMESTAMPTZ NOT NULL,
		filename     TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS email_templates (
		id      BIGSERIAL PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE,
		sender  TEXT NOT NULL,
		subject TEXT NOT NULL,
		body    TEXT NOT NULL
	)`,
}

// Migrate creates the tables and indexes used by the API
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
