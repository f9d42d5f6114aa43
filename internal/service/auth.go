package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/db"
	"github.com/septivank/tracket-noise-api/internal/repository"
)

var authorizationPattern = regexp.MustCompile(`(?i)^Token ([a-z0-9]+)$`)

// Clock returns the current time
type Clock func() time.Time

// DeviceConfig is the current assignment of a device. History and User are
// nil when the device has never been registered.
type DeviceConfig struct {
	Device  db.Device
	History *db.DeviceHistory
	User    *db.User
}

// Authenticator resolves devices and checks their bearer tokens
type Authenticator struct {
	store repository.Store
	now   Clock
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(store repository.Store, now Clock) *Authenticator {
	if now == nil {
		now = time.Now
	}
	return &Authenticator{store: store, now: now}
}

// ResolveDevice finds the device with identifier
func (a *Authenticator) ResolveDevice(ctx context.Context, identifier string) (*db.Device, error) {
	if identifier == "" {
		return nil, validationError("No device specified.")
	}

	device, err := a.store.FindDevice(ctx, identifier)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundError("Unrecognized device.")
	}
	if err != nil {
		return nil, persistenceError("Could not look up device.", err)
	}
	return device, nil
}

// LoadConfig loads the open history row of device and its user
func (a *Authenticator) LoadConfig(ctx context.Context, device *db.Device) (*DeviceConfig, error) {
	cfg := &DeviceConfig{Device: *device}

	history, err := a.store.CurrentHistory(ctx, device.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return cfg, nil
	}
	if err != nil {
		return nil, persistenceError("Could not look up device configuration.", err)
	}
	cfg.History = history

	user, err := a.store.GetUser(ctx, history.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return cfg, nil
	}
	if err != nil {
		return nil, persistenceError("Could not look up device configuration.", err)
	}
	cfg.User = user

	return cfg, nil
}

// RequireConfigured fails unless the device is bound to an active user
func (a *Authenticator) RequireConfigured(cfg *DeviceConfig) error {
	if cfg.History == nil {
		return unauthorizedError(fmt.Sprintf("Unconfigured device: %d", cfg.Device.ID))
	}
	if cfg.User == nil || !cfg.User.Active {
		return unauthorizedError("Unconfigured user.")
	}
	return nil
}

// ValidToken checks the Authorization header value against the tokens of
// the device's user. Every failure returns the same error; the cause is
// only logged.
func (a *Authenticator) ValidToken(ctx context.Context, cfg *DeviceConfig, authorization string, logger *zap.Logger) error {
	if cfg == nil || cfg.History == nil || cfg.User == nil || !cfg.User.Active {
		deviceID := int64(0)
		if cfg != nil {
			deviceID = cfg.Device.ID
		}
		logger.Warn("no device history with active user", zap.Int64("device_id", deviceID))
		return unauthorizedError(MsgInvalidToken)
	}

	logger = logger.With(zap.Int64("device_id", cfg.Device.ID), zap.Int64("user_id", cfg.User.ID))

	matches := authorizationPattern.FindStringSubmatch(authorization)
	if matches == nil {
		logger.Warn("invalid Authorization header", zap.String("authorization", authorization))
		return unauthorizedError(MsgInvalidToken)
	}

	_, err := a.store.FindValidTokenByValue(ctx, cfg.User.ID, matches[1], a.now())
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("no active matching token for user")
		return unauthorizedError(MsgInvalidToken)
	}
	if err != nil {
		logger.Error("failed to look up token", zap.Error(err))
		return unauthorizedError(MsgInvalidToken)
	}

	return nil
}

// Authorize resolves identifier and checks authorization for a device
// submitting data
func (a *Authenticator) Authorize(ctx context.Context, identifier, authorization string, logger *zap.Logger) (*DeviceConfig, error) {
	device, err := a.ResolveDevice(ctx, identifier)
	if err != nil {
		return nil, err
	}

	cfg, err := a.LoadConfig(ctx, device)
	if err != nil {
		return nil, err
	}

	if err := a.RequireConfigured(cfg); err != nil {
		return nil, err
	}

	if err := a.ValidToken(ctx, cfg, authorization, logger); err != nil {
		return nil, err
	}

	return cfg, nil
}
