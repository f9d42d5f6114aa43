package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/db"
	"github.com/septivank/tracket-noise-api/internal/lock"
	"github.com/septivank/tracket-noise-api/internal/logging"
	"github.com/septivank/tracket-noise-api/internal/mq"
	"github.com/septivank/tracket-noise-api/internal/repository"
	"github.com/septivank/tracket-noise-api/internal/validator"
)

// ConfirmationSender delivers the registration confirmation email
// asynchronously
type ConfirmationSender interface {
	Dispatch(email, templateName string)
}

// DeviceOptions holds registration settings
type DeviceOptions struct {
	LoginPolicy          string
	ConfirmationTemplate string
}

// RegisterRequest is a device registration
type RegisterRequest struct {
	DeviceID string
	Email    string
}

// RegisterResult is the outcome of a registration
type RegisterResult struct {
	Token     string
	UserID    int64
	HistoryID int64
	NewUser   bool
}

// LocationRequest is a device location claim. Coordinates are raw values;
// nil means not supplied.
type LocationRequest struct {
	DeviceID      string
	Authorization string
	Latitude      *string
	Longitude     *string
	Radius        *string
	PublicLabel   string
	PrivateLabel  string
}

// LocationResult is the outcome of a location claim
type LocationResult struct {
	Message    string
	LocationID int64
	Changed    bool
}

// DeviceService registers devices to users and assigns their locations
type DeviceService struct {
	store     repository.Store
	auth      *Authenticator
	locker    lock.Locker
	mailer    ConfirmationSender
	publisher mq.EventPublisher
	opts      DeviceOptions
	now       Clock
}

// NewDeviceService creates a new device service
func NewDeviceService(
	store repository.Store,
	auth *Authenticator,
	locker lock.Locker,
	mailer ConfirmationSender,
	publisher mq.EventPublisher,
	opts DeviceOptions,
	now Clock,
) *DeviceService {
	if now == nil {
		now = time.Now
	}
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	return &DeviceService{
		store:     store,
		auth:      auth,
		locker:    locker,
		mailer:    mailer,
		publisher: publisher,
		opts:      opts,
		now:       now,
	}
}

// findDevice resolves a device for the device endpoints, which treat a
// missing identifier as an unknown device
func (s *DeviceService) findDevice(ctx context.Context, identifier string) (*db.Device, error) {
	if identifier == "" {
		return nil, notFoundError("Unrecognized device.")
	}
	return s.auth.ResolveDevice(ctx, identifier)
}

func (s *DeviceService) lockDevice(ctx context.Context, device *db.Device) (func(), error) {
	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("device:%d", device.ID))
	if err != nil {
		return nil, conflictError("Device is being updated by another request.", err)
	}
	return unlock, nil
}

// Register binds a device to the user owning email, creating the user when
// needed, and returns a valid token of that user
func (s *DeviceService) Register(ctx context.Context, in RegisterRequest, log *logging.RequestLog) (*RegisterResult, error) {
	device, err := s.findDevice(ctx, in.DeviceID)
	if err != nil {
		return nil, err
	}

	email := strings.TrimSpace(in.Email)
	if !validator.Email(email) {
		return nil, validationError("Invalid email.")
	}

	logger := log.Logger().With(zap.Int64("device_id", device.ID))

	unlock, err := s.lockDevice(ctx, device)
	if err != nil {
		return nil, err
	}
	defer unlock()

	user, created, err := s.findOrCreateUser(ctx, email, log)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.Int64("user_id", user.ID))

	history, err := s.store.OpenHistoryFor(ctx, device.ID, user.ID)
	if errors.Is(err, repository.ErrNotFound) {
		history, err = s.bindDevice(ctx, device, user)
	}
	if err != nil {
		return nil, historyError("Could not add device history.", err)
	}

	token, err := s.userToken(ctx, user)
	if err != nil {
		return nil, persistenceError("Could not create user token.", err)
	}

	if s.mailer != nil && s.opts.ConfirmationTemplate != "" {
		s.mailer.Dispatch(email, s.opts.ConfirmationTemplate)
	}

	event := mq.NewEvent(mq.EventDeviceRegistered, s.now(), mq.DeviceRegistered{
		DeviceID:  device.Identifier,
		UserID:    user.ID,
		HistoryID: history.ID,
		NewUser:   created,
	})
	if err := s.publisher.PublishEvent(ctx, event); err != nil {
		logger.Error("failed to publish event", zap.Error(err))
	}

	logger.Info("device registered", zap.Int64("history_id", history.ID), zap.Bool("new_user", created))

	return &RegisterResult{
		Token:     token.Value,
		UserID:    user.ID,
		HistoryID: history.ID,
		NewUser:   created,
	}, nil
}

func (s *DeviceService) findOrCreateUser(ctx context.Context, email string, log *logging.RequestLog) (*db.User, bool, error) {
	user, err := s.store.FindActiveUserByEmail(ctx, email)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, persistenceError("Email does not match a user.  New user could not be created.", err)
	}

	now := s.now()
	user = &db.User{
		Username:       email,
		Email:          email,
		Active:         true,
		DateRegistered: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		// another request registered the same email first
		if errors.Is(err, repository.ErrConflict) {
			if existing, findErr := s.store.FindActiveUserByEmail(ctx, email); findErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, persistenceError("Email does not match a user.  New user could not be created.", err)
	}

	if s.opts.LoginPolicy == "" {
		log.Error("User added, but could not get Login Policy.")
		return user, true, nil
	}
	if err := s.store.AddUserToLoginPolicy(ctx, s.opts.LoginPolicy, user.ID); err != nil {
		log.Error("User added, but could not be added to Login Policy.", zap.Error(err))
	}

	return user, true, nil
}

// bindDevice closes the device's open history row, if any, and opens a new
// one for user in a single unit of work
func (s *DeviceService) bindDevice(ctx context.Context, device *db.Device, user *db.User) (*db.DeviceHistory, error) {
	now := s.now()
	history := &db.DeviceHistory{
		DeviceID:      device.ID,
		UserID:        user.ID,
		RevisionStart: now,
		RevisionEnd:   db.OpenRevision(),
	}

	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		current, err := tx.CurrentHistory(ctx, device.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := tx.CloseHistory(ctx, current.ID, now); err != nil {
				return err
			}
		}
		return tx.CreateHistory(ctx, history)
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (s *DeviceService) userToken(ctx context.Context, user *db.User) (*db.Token, error) {
	now := s.now()
	token, err := s.store.FindValidToken(ctx, user.ID, now)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	token = &db.Token{
		UserID:     user.ID,
		Value:      newTokenValue(),
		ValidStart: now,
		Active:     true,
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

func newTokenValue() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SetLocation points the device's open history row at the location with the
// given coordinates. The previous row is closed and a copy carrying the new
// location is opened in one unit of work.
func (s *DeviceService) SetLocation(ctx context.Context, in LocationRequest, log *logging.RequestLog) (*LocationResult, error) {
	device, err := s.findDevice(ctx, in.DeviceID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.auth.LoadConfig(ctx, device)
	if err != nil {
		return nil, err
	}
	if err := s.auth.ValidToken(ctx, cfg, in.Authorization, log.Logger()); err != nil {
		return nil, err
	}

	var coords [3]float64
	for i, field := range []struct {
		name  string
		value *string
	}{{"latitude", in.Latitude}, {"longitude", in.Longitude}, {"radius", in.Radius}} {
		var ok bool
		if field.value != nil {
			coords[i], ok = validator.Numeric(*field.value)
		}
		if !ok {
			return nil, validationError(fmt.Sprintf("Missing or invalid %s.  Must be numeric.", field.name))
		}
	}
	latitude, longitude, radius := coords[0], coords[1], coords[2]

	logger := log.Logger().With(zap.Int64("device_id", device.ID), zap.Int64("user_id", cfg.User.ID))

	unlock, err := s.lockDevice(ctx, device)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result  LocationResult
		history *db.DeviceHistory
	)
	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		current, err := tx.CurrentHistory(ctx, device.ID)
		if err != nil {
			return conflictError("Could not set location.", err)
		}
		if current.UserID != cfg.User.ID {
			return conflictError("Could not set location.", fmt.Errorf("device %d was registered to another user", device.ID))
		}

		location, err := s.claimLocation(ctx, tx, device, cfg.User, latitude, longitude, radius, in.PublicLabel, in.PrivateLabel, log)
		if err != nil {
			return err
		}
		result.LocationID = location.ID

		if current.LocationID != nil && *current.LocationID == location.ID {
			result.Message = "Device location was already set."
			return nil
		}

		now := s.now()
		if err := tx.CloseHistory(ctx, current.ID, now); err != nil {
			return historyError("Could not expire previous location.", err)
		}

		locationID := location.ID
		history = &db.DeviceHistory{
			DeviceID:      current.DeviceID,
			UserID:        current.UserID,
			LocationID:    &locationID,
			RevisionStart: now,
			RevisionEnd:   db.OpenRevision(),
		}
		if err := tx.CreateHistory(ctx, history); err != nil {
			return historyError("Could not set location.", err)
		}

		result.Message = "New device location set."
		result.Changed = true
		return nil
	})
	if err != nil {
		if e, ok := AsError(err); ok {
			return nil, e
		}
		return nil, persistenceError("Could not set location.", err)
	}

	if result.Changed {
		event := mq.NewEvent(mq.EventDeviceLocationChanged, s.now(), mq.DeviceLocationChanged{
			DeviceID:   device.Identifier,
			UserID:     cfg.User.ID,
			LocationID: result.LocationID,
			HistoryID:  history.ID,
		})
		if err := s.publisher.PublishEvent(ctx, event); err != nil {
			logger.Error("failed to publish event", zap.Error(err))
		}
		logger.Info("device location set", zap.Int64("location_id", result.LocationID))
	}

	return &result, nil
}

// claimLocation returns the newest location with the given coordinates that
// this device and user claimed before, updating its labels, or creates one
func (s *DeviceService) claimLocation(
	ctx context.Context,
	tx repository.Store,
	device *db.Device,
	user *db.User,
	latitude, longitude, radius float64,
	publicLabel, privateLabel string,
	log *logging.RequestLog,
) (*db.Location, error) {
	candidates, err := tx.FindLocationsByCoords(ctx, latitude, longitude, radius)
	if err != nil {
		return nil, persistenceError("Could not add location.", err)
	}

	for _, candidate := range candidates {
		claimed, err := tx.HasLocationClaim(ctx, device.ID, user.ID, candidate.ID)
		if err != nil {
			return nil, persistenceError("Could not update existing location.", err)
		}
		if !claimed {
			continue
		}

		location := candidate
		if location.PublicLabel != publicLabel || location.PrivateLabel != privateLabel {
			if err := tx.UpdateLocationLabels(ctx, location.ID, publicLabel, privateLabel); err != nil {
				return nil, persistenceError("Could not update existing location.", err)
			}
			location.PublicLabel = publicLabel
			location.PrivateLabel = privateLabel
			log.Notice("Existing location public and/or private label updated.")
		}
		return &location, nil
	}

	location := &db.Location{
		PublicLabel:  publicLabel,
		PrivateLabel: privateLabel,
		Latitude:     latitude,
		Longitude:    longitude,
		Radius:       radius,
	}
	if err := tx.CreateLocation(ctx, location); err != nil {
		return nil, persistenceError("Could not add location.", err)
	}
	return location, nil
}

// historyError reports a lost race on the open history row as a conflict
func historyError(message string, err error) *Error {
	if errors.Is(err, repository.ErrConflict) {
		return conflictError(message, err)
	}
	return persistenceError(message, err)
}
