package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/anomaly"
	"github.com/septivank/tracket-noise-api/internal/db"
	"github.com/septivank/tracket-noise-api/internal/logging"
	"github.com/septivank/tracket-noise-api/internal/mq"
	"github.com/septivank/tracket-noise-api/internal/repository"
	"github.com/septivank/tracket-noise-api/internal/validator"
)

// SingleMeasurement holds the raw values of a single measurement request.
// A nil field was not supplied.
type SingleMeasurement struct {
	DeviceID      string
	Authorization string
	Timestamp     *string
	Min           *string
	Max           *string
	Mean          *string
	Version       *string
	Boottime      *string
}

// BatchMeasurements is a decoded batch upload
type BatchMeasurements struct {
	DeviceID      string
	Authorization string
	Items         []json.RawMessage
}

// IngestResult lists the measurements created by a request
type IngestResult struct {
	Message string
	IDs     []int64
}

// measurement is a validated submission
type measurement struct {
	timestamp time.Time
	level     anomaly.Level
	uptime    *int64
	version   *string
}

// batch items are checked in this order; the first failing field decides
// between skipping the item and rejecting the request
var batchFields = []struct {
	name    string
	numeric bool
}{
	{"timestamp", false},
	{"min", true},
	{"max", true},
	{"mean", true},
}

// IngestService validates and records noise measurements
type IngestService struct {
	store     repository.Store
	auth      *Authenticator
	validator *validator.Validator
	detector  *anomaly.Detector
	publisher mq.EventPublisher
	now       Clock
}

// NewIngestService creates a new ingest service
func NewIngestService(
	store repository.Store,
	auth *Authenticator,
	validator *validator.Validator,
	detector *anomaly.Detector,
	publisher mq.EventPublisher,
	now Clock,
) *IngestService {
	if now == nil {
		now = time.Now
	}
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	return &IngestService{
		store:     store,
		auth:      auth,
		validator: validator,
		detector:  detector,
		publisher: publisher,
		now:       now,
	}
}

// RecordSingle validates and stores one measurement
func (s *IngestService) RecordSingle(ctx context.Context, in SingleMeasurement, log *logging.RequestLog) (*IngestResult, error) {
	if in.DeviceID == "" {
		return nil, validationError("No device specified.")
	}

	if in.Timestamp == nil {
		return nil, validationError("Missing or invalid timestamp.")
	}
	timestamp, err := s.validator.Timestamp(*in.Timestamp)
	if err != nil {
		return nil, validationError("Missing or invalid timestamp.")
	}

	var values [3]float64
	for i, field := range []struct {
		name  string
		value *string
	}{{"min", in.Min}, {"max", in.Max}, {"mean", in.Mean}} {
		if field.value == nil {
			return nil, validationError(fmt.Sprintf("Missing or invalid %s.", field.name))
		}
		v, ok := validator.Numeric(*field.value)
		if !ok {
			return nil, validationError(fmt.Sprintf("Missing or invalid %s.", field.name))
		}
		values[i] = v
	}

	cfg, err := s.auth.Authorize(ctx, in.DeviceID, in.Authorization, log.Logger())
	if err != nil {
		return nil, err
	}

	m := measurement{
		timestamp: timestamp,
		level:     anomaly.Level{Min: values[0], Max: values[1], Mean: values[2]},
	}
	if in.Boottime != nil {
		m.uptime = s.uptime(*in.Boottime, log)
	}
	if in.Version != nil {
		if version, ok := validator.Version(*in.Version); ok {
			m.version = &version
		}
	}

	id, err := s.record(ctx, cfg, m, log)
	if err != nil {
		return nil, persistenceError("Could not add measurement.", err)
	}

	return &IngestResult{
		Message: fmt.Sprintf("Added measurement (OID %d).", id),
		IDs:     []int64{id},
	}, nil
}

// DecodeBatch decodes a batch body into its array items
func DecodeBatch(body []byte) ([]json.RawMessage, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, validationError("Invalid JSON body: " + err.Error())
	}
	if data == nil {
		return nil, validationError("Invalid JSON body: body is empty")
	}
	if _, ok := data.([]any); !ok {
		return nil, validationError("JSON must be an array of measurement objects.")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, validationError("Invalid JSON body: " + err.Error())
	}
	return items, nil
}

// RecordBatch stores every well formed item of a batch. Items that are not
// objects, miss a required field or fail to store are logged and skipped. A
// present but non-numeric level rejects the rest of the batch; items stored
// before it are kept and reported in the error payload.
func (s *IngestService) RecordBatch(ctx context.Context, in BatchMeasurements, log *logging.RequestLog) (*IngestResult, error) {
	if in.DeviceID == "" {
		return nil, validationError("No device specified.")
	}

	cfg, err := s.auth.Authorize(ctx, in.DeviceID, in.Authorization, log.Logger())
	if err != nil {
		return nil, err
	}

	ids := []int64{}
	for index, raw := range in.Items {
		fields, ok := decodeItem(raw)
		if !ok {
			log.Error(fmt.Sprintf("JSON array item at index %d is not a measurement object.  Skipping.", index))
			continue
		}

		m, skip, itemErr := s.batchItem(index, fields, log)
		if itemErr != nil {
			itemErr.Payload = map[string]any{"count": len(ids), "ids": ids}
			return nil, itemErr
		}
		if skip {
			continue
		}

		id, recordErr := s.record(ctx, cfg, m, log)
		if recordErr != nil {
			log.Error("Could not add measurement.", zap.Int("index", index), zap.Error(recordErr))
			continue
		}
		ids = append(ids, id)
	}

	return &IngestResult{Message: batchMessage(ids), IDs: ids}, nil
}

func decodeItem(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func (s *IngestService) batchItem(index int, fields map[string]json.RawMessage, log *logging.RequestLog) (measurement, bool, *Error) {
	var (
		m         measurement
		timestamp string
		values    = map[string]float64{}
	)

	for _, field := range batchFields {
		raw, present := fields[field.name]
		if !present {
			log.Error(fmt.Sprintf("JSON array object at index %d is missing required property: %s", index, field.name))
			return m, true, nil
		}
		text, scalar := validator.ScalarText(raw)
		if !field.numeric {
			timestamp = text
			continue
		}
		if !scalar {
			return m, false, validationError(fmt.Sprintf("Invalid %s.  Must be numeric.", field.name))
		}
		v, ok := validator.Numeric(text)
		if !ok {
			return m, false, validationError(fmt.Sprintf("Invalid %s.  Must be numeric.", field.name))
		}
		values[field.name] = v
	}

	ts, err := s.validator.Timestamp(timestamp)
	if err != nil {
		log.Error(fmt.Sprintf("JSON array object at index %d has an invalid timestamp (%s).  Skipping.", index, strings.TrimSpace(timestamp)))
		return m, true, nil
	}

	m.timestamp = ts
	m.level = anomaly.Level{Min: values["min"], Max: values["max"], Mean: values["mean"]}

	if raw, ok := fields["boottime"]; ok {
		boottime, _ := validator.ScalarText(raw)
		if boottime == "" {
			boottime = string(bytes.TrimSpace(raw))
		}
		m.uptime = s.uptime(boottime, log)
	}
	if raw, ok := fields["version"]; ok {
		if text, ok := validator.ScalarText(raw); ok {
			if version, ok := validator.Version(text); ok {
				m.version = &version
			}
		}
	}

	return m, false, nil
}

func batchMessage(ids []int64) string {
	plural := "s"
	if len(ids) == 1 {
		plural = ""
	}
	if len(ids) == 0 {
		return "Added 0 measurements."
	}
	list := make([]string, len(ids))
	for i, id := range ids {
		list[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("Added %d measurement%s (OID%s: %s).", len(ids), plural, plural, strings.Join(list, ", "))
}

func (s *IngestService) uptime(boottime string, log *logging.RequestLog) *int64 {
	uptime, source := s.validator.Uptime(boottime, s.now())
	switch source {
	case validator.UptimeFromBoottime:
		log.Notice(fmt.Sprintf("Converting boottime (%s) to uptime (%d)", boottime, uptime))
	case validator.UptimeFromSeconds:
	default:
		log.Warning(fmt.Sprintf("Invalid boottime (%s).  Must be a timestamp or number of seconds.", boottime))
		return nil
	}
	return &uptime
}

// record stores m for the device and publishes a measurement event
func (s *IngestService) record(ctx context.Context, cfg *DeviceConfig, m measurement, log *logging.RequestLog) (int64, error) {
	now := s.now()
	logger := log.Logger().With(zap.Int64("device_id", cfg.Device.ID))

	if !s.validator.WithinTolerance(m.timestamp, now) {
		log.Warning(fmt.Sprintf("Timestamp (%s) is more than %d minutes from the current time.",
			m.timestamp.Format(time.RFC3339), s.validator.ToleranceMinutes()))
	}

	if s.detector != nil {
		recent, err := s.store.RecentMeans(ctx, cfg.Device.ID, s.detector.HistoryWindow())
		if err != nil {
			logger.Warn("failed to load recent measurements", zap.Error(err))
		}
		for _, reason := range s.detector.Check(m.level, recent) {
			log.Warning(fmt.Sprintf("Measurement at %s looks anomalous: %s.", m.timestamp.Format(time.RFC3339), reason))
		}
	}

	row := &db.Measurement{
		DeviceID:        cfg.Device.ID,
		UserID:          cfg.History.UserID,
		LocationID:      cfg.History.LocationID,
		Timestamp:       m.timestamp,
		Min:             m.level.Min,
		Max:             m.level.Max,
		Mean:            m.level.Mean,
		Uptime:          m.uptime,
		SoftwareVersion: m.version,
		CreatedAt:       now,
	}
	if err := s.store.CreateMeasurement(ctx, row); err != nil {
		return 0, fmt.Errorf("failed to create measurement: %w", err)
	}

	event := mq.NewEvent(mq.EventMeasurementRecorded, now, mq.MeasurementRecorded{
		MeasurementID: row.ID,
		DeviceID:      cfg.Device.Identifier,
		LocationID:    row.LocationID,
		Timestamp:     row.Timestamp,
		Min:           row.Min,
		Max:           row.Max,
		Mean:          row.Mean,
	})
	if err := s.publisher.PublishEvent(ctx, event); err != nil {
		// Log error but don't fail the request
		logger.Error("failed to publish event", zap.Error(err), zap.Int64("measurement_id", row.ID))
	}

	return row.ID, nil
}
