package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/logging"
)

// QueuedBatch is a batch upload forwarded by a gateway through RabbitMQ
type QueuedBatch struct {
	RequestID     string          `json:"request_id"`
	DeviceID      string          `json:"device_id"`
	Authorization string          `json:"authorization"`
	Measurements  json.RawMessage `json:"measurements"`
}

// QueueHandler runs queued batches through the batch ingestor
type QueueHandler struct {
	ingest *IngestService
	logger *zap.Logger
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(ingest *IngestService, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{ingest: ingest, logger: logger}
}

// Handle processes one message body. Returned errors dead-letter the message.
// A batch rejected after some of its items were stored is acknowledged so a
// replay cannot store them twice.
func (h *QueueHandler) Handle(ctx context.Context, body []byte) error {
	var msg QueuedBatch
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	reqLogger := logging.WithRequestID(h.logger, msg.RequestID)
	log := logging.NewRequestLog(reqLogger.With(zap.String("device", msg.DeviceID)))

	items, err := DecodeBatch(msg.Measurements)
	if err != nil {
		return err
	}

	result, err := h.ingest.RecordBatch(ctx, BatchMeasurements{
		DeviceID:      msg.DeviceID,
		Authorization: msg.Authorization,
		Items:         items,
	}, log)
	if err != nil {
		if e, ok := AsError(err); ok {
			if ids, _ := e.Payload["ids"].([]int64); len(ids) > 0 {
				reqLogger.Warn("queued batch partially recorded",
					zap.String("reason", e.Message),
					zap.Int("items", len(items)),
					zap.Int("recorded", len(ids)),
					zap.Int64s("ids", ids),
				)
				return nil
			}
		}
		return err
	}

	reqLogger.Info("queued batch processed",
		zap.Int("items", len(items)),
		zap.Int("recorded", len(result.IDs)),
		zap.Int("events", log.Len()),
	)
	return nil
}
