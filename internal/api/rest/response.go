package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/logging"
	"github.com/septivank/tracket-noise-api/internal/service"
	"github.com/septivank/tracket-noise-api/tools/timeparser"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// logEntry is a request log event as returned to callers
type logEntry struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

// respond writes the response envelope. payload keys are merged into it.
func (h *handler) respond(c *gin.Context, status int, result, message string, log *logging.RequestLog, payload gin.H) {
	data := gin.H{
		"result":    result,
		"message":   message,
		"timestamp": timeparser.Format(h.now(), h.loc),
	}

	if events := log.Events(); len(events) > 0 {
		entries := make([]logEntry, 0, len(events))
		for _, e := range events {
			entries = append(entries, logEntry{
				Timestamp: timeparser.Format(e.Timestamp, h.loc),
				Type:      e.Type,
				Message:   e.Message,
			})
		}
		data["log"] = entries
	}

	for k, v := range payload {
		data[k] = v
	}

	c.JSON(status, data)
}

func (h *handler) ok(c *gin.Context, message string, log *logging.RequestLog, payload gin.H) {
	h.respond(c, http.StatusOK, resultOK, message, log, payload)
}

func (h *handler) fail(c *gin.Context, status int, message string, log *logging.RequestLog, payload gin.H) {
	h.respond(c, status, resultError, message, log, payload)
}

// respondError maps a workflow error to its status code and logs its cause
func (h *handler) respondError(c *gin.Context, err error, log *logging.RequestLog) {
	e, ok := service.AsError(err)
	if !ok {
		log.Logger().Error("unexpected error", zap.Error(err))
		h.fail(c, http.StatusInternalServerError, "Internal server error.", log, nil)
		return
	}

	if e.Err != nil {
		log.Logger().Error(e.Message, zap.String("kind", e.Kind.String()), zap.Error(e.Err))
	}

	h.fail(c, statusFor(e.Kind), e.Message, log, gin.H(e.Payload))
}

func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindUnauthorized:
		return http.StatusUnauthorized
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
