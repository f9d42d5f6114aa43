package rest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/api/middleware"
	"github.com/septivank/tracket-noise-api/internal/logging"
	"github.com/septivank/tracket-noise-api/internal/service"
)

// maxBatchBytes bounds the body of a batch upload
const maxBatchBytes = 10 << 20

// Handler defines the REST API handlers
type Handler interface {
	// Index reports that no endpoint was given
	// GET /
	Index(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)

	// RecordMeasurement records one measurement from query or form parameters
	// GET|POST /measurement
	RecordMeasurement(c *gin.Context)

	// RecordMeasurements records a JSON array of measurements
	// POST /measurements
	RecordMeasurements(c *gin.Context)

	// ListLocations lists locations, or one location by ID
	// GET /locations, GET /locations/:id
	ListLocations(c *gin.Context)

	// LocationNoise returns the noise levels of a location
	// GET /locations/:id/noise?start=<ts>&end=<ts>&granularity=<hourly|life-time>&page=<n>
	LocationNoise(c *gin.Context)

	// Device dispatches the device endpoints register and set_location
	// GET|POST /device/:endpoint
	Device(c *gin.Context)

	// Software dispatches the software endpoints
	// GET /software/:endpoint
	Software(c *gin.Context)

	// NotFound answers unknown routes
	NotFound(c *gin.Context)
}

// Services groups the workflows behind the handlers
type Services struct {
	Ingest   *service.IngestService
	Devices  *service.DeviceService
	Query    *service.QueryService
	Software *service.SoftwareService
}

type handler struct {
	services Services
	loc      *time.Location
	logger   *zap.Logger
	now      service.Clock
}

// NewHandler creates a new REST API handler. Timestamps in responses are
// rendered in loc.
func NewHandler(services Services, loc *time.Location, logger *zap.Logger, now service.Clock) Handler {
	if now == nil {
		now = time.Now
	}
	return &handler{
		services: services,
		loc:      loc,
		logger:   logger,
		now:      now,
	}
}

func (h *handler) requestLog(c *gin.Context) *logging.RequestLog {
	return logging.NewRequestLog(middleware.RequestLogger(c, h.logger))
}

// Index reports that no endpoint was given
func (h *handler) Index(c *gin.Context) {
	h.fail(c, http.StatusNotFound, "No end point specified.", nil, nil)
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	h.ok(c, "Service is healthy.", nil, gin.H{"status": "healthy"})
}

// NotFound answers unknown routes
func (h *handler) NotFound(c *gin.Context) {
	h.fail(c, http.StatusNotFound, "Invalid end point.", nil, nil)
}

// deviceID reads the device identifier from the device header, else from
// the device parameter
func deviceID(c *gin.Context, params Params) string {
	if id, ok := header(c, middleware.DeviceHeader); ok {
		return id
	}
	return params.String(FieldDevice)
}

// RecordMeasurement records one measurement
func (h *handler) RecordMeasurement(c *gin.Context) {
	log := h.requestLog(c)
	params := newParams(c, measurementFields)

	result, err := h.services.Ingest.RecordSingle(c.Request.Context(), service.SingleMeasurement{
		DeviceID:      deviceID(c, params),
		Authorization: c.GetHeader("Authorization"),
		Timestamp:     params.Get(FieldTimestamp),
		Min:           params.Get(FieldMin),
		Max:           params.Get(FieldMax),
		Mean:          params.Get(FieldMean),
		Version:       params.Get(FieldVersion),
		Boottime:      params.Get(FieldBoottime),
	}, log)
	if err != nil {
		h.respondError(c, err, log)
		return
	}

	h.ok(c, result.Message, log, gin.H{"id": result.IDs[0]})
}

// RecordMeasurements records a JSON array of measurements
func (h *handler) RecordMeasurements(c *gin.Context) {
	log := h.requestLog(c)

	if c.ContentType() != "application/json" {
		h.fail(c, http.StatusUnsupportedMediaType, "Missing or invalid Content-Type header.  Must be application/json.", log, nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBatchBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("Invalid JSON body: body exceeds %d bytes", tooLarge.Limit), log, nil)
			return
		}
		h.fail(c, http.StatusBadRequest, "Invalid JSON body: "+err.Error(), log, nil)
		return
	}

	items, err := service.DecodeBatch(body)
	if err != nil {
		h.respondError(c, err, log)
		return
	}

	// batch uploads identify the device by header only
	id, _ := header(c, middleware.DeviceHeader)

	result, err := h.services.Ingest.RecordBatch(c.Request.Context(), service.BatchMeasurements{
		DeviceID:      id,
		Authorization: c.GetHeader("Authorization"),
		Items:         items,
	}, log)
	if err != nil {
		h.respondError(c, err, log)
		return
	}

	h.ok(c, result.Message, log, gin.H{"count": len(result.IDs), "ids": result.IDs})
}

// locationID parses the :id path parameter. ok is false when it is not an
// integer.
func locationID(c *gin.Context) (*int64, bool) {
	raw := c.Param("id")
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &id, true
}

// ListLocations lists locations, or one location by ID
func (h *handler) ListLocations(c *gin.Context) {
	log := h.requestLog(c)
	params := newParams(c, listFields)

	id, ok := locationID(c)
	if !ok {
		h.fail(c, http.StatusBadRequest, "Invalid location ID.", log, nil)
		return
	}

	result, err := h.services.Query.ListLocations(c.Request.Context(), params.Get(FieldPage), id)
	if err != nil {
		h.respondError(c, err, log)
		return
	}

	h.ok(c, fmt.Sprintf("Found %d location%s.", len(result.Locations), plural(len(result.Locations))), log, gin.H{
		"locations":  result.Locations,
		"query_time": result.QueryTime,
	})
}

// LocationNoise returns the noise levels of a location
func (h *handler) LocationNoise(c *gin.Context) {
	log := h.requestLog(c)
	params := newParams(c, noiseFields)

	id, ok := locationID(c)
	if !ok || id == nil {
		h.fail(c, http.StatusBadRequest, "Invalid location ID.", log, nil)
		return
	}

	result, err := h.services.Query.LocationNoise(c.Request.Context(), service.NoiseRequest{
		LocationID:  *id,
		Page:        params.Get(FieldPage),
		Start:       params.Get(FieldStart),
		End:         params.Get(FieldEnd),
		Granularity: params.String(FieldGranularity),
	}, log)
	if err != nil {
		h.respondError(c, err, log)
		return
	}

	h.ok(c, "Found location noise measurements.", log, gin.H{
		"measurements": result.Measurements,
		"query_time":   result.QueryTime,
	})
}

// Device dispatches the device endpoints
func (h *handler) Device(c *gin.Context) {
	switch c.Param("endpoint") {
	case "register":
		h.register(c)
	case "set_location":
		h.setLocation(c)
	default:
		h.fail(c, http.StatusNotFound, "Invalid device endpoint.", nil, nil)
	}
}

func (h *handler) register(c *gin.Context) {
	log := h.requestLog(c)
	params := newParams(c, registerFields)

	email, ok := header(c, middleware.EmailHeader)
	if !ok {
		email = params.String(FieldEmail)
	}

	result, err := h.services.Devices.Register(c.Request.Context(), service.RegisterRequest{
		DeviceID: deviceID(c, params),
		Email:    email,
	}, log)
	if err != nil {
		h.respondError(c, err, log)
		return
	}

	h.ok(c, "Device registered.", log, gin.H{"token": result.Token})
}

func (h *handler) setLocation(c *gin.Context) {
	log := h.requestLog(c)
	params := newParams(c, locationFields)

	result, err := h.services.Devices.SetLocation(c.Request.Context(), service.LocationRequest{
		DeviceID:      deviceID(c, params),
		Authorization: c.GetHeader("Authorization"),
		Latitude:      params.Get(FieldLatitude),
		Longitude:     params.Get(FieldLongitude),
		Radius:        params.Get(FieldRadius),
		PublicLabel:   params.String(FieldPublicLabel),
		PrivateLabel:  params.String(FieldPrivateLabel),
	}, log)
	if err != nil {
		h.respondError(c, err, log)
		return
	}

	h.ok(c, result.Message, log, gin.H{"location_id": result.LocationID})
}

// Software dispatches the software endpoints
func (h *handler) Software(c *gin.Context) {
	if c.Param("endpoint") != "latest" {
		h.fail(c, http.StatusNotFound, "Invalid software endpoint.", nil, nil)
		return
	}

	log := h.requestLog(c)
	release, err := h.services.Software.Latest(c.Request.Context())
	if err != nil {
		h.respondError(c, err, log)
		return
	}

	h.ok(c, "Found latest software", log, gin.H{
		"version":     release.Version,
		"releaseTime": release.ReleaseTime,
		"url":         release.URL,
	})
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
