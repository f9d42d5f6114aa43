package rest_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/anomaly"
	"github.com/septivank/tracket-noise-api/internal/api/rest"
	"github.com/septivank/tracket-noise-api/internal/api/server"
	"github.com/septivank/tracket-noise-api/internal/db"
	"github.com/septivank/tracket-noise-api/internal/lock"
	"github.com/septivank/tracket-noise-api/internal/mq"
	"github.com/septivank/tracket-noise-api/internal/repository"
	"github.com/septivank/tracket-noise-api/internal/service"
	"github.com/septivank/tracket-noise-api/internal/validator"
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

type recordingMailer struct {
	mu    sync.Mutex
	sends []string
}

func (m *recordingMailer) Dispatch(email, templateName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, email)
}

type testAPI struct {
	store  *repository.MemoryStore
	mailer *recordingMailer
	router *gin.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := repository.NewMemoryStore(toronto)
	mailer := &recordingMailer{}
	clock := func() time.Time { return testNow }
	v := validator.NewValidator(10080, toronto)
	auth := service.NewAuthenticator(store, clock)
	publisher := mq.NopPublisher{}

	handler := rest.NewHandler(rest.Services{
		Ingest: service.NewIngestService(store, auth, v, anomaly.NewDetector(3.0, 3, 10), publisher, clock),
		Devices: service.NewDeviceService(store, auth, lock.NewLocalLocker(), mailer, publisher, service.DeviceOptions{
			LoginPolicy:          "tracket",
			ConfirmationTemplate: "registration-confirmation",
		}, clock),
		Query:    service.NewQueryService(store, v, clock),
		Software: service.NewSoftwareService(store, "https://tracket.info/downloads", toronto),
	}, toronto, zap.NewNop(), clock)

	srv := server.New(server.Config{}, handler, zap.NewNop())
	return &testAPI{store: store, mailer: mailer, router: srv.Router()}
}

type envelope struct {
	Result    string `json:"result"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Log       []struct {
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Message   string `json:"message"`
	} `json:"log"`
}

func (a *testAPI) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var raw map[string]any
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw), w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, raw, env
}

func get(path string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func postForm(path string, form url.Values, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func postJSON(path, body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

// register provisions and registers a device, returning its token
func (a *testAPI) register(t *testing.T, identifier, email string) string {
	t.Helper()
	a.store.AddDevice(identifier)

	w, raw, env := a.do(t, postForm("/device/register", url.Values{"email": {email}}, map[string]string{
		"X-Tracket-Device": identifier,
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "Device registered.", env.Message)
	return raw["token"].(string)
}

// locate registers a device and sets its location, returning its token and
// location id
func (a *testAPI) locate(t *testing.T, identifier, email string) (string, int64) {
	t.Helper()
	token := a.register(t, identifier, email)

	w, raw, env := a.do(t, postForm("/device/set_location", url.Values{
		"latitude":    {"43.6532"},
		"longitude":   {"-79.3832"},
		"radius":      {"50"},
		"publicLabel": {"Queen St"},
	}, map[string]string{
		"X-Tracket-Device": identifier,
		"Authorization":    "Token " + token,
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "New device location set.", env.Message)
	return token, int64(raw["location_id"].(float64))
}

func TestIndex(t *testing.T) {
	api := newTestAPI(t)

	w, _, env := api.do(t, get("/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "error", env.Result)
	assert.Equal(t, "No end point specified.", env.Message)
	assert.Equal(t, "2024-06-01T10:00:00-04:00", env.Timestamp)
	assert.Empty(t, env.Log)
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)

	w, raw, env := api.do(t, get("/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", env.Result)
	assert.Equal(t, "healthy", raw["status"])
}

func TestUnknownRoutes(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name    string
		req     *http.Request
		message string
	}{
		{"no route", get("/nothing", nil), "Invalid end point."},
		{"device endpoint", get("/device/unregister", nil), "Invalid device endpoint."},
		{"bare device", get("/device", nil), "Invalid device endpoint."},
		{"software endpoint", get("/software/oldest", nil), "Invalid software endpoint."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, env := api.do(t, tt.req)
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "error", env.Result)
			assert.Equal(t, tt.message, env.Message)
		})
	}
}

func TestRequestIDAndCORS(t *testing.T) {
	api := newTestAPI(t)

	w, _, _ := api.do(t, get("/health", map[string]string{"X-Request-ID": "req-42"}))
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w, _, _ = api.do(t, get("/health", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodOptions, "/measurements", nil)
	req.Header.Set("Origin", "https://map.tracket.info")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, X-Tracket-Device")
	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRegisterEndpoint(t *testing.T) {
	api := newTestAPI(t)

	token := api.register(t, "a1b2c3", "owner@example.com")
	assert.Regexp(t, `^[a-z0-9]{32}$`, token)
	assert.Equal(t, []string{"owner@example.com"}, api.mailer.sends)

	t.Run("email header wins", func(t *testing.T) {
		api.store.AddDevice("d4e5f6")
		w, _, env := api.do(t, postForm("/device/register", url.Values{"email": {"form@example.com"}}, map[string]string{
			"X-Tracket-Device": "d4e5f6",
			"X-Tracket-Email":  "header@example.com",
		}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "Device registered.", env.Message)
		assert.Contains(t, api.mailer.sends, "header@example.com")
	})

	t.Run("unknown device", func(t *testing.T) {
		w, _, env := api.do(t, get("/device/register?device=zzz&email=a@example.com", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Unrecognized device.", env.Message)
	})

	t.Run("invalid email", func(t *testing.T) {
		w, _, env := api.do(t, get("/device/register?device=a1b2c3&email=not-an-email", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid email.", env.Message)
	})
}

func TestSetLocationEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token, locationID := api.locate(t, "a1b2c3", "owner@example.com")
	assert.NotZero(t, locationID)

	t.Run("bad token", func(t *testing.T) {
		w, _, env := api.do(t, postForm("/device/set_location", url.Values{
			"device":    {"a1b2c3"},
			"latitude":  {"43.6532"},
			"longitude": {"-79.3832"},
		}, map[string]string{"Authorization": "Token nope"}))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, service.MsgInvalidToken, env.Message)
	})

	t.Run("non numeric latitude", func(t *testing.T) {
		w, _, env := api.do(t, postForm("/device/set_location", url.Values{
			"device":    {"a1b2c3"},
			"latitude":  {"north"},
			"longitude": {"-79.3832"},
		}, map[string]string{"Authorization": "Token " + token}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing or invalid latitude.  Must be numeric.", env.Message)
	})

	t.Run("same location again", func(t *testing.T) {
		w, raw, env := api.do(t, postForm("/device/set_location", url.Values{
			"device":    {"a1b2c3"},
			"latitude":  {"43.6532"},
			"longitude": {"-79.3832"},
			"radius":    {"50"},
		}, map[string]string{"Authorization": "Token " + token}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "Device location was already set.", env.Message)
		assert.Equal(t, float64(locationID), raw["location_id"])
	})
}

func TestRecordMeasurementEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token, _ := api.locate(t, "a1b2c3", "owner@example.com")

	query := url.Values{
		"device":    {"a1b2c3"},
		"timestamp": {"2024-06-01T09:55:00-04:00"},
		"min":       {"40.5"},
		"max":       {"61"},
		"mean":      {"48.25"},
		"version":   {"1.1.0"},
	}

	w, raw, env := api.do(t, get("/measurement?"+query.Encode(), map[string]string{"Authorization": "Token " + token}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", env.Result)

	id := int64(raw["id"].(float64))
	assert.Equal(t, "Added measurement (OID "+itoa(id)+").", env.Message)

	t.Run("device header wins over parameter", func(t *testing.T) {
		w, _, env := api.do(t, get("/measurement?"+query.Encode(), map[string]string{
			"Authorization":    "Token " + token,
			"X-Tracket-Device": "unknown",
		}))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Unrecognized device.", env.Message)
	})

	t.Run("missing mean", func(t *testing.T) {
		q := url.Values{"device": {"a1b2c3"}, "timestamp": {"2024-06-01T09:55:00-04:00"}, "min": {"1"}, "max": {"2"}}
		w, _, env := api.do(t, postForm("/measurement", q, map[string]string{"Authorization": "Token " + token}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing or invalid mean.", env.Message)
	})

	t.Run("wrong token", func(t *testing.T) {
		w, _, env := api.do(t, get("/measurement?"+query.Encode(), map[string]string{"Authorization": "Bearer " + token}))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, service.MsgInvalidToken, env.Message)
	})
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestRecordMeasurementsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token, _ := api.locate(t, "a1b2c3", "owner@example.com")
	headers := map[string]string{
		"Authorization":    "Token " + token,
		"X-Tracket-Device": "a1b2c3",
	}

	t.Run("stores every well formed item", func(t *testing.T) {
		body := `[
			{"timestamp":"2024-06-01T09:00:00-04:00","min":40,"max":60,"mean":50},
			{"timestamp":"2024-06-01T09:05:00-04:00","min":41,"max":61},
			"junk",
			{"timestamp":"2024-06-01T09:10:00-04:00","min":"42","max":"62","mean":"52"}
		]`
		w, raw, env := api.do(t, postJSON("/measurements", body, headers))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, float64(2), raw["count"])
		assert.Len(t, raw["ids"], 2)
		assert.True(t, strings.HasPrefix(env.Message, "Added 2 measurements (OIDs: "), env.Message)

		var messages []string
		for _, e := range env.Log {
			messages = append(messages, e.Message)
		}
		assert.Contains(t, messages, "JSON array object at index 1 is missing required property: mean")
		assert.Contains(t, messages, "JSON array item at index 2 is not a measurement object.  Skipping.")
	})

	t.Run("non numeric level aborts", func(t *testing.T) {
		body := `[
			{"timestamp":"2024-06-01T09:20:00-04:00","min":40,"max":60,"mean":50},
			{"timestamp":"2024-06-01T09:25:00-04:00","min":40,"max":"loud","mean":50},
			{"timestamp":"2024-06-01T09:30:00-04:00","min":40,"max":60,"mean":50}
		]`
		w, raw, env := api.do(t, postJSON("/measurements", body, headers))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid max.  Must be numeric.", env.Message)
		assert.Equal(t, float64(1), raw["count"])
	})

	t.Run("empty array", func(t *testing.T) {
		w, _, env := api.do(t, postJSON("/measurements", `[]`, headers))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Added 0 measurements.", env.Message)
	})

	t.Run("object body", func(t *testing.T) {
		w, _, env := api.do(t, postJSON("/measurements", `{"min":1}`, headers))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "JSON must be an array of measurement objects.", env.Message)
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := postJSON("/measurements", `[]`, headers)
		req.Header.Set("Content-Type", "text/plain")
		w, _, env := api.do(t, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		assert.Equal(t, "Missing or invalid Content-Type header.  Must be application/json.", env.Message)
	})

	t.Run("content type parameters are accepted", func(t *testing.T) {
		req := postJSON("/measurements", `[]`, headers)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		w, _, env := api.do(t, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "Added 0 measurements.", env.Message)
	})

	t.Run("device parameter is not accepted", func(t *testing.T) {
		w, _, env := api.do(t, postJSON("/measurements?device=a1b2c3", `[]`, map[string]string{"Authorization": "Token " + token}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "No device specified.", env.Message)
	})
}

func TestLocationsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token, locationID := api.locate(t, "a1b2c3", "owner@example.com")

	body := `[
		{"timestamp":"2024-06-01T09:10:00-04:00","min":40.1111,"max":60.5556,"mean":45.12345},
		{"timestamp":"2024-06-01T09:45:00-04:00","min":42,"max":70,"mean":50.00049}
	]`
	w, _, _ := api.do(t, postJSON("/measurements", body, map[string]string{
		"Authorization":    "Token " + token,
		"X-Tracket-Device": "a1b2c3",
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	t.Run("list", func(t *testing.T) {
		w, raw, _ := api.do(t, get("/locations", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, raw, "query_time")

		locations := raw["locations"].([]any)
		require.Len(t, locations, 1)
		loc := locations[0].(map[string]any)
		assert.Equal(t, float64(locationID), loc["id"])
		assert.Equal(t, "Queen St", loc["label"])
		assert.Equal(t, true, loc["active"])
	})

	t.Run("by id", func(t *testing.T) {
		w, raw, _ := api.do(t, get("/locations/999", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, raw["locations"])
	})

	t.Run("non numeric id", func(t *testing.T) {
		w, _, env := api.do(t, get("/locations/queen", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid location ID.", env.Message)
	})

	t.Run("raw noise", func(t *testing.T) {
		w, raw, _ := api.do(t, get("/locations/"+itoa(locationID)+"/noise", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		rows := raw["measurements"].([]any)
		require.Len(t, rows, 2)
		first := rows[0].(map[string]any)
		assert.Equal(t, "2024-06-01T09:10:00-04:00", first["timestamp"])
		assert.Equal(t, 45.123, first["mean"])
		assert.Equal(t, 60.556, first["max"])
	})

	t.Run("hourly noise", func(t *testing.T) {
		w, raw, _ := api.do(t, get("/locations/"+itoa(locationID)+"/noise?granularity=hourly", nil))
		require.Equal(t, http.StatusOK, w.Code)

		rows := raw["measurements"].([]any)
		require.Len(t, rows, 1)
		assert.Equal(t, "2024-06-01T09:00:00-04:00", rows[0].(map[string]any)["timestamp"])
	})

	t.Run("life-time noise with bad bound", func(t *testing.T) {
		w, raw, env := api.do(t, get("/locations/"+itoa(locationID)+"/noise?granularity=life-time&start=yesterday", nil))
		require.Equal(t, http.StatusOK, w.Code)

		rows := raw["measurements"].([]any)
		require.Len(t, rows, 1)
		summary := rows[0].(map[string]any)
		assert.Equal(t, float64(2), summary["count"])
		assert.Equal(t, "2024-06-01T09:10:00-04:00", summary["start"])
		assert.Equal(t, "2024-06-01T09:45:00-04:00", summary["end"])

		require.NotEmpty(t, env.Log)
		assert.Equal(t, "Invalid start (yesterday) ignored.", env.Log[0].Message)
	})
}

func TestSoftwareEndpoint(t *testing.T) {
	api := newTestAPI(t)

	w, _, env := api.do(t, get("/software/latest", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Unable to find latest update information.", env.Message)

	api.store.AddSoftwareUpdate(db.SoftwareUpdate{
		Version:     "1.1.0",
		ReleaseTime: time.Date(2024, 5, 1, 16, 30, 0, 0, time.UTC),
		Filename:    "firmware/tracket-1.1.0.bin",
	})

	w, raw, env := api.do(t, get("/software/latest", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Found latest software", env.Message)
	assert.Equal(t, "1.1.0", raw["version"])
	assert.Equal(t, "2024-05-01T12:30:00-04:00", raw["releaseTime"])
	assert.Equal(t, "https://tracket.info/downloads/firmware/tracket-1.1.0.bin", raw["url"])
}
