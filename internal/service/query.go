package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/tracket-noise-api/internal/db"
	"github.com/septivank/tracket-noise-api/internal/logging"
	"github.com/septivank/tracket-noise-api/internal/repository"
	"github.com/septivank/tracket-noise-api/internal/validator"
	"github.com/septivank/tracket-noise-api/tools/timeparser"
)

// PageSize limits the rows returned by any listing
const PageSize = 1000

const roundPrecision = 3

// LocationView is a listed location
type LocationView struct {
	ID        int64   `json:"id"`
	Label     string  `json:"label"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
	Active    bool    `json:"active"`
}

// NoiseView is a raw or hourly noise level
type NoiseView struct {
	Timestamp string  `json:"timestamp"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
}

// LifetimeView summarises every measurement of a location
type LifetimeView struct {
	Start *string  `json:"start"`
	End   *string  `json:"end"`
	Count int64    `json:"count"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Mean  *float64 `json:"mean"`
}

// NoiseRequest selects the noise levels of a location. Optional values are
// raw request parameters, nil when absent.
type NoiseRequest struct {
	LocationID  int64
	Page        *string
	Start       *string
	End         *string
	Granularity string
}

// LocationsResult is a page of locations
type LocationsResult struct {
	Locations []LocationView
	QueryTime float64
}

// NoiseResult holds NoiseView rows, or a single LifetimeView row for
// life-time queries
type NoiseResult struct {
	Measurements any
	QueryTime    float64
}

// QueryService reads locations and their noise levels
type QueryService struct {
	store     repository.Store
	validator *validator.Validator
	now       Clock
}

// NewQueryService creates a new query service
func NewQueryService(store repository.Store, validator *validator.Validator, now Clock) *QueryService {
	if now == nil {
		now = time.Now
	}
	return &QueryService{store: store, validator: validator, now: now}
}

// Offset converts a page parameter to a row offset. Missing, non-numeric
// and negative pages select the first page.
func Offset(page *string) int {
	if page == nil {
		return 0
	}
	v, ok := validator.Numeric(*page)
	if !ok || v < 0 || v > math.MaxInt32 {
		return 0
	}
	return int(v) * PageSize
}

// ListLocations returns a page of locations, or only locationID when set
func (s *QueryService) ListLocations(ctx context.Context, page *string, locationID *int64) (*LocationsResult, error) {
	started := s.now()

	rows, err := s.store.ListLocations(ctx, locationID, Offset(page), PageSize)
	if err != nil {
		return nil, persistenceError("Could not list locations.", err)
	}

	views := make([]LocationView, 0, len(rows))
	for _, l := range rows {
		views = append(views, LocationView{
			ID:        l.ID,
			Label:     l.PublicLabel,
			Latitude:  l.Latitude,
			Longitude: l.Longitude,
			Radius:    l.Radius,
			Active:    l.Active,
		})
	}

	return &LocationsResult{Locations: views, QueryTime: s.since(started)}, nil
}

// LocationNoise returns the noise levels of a location
func (s *QueryService) LocationNoise(ctx context.Context, in NoiseRequest, log *logging.RequestLog) (*NoiseResult, error) {
	started := s.now()

	start := s.bound("start", in.Start, log)
	end := s.bound("end", in.End, log)

	if repository.Granularity(in.Granularity) == repository.GranularityLifetime {
		summary, err := s.store.LifetimeSummary(ctx, in.LocationID, start, end)
		if err != nil {
			return nil, persistenceError("Could not query measurements.", err)
		}
		return &NoiseResult{
			Measurements: []LifetimeView{s.lifetimeView(summary)},
			QueryTime:    s.since(started),
		}, nil
	}

	granularity := repository.GranularityRaw
	if repository.Granularity(in.Granularity) == repository.GranularityHourly {
		granularity = repository.GranularityHourly
	}

	rows, err := s.store.QueryNoise(ctx, repository.NoiseQuery{
		LocationID:  in.LocationID,
		Start:       start,
		End:         end,
		Granularity: granularity,
		Offset:      Offset(in.Page),
		Limit:       PageSize,
	})
	if err != nil {
		return nil, persistenceError("Could not query measurements.", err)
	}

	views := make([]NoiseView, 0, len(rows))
	for _, r := range rows {
		views = append(views, NoiseView{
			Timestamp: timeparser.Format(r.Timestamp, s.validator.Location()),
			Min:       round(r.Min),
			Max:       round(r.Max),
			Mean:      round(r.Mean),
		})
	}

	return &NoiseResult{Measurements: views, QueryTime: s.since(started)}, nil
}

// bound parses an optional time bound; invalid values are ignored
func (s *QueryService) bound(name string, value *string, log *logging.RequestLog) *time.Time {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	t, err := s.validator.Timestamp(*value)
	if err != nil {
		log.Warning(fmt.Sprintf("Invalid %s (%s) ignored.", name, *value))
		return nil
	}
	return &t
}

func (s *QueryService) lifetimeView(summary *db.LifetimeSummary) LifetimeView {
	view := LifetimeView{Count: summary.Count}
	if summary.Start != nil {
		v := timeparser.Format(*summary.Start, s.validator.Location())
		view.Start = &v
	}
	if summary.End != nil {
		v := timeparser.Format(*summary.End, s.validator.Location())
		view.End = &v
	}
	view.Min = roundPtr(summary.Min)
	view.Max = roundPtr(summary.Max)
	view.Mean = roundPtr(summary.Mean)
	return view
}

func (s *QueryService) since(started time.Time) float64 {
	elapsed := s.now().Sub(started).Seconds()
	v, _ := strconv.ParseFloat(strconv.FormatFloat(elapsed, 'f', 6, 64), 64)
	return v
}

func round(v float64) float64 {
	p := math.Pow(10, roundPrecision)
	return math.Round(v*p) / p
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round(*v)
	return &r
}
