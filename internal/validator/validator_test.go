package validator_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/tracket-noise-api/internal/validator"
)

const testTimestampToleranceMinutes = 10080

func newValidator(t *testing.T) *validator.Validator {
	t.Helper()
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)
	return validator.NewValidator(testTimestampToleranceMinutes, loc)
}

func TestNumeric(t *testing.T) {
	valid := map[string]float64{
		"45":      45,
		"45.25":   45.25,
		" 45.5 ":  45.5,
		"-3":      -3,
		".5":      0.5,
		"1e2":     100,
		"+12.000": 12,
	}
	for input, expected := range valid {
		value, ok := validator.Numeric(input)
		assert.True(t, ok, "input %q", input)
		assert.Equal(t, expected, value, "input %q", input)
	}

	for _, input := range []string{"", "abc", "0x1A", "NaN", "Inf", "1,5", "12dB", "1e999"} {
		_, ok := validator.Numeric(input)
		assert.False(t, ok, "input %q", input)
	}
}

func TestVersion(t *testing.T) {
	for _, input := range []string{"1.2.3", "10.20.30", "v0.9.12-beta", "12345.1.99999"} {
		_, ok := validator.Version(input)
		assert.True(t, ok, "input %q", input)
	}
	for _, input := range []string{"", "1.2", "one.two.three", "1-2-3"} {
		_, ok := validator.Version(input)
		assert.False(t, ok, "input %q", input)
	}
}

func TestUptime_FromBoottime(t *testing.T) {
	v := newValidator(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	uptime, source := v.Uptime("2024-06-01T11:00:00Z", now)

	assert.Equal(t, validator.UptimeFromBoottime, source)
	assert.Equal(t, int64(3600), uptime)
}

func TestUptime_FromSeconds(t *testing.T) {
	v := newValidator(t)

	uptime, source := v.Uptime("86400", time.Now())

	assert.Equal(t, validator.UptimeFromSeconds, source)
	assert.Equal(t, int64(86400), uptime)
}

func TestUptime_Invalid(t *testing.T) {
	v := newValidator(t)

	for _, input := range []string{"-5", "yesterday", ""} {
		_, source := v.Uptime(input, time.Now())
		assert.Equal(t, validator.UptimeInvalid, source, "input %q", input)
	}
}

func TestTimestamp_NormalizedToStorageZone(t *testing.T) {
	v := newValidator(t)

	ts, err := v.Timestamp("2024-01-15 17:30:00")
	require.NoError(t, err)

	assert.Equal(t, "America/Toronto", ts.Location().String())
	assert.Equal(t, 12, ts.Hour())
}

func TestWithinTolerance(t *testing.T) {
	v := newValidator(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, v.WithinTolerance(now.Add(-6*24*time.Hour), now))
	assert.False(t, v.WithinTolerance(now.Add(-8*24*time.Hour), now))
}

func TestEmail(t *testing.T) {
	for _, input := range []string{"user@example.com", "first.last+tag@sub.example.org"} {
		assert.True(t, validator.Email(input), "input %q", input)
	}
	for _, input := range []string{"", "user", "user@", "@example.com", "Name <user@example.com>", "user@localhost"} {
		assert.False(t, validator.Email(input), "input %q", input)
	}
}

func TestScalarText(t *testing.T) {
	cases := []struct {
		raw      string
		expected string
		ok       bool
	}{
		{`"45.2"`, "45.2", true},
		{`45.2`, "45.2", true},
		{`-1e3`, "-1e3", true},
		{`null`, "", false},
		{`true`, "", false},
		{`{"a":1}`, "", false},
		{`[1]`, "", false},
	}
	for _, tc := range cases {
		text, ok := validator.ScalarText(json.RawMessage(tc.raw))
		assert.Equal(t, tc.ok, ok, "raw %s", tc.raw)
		assert.Equal(t, tc.expected, text, "raw %s", tc.raw)
	}
}
