package validator

import (
	"bytes"
	"encoding/json"
	"math"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/tracket-noise-api/tools/timeparser"
)

var (
	numericPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	// versions are accepted loosely: any run of digits.digits.digits
	versionPattern = regexp.MustCompile(`\d{1,5}\.\d{1,5}\.\d{1,5}`)
)

// UptimeSource says how an uptime value was derived from a boottime parameter
type UptimeSource int

const (
	UptimeInvalid UptimeSource = iota
	UptimeFromBoottime
	UptimeFromSeconds
)

// Validator handles field validation for device submitted values
type Validator struct {
	timestampToleranceMinutes int
	location                  *time.Location
}

// NewValidator creates a new validator. Parsed timestamps are normalized to loc.
func NewValidator(timestampToleranceMinutes int, loc *time.Location) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
		location:                  loc,
	}
}

// Location returns the storage timezone used for normalization
func (v *Validator) Location() *time.Location {
	return v.location
}

// Timestamp parses a measurement or query timestamp into the storage timezone
func (v *Validator) Timestamp(value string) (time.Time, error) {
	return timeparser.ParseTimestamp(value, v.location)
}

// WithinTolerance reports whether ts is close enough to receivedAt to be plausible
func (v *Validator) WithinTolerance(ts, receivedAt time.Time) bool {
	if v.timestampToleranceMinutes <= 0 {
		return true
	}
	return timeparser.IsWithinTolerance(ts, receivedAt, v.timestampToleranceMinutes)
}

// ToleranceMinutes returns the configured plausibility window
func (v *Validator) ToleranceMinutes() int {
	return v.timestampToleranceMinutes
}

// Numeric parses a decimal number, rejecting hex, infinities and NaN.
func Numeric(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if !numericPattern.MatchString(value) {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Version returns the version when it contains a digits.digits.digits run
func Version(value string) (string, bool) {
	if value == "" || !versionPattern.MatchString(value) {
		return "", false
	}
	return value, true
}

// Uptime derives uptime seconds from a boottime value, which is either an
// absolute timestamp or a non-negative number of seconds.
func (v *Validator) Uptime(boottime string, now time.Time) (int64, UptimeSource) {
	if ts, err := timeparser.ParseTimestamp(boottime, v.location); err == nil {
		return int64(now.Sub(ts) / time.Second), UptimeFromBoottime
	}
	if seconds, ok := Numeric(boottime); ok && seconds >= 0 {
		return int64(seconds), UptimeFromSeconds
	}
	return 0, UptimeInvalid
}

// Email reports whether value is a single bare email address
func Email(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		return false
	}
	at := strings.LastIndex(value, "@")
	return at > 0 && strings.Contains(value[at+1:], ".")
}

// ScalarText returns the textual form of a JSON string or number.
// Other JSON kinds (null, bool, object, array) are rejected.
func ScalarText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}
