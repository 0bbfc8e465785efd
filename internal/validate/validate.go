// Package validate turns untrusted telemetry submissions into canonical
// records. Everything here is a pure function of its input.
package validate

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"

	"roadwatch/internal/data"
)

// Kind classifies a validation failure.
type Kind int

const (
	KindMalformedBody Kind = iota
	KindMalformedField
	KindInvalidTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindMalformedBody:
		return "malformed_body"
	case KindMalformedField:
		return "malformed_field"
	case KindInvalidTimestamp:
		return "invalid_timestamp"
	default:
		return "unknown"
	}
}

// Error is returned for every rejected submission. Field is the JSON path of
// the offending field, Value the raw timestamp for KindInvalidTimestamp.
type Error struct {
	Kind  Kind
	Field string
	Value string
	Err   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMalformedField:
		return fmt.Sprintf("malformed field %q", e.Field)
	case KindInvalidTimestamp:
		return fmt.Sprintf("invalid timestamp %q: expected ISO 8601 format (YYYY-MM-DDTHH:MM:SS[.ffffff][Z|±HH:MM])", e.Value)
	default:
		if e.Err != nil {
			return fmt.Sprintf("malformed body: %s", e.Err.Error())
		}
		return "malformed body"
	}
}

func (e *Error) Unwrap() error { return e.Err }

var structValidator *validator.Validate

// A single validator instance is used, because it caches struct parsing.
func init() {
	structValidator = validator.New()
	structValidator.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode reads a JSON submission. Syntax errors are reported as
// KindMalformedBody, values of the wrong JSON type as KindMalformedField.
func Decode(r io.Reader) (data.RawSubmission, error) {
	var raw data.RawSubmission
	dec := json.NewDecoder(r)
	err := dec.Decode(&raw)
	if err == nil {
		// The body must hold exactly one JSON value.
		if err := dec.Decode(&struct{}{}); !xerrors.Is(err, io.EOF) {
			if err == nil {
				err = xerrors.New("unexpected data after JSON value")
			}
			return data.RawSubmission{}, &Error{Kind: KindMalformedBody, Err: err}
		}
		return raw, nil
	}
	var typeErr *json.UnmarshalTypeError
	if xerrors.As(err, &typeErr) {
		return data.RawSubmission{}, &Error{Kind: KindMalformedField, Field: typeErr.Field, Err: err}
	}
	return data.RawSubmission{}, &Error{Kind: KindMalformedBody, Err: err}
}

// Record validates raw and returns its canonical form.
func Record(raw data.RawSubmission) (data.CanonicalRecord, error) {
	err := structValidator.Struct(raw)
	var fieldErrs validator.ValidationErrors
	if xerrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return data.CanonicalRecord{}, &Error{
			Kind:  KindMalformedField,
			Field: fieldPath(fieldErrs[0].Namespace()),
			Err:   err,
		}
	}
	if err != nil {
		return data.CanonicalRecord{}, &Error{Kind: KindMalformedBody, Err: err}
	}

	agent := raw.AgentData
	floats := []struct {
		field string
		value float64
	}{
		{"agent_data.accelerometer.x", *agent.Accelerometer.X},
		{"agent_data.accelerometer.y", *agent.Accelerometer.Y},
		{"agent_data.accelerometer.z", *agent.Accelerometer.Z},
		{"agent_data.gps.latitude", *agent.GPS.Latitude},
		{"agent_data.gps.longitude", *agent.GPS.Longitude},
	}
	for _, f := range floats {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return data.CanonicalRecord{}, &Error{Kind: KindMalformedField, Field: f.field}
		}
	}

	ts, err := ParseTimestamp(*agent.Timestamp)
	if err != nil {
		return data.CanonicalRecord{}, &Error{
			Kind:  KindInvalidTimestamp,
			Field: "agent_data.timestamp",
			Value: *agent.Timestamp,
			Err:   err,
		}
	}

	return data.CanonicalRecord{
		AgentID:   *agent.UserID,
		RoadState: *raw.RoadState,
		X:         *agent.Accelerometer.X,
		Y:         *agent.Accelerometer.Y,
		Z:         *agent.Accelerometer.Z,
		Latitude:  *agent.GPS.Latitude,
		Longitude: *agent.GPS.Longitude,
		Timestamp: ts,
	}, nil
}

// fieldPath drops the root struct name from a validator namespace such as
// "RawSubmission.agent_data.gps.latitude".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// Layouts accepted by ParseTimestamp, tried in order. Fractional seconds are
// optional in Go layouts when written as ".999999999". Offsets may be written
// with or without the colon, and the ISO 8601 basic format (no "-" or ":"
// separators) is accepted alongside the extended one.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04",
	"2006-01-02T15Z07:00",
	"2006-01-02T15Z0700",
	"2006-01-02T15",
	"2006-01-02",
	"20060102T150405.999999999Z07:00",
	"20060102T150405.999999999Z0700",
	"20060102T150405.999999999",
	"20060102T1504Z07:00",
	"20060102T1504Z0700",
	"20060102T1504",
	"20060102",
}

// ParseTimestamp parses an ISO-8601 date or date-time. A space may replace
// the "T" separator. Values without an offset are taken to be UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, xerrors.Errorf("parse %q as ISO 8601", s)
}
