// Package decoder turns raw broker payloads into validated telemetry samples.
//
// Payloads are read as untyped JSON and checked field by field; the wire shape
// is never trusted directly. Decode has no state and no side effects.
package decoder

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alimk/seizuresafe/pkg/models"
)

// MaxPayloadBytes bounds a single inbound message.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Wire field names.
const (
	FieldHeartRate         = "heart_rate"
	FieldPreviousHeartRate = "previous_heart_rate"
	FieldFallDetected      = "fall_detected"
	FieldSeizureDetected   = "seizure_detected"
	FieldTimestamp         = "timestamp"
	FieldBattery           = "battery"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed telemetry")

// DecodeError names the offending field, if any.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrMalformed, e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

func malformed(field, format string, args ...any) error {
	return &DecodeError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Warning reports an optional field that was present but unusable. The
// field falls back to its default and the sample is still accepted.
type Warning struct {
	Field  string
	Reason string
}

func (w Warning) String() string { return w.Field + ": " + w.Reason }

// Decode parses payload, which arrived on topic at receivedAt, into a
// sample. It returns either a complete valid sample or an error wrapping
// ErrMalformed; never both. Only the envelope and heart_rate can reject a
// payload; see DecodeWithWarnings for what was ignored.
func Decode(payload []byte, topic string, receivedAt time.Time) (models.TelemetrySample, error) {
	s, _, err := DecodeWithWarnings(payload, topic, receivedAt)
	return s, err
}

// DecodeWithWarnings is Decode plus the list of optional fields that were
// replaced by their defaults.
func DecodeWithWarnings(payload []byte, topic string, receivedAt time.Time) (models.TelemetrySample, []Warning, error) {
	if len(payload) == 0 {
		return models.TelemetrySample{}, nil, malformed("", "empty payload")
	}
	if len(payload) > MaxPayloadBytes {
		return models.TelemetrySample{}, nil, malformed("", "payload of %d bytes exceeds %d", len(payload), MaxPayloadBytes)
	}
	if !gjson.ValidBytes(payload) {
		return models.TelemetrySample{}, nil, malformed("", "not valid JSON")
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return models.TelemetrySample{}, nil, malformed("", "expected a JSON object")
	}

	hr := root.Get(FieldHeartRate)
	if !hr.Exists() || hr.Type == gjson.Null {
		return models.TelemetrySample{}, nil, malformed(FieldHeartRate, "missing")
	}
	heartRate, err := number(FieldHeartRate, hr)
	if err != nil {
		return models.TelemetrySample{}, nil, err
	}
	if heartRate <= 0 {
		return models.TelemetrySample{}, nil, malformed(FieldHeartRate, "must be positive, got %v", heartRate)
	}

	var warnings []Warning
	ignore := func(err error) {
		var de *DecodeError
		if errors.As(err, &de) {
			warnings = append(warnings, Warning{Field: de.Field, Reason: de.Reason})
		}
	}

	previous, err := optionalNumber(FieldPreviousHeartRate, root.Get(FieldPreviousHeartRate))
	if err != nil {
		ignore(err)
	}
	battery, err := optionalNumber(FieldBattery, root.Get(FieldBattery))
	if err != nil {
		ignore(err)
	}
	if battery.Valid && (battery.Value < 0 || battery.Value > 100) {
		ignore(malformed(FieldBattery, "out of range [0, 100], got %v", battery.Value))
		battery = models.OptionalFloat{}
	}

	fall, err := flag(FieldFallDetected, root.Get(FieldFallDetected))
	if err != nil {
		ignore(err)
	}
	seizure, err := flag(FieldSeizureDetected, root.Get(FieldSeizureDetected))
	if err != nil {
		ignore(err)
	}

	tsField := root.Get(FieldTimestamp)
	ts, err := timestamp(tsField, receivedAt)
	raw := ""
	if err != nil {
		ignore(err)
		ts = receivedAt
		raw = tsField.String()
	}

	sample := models.TelemetrySample{
		HeartRateBPM:         heartRate,
		PreviousHeartRateBPM: previous,
		FallDetected:         fall,
		SeizureDetected:      seizure,
		Timestamp:            ts,
		TimestampRaw:         raw,
		BatteryPercent:       battery,
		Topic:                topic,
		ReceivedAt:           receivedAt,
	}
	if err := sample.Validate(); err != nil {
		return models.TelemetrySample{}, nil, malformed("", "%v", err)
	}
	return sample, warnings, nil
}

// number accepts JSON numbers and numeric-looking strings.
func number(field string, r gjson.Result) (float64, error) {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, malformed(field, "not numeric: %q", r.Str)
		}
		v = f
	default:
		return 0, malformed(field, "not numeric: %s", r.Raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, malformed(field, "not finite")
	}
	return v, nil
}

func optionalNumber(field string, r gjson.Result) (models.OptionalFloat, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return models.OptionalFloat{}, nil
	}
	v, err := number(field, r)
	if err != nil {
		return models.OptionalFloat{}, err
	}
	return models.Some(v), nil
}

// flag accepts JSON booleans, 0/1, and their string forms. Absent is false.
func flag(field string, r gjson.Result) (bool, error) {
	switch r.Type {
	case gjson.Null:
		return false, nil
	case gjson.True:
		return true, nil
	case gjson.False:
		return false, nil
	case gjson.Number:
		switch r.Num {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(r.Str)) {
		case "true", "1":
			return true, nil
		case "false", "0", "":
			return false, nil
		}
	}
	return false, malformed(field, "not a boolean: %s", r.Raw)
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

const clockLayout = "15:04:05"

// timestamp resolves the producer timestamp. Absent, null, and empty values
// fall back to the receipt instant.
func timestamp(r gjson.Result, receivedAt time.Time) (time.Time, error) {
	switch r.Type {
	case gjson.Null:
		return receivedAt, nil
	case gjson.Number:
		return epoch(r.Num)
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return receivedAt, nil
		}
		return parseTimestamp(s, receivedAt)
	}
	return time.Time{}, malformed(FieldTimestamp, "unsupported value: %s", r.Raw)
}

func parseTimestamp(s string, receivedAt time.Time) (time.Time, error) {
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	loc := receivedAt.Location()
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation(clockLayout, s, loc); err == nil {
		return onReceiptDay(t, receivedAt), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epoch(f)
	}
	return time.Time{}, malformed(FieldTimestamp, "unrecognized format: %q", s)
}

// onReceiptDay places a wall-clock time on the day it was received. A time
// more than 12h ahead of receipt belongs to the previous day (a reading sent
// just before midnight and received just after).
func onReceiptDay(clock, receivedAt time.Time) time.Time {
	y, m, d := receivedAt.Date()
	t := time.Date(y, m, d, clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), receivedAt.Location())
	if t.Sub(receivedAt) > 12*time.Hour {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// maxEpochMillis is 9999-12-31T23:59:59.999Z.
const maxEpochMillis = 253402300799999

// epoch reads unix seconds, or milliseconds when the value is too large to be
// seconds.
func epoch(v float64) (time.Time, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v > maxEpochMillis {
		return time.Time{}, malformed(FieldTimestamp, "invalid epoch value %v", v)
	}
	if v >= 1e12 {
		ms := int64(v)
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
