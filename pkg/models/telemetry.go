package models

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// OptionalFloat is a float that may be absent. It is a plain value so a copied
// TelemetrySample never shares state with the original.
type OptionalFloat struct {
	Value float64
	Valid bool
}

// Some returns a present OptionalFloat.
func Some(v float64) OptionalFloat {
	return OptionalFloat{Value: v, Valid: true}
}

// MarshalJSON encodes an absent value as null.
func (o OptionalFloat) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// TelemetrySample is one decoded, validated reading from the bracelet.
// Samples are values: once built by the decoder they are never mutated.
type TelemetrySample struct {
	HeartRateBPM         float64       `json:"heart_rate"`
	PreviousHeartRateBPM OptionalFloat `json:"previous_heart_rate"`
	FallDetected         bool          `json:"fall_detected"`
	SeizureDetected      bool          `json:"seizure_detected"`
	Timestamp            time.Time     `json:"timestamp"`
	// TimestampRaw keeps a producer timestamp that could not be parsed;
	// Timestamp then holds the receipt instant.
	TimestampRaw         string        `json:"timestamp_raw,omitempty"`
	BatteryPercent       OptionalFloat `json:"battery"`
	Topic                string        `json:"topic"`
	ReceivedAt           time.Time     `json:"received_at"`
}

// Validate checks the invariants every sample handed to the rest of the
// client must satisfy. It does not touch time.Now(); ReceivedAt is supplied
// by the caller.
func (s TelemetrySample) Validate() error {
	if math.IsNaN(s.HeartRateBPM) || math.IsInf(s.HeartRateBPM, 0) {
		return errors.New("heart_rate must be finite")
	}
	if s.HeartRateBPM <= 0 {
		return errors.New("heart_rate must be positive")
	}
	if s.PreviousHeartRateBPM.Valid {
		v := s.PreviousHeartRateBPM.Value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("previous_heart_rate must be finite")
		}
	}
	if s.BatteryPercent.Valid {
		v := s.BatteryPercent.Value
		if math.IsNaN(v) || v < 0 || v > 100 {
			return errors.New("battery out of range [0, 100]")
		}
	}
	if s.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if s.ReceivedAt.IsZero() {
		return errors.New("received_at is required")
	}
	return nil
}

// HeartRateChange is the producer-reported change against the previous
// reading, if the bracelet sent one.
func (s TelemetrySample) HeartRateChange() (float64, bool) {
	if !s.PreviousHeartRateBPM.Valid {
		return 0, false
	}
	return s.HeartRateBPM - s.PreviousHeartRateBPM.Value, true
}

// TelemetryMessage is the wire shape the bracelet publishes. Only the
// simulator encodes it; inbound payloads go through the decoder instead of
// being unmarshalled into this struct.
type TelemetryMessage struct {
	HeartRate         float64  `json:"heart_rate"`
	PreviousHeartRate *float64 `json:"previous_heart_rate,omitempty"`
	FallDetected      bool     `json:"fall_detected"`
	SeizureDetected   bool     `json:"seizure_detected"`
	Timestamp         string   `json:"timestamp,omitempty"`
	Battery           *float64 `json:"battery,omitempty"`
}
