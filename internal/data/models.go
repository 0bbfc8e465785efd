package data

import (
	"time"
)

// RawSubmission represents the JSON body sent to the ingest endpoint before it
// has been validated. Pointer fields let the validator tell a missing field
// apart from a zero value.
type RawSubmission struct {
	RoadState *string       `json:"road_state" validate:"required"`
	AgentData *RawAgentData `json:"agent_data" validate:"required"`
}

type RawAgentData struct {
	UserID        *int64            `json:"user_id" validate:"required"`
	Accelerometer *RawAccelerometer `json:"accelerometer" validate:"required"`
	GPS           *RawGPS           `json:"gps" validate:"required"`
	Timestamp     *string           `json:"timestamp" validate:"required"`
}

type RawAccelerometer struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
	Z *float64 `json:"z" validate:"required"`
}

type RawGPS struct {
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

// CanonicalRecord is a validated telemetry record. Timestamp always carries a
// location; submissions without an offset are interpreted as UTC.
type CanonicalRecord struct {
	AgentID   int64     `json:"user_id" msgpack:"user_id"`
	RoadState string    `json:"road_state" msgpack:"road_state"`
	X         float64   `json:"x" msgpack:"x"`
	Y         float64   `json:"y" msgpack:"y"`
	Z         float64   `json:"z" msgpack:"z"`
	Latitude  float64   `json:"latitude" msgpack:"latitude"`
	Longitude float64   `json:"longitude" msgpack:"longitude"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// StoredRecord is a CanonicalRecord with the identity assigned by the
// datastore. It serializes flat: {id, road_state, user_id, x, ...}.
type StoredRecord struct {
	ID int64 `json:"id" msgpack:"id"`
	CanonicalRecord
}

// Message is the nested form pushed to live listeners. It mirrors the ingest
// body with the timestamp rendered as ISO-8601.
type Message struct {
	RoadState string           `json:"road_state"`
	AgentData MessageAgentData `json:"agent_data"`
}

type MessageAgentData struct {
	UserID        int64         `json:"user_id"`
	Accelerometer Accelerometer `json:"accelerometer"`
	GPS           GPS           `json:"gps"`
	Timestamp     string        `json:"timestamp"`
}

type Accelerometer struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewMessage builds the listener message for a record.
func NewMessage(rec CanonicalRecord) Message {
	return Message{
		RoadState: rec.RoadState,
		AgentData: MessageAgentData{
			UserID: rec.AgentID,
			Accelerometer: Accelerometer{
				X: rec.X,
				Y: rec.Y,
				Z: rec.Z,
			},
			GPS: GPS{
				Latitude:  rec.Latitude,
				Longitude: rec.Longitude,
			},
			Timestamp: rec.Timestamp.Format(time.RFC3339Nano),
		},
	}
}

// Envelope is the structure that gets serialized to Msgpack and pushed onto
// the ingest journal in Redis. It includes metadata enrichment.
type Envelope struct {
	RequestID   string       `msgpack:"request_id"`
	TraceID     string       `msgpack:"trace_id"`
	AgentID     int64        `msgpack:"agent_id"`
	Record      StoredRecord `msgpack:"record"`
	TimestampMs int64        `msgpack:"timestamp_ms"`
}
