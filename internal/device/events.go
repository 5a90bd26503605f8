// internal/device/events.go
package device

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a domain event on the notification surface. Domain
// events describe semantic changes; raw transport artifacts never leave the
// session loop.
type EventType string

// Domain event types.
const (
	EventNoteInserted   EventType = "note_inserted"
	EventNoteAccepted   EventType = "note_accepted"
	EventNoteRejected   EventType = "note_rejected"
	EventNoteReturned   EventType = "note_returned"
	EventDeviceEnabled  EventType = "device_enabled"
	EventDeviceDisabled EventType = "device_disabled"
	EventDeviceOnline   EventType = "device_online"
	EventDeviceOffline  EventType = "device_offline"
	EventDeviceFailed   EventType = "device_failed"
	EventFraudDetected  EventType = "fraud_detected"
	EventJamDetected    EventType = "jam_detected"
	EventStackerFull    EventType = "stacker_full"
)

// Event is one domain event as published on the event bus.
type Event struct {
	DeviceID  string          `json:"device_id"`
	Type      EventType       `json:"type"`
	Channel   int             `json:"channel,omitempty"`
	Value     decimal.Decimal `json:"value,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel describes one denomination channel from the device's setup data.
type Channel struct {
	Number   int             `json:"number"`
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
	Enabled  bool            `json:"enabled"`
}
