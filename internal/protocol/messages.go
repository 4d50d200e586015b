// Package protocol defines the alarm websocket envelope, its payload variants
// and the validating decoder used for every inbound frame.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the envelope payload.
type MessageType string

// Message types (server → client)
const (
	TypeAlarmState MessageType = "alarm_state"
	TypeEvent      MessageType = "event"
	TypeCountdown  MessageType = "countdown"
	TypeHealth     MessageType = "health" // accepted, no consumer yet
)

// Envelope is the raw wire form of every websocket message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
}

// Message is a decoded, validated envelope.
type Message struct {
	Type      MessageType
	Timestamp time.Time
	Sequence  int64
	Payload   Payload
}

// NewEnvelope wraps payload into an envelope stamped with now.
func NewEnvelope(msgType MessageType, sequence int64, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Sequence:  sequence,
		Payload:   data,
	}, nil
}

// Encode marshals payload into a ready-to-send frame.
func Encode(msgType MessageType, sequence int64, payload any) ([]byte, error) {
	env, err := NewEnvelope(msgType, sequence, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// AlarmState returns the alarm_state payload, if that is what m carries.
func (m Message) AlarmState() (AlarmStatePayload, bool) {
	p, ok := m.Payload.(AlarmStatePayload)
	return p, ok
}

// Event returns the event payload, if that is what m carries.
func (m Message) Event() (AlarmEvent, bool) {
	p, ok := m.Payload.(EventPayload)
	return p.Event, ok
}

// Countdown returns the countdown payload, if that is what m carries.
func (m Message) Countdown() (Countdown, bool) {
	p, ok := m.Payload.(CountdownPayload)
	return p.Countdown, ok
}

// Health returns the health payload, if that is what m carries.
func (m Message) Health() (HealthPayload, bool) {
	p, ok := m.Payload.(HealthPayload)
	return p, ok
}
