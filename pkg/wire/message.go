// Package wire defines the message envelope exchanged between the two
// device processes over every delivery channel. The envelope is a small
// JSON object discriminated by the "type" field; payload fields use
// epoch seconds for instants, never local-time strings.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type дискриминирует сообщения в envelope.
type Type string

// Message types understood by the reconciliation engine.
const (
	TypeSetTime           Type = "setTime"
	TypeClearTime         Type = "clearTime"
	TypeFlightUpdate      Type = "flightUpdate"
	TypeStartDuty         Type = "startDuty"
	TypeEndDuty           Type = "endDuty"
	TypeDutyStatus        Type = "dutyStatus"
	TypeRequestNextLeg    Type = "requestNextLeg"
	TypeAddNewLeg         Type = "addNewLeg"
	TypeRequestFlightData Type = "requestFlightData"
	TypeRequestDutyStatus Type = "requestDutyStatus"
	TypeLocationUpdate    Type = "locationUpdate"
	TypePing              Type = "ping"
	TypeClearTrip         Type = "clearTrip"
	TypeTripDeleted       Type = "tripDeleted"
	TypeTripEnded         Type = "tripEnded"
	TypeFBOAlert          Type = "fboAlert"
)

// knownTypes перечисляет все типы, которые движок умеет обрабатывать.
var knownTypes = map[Type]struct{}{
	TypeSetTime:           {},
	TypeClearTime:         {},
	TypeFlightUpdate:      {},
	TypeStartDuty:         {},
	TypeEndDuty:           {},
	TypeDutyStatus:        {},
	TypeRequestNextLeg:    {},
	TypeAddNewLeg:         {},
	TypeRequestFlightData: {},
	TypeRequestDutyStatus: {},
	TypeLocationUpdate:    {},
	TypePing:              {},
	TypeClearTrip:         {},
	TypeTripDeleted:       {},
	TypeTripEnded:         {},
	TypeFBOAlert:          {},
}

// Known reports whether the type is one the engine understands.
// Unknown inbound types are logged and dropped, never treated as faults.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Terminal reports whether the type ends the active trip and triggers a
// full local clear of trip and duty state.
func (t Type) Terminal() bool {
	return t == TypeClearTrip || t == TypeTripDeleted || t == TypeTripEnded
}

// Message is the envelope carried on all three transport channels.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope of the given type.
// Передавайте nil payload для сообщений без тела (ping, clearTrip и т.д.).
func NewMessage(t Type, payload any) (Message, error) {
	m := Message{Type: t}
	if payload == nil {
		return m, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	m.Payload = data
	return m, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode serializes the envelope for transport.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode parses an envelope received from the peer. A message with an
// unrecognized type still decodes successfully; callers check Type.Known.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return m, nil
}

// EpochToTime converts optional epoch seconds into an optional UTC instant.
func EpochToTime(epoch *int64) *time.Time {
	if epoch == nil {
		return nil
	}
	t := time.Unix(*epoch, 0).UTC()
	return &t
}

// TimeToEpoch converts an optional instant into optional epoch seconds.
func TimeToEpoch(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}
