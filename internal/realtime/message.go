package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ecolift/internal/auth"
)

var ErrMalformed = errors.New("malformed message")

// Kind tags every frame on the wire as {"type": kind, ...payload}.
type Kind string

// Outbound kinds.
const (
	KindAuthSuccess           Kind = "AUTH_SUCCESS"
	KindAuthError             Kind = "AUTH_ERROR"
	KindError                 Kind = "ERROR"
	KindMessageReceived       Kind = "MESSAGE_RECEIVED"
	KindPickupCreated         Kind = "pickupRequestCreated"
	KindPickupAccepted        Kind = "pickupRequestAccepted"
	KindPickupStatusUpdated   Kind = "pickupStatusUpdated"
	KindPickupCancelled       Kind = "pickupCancelled"
	KindPickupPending         Kind = "pickupPending"
	KindCollectorLocation     Kind = "collectorLocationUpdated"
	KindLocationUpdateSuccess Kind = "LOCATION_UPDATE_SUCCESS"
	KindLocationUpdateError   Kind = "LOCATION_UPDATE_ERROR"
)

// Inbound kinds.
const (
	KindLocationUpdate Kind = "LOCATION_UPDATE"
)

// Event is an outbound frame. Only the fields relevant to Type are set.
type Event struct {
	Type      Kind        `json:"type"`
	UserID    string      `json:"userId,omitempty"`
	Message   string      `json:"message,omitempty"`
	Text      string      `json:"text,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

func AuthSuccess(userID string) Event {
	return Event{Type: KindAuthSuccess, UserID: userID}
}

func AuthError(message string) Event {
	return Event{Type: KindAuthError, Message: message}
}

func ErrorEvent(message string) Event {
	return Event{Type: KindError, Message: message}
}

func MessageReceived(text string, at time.Time) Event {
	if text == "" {
		text = "Message"
	}
	return Event{Type: KindMessageReceived, Text: "Server received: " + text, Timestamp: at.UnixMilli()}
}

// PickupEvent wraps a pickup record in one of the lifecycle kinds.
func PickupEvent(kind Kind, data interface{}) Event {
	return Event{Type: kind, Data: data}
}

func LocationUpdated(err error, at time.Time) Event {
	if err != nil {
		return Event{Type: KindLocationUpdateError, Message: err.Error(), Timestamp: at.UnixMilli()}
	}
	return Event{Type: KindLocationUpdateSuccess, Timestamp: at.UnixMilli()}
}

// Hello is the first frame a client must send.
type Hello struct {
	Token string
	Role  auth.Role
}

func DecodeHello(raw []byte) (Hello, error) {
	var wire struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Token == "" {
		return Hello{}, fmt.Errorf("%w: token is required", ErrMalformed)
	}
	role, err := auth.ParseRole(wire.Role)
	if err != nil {
		return Hello{}, fmt.Errorf("%w: role must be customer or collector", ErrMalformed)
	}
	return Hello{Token: wire.Token, Role: role}, nil
}

// Position is a [longitude, latitude] pair as sent by collectors.
type Position struct {
	Longitude float64
	Latitude  float64
}

// Inbound is a decoded post-handshake frame. Location is set only for
// KindLocationUpdate. On a decode error Type is still set when it could be read.
type Inbound struct {
	Type     Kind
	Location *Position
	Text     string
}

func DecodeInbound(raw []byte) (Inbound, error) {
	var wire struct {
		Type        Kind      `json:"type"`
		Coordinates []float64 `json:"coordinates"`
		MessageText string    `json:"messageText"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	in := Inbound{Type: wire.Type, Text: wire.MessageText}
	if wire.Type == KindLocationUpdate {
		if len(wire.Coordinates) != 2 {
			return Inbound{Type: wire.Type}, fmt.Errorf("%w: coordinates must be [longitude, latitude]", ErrMalformed)
		}
		in.Location = &Position{Longitude: wire.Coordinates[0], Latitude: wire.Coordinates[1]}
	}
	return in, nil
}
