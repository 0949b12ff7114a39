// Package realtimeproto is the wire contract shared by the realtime gateway and its clients.
package realtimeproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Version     = 1
	Subprotocol = "rentcar.realtime.v1"

	// TokenParam carries the access token on the handshake URL.
	TokenParam = "token"
)

// Client -> server.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server -> client.
const (
	TypeEvent      = "event"
	TypeSubscribed = "subscribed"
	TypePong       = "pong"
	TypeError      = "error"
)

var AllowedTypes = map[string]struct{}{
	TypeSubscribe:   {},
	TypeUnsubscribe: {},
	TypePing:        {},
	TypeEvent:       {},
	TypeSubscribed:  {},
	TypePong:        {},
	TypeError:       {},
}

// CloseServerDisconnect is sent when the server ends a connection whose credential is no longer
// current (superseded or revoked). Clients reconnect immediately.
const CloseServerDisconnect = 4000

// Topic prefixes.
const (
	TopicUserPrefix   = "user:"
	TopicPublicPrefix = "public:"
)

// UserTopic is the private topic of one principal.
func UserTopic(principalID string) string { return TopicUserPrefix + principalID }

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// NewEnvelope marshals payload into a versioned envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

type TopicPayload struct {
	Topic string `json:"topic"`
}

// Normalize trims the topic and rejects empty or oversized names.
func (p TopicPayload) Normalize() (string, error) {
	t := strings.TrimSpace(p.Topic)
	if t == "" {
		return "", errors.New("missing topic")
	}
	if len(t) > 200 {
		return "", errors.New("topic too long")
	}
	return t, nil
}

type EventPayload struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type PingPayload struct{}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
