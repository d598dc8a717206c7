// Package pusher implements a Pusher protocol v7 client over a single
// WebSocket: handshake, activity ping/pong, close-code reconnect policy,
// and per-channel event dispatch.
package pusher

import (
	"encoding/json"
	"fmt"
)

// Protocol event names.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventError                 = "pusher:error"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
)

// Frame is one protocol message. Data is either a JSON value or a JSON
// string holding encoded JSON; DataBytes unwraps both.
type Frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// DataBytes returns the frame payload with the double encoding removed.
func (f Frame) DataBytes() ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, nil
	}
	if f.Data[0] != '"' {
		return f.Data, nil
	}
	var inner string
	if err := json.Unmarshal(f.Data, &inner); err != nil {
		return nil, fmt.Errorf("unwrapping %s payload: %w", f.Event, err)
	}
	return []byte(inner), nil
}

// connectionEstablished is the handshake payload.
type connectionEstablished struct {
	SocketID        string  `json:"socket_id"`
	ActivityTimeout float64 `json:"activity_timeout"`
}

// protocolError is the pusher:error payload.
type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// subscribeData is the pusher:subscribe payload.
type subscribeData struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

// unsubscribeData is the pusher:unsubscribe payload.
type unsubscribeData struct {
	Channel string `json:"channel"`
}

func marshalFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
