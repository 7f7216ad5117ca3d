package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventAddPeer tags presence notifications produced by announce.
const EventAddPeer = "add-peer"

// ErrMalformedMessage is returned when a message body cannot be relayed.
var ErrMalformedMessage = errors.New("malformed message")

// AddPeer tells a connection that peer exists. Exactly one side of each pair
// is polite: the announcing connection, toward every incumbent.
type AddPeer struct {
	Event  string `json:"event"`
	Peer   string `json:"peer"`
	Polite bool   `json:"polite"`
}

// Relayed is the payload delivered to the destination of a message.
// Peer is always the sending connection as seen by the gateway.
type Relayed struct {
	Peer  string          `json:"peer"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MessageRequest is the inbound body of the message route.
type MessageRequest struct {
	Event        string
	Data         json.RawMessage
	ConnectionID string
}

type messageBody struct {
	Event        *string         `json:"event"`
	Data         json.RawMessage `json:"data"`
	ConnectionID *string         `json:"connectionId"`
}

// ParseMessageRequest decodes a message body. event, data and connectionId
// must all be present; data may be any JSON value including null.
func ParseMessageRequest(body string) (*MessageRequest, error) {
	var raw messageBody
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case raw.Event == nil:
		return nil, fmt.Errorf("%w: missing key %q", ErrMalformedMessage, "event")
	case len(raw.Data) == 0:
		return nil, fmt.Errorf("%w: missing key %q", ErrMalformedMessage, "data")
	case raw.ConnectionID == nil:
		return nil, fmt.Errorf("%w: missing key %q", ErrMalformedMessage, "connectionId")
	case *raw.ConnectionID == "":
		return nil, fmt.Errorf("%w: empty %q", ErrMalformedMessage, "connectionId")
	}

	return &MessageRequest{
		Event:        *raw.Event,
		Data:         raw.Data,
		ConnectionID: *raw.ConnectionID,
	}, nil
}
