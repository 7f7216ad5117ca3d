package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Events exchanged between peers through the relay
const (
	EventAddPeer     = "add-peer"
	EventDescription = "description"
	EventCandidate   = "candidate"
)

// Message is one inbound frame. Relay frames carry Peer/Event/Data,
// add-peer frames carry Peer/Polite, and gateway error frames carry Error.
type Message struct {
	Event     string          `json:"event,omitempty"`
	Peer      string          `json:"peer,omitempty"`
	Polite    *bool           `json:"polite,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"message,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Description decodes Data as an SDP offer or answer
func (m *Message) Description() (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(m.Data, &desc); err != nil {
		return desc, fmt.Errorf("decode description from %s: %w", m.Peer, err)
	}
	return desc, nil
}

// Candidate decodes Data as an ICE candidate
func (m *Message) Candidate() (webrtc.ICECandidateInit, error) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Data, &cand); err != nil {
		return cand, fmt.Errorf("decode candidate from %s: %w", m.Peer, err)
	}
	return cand, nil
}

// outboundMessage is what the relay's message route expects
type outboundMessage struct {
	Action       string `json:"action"`
	Event        string `json:"event"`
	Data         any    `json:"data"`
	ConnectionID string `json:"connectionId"`
}

// MessageHandler handles a relayed message for one event
type MessageHandler func(ctx context.Context, msg *Message) error

// PeerHandler is called when the relay introduces a peer
type PeerHandler func(ctx context.Context, peer string, polite bool) error

// OnConnectHandler is called after every successful (re)connection
type OnConnectHandler func(ctx context.Context) error
