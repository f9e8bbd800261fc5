package model

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownEvent is returned by ParseInbound for event names clients may not send.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMissingField is returned when a required field is absent or empty.
	ErrMissingField = errors.New("missing required field")
)

// An Inbound is an event received from a client.
type Inbound interface {
	Event() string
	// Validate reports whether all required fields are present.
	Validate() error
}

var inboundMessages = map[string]func() Inbound{
	EventJoin:                    func() Inbound { return &JoinRequest{} },
	EventPart:                    func() Inbound { return &PartRequest{} },
	EventRelayICECandidate:       func() Inbound { return &RelayICECandidateRequest{} },
	EventRelaySessionDescription: func() Inbound { return &RelaySessionDescriptionRequest{} },
}

// ParseInbound decodes a framed client event.
// The result is one of *JoinRequest, *PartRequest,
// *RelayICECandidateRequest or *RelaySessionDescriptionRequest.
func ParseInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "Decode envelope")
	}

	newMSG, ok := inboundMessages[env.Event]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEvent, "%q", env.Event)
	}
	msg := newMSG()
	if len(env.Data) != 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, errors.Wrapf(err, "Decode %s", env.Event)
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, errors.Wrap(err, env.Event)
	}
	return msg, nil
}

// JoinRequest is received when a client wishes to join a channel.
// Userdata is accepted but never interpreted or forwarded.
type JoinRequest struct {
	Channel  string          `json:"channel"`
	Userdata json.RawMessage `json:"userdata,omitempty"`
}

// Event gets this JoinRequest's event name.
func (JoinRequest) Event() string {
	return EventJoin
}

// Validate checks that a channel was named.
func (req JoinRequest) Validate() error {
	if req.Channel == "" {
		return errors.Wrap(ErrMissingField, "channel")
	}
	return nil
}

// PartRequest is received when a client wishes to leave a channel.
type PartRequest struct {
	Channel string `json:"channel"`
}

// Event gets this PartRequest's event name.
func (PartRequest) Event() string {
	return EventPart
}

// Validate checks that a channel was named.
func (req PartRequest) Validate() error {
	if req.Channel == "" {
		return errors.Wrap(ErrMissingField, "channel")
	}
	return nil
}

// UnmarshalJSON accepts either {"channel": "name"} or a bare "name".
func (req *PartRequest) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &req.Channel)
	}
	type partRequest PartRequest
	return json.Unmarshal(data, (*partRequest)(req))
}

// RelayICECandidateRequest asks the relay to forward a candidate to PeerID.
// The candidate is opaque; a null candidate is forwarded as is.
type RelayICECandidateRequest struct {
	PeerID       PeerID          `json:"peer_id"`
	ICECandidate json.RawMessage `json:"ice_candidate"`
}

// Event gets this RelayICECandidateRequest's event name.
func (RelayICECandidateRequest) Event() string {
	return EventRelayICECandidate
}

// Validate checks that a target peer was named.
func (req RelayICECandidateRequest) Validate() error {
	if req.PeerID == "" {
		return errors.Wrap(ErrMissingField, "peer_id")
	}
	return nil
}

// RelaySessionDescriptionRequest asks the relay to forward a session description to PeerID.
type RelaySessionDescriptionRequest struct {
	PeerID             PeerID          `json:"peer_id"`
	SessionDescription json.RawMessage `json:"session_description"`
}

// Event gets this RelaySessionDescriptionRequest's event name.
func (RelaySessionDescriptionRequest) Event() string {
	return EventRelaySessionDescription
}

// Validate checks that a target peer was named.
func (req RelaySessionDescriptionRequest) Validate() error {
	if req.PeerID == "" {
		return errors.Wrap(ErrMissingField, "peer_id")
	}
	return nil
}
