// Package model defines the messages exchanged between signald and its clients.
package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// PeerID identifies a connection on the relay.
// It is opaque to clients, and stable for the lifetime of the connection.
type PeerID string

// Event names used on the wire.
const (
	EventJoin                    = "join"
	EventPart                    = "part"
	EventRelayICECandidate       = "relayICECandidate"
	EventRelaySessionDescription = "relaySessionDescription"

	EventAddPeer            = "addPeer"
	EventRemovePeer         = "removePeer"
	EventICECandidate       = "iceCandidate"
	EventSessionDescription = "sessionDescription"
)

// A Message is sent to clients.
// Event returns the event name the message is framed with.
type Message interface {
	Event() string
}

// An Envelope frames every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode frames msg in an Envelope, and serializes it.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "Encode %s", msg.Event())
	}
	return json.Marshal(Envelope{
		Event: msg.Event(),
		Data:  data,
	})
}

// AddPeerMessage tells a client about another member of a channel it is in.
// ShouldCreateOffer is true only for the client that just joined,
// so exactly one side of every pair originates the offer.
type AddPeerMessage struct {
	PeerID            PeerID `json:"peer_id"`
	ShouldCreateOffer bool   `json:"should_create_offer"`
}

// Event gets this AddPeerMessage's event name.
func (AddPeerMessage) Event() string {
	return EventAddPeer
}

// RemovePeerMessage tells a client that it no longer shares a channel with a peer.
type RemovePeerMessage struct {
	PeerID PeerID `json:"peer_id"`
}

// Event gets this RemovePeerMessage's event name.
func (RemovePeerMessage) Event() string {
	return EventRemovePeer
}

// ICECandidateMessage carries a connectivity candidate from PeerID.
type ICECandidateMessage struct {
	PeerID       PeerID          `json:"peer_id"`
	ICECandidate json.RawMessage `json:"ice_candidate"`
}

// Event gets this ICECandidateMessage's event name.
func (ICECandidateMessage) Event() string {
	return EventICECandidate
}

// SessionDescriptionMessage carries a session description from PeerID.
type SessionDescriptionMessage struct {
	PeerID             PeerID          `json:"peer_id"`
	SessionDescription json.RawMessage `json:"session_description"`
}

// Event gets this SessionDescriptionMessage's event name.
func (SessionDescriptionMessage) Event() string {
	return EventSessionDescription
}
