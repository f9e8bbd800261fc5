// Package signaling lets clients discover each other in named channels,
// and relays the handshake metadata they need to connect directly.
//
// Existing members of a channel are told about each client that joins with an
// addPeer message, and the joining client is told about each existing member.
// Only the joining client is asked to create the offer.
// Candidates and session descriptions are forwarded by peer ID, without interpretation.
package signaling

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/n0ot/signald/pkg/channels"
	"github.com/n0ot/signald/pkg/model"
	"github.com/n0ot/signald/pkg/registry"
)

var (
	// ErrUnknownConn is returned for operations on a connection that isn't registered.
	ErrUnknownConn = errors.New("connection not registered")
	// ErrAlreadyJoined is returned when joining a channel the connection is already in.
	ErrAlreadyJoined = errors.New("already joined")
	// ErrNotJoined is returned when parting a channel the connection isn't in.
	ErrNotJoined = errors.New("not joined")
)

// Handler contains state for the signaling service.
type Handler struct {
	log       *logrus.Logger
	startedAt time.Time
	conns     *registry.Registry
	channels  *channels.Table
	policy    RelayPolicy
	metrics   *metrics

	relayedCandidates   atomic.Uint64
	relayedDescriptions atomic.Uint64
	droppedRelays       atomic.Uint64
	protocolErrors      atomic.Uint64
}

// An Option configures a Handler.
type Option func(*Handler)

// WithPolicy sets the policy deciding which relays may pass.
// The default is OpenRelay.
func WithPolicy(policy RelayPolicy) Option {
	return func(h *Handler) {
		if policy != nil {
			h.policy = policy
		}
	}
}

// New creates a signaling handler over the given stores.
func New(log *logrus.Logger, conns *registry.Registry, table *channels.Table, opts ...Option) *Handler {
	h := &Handler{
		log:       log,
		startedAt: time.Now(),
		conns:     conns,
		channels:  table,
		policy:    OpenRelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Connect registers a newly connected client.
func (h *Handler) Connect(id model.PeerID, handle registry.Handle) *registry.Conn {
	c := h.conns.Register(id, handle)
	h.log.WithField("conn_id", id).Info("Connection accepted")
	return c
}

// Handle dispatches an event received from the client with the given ID.
// Protocol errors are logged, and never reported to the client or its peers.
func (h *Handler) Handle(id model.PeerID, in model.Inbound) {
	if in == nil {
		h.ProtocolError(id, errors.New("no event"))
		return
	}
	var err error
	switch msg := in.(type) {
	case *model.JoinRequest:
		err = h.Join(id, msg.Channel, msg.Userdata)
	case *model.PartRequest:
		err = h.Part(id, msg.Channel)
	case *model.RelayICECandidateRequest:
		h.RelayICECandidate(id, msg.PeerID, msg.ICECandidate)
	case *model.RelaySessionDescriptionRequest:
		h.RelaySessionDescription(id, msg.PeerID, msg.SessionDescription)
	default:
		err = errors.Errorf("unhandled event %T", in)
		h.ProtocolError(id, err)
	}
	if err != nil {
		h.log.WithFields(logrus.Fields{
			"conn_id": id,
			"event":   in.Event(),
			"error":   err,
		}).Debug("Event ignored")
	}
}

// Join adds a client to a channel.
// Existing members learn about the client, and the client learns about every existing member.
// Joining a channel the client is already in changes nothing.
// userdata is accepted for compatibility, but is neither used nor forwarded.
func (h *Handler) Join(id model.PeerID, name string, userdata json.RawMessage) error {
	c, ok := h.conns.Lookup(id)
	if !ok {
		return ErrUnknownConn
	}
	logger := h.log.WithFields(logrus.Fields{
		"conn_id": id,
		"channel": name,
	})
	if c.InChannel(name) {
		h.ProtocolError(id, errors.Wrap(ErrAlreadyJoined, name))
		return ErrAlreadyJoined
	}

	err := h.channels.Update(name, func(ch *channels.Channel) error {
		if ch.Contains(id) {
			return ErrAlreadyJoined
		}
		for _, peerID := range ch.Members() {
			h.sendTo(peerID, model.AddPeerMessage{PeerID: id, ShouldCreateOffer: false})
			h.send(c, model.AddPeerMessage{PeerID: peerID, ShouldCreateOffer: true})
		}
		if err := ch.Add(id); err != nil {
			return err
		}
		c.AddChannel(name)
		return nil
	})
	if err != nil {
		h.ProtocolError(id, errors.Wrap(err, name))
		return err
	}

	h.metrics.join()
	logger.WithField("userdata", string(userdata)).Info("Joined channel")
	return nil
}

// Part removes a client from a channel.
// Remaining members are told the client left, and the client is told about each remaining member.
func (h *Handler) Part(id model.PeerID, name string) error {
	c, ok := h.conns.Lookup(id)
	if !ok {
		return ErrUnknownConn
	}
	if !c.InChannel(name) {
		h.ProtocolError(id, errors.Wrap(ErrNotJoined, name))
		return ErrNotJoined
	}

	err := h.channels.Update(name, func(ch *channels.Channel) error {
		if err := ch.Remove(id); err != nil {
			return err
		}
		c.RemoveChannel(name)
		for _, peerID := range ch.Members() {
			h.sendTo(peerID, model.RemovePeerMessage{PeerID: id})
			h.send(c, model.RemovePeerMessage{PeerID: peerID})
		}
		return nil
	})
	if err != nil {
		h.ProtocolError(id, errors.Wrap(err, name))
		return err
	}

	h.metrics.part()
	h.log.WithFields(logrus.Fields{
		"conn_id": id,
		"channel": name,
	}).Info("Parted channel")
	return nil
}

// Disconnect parts every channel the client is in, and then forgets the client.
// Once Disconnect returns, the client's ID can no longer be relayed to.
func (h *Handler) Disconnect(id model.PeerID) {
	c, ok := h.conns.Lookup(id)
	if !ok {
		return
	}
	for _, name := range c.Channels() {
		if err := h.Part(id, name); err != nil {
			h.log.WithFields(logrus.Fields{
				"conn_id": id,
				"channel": name,
				"error":   err,
			}).Warn("Error removing connection from channel")
		}
	}
	h.conns.Unregister(id)
	h.log.WithField("conn_id", id).Info("Disconnected")
}

// RelayICECandidate forwards candidate from the client to target.
// If target isn't connected, or the relay policy refuses, the candidate is dropped silently.
func (h *Handler) RelayICECandidate(id, target model.PeerID, candidate json.RawMessage) {
	if h.relay(id, target, model.ICECandidateMessage{
		PeerID:       id,
		ICECandidate: candidate,
	}) {
		h.relayedCandidates.Inc()
	}
}

// RelaySessionDescription forwards description from the client to target.
// If target isn't connected, or the relay policy refuses, the description is dropped silently.
func (h *Handler) RelaySessionDescription(id, target model.PeerID, description json.RawMessage) {
	if h.relay(id, target, model.SessionDescriptionMessage{
		PeerID:             id,
		SessionDescription: description,
	}) {
		h.relayedDescriptions.Inc()
	}
}

func (h *Handler) relay(id, target model.PeerID, msg model.Message) bool {
	logger := h.log.WithFields(logrus.Fields{
		"conn_id": id,
		"peer_id": target,
		"event":   msg.Event(),
	})

	from, ok := h.conns.Lookup(id)
	if !ok {
		return false
	}
	to, ok := h.conns.Lookup(target)
	if !ok {
		h.droppedRelays.Inc()
		h.metrics.drop()
		logger.Debug("Relay target not found; dropping")
		return false
	}
	if !h.policy.AllowRelay(from, to) {
		h.droppedRelays.Inc()
		h.metrics.drop()
		logger.Debug("Relay refused by policy; dropping")
		return false
	}

	logger.Debug("Relaying")
	h.send(to, msg)
	h.metrics.relay(msg.Event())
	return true
}

// ProtocolError records misuse of the protocol by a client.
// The client's state is left as it was, and nothing is sent.
func (h *Handler) ProtocolError(id model.PeerID, err error) {
	h.protocolErrors.Inc()
	h.metrics.protocolError()
	h.log.WithFields(logrus.Fields{
		"conn_id": id,
		"error":   err,
	}).Warn("Protocol error")
}

func (h *Handler) sendTo(id model.PeerID, msg model.Message) {
	c, ok := h.conns.Lookup(id)
	if !ok {
		h.log.WithFields(logrus.Fields{
			"conn_id": id,
			"event":   msg.Event(),
		}).Warn("Channel member not registered; skipping")
		return
	}
	h.send(c, msg)
}

func (h *Handler) send(c *registry.Conn, msg model.Message) {
	if err := c.Send(msg); err != nil {
		h.log.WithFields(logrus.Fields{
			"conn_id": c.ID,
			"event":   msg.Event(),
			"error":   err,
		}).Debug("Send failed")
	}
}

// Stats contains statistics about a running signaling handler.
type Stats struct {
	Uptime                     time.Duration  `json:"uptime"`
	Clients                    registry.Stats `json:"clients"`
	Channels                   channels.Stats `json:"channels"`
	RelayedICECandidates       uint64         `json:"relayed_ice_candidates"`
	RelayedSessionDescriptions uint64         `json:"relayed_session_descriptions"`
	DroppedRelays              uint64         `json:"dropped_relays"`
	ProtocolErrors             uint64         `json:"protocol_errors"`
}

// Stats gets stats about the running handler.
func (h *Handler) Stats() Stats {
	return Stats{
		Uptime:                     time.Since(h.startedAt),
		Clients:                    h.conns.Stats(),
		Channels:                   h.channels.Stats(),
		RelayedICECandidates:       h.relayedCandidates.Load(),
		RelayedSessionDescriptions: h.relayedDescriptions.Load(),
		DroppedRelays:              h.droppedRelays.Load(),
		ProtocolErrors:             h.protocolErrors.Load(),
	}
}
