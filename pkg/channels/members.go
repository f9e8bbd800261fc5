package channels

import (
	"sync"

	"github.com/n0ot/signald/pkg/model"
)

// Channel is a named group of connections that should learn about each other.
// Its methods must only be called from within Table.Update.
type Channel struct {
	Name string

	lock    sync.Mutex
	members []model.PeerID
	index   map[model.PeerID]struct{}
	removed bool // Dropped from the table after emptying
}

func newChannel(name string) *Channel {
	return &Channel{
		Name: name,
		// Assume a new channel is being made because at least one client wants to join it.
		members: make([]model.PeerID, 0, 1),
		index:   make(map[model.PeerID]struct{}),
	}
}

// Contains returns true if id is a member.
func (ch *Channel) Contains(id model.PeerID) bool {
	_, ok := ch.index[id]
	return ok
}

// Members returns a copy of the member list, in join order.
func (ch *Channel) Members() []model.PeerID {
	members := make([]model.PeerID, len(ch.members))
	copy(members, ch.members)
	return members
}

// Len returns the number of members.
func (ch *Channel) Len() int {
	return len(ch.members)
}

// Add adds id as a member.
func (ch *Channel) Add(id model.PeerID) error {
	if ch.Contains(id) {
		return ErrAlreadyMember
	}
	ch.index[id] = struct{}{}
	ch.members = append(ch.members, id)
	return nil
}

// Remove removes id from the members.
func (ch *Channel) Remove(id model.PeerID) error {
	if !ch.Contains(id) {
		return ErrNotMember
	}
	delete(ch.index, id)
	for i := range ch.members {
		if ch.members[i] == id {
			ch.members = append(ch.members[:i], ch.members[i+1:]...)
			break
		}
	}
	return nil
}
