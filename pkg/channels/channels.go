// Package channels contains the channel membership table for signald.
package channels

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/n0ot/signald/pkg/model"
)

var (
	// ErrAlreadyMember is returned when adding an ID that is already in a channel.
	ErrAlreadyMember = errors.New("already a member")
	// ErrNotMember is returned when removing an ID that isn't in a channel.
	ErrNotMember = errors.New("not a member")
)

// Table maps channel names to their members.
// Channels are created lazily when first updated.
type Table struct {
	lock            sync.Mutex // Protects everything below
	channels        map[string]*Channel
	retainEmpty     bool
	maxChannels     int
	maxChannelsTime time.Time
}

// An Option configures a Table.
type Option func(*Table)

// RetainEmpty keeps channels in the table after their last member leaves.
// By default, empty channels are removed.
func RetainEmpty(retain bool) Option {
	return func(t *Table) {
		t.retainEmpty = retain
	}
}

// New makes an empty channel table.
func New(opts ...Option) *Table {
	t := &Table{
		channels:        make(map[string]*Channel),
		maxChannelsTime: time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Ensure returns the named channel, creating it if it doesn't exist.
// The returned channel must only be read or modified from within Update.
func (t *Table) Ensure(name string) *Channel {
	t.lock.Lock()
	defer t.lock.Unlock()

	ch, ok := t.channels[name]
	if !ok {
		ch = newChannel(name)
		t.channels[name] = ch
		if len(t.channels) > t.maxChannels {
			t.maxChannels = len(t.channels)
			t.maxChannelsTime = time.Now()
		}
	}
	return ch
}

func (t *Table) lookup(name string) (*Channel, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	ch, ok := t.channels[name]
	return ch, ok
}

// Update runs fn with exclusive access to the named channel, creating the channel if needed.
// Reading members, changing membership and notifying members from within fn
// happens as one step with respect to every other Update of the same channel.
// fn must not call back into the table for the same channel.
func (t *Table) Update(name string, fn func(ch *Channel) error) error {
	return t.update(name, true, fn)
}

func (t *Table) update(name string, create bool, fn func(ch *Channel) error) error {
	for {
		var ch *Channel
		if create {
			ch = t.Ensure(name)
		} else {
			var ok bool
			if ch, ok = t.lookup(name); !ok {
				return ErrNotMember
			}
		}

		ch.lock.Lock()
		if ch.removed {
			// The channel emptied and was dropped from the table between the lookup and the lock.
			ch.lock.Unlock()
			continue
		}

		err := fn(ch)
		if len(ch.members) == 0 && !t.retainEmpty {
			t.lock.Lock()
			if t.channels[name] == ch {
				delete(t.channels, name)
			}
			t.lock.Unlock()
			ch.removed = true
		}
		ch.lock.Unlock()
		return err
	}
}

// Members returns a snapshot of the named channel's members, in the order they joined.
// Changes made after Members returns don't affect the snapshot.
func (t *Table) Members(name string) []model.PeerID {
	ch, ok := t.lookup(name)
	if !ok {
		return nil
	}
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.Members()
}

// Add adds id to the named channel.
func (t *Table) Add(name string, id model.PeerID) error {
	return t.Update(name, func(ch *Channel) error {
		return ch.Add(id)
	})
}

// Remove removes id from the named channel.
func (t *Table) Remove(name string, id model.PeerID) error {
	return t.update(name, false, func(ch *Channel) error {
		return ch.Remove(id)
	})
}

// Len returns the number of channels in the table.
func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.channels)
}

// Stats contains summary information about a channel table.
type Stats struct {
	NumChannels     int       `json:"num_channels"`
	MaxChannels     int       `json:"max_channels"`
	MaxChannelsTime time.Time `json:"max_channels_at"`
}

// Stats gets stats for this table.
func (t *Table) Stats() Stats {
	t.lock.Lock()
	defer t.lock.Unlock()

	return Stats{
		NumChannels:     len(t.channels),
		MaxChannels:     t.maxChannels,
		MaxChannelsTime: t.maxChannelsTime,
	}
}
