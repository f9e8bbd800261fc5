// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package registry tracks the connections currently attached to signald.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/n0ot/signald/pkg/model"
)

// A Handle delivers messages to a connected client.
// Send must not block; delivery is best effort.
type Handle interface {
	Send(msg model.Message) error
}

// Conn is a connection known to the registry.
type Conn struct {
	ID             model.PeerID
	Handle         Handle
	ConnectedSince time.Time

	lock     sync.Mutex // Protects channels
	channels map[string]struct{}
}

// InChannel returns true if the connection is a member of the named channel.
func (c *Conn) InChannel(name string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.channels[name]
	return ok
}

// Channels returns the names of the channels this connection is a member of, sorted.
func (c *Conn) Channels() []string {
	c.lock.Lock()
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	c.lock.Unlock()
	sort.Strings(names)
	return names
}

// AddChannel records membership of the named channel.
// It returns false if the membership was already recorded.
func (c *Conn) AddChannel(name string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.channels[name]; ok {
		return false
	}
	c.channels[name] = struct{}{}
	return true
}

// RemoveChannel forgets membership of the named channel.
// It returns false if the connection wasn't a member.
func (c *Conn) RemoveChannel(name string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.channels[name]; !ok {
		return false
	}
	delete(c.channels, name)
	return true
}

// Send sends msg to the connection's handle.
func (c *Conn) Send(msg model.Message) error {
	return c.Handle.Send(msg)
}

func (c *Conn) String() string {
	return "Conn(" + string(c.ID) + ")"
}

// Registry maps connection IDs to live connections.
type Registry struct {
	lock         sync.RWMutex // Protects everything below
	conns        map[model.PeerID]*Conn
	maxConns     int
	maxConnsTime time.Time
	totalConns   uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:        make(map[model.PeerID]*Conn),
		maxConnsTime: time.Now(),
	}
}

// Register stores handle under id, with no channel memberships.
// IDs are expected to be unique; registering an existing ID replaces it.
func (reg *Registry) Register(id model.PeerID, handle Handle) *Conn {
	c := &Conn{
		ID:             id,
		Handle:         handle,
		ConnectedSince: time.Now(),
		channels:       make(map[string]struct{}),
	}

	reg.lock.Lock()
	defer reg.lock.Unlock()
	reg.conns[id] = c
	reg.totalConns++
	if len(reg.conns) > reg.maxConns {
		reg.maxConns = len(reg.conns)
		reg.maxConnsTime = c.ConnectedSince
	}
	return c
}

// Lookup finds the connection registered under id.
func (reg *Registry) Lookup(id model.PeerID) (*Conn, bool) {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	c, ok := reg.conns[id]
	return c, ok
}

// Unregister removes the connection registered under id, if any.
func (reg *Registry) Unregister(id model.PeerID) {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	delete(reg.conns, id)
}

// Len returns the number of registered connections.
func (reg *Registry) Len() int {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return len(reg.conns)
}

// Stats contains summary information about a registry.
type Stats struct {
	NumClients     int       `json:"num_clients"`
	MaxClients     int       `json:"max_clients"`
	MaxClientsTime time.Time `json:"max_clients_at"`
	TotalClients   uint64    `json:"total_clients"`
}

// Stats gets stats for this registry.
func (reg *Registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	return Stats{
		NumClients:     len(reg.conns),
		MaxClients:     reg.maxConns,
		MaxClientsTime: reg.maxConnsTime,
		TotalClients:   reg.totalConns,
	}
}
