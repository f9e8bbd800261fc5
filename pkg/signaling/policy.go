package signaling

import "github.com/n0ot/signald/pkg/registry"

// A RelayPolicy decides whether a candidate or session description may be relayed.
type RelayPolicy interface {
	AllowRelay(from, to *registry.Conn) bool
}

// RelayPolicyFunc is an adapter to use an ordinary function as a RelayPolicy.
type RelayPolicyFunc func(from, to *registry.Conn) bool

// AllowRelay calls f(from, to).
func (f RelayPolicyFunc) AllowRelay(from, to *registry.Conn) bool {
	return f(from, to)
}

// OpenRelay lets any connection relay to any other connection whose ID it knows.
// Clients are trusted not to abuse this.
var OpenRelay RelayPolicy = RelayPolicyFunc(func(from, to *registry.Conn) bool {
	return true
})

// SharedChannelRelay only relays between connections that are both members of at least one channel.
var SharedChannelRelay RelayPolicy = RelayPolicyFunc(func(from, to *registry.Conn) bool {
	for _, name := range from.Channels() {
		if to.InChannel(name) {
			return true
		}
	}
	return false
})
