// Package registry tracks which peers are currently visible on the radio.
// It turns raw discovery snapshots into joined/left events by diffing
// against the previous snapshot, keyed strictly by peer ID.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

type EventKind int

const (
	PeerJoined EventKind = iota
	PeerLeft
)

func (k EventKind) String() string {
	switch k {
	case PeerJoined:
		return "PEER_JOINED"
	case PeerLeft:
		return "PEER_LEFT"
	default:
		return "UNKNOWN"
	}
}

// Event records one membership change. For PeerLeft the Peer field holds
// the last known record of the departed peer, so consumers can still show
// who it was.
type Event struct {
	Kind EventKind
	Peer bridge.Peer
	At   time.Time
}

// Registry owns the visible-peer set. Update is the only mutation path;
// a peer that briefly drops out of one snapshot produces a Left/Joined
// pair, there is no debounce window here.
type Registry struct {
	logger *logrus.Logger
	clock  clock.Clock

	mu    sync.RWMutex
	known map[string]bridge.Peer
}

func NewRegistry(logger *logrus.Logger, clk clock.Clock) *Registry {
	return &Registry{
		logger: logger,
		clock:  clk,
		known:  make(map[string]bridge.Peer),
	}
}

// Update replaces the visible set with the given snapshot and returns the
// membership changes relative to the previous one. Identity is the peer
// ID alone: name or signal changes update the stored record silently.
// Entries with an empty ID are dropped (logged); duplicate IDs keep the
// last occurrence. A nil snapshot means no peers are visible.
func (r *Registry) Update(snapshot []bridge.Peer) []Event {
	now := r.clock.Now()

	order := make([]string, 0, len(snapshot))
	next := make(map[string]bridge.Peer, len(snapshot))
	for _, p := range snapshot {
		if p.ID == "" {
			r.logger.WithField("name", p.DisplayName).Warn("Dropping snapshot entry with empty peer ID")
			continue
		}
		if _, seen := next[p.ID]; !seen {
			order = append(order, p.ID)
		}
		if p.LastSeen.IsZero() {
			p.LastSeen = now
		}
		next[p.ID] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for _, id := range order {
		if _, ok := r.known[id]; !ok {
			events = append(events, Event{Kind: PeerJoined, Peer: next[id], At: now})
		}
	}

	departed := make([]string, 0)
	for id := range r.known {
		if _, ok := next[id]; !ok {
			departed = append(departed, id)
		}
	}
	sort.Strings(departed)
	for _, id := range departed {
		events = append(events, Event{Kind: PeerLeft, Peer: r.known[id], At: now})
	}

	r.known = next
	return events
}

// Peers returns the visible set sorted by ID.
func (r *Registry) Peers() []bridge.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]bridge.Peer, 0, len(r.known))
	for _, p := range r.known {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (r *Registry) Get(id string) (bridge.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.known[id]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.known)
}
