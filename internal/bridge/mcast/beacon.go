package mcast

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/beaconmesh/beacon/internal/bridge"
)

const beaconVersion = 1

// expiryIntervals is how many silent beacon intervals a peer survives
// in the table before it is considered gone.
const expiryIntervals = 3

// beacon is the JSON datagram every device multicasts while discovery
// is active. Addr carries the host:port of the device's message socket
// so either side can dial without a separate exchange.
type beacon struct {
	V         int    `json:"v"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Emergency bool   `json:"emergency"`
	Seq       uint64 `json:"seq"`
}

func encodeBeacon(b beacon) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("mcast: encode beacon: %w", err)
	}
	return raw, nil
}

func decodeBeacon(raw []byte) (beacon, error) {
	var b beacon
	if err := json.Unmarshal(raw, &b); err != nil {
		return beacon{}, fmt.Errorf("mcast: decode beacon: %w", err)
	}
	if b.V != beaconVersion {
		return beacon{}, fmt.Errorf("mcast: unsupported beacon version %d", b.V)
	}
	if b.ID == "" {
		return beacon{}, fmt.Errorf("mcast: beacon without device id")
	}
	return b, nil
}

// packetLink tags link datagrams. Beacons predate the tag and carry
// none, so an empty tag means beacon.
const packetLink = "link"

const (
	linkOpRequest = "request"
	linkOpDrop    = "drop"
)

// linkMsg rides the same multicast group as beacons and asks one peer,
// named by To, to form or drop a link. Everyone else ignores it. Addr
// is the sender's message socket so the receiver can dial it even when
// the sender's beacons have not arrived yet.
type linkMsg struct {
	V    int    `json:"v"`
	T    string `json:"t"`
	Op   string `json:"op"`
	From string `json:"from"`
	To   string `json:"to"`
	Name string `json:"name"`
	Addr string `json:"addr"`
}

func encodeLink(l linkMsg) ([]byte, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("mcast: encode link: %w", err)
	}
	return raw, nil
}

func decodeLink(raw []byte) (linkMsg, error) {
	var l linkMsg
	if err := json.Unmarshal(raw, &l); err != nil {
		return linkMsg{}, fmt.Errorf("mcast: decode link: %w", err)
	}
	if l.V != beaconVersion {
		return linkMsg{}, fmt.Errorf("mcast: unsupported link version %d", l.V)
	}
	if l.Op != linkOpRequest && l.Op != linkOpDrop {
		return linkMsg{}, fmt.Errorf("mcast: unknown link op %q", l.Op)
	}
	if l.From == "" || l.To == "" {
		return linkMsg{}, fmt.Errorf("mcast: link without endpoints")
	}
	return l, nil
}

// packetKind peeks at the type tag of a raw datagram without fully
// decoding it. Undecodable input comes back as an empty tag and fails
// later in decodeBeacon with a proper error.
func packetKind(raw []byte) string {
	var probe struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.T
}

type entry struct {
	beacon   beacon
	lastSeen time.Time
}

// table tracks the freshest beacon per peer. Entries expire after
// expiryIntervals silent intervals. The table also remembers which
// peer the device is linked to so snapshots can mark it.
type table struct {
	mu        sync.Mutex
	entries   map[string]entry
	connected string
	interval  time.Duration
	clock     clock.Clock
}

func newTable(interval time.Duration, clk clock.Clock) *table {
	return &table{
		entries:  make(map[string]entry),
		interval: interval,
		clock:    clk,
	}
}

// upsert records a beacon and reports whether the visible peer set
// changed in a way worth re-announcing: a new peer, or a changed name,
// address, or emergency flag. Seq advances alone stay quiet.
func (t *table) upsert(b beacon) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.entries[b.ID]
	t.entries[b.ID] = entry{beacon: b, lastSeen: t.clock.Now()}
	if !ok {
		return true
	}
	return prev.beacon.Name != b.Name ||
		prev.beacon.Addr != b.Addr ||
		prev.beacon.Emergency != b.Emergency
}

// sweep drops entries that have gone silent and reports whether any
// were removed.
func (t *table) sweep() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-time.Duration(expiryIntervals) * t.interval)
	removed := false
	for id, e := range t.entries {
		if e.lastSeen.Before(cutoff) {
			delete(t.entries, id)
			removed = true
		}
	}
	return removed
}

func (t *table) addr(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return e.beacon.Addr, true
}

// setConnected marks id as the linked peer and returns the previous
// mark. Empty clears it.
func (t *table) setConnected(id string) (prev string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev = t.connected
	t.connected = id
	return prev
}

// claim marks id as the linked peer only if no link is held. It
// reports whether the claim took and who held the link otherwise, so
// callers can tell a crossed request for the same peer from a busy
// device.
func (t *table) claim(id string) (ok bool, holder string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected != "" {
		return false, t.connected
	}
	t.connected = id
	return true, ""
}

// release clears the link only if id holds it.
func (t *table) release(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected != id {
		return false
	}
	t.connected = ""
	return true
}

// snapshot renders the table as peer records sorted by ID. The linked
// peer is marked connected; everyone else is available with a signal
// estimate derived from beacon recency.
func (t *table) snapshot() []bridge.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	peers := make([]bridge.Peer, 0, len(t.entries))
	for id, e := range t.entries {
		p := bridge.Peer{
			ID:          id,
			DisplayName: e.beacon.Name,
			Status:      bridge.StatusAvailable,
			Signal:      signalFor(now.Sub(e.lastSeen), t.interval),
			LastSeen:    e.lastSeen,
			Emergency:   e.beacon.Emergency,
		}
		if id == t.connected {
			p.Status = bridge.StatusConnected
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// signalFor maps beacon age to a 0..5 signal estimate. UDP multicast
// has no RSSI, so recency is the best proxy available.
func signalFor(age, interval time.Duration) int {
	switch {
	case age <= interval:
		return 5
	case age <= 2*interval:
		return 3
	case age <= time.Duration(expiryIntervals)*interval:
		return 1
	default:
		return 0
	}
}
