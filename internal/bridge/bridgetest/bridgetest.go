// Package bridgetest provides a scriptable in-memory radio bridge for
// tests. Tests drive it by pushing events through the same channels the
// production bridges use.
package bridgetest

import (
	"fmt"
	"sync"

	"github.com/beaconmesh/beacon/internal/bridge"
)

type Fake struct {
	// Scriptable failures, set before the call under test.
	InitErr     error
	DiscoverErr error
	ConnectErr  error

	// OnConnect runs after a successful Connect, outside the lock.
	// Tests use it to emit the resulting link state.
	OnConnect func(peerID string)

	mu          sync.Mutex
	events      *bridge.Events
	peers       []bridge.Peer
	initialized bool
	discovering bool
	connected   string
}

func New() *Fake {
	return &Fake{events: bridge.NewEvents()}
}

func (f *Fake) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitErr != nil {
		return f.InitErr
	}
	f.initialized = true
	return nil
}

func (f *Fake) StartDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized {
		return bridge.ErrNotReady
	}
	if f.DiscoverErr != nil {
		return f.DiscoverErr
	}
	f.discovering = true
	return nil
}

func (f *Fake) StopDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovering = false
	return nil
}

func (f *Fake) Connect(peerID string) error {
	f.mu.Lock()
	if f.ConnectErr != nil {
		err := f.ConnectErr
		f.mu.Unlock()
		return err
	}
	known := false
	for _, p := range f.peers {
		if p.ID == peerID {
			known = true
			break
		}
	}
	if !known {
		f.mu.Unlock()
		return fmt.Errorf("bridgetest: %w: %s", bridge.ErrPeerUnknown, peerID)
	}
	f.connected = peerID
	hook := f.OnConnect
	f.mu.Unlock()

	if hook != nil {
		hook(peerID)
	}
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = ""
	return nil
}

func (f *Fake) Peers() []bridge.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridge.Peer, len(f.peers))
	copy(out, f.peers)
	return out
}

func (f *Fake) Events() *bridge.Events {
	return f.events
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovering = false
	f.initialized = false
	return nil
}

// PushPeers records a discovery snapshot and emits it.
func (f *Fake) PushPeers(peers []bridge.Peer) {
	cp := make([]bridge.Peer, len(peers))
	copy(cp, peers)
	f.mu.Lock()
	f.peers = cp
	f.mu.Unlock()
	f.events.EmitPeers(cp)
}

func (f *Fake) PushLink(ls bridge.LinkState) {
	f.events.EmitLink(ls)
}

func (f *Fake) PushDevice(p bridge.Peer) {
	f.events.EmitDevice(p)
}

func (f *Fake) PushRadio(on bool) {
	f.events.EmitRadio(on)
}

func (f *Fake) Discovering() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovering
}

func (f *Fake) ConnectedTo() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

var _ bridge.Bridge = (*Fake)(nil)
