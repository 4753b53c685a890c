// Package bridge defines the radio discovery surface the messaging core
// runs on top of. A Bridge wraps one concrete radio (LAN multicast, BLE)
// and reports nearby peers, group link changes, and radio state; the rest
// of the system never talks to the radio directly.
package bridge

import (
	"errors"
	"time"
)

var (
	// ErrUnsupported means the device has no usable radio for this bridge.
	ErrUnsupported = errors.New("bridge: radio unsupported on this device")
	// ErrPermission means the OS denied access to the radio.
	ErrPermission = errors.New("bridge: radio permission denied")
	// ErrInit covers radio failures during Initialize.
	ErrInit = errors.New("bridge: initialization failed")
	// ErrNotReady is returned by operations invoked before Initialize.
	ErrNotReady = errors.New("bridge: not initialized")
	// ErrPeerUnknown is returned by Connect for an ID missing from the
	// current discovery snapshot.
	ErrPeerUnknown = errors.New("bridge: peer not in discovery snapshot")
)

type PeerStatus int

const (
	StatusAvailable PeerStatus = iota
	StatusInvited
	StatusConnected
	StatusFailed
	StatusUnavailable
)

func (s PeerStatus) String() string {
	switch s {
	case StatusAvailable:
		return "AVAILABLE"
	case StatusInvited:
		return "INVITED"
	case StatusConnected:
		return "CONNECTED"
	case StatusFailed:
		return "FAILED"
	case StatusUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus is the inverse of PeerStatus.String. Unknown labels come
// back as StatusUnavailable.
func ParseStatus(s string) PeerStatus {
	switch s {
	case "AVAILABLE":
		return StatusAvailable
	case "INVITED":
		return StatusInvited
	case "CONNECTED":
		return StatusConnected
	case "FAILED":
		return StatusFailed
	default:
		return StatusUnavailable
	}
}

// Peer is one remote device as the radio currently reports it. ID is the
// stable device identifier and the only key used for identity; DisplayName
// and Signal are advisory and may change between snapshots.
type Peer struct {
	ID          string
	DisplayName string
	Status      PeerStatus
	Signal      int // 0 (unusable) to 5 (strongest)
	LastSeen    time.Time
	Emergency   bool
}

// LinkState describes a change of the radio-level group link. IsHost and
// HostAddr are meaningful only while Connected; HostAddr is the TCP
// address the group host reaches (or binds) for the message socket.
type LinkState struct {
	Connected bool
	IsHost    bool
	HostAddr  string
}

const eventBufSize = 32

// Events carries bridge notifications on buffered channels. Exactly one
// consumer is expected to drain them; emits never block the radio.
type Events struct {
	Peers  chan []Peer
	Link   chan LinkState
	Device chan Peer
	Radio  chan bool
}

func NewEvents() *Events {
	return &Events{
		Peers:  make(chan []Peer, eventBufSize),
		Link:   make(chan LinkState, eventBufSize),
		Device: make(chan Peer, eventBufSize),
		Radio:  make(chan bool, eventBufSize),
	}
}

// EmitPeers publishes a discovery snapshot without blocking. Returns false
// when the consumer is behind and the snapshot was dropped; a fresher one
// will follow on the next beacon tick, so dropping is safe.
func (e *Events) EmitPeers(snapshot []Peer) bool {
	select {
	case e.Peers <- snapshot:
		return true
	default:
		return false
	}
}

func (e *Events) EmitLink(ls LinkState) bool {
	select {
	case e.Link <- ls:
		return true
	default:
		return false
	}
}

func (e *Events) EmitDevice(p Peer) bool {
	select {
	case e.Device <- p:
		return true
	default:
		return false
	}
}

func (e *Events) EmitRadio(on bool) bool {
	select {
	case e.Radio <- on:
		return true
	default:
		return false
	}
}

// Bridge is the contract every radio implementation satisfies.
//
// Initialize acquires the radio and must be called before anything else;
// it fails with ErrUnsupported, ErrPermission or ErrInit. StartDiscovery
// and StopDiscovery toggle peer scanning. Connect asks the radio to form
// a group link with one discovered peer; the outcome arrives asynchronously
// on Events().Link, never as a return value. Peers returns the latest
// discovery snapshot. Close releases the radio; the bridge is not reusable
// afterwards.
type Bridge interface {
	Initialize() error
	StartDiscovery() error
	StopDiscovery() error
	Connect(peerID string) error
	Disconnect() error
	Peers() []Peer
	Events() *Events
	Close() error
}
