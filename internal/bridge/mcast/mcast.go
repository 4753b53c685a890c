// Package mcast discovers peers over UDP multicast. It serves radios
// that surface to the OS as ordinary IP links, mesh nodes and field
// Wi-Fi included, and needs no infrastructure beyond the link itself.
package mcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/beaconmesh/beacon/internal/bridge"
)

const (
	DefaultGroup    = "239.76.87.66:8889"
	DefaultInterval = 2 * time.Second

	maxDatagram = 2048
)

type Config struct {
	// Group is the multicast host:port beacons travel on.
	Group string
	// Interval is the beacon cadence; table expiry follows from it.
	Interval time.Duration
	// AdvertiseAddr is the host:port of this device's message socket,
	// carried in every beacon so peers can dial it.
	AdvertiseAddr string

	DeviceID    string
	DisplayName string
	Emergency   bool

	Logger *logrus.Logger
	Clock  clock.Clock
}

type Bridge struct {
	cfg    Config
	logger *logrus.Logger
	clock  clock.Clock
	events *bridge.Events
	table  *table
	seq    atomic.Uint64

	mu          sync.Mutex
	group       *net.UDPAddr
	recv        *net.UDPConn
	send        *net.UDPConn
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	initialized bool
	discovering bool
	closed      bool
}

func New(cfg Config) *Bridge {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Bridge{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		events: bridge.NewEvents(),
		table:  newTable(cfg.Interval, cfg.Clock),
	}
}

func (b *Bridge) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bridge.ErrNotReady
	}
	if b.initialized {
		return nil
	}
	if b.cfg.DeviceID == "" {
		return fmt.Errorf("%w: device id is empty", bridge.ErrInit)
	}
	group, err := net.ResolveUDPAddr("udp4", b.cfg.Group)
	if err != nil {
		return fmt.Errorf("%w: resolve group %s: %v", bridge.ErrInit, b.cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return fmt.Errorf("%w: %s is not a multicast address", bridge.ErrInit, b.cfg.Group)
	}
	b.group = group
	b.initialized = true

	b.events.EmitRadio(true)
	b.events.EmitDevice(bridge.Peer{
		ID:          b.cfg.DeviceID,
		DisplayName: b.cfg.DisplayName,
		Status:      bridge.StatusAvailable,
		Emergency:   b.cfg.Emergency,
	})
	b.logger.Infof("Multicast bridge ready on %s", b.cfg.Group)
	return nil
}

func (b *Bridge) StartDiscovery() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized || b.closed {
		return bridge.ErrNotReady
	}
	if b.discovering {
		return nil
	}

	recv, err := net.ListenMulticastUDP("udp4", nil, b.group)
	if err != nil {
		return wrapSocketErr("listen", err)
	}
	send, err := net.DialUDP("udp4", nil, b.group)
	if err != nil {
		recv.Close()
		return wrapSocketErr("dial", err)
	}
	_ = recv.SetReadBuffer(64 * 1024)

	ctx, cancel := context.WithCancel(context.Background())
	b.recv = recv
	b.send = send
	b.cancel = cancel
	b.discovering = true

	b.wg.Add(3)
	go b.announce(ctx, send)
	go b.listen(recv)
	go b.sweep(ctx)

	b.logger.Infof("Discovery started, announcing every %v", b.cfg.Interval)
	return nil
}

func (b *Bridge) StopDiscovery() error {
	b.mu.Lock()
	if !b.discovering {
		b.mu.Unlock()
		return nil
	}
	b.discovering = false
	cancel, recv, send := b.cancel, b.recv, b.send
	b.cancel, b.recv, b.send = nil, nil, nil
	b.mu.Unlock()

	cancel()
	recv.Close()
	send.Close()
	b.wg.Wait()

	b.logger.Info("Discovery stopped")
	return nil
}

// Connect picks the socket roles for a link with peerID, signals the
// peer over the group, and reports the roles through the link event.
// Both devices elect the same host from the two IDs, so no negotiation
// round trip is needed; the datagram only carries the intent.
func (b *Bridge) Connect(peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized || b.closed {
		return bridge.ErrNotReady
	}
	addr, ok := b.table.addr(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", bridge.ErrPeerUnknown, peerID)
	}

	isHost := hostsLink(b.cfg.DeviceID, peerID)
	hostAddr := addr
	if isHost {
		hostAddr = b.cfg.AdvertiseAddr
	}
	b.table.setConnected(peerID)
	b.sendLinkLocked(linkOpRequest, peerID)

	b.events.EmitLink(bridge.LinkState{Connected: true, IsHost: isHost, HostAddr: hostAddr})
	b.emitPeers()
	b.logger.Infof("Link requested with %s, host=%v", peerID, isHost)
	return nil
}

func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.table.setConnected("")
	if prev == "" {
		return nil
	}
	b.sendLinkLocked(linkOpDrop, prev)
	b.events.EmitLink(bridge.LinkState{Connected: false})
	b.emitPeers()
	return nil
}

func (b *Bridge) Peers() []bridge.Peer {
	return b.table.snapshot()
}

func (b *Bridge) Events() *bridge.Events {
	return b.events
}

func (b *Bridge) Close() error {
	if err := b.StopDiscovery(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.events.EmitRadio(false)
	return nil
}

// hostsLink decides which end binds the message socket. The
// lexicographically lower device ID hosts, so both ends agree without
// exchanging anything.
func hostsLink(localID, remoteID string) bool {
	return localID < remoteID
}

func (b *Bridge) announce(ctx context.Context, send *net.UDPConn) {
	defer b.wg.Done()

	ticker := b.clock.Ticker(b.cfg.Interval)
	defer ticker.Stop()

	b.sendBeacon(send)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sendBeacon(send)
		}
	}
}

func (b *Bridge) sendBeacon(send *net.UDPConn) {
	raw, err := encodeBeacon(beacon{
		V:         beaconVersion,
		ID:        b.cfg.DeviceID,
		Name:      b.cfg.DisplayName,
		Addr:      b.cfg.AdvertiseAddr,
		Emergency: b.cfg.Emergency,
		Seq:       b.seq.Add(1),
	})
	if err != nil {
		b.logger.Warnf("Failed to encode beacon: %v", err)
		return
	}
	if _, err := send.Write(raw); err != nil {
		b.logger.Debugf("Failed to send beacon: %v", err)
	}
}

func (b *Bridge) listen(recv *net.UDPConn) {
	defer b.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := recv.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Debugf("Beacon read error: %v", err)
			continue
		}
		switch kind := packetKind(buf[:n]); kind {
		case "":
			bc, err := decodeBeacon(buf[:n])
			if err != nil {
				b.logger.Debugf("Dropping datagram from %s: %v", from, err)
				continue
			}
			if bc.ID == b.cfg.DeviceID {
				continue // our own beacon looped back
			}
			if b.table.upsert(bc) {
				b.emitPeers()
			}
		case packetLink:
			msg, err := decodeLink(buf[:n])
			if err != nil {
				b.logger.Debugf("Dropping link datagram from %s: %v", from, err)
				continue
			}
			b.handleLink(msg)
		default:
			b.logger.Debugf("Dropping datagram of unknown kind %q from %s", kind, from)
		}
	}
}

// handleLink reacts to a link datagram addressed to this device. A
// request is granted immediately when no link is held: crews link up by
// one operator picking a peer, the other side just follows. Both ends
// elect the same host from the two IDs.
func (b *Bridge) handleLink(msg linkMsg) {
	if msg.To != b.cfg.DeviceID || msg.From == b.cfg.DeviceID {
		return
	}

	switch msg.Op {
	case linkOpRequest:
		// A request is also proof of presence; record it so the peer
		// shows up even if its beacons are still in flight.
		b.table.upsert(beacon{V: beaconVersion, ID: msg.From, Name: msg.Name, Addr: msg.Addr})

		ok, holder := b.table.claim(msg.From)
		if !ok {
			if holder == msg.From {
				// Crossed requests for the same link; our own Connect
				// already emitted the state.
				return
			}
			b.logger.Warnf("Refusing link request from %s, already linked with %s", msg.From, holder)
			return
		}

		isHost := hostsLink(b.cfg.DeviceID, msg.From)
		hostAddr := msg.Addr
		if isHost {
			hostAddr = b.cfg.AdvertiseAddr
		}
		b.events.EmitLink(bridge.LinkState{Connected: true, IsHost: isHost, HostAddr: hostAddr})
		b.emitPeers()
		b.logger.Infof("Link requested by %s, host=%v", msg.From, isHost)

	case linkOpDrop:
		if !b.table.release(msg.From) {
			return
		}
		b.events.EmitLink(bridge.LinkState{Connected: false})
		b.emitPeers()
		b.logger.Infof("Link dropped by %s", msg.From)
	}
}

// sendLinkLocked multicasts a link datagram addressed to peerID. Best
// effort: with discovery stopped there is no socket, and the peer
// converges anyway once either side retries. Callers hold b.mu.
func (b *Bridge) sendLinkLocked(op, peerID string) {
	if b.send == nil {
		b.logger.Debugf("No discovery socket, link %s for %s not sent", op, peerID)
		return
	}
	raw, err := encodeLink(linkMsg{
		V:    beaconVersion,
		T:    packetLink,
		Op:   op,
		From: b.cfg.DeviceID,
		To:   peerID,
		Name: b.cfg.DisplayName,
		Addr: b.cfg.AdvertiseAddr,
	})
	if err != nil {
		b.logger.Warnf("Failed to encode link datagram: %v", err)
		return
	}
	if _, err := b.send.Write(raw); err != nil {
		b.logger.Debugf("Failed to send link datagram: %v", err)
	}
}

// sweep expires silent peers and refreshes recency-based signal levels
// once per interval.
func (b *Bridge) sweep(ctx context.Context) {
	defer b.wg.Done()

	ticker := b.clock.Ticker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.table.sweep()
			b.emitPeers()
		}
	}
}

func (b *Bridge) emitPeers() {
	if !b.events.EmitPeers(b.table.snapshot()) {
		b.logger.Debug("Peer snapshot dropped, consumer is behind")
	}
}

func wrapSocketErr(op string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %s: %v", bridge.ErrPermission, op, err)
	}
	return fmt.Errorf("mcast: %s: %w", op, err)
}

var _ bridge.Bridge = (*Bridge)(nil)
