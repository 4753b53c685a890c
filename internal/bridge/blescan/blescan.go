// Package blescan discovers peers over Bluetooth Low Energy
// advertisements. It serves handhelds whose only shared radio is BLE,
// with the message socket still carried over whatever IP link the
// devices form. Peers are identified by the shortened ID from the
// advertisement, never the full device ID; the payload has no room for
// more, and both ends electing socket roles over the same short IDs
// keeps the choice symmetric.
//
// Advertisements are broadcast-only, so Connect cannot signal the
// remote side. A link forms once both operators request it; until the
// peer does, the host side just listens on its socket.
package blescan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/beaconmesh/beacon/internal/bridge"
)

const (
	// DefaultInterval is the expiry bookkeeping cadence. BLE scans
	// duty-cycle, so peers get three intervals of silence before they
	// are dropped, same as the multicast bridge.
	DefaultInterval = 5 * time.Second

	expiryIntervals = 3
)

type Config struct {
	DeviceID    string
	DisplayName string
	// AdvertiseAddr is the IPv4 host:port of this device's message
	// socket, packed into the advertisement.
	AdvertiseAddr string
	Emergency     bool
	Interval      time.Duration

	Logger *logrus.Logger
	Clock  clock.Clock
}

type scanEntry struct {
	payload  advPayload
	name     string
	rssi     int16
	lastSeen time.Time
}

type Bridge struct {
	cfg     Config
	logger  *logrus.Logger
	clock   clock.Clock
	events  *bridge.Events
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	entries     map[string]scanEntry
	connected   string
	selfShort   string
	payload     []byte
	adv         *bluetooth.Advertisement
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	initialized bool
	discovering bool
	closed      bool
}

func New(cfg Config) *Bridge {
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
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		events:  bridge.NewEvents(),
		adapter: bluetooth.DefaultAdapter,
		entries: make(map[string]scanEntry),
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

	host, portStr, err := net.SplitHostPort(b.cfg.AdvertiseAddr)
	if err != nil {
		return fmt.Errorf("%w: advertise addr %q: %v", bridge.ErrInit, b.cfg.AdvertiseAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("%w: advertise port %q: %v", bridge.ErrInit, portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("%w: advertise addr %q needs an IPv4 host", bridge.ErrInit, b.cfg.AdvertiseAddr)
	}

	short := shortID(b.cfg.DeviceID)
	payload, err := packAdv(short, ip, uint16(port), b.cfg.Emergency)
	if err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrInit, err)
	}

	// Enable failing almost always means no usable BLE hardware, so
	// callers can distinguish that from a bad config.
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", bridge.ErrUnsupported, err)
	}

	b.selfShort = short
	b.payload = payload
	b.initialized = true

	b.events.EmitRadio(true)
	b.events.EmitDevice(bridge.Peer{
		ID:          short,
		DisplayName: b.cfg.DisplayName,
		Status:      bridge.StatusAvailable,
		Emergency:   b.cfg.Emergency,
	})
	b.logger.Infof("BLE bridge ready, advertising as %s (%s)", b.cfg.DisplayName, short)
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

	adv := b.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName: b.cfg.DisplayName,
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: companyID, Data: b.payload},
		},
	})
	if err != nil {
		return fmt.Errorf("blescan: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("blescan: start advertisement: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.adv = adv
	b.cancel = cancel
	b.discovering = true

	b.wg.Add(2)
	go b.scan(ctx)
	go b.sweep(ctx)

	b.logger.Info("BLE discovery started")
	return nil
}

func (b *Bridge) StopDiscovery() error {
	b.mu.Lock()
	if !b.discovering {
		b.mu.Unlock()
		return nil
	}
	b.discovering = false
	cancel, adv := b.cancel, b.adv
	b.cancel, b.adv = nil, nil
	b.mu.Unlock()

	cancel()
	_ = b.adapter.StopScan()
	_ = adv.Stop()
	b.wg.Wait()

	b.logger.Info("BLE discovery stopped")
	return nil
}

func (b *Bridge) Connect(peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized || b.closed {
		return bridge.ErrNotReady
	}
	e, ok := b.entries[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", bridge.ErrPeerUnknown, peerID)
	}

	// Same election as the multicast bridge: the lower ID hosts.
	isHost := b.selfShort < peerID
	hostAddr := e.payload.Addr
	if isHost {
		hostAddr = b.cfg.AdvertiseAddr
	}
	b.connected = peerID

	b.events.EmitLink(bridge.LinkState{Connected: true, IsHost: isHost, HostAddr: hostAddr})
	b.emitPeersLocked()
	b.logger.Infof("Link requested with %s, host=%v", peerID, isHost)
	return nil
}

func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected == "" {
		return nil
	}
	b.connected = ""
	b.events.EmitLink(bridge.LinkState{Connected: false})
	b.emitPeersLocked()
	return nil
}

func (b *Bridge) Peers() []bridge.Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
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

func (b *Bridge) scan(ctx context.Context) {
	defer b.wg.Done()

	// Scan blocks until StopScan; StopDiscovery calls it.
	err := b.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		b.onScan(res)
	})
	if err != nil && ctx.Err() == nil {
		b.logger.Warnf("BLE scan ended: %v", err)
	}
}

func (b *Bridge) onScan(res bluetooth.ScanResult) {
	for _, md := range res.ManufacturerData() {
		if md.CompanyID != companyID {
			continue
		}
		p, err := parseAdv(md.Data)
		if err != nil {
			b.logger.Debugf("Ignoring advertisement from %s: %v", res.Address, err)
			continue
		}
		if p.ShortID == b.selfShort {
			continue
		}

		name := res.LocalName()
		if name == "" {
			name = p.ShortID
		}

		b.mu.Lock()
		prev, seen := b.entries[p.ShortID]
		next := scanEntry{payload: p, name: name, rssi: res.RSSI, lastSeen: b.clock.Now()}
		b.entries[p.ShortID] = next
		changed := !seen ||
			prev.name != name ||
			prev.payload != p ||
			signalFromRSSI(prev.rssi) != signalFromRSSI(res.RSSI)
		if changed {
			b.emitPeersLocked()
		}
		b.mu.Unlock()
		return
	}
}

func (b *Bridge) sweep(ctx context.Context) {
	defer b.wg.Done()

	ticker := b.clock.Ticker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			cutoff := b.clock.Now().Add(-time.Duration(expiryIntervals) * b.cfg.Interval)
			for id, e := range b.entries {
				if e.lastSeen.Before(cutoff) {
					delete(b.entries, id)
				}
			}
			b.emitPeersLocked()
			b.mu.Unlock()
		}
	}
}

func (b *Bridge) snapshotLocked() []bridge.Peer {
	peers := make([]bridge.Peer, 0, len(b.entries))
	for id, e := range b.entries {
		p := bridge.Peer{
			ID:          id,
			DisplayName: e.name,
			Status:      bridge.StatusAvailable,
			Signal:      signalFromRSSI(e.rssi),
			LastSeen:    e.lastSeen,
			Emergency:   e.payload.Emergency,
		}
		if id == b.connected {
			p.Status = bridge.StatusConnected
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (b *Bridge) emitPeersLocked() {
	if !b.events.EmitPeers(b.snapshotLocked()) {
		b.logger.Debug("Peer snapshot dropped, consumer is behind")
	}
}

// signalFromRSSI buckets received power into the 0..5 scale the rest
// of the system uses.
func signalFromRSSI(rssi int16) int {
	switch {
	case rssi >= -45:
		return 5
	case rssi >= -55:
		return 4
	case rssi >= -67:
		return 3
	case rssi >= -75:
		return 2
	case rssi >= -85:
		return 1
	default:
		return 0
	}
}

var _ bridge.Bridge = (*Bridge)(nil)
