// Package session runs one device's communications end to end: it
// drives the radio bridge, tracks peer visibility, negotiates the
// message socket, and fans events out to persistence, notifications,
// and the local feed.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/channel"
	"github.com/beaconmesh/beacon/internal/events"
	"github.com/beaconmesh/beacon/internal/feed"
	"github.com/beaconmesh/beacon/internal/messaging"
	"github.com/beaconmesh/beacon/internal/negotiator"
	"github.com/beaconmesh/beacon/internal/notify"
	"github.com/beaconmesh/beacon/internal/registry"
	"github.com/beaconmesh/beacon/internal/store"
)

type Options struct {
	Bridge   bridge.Bridge
	Identity channel.Identity

	// Negotiator carries the socket knobs (port, timeouts, retries).
	Negotiator   negotiator.Config
	HistoryLimit int

	// Peers, Activity, Notifier and Feed are optional; nil disables
	// the corresponding consumer.
	Peers    store.PeerRepository
	Activity store.ActivityRepository
	Notifier notify.Notifier
	Feed     *feed.Server

	Logger *logrus.Logger
	Clock  clock.Clock
}

type Session struct {
	opts   Options
	logger *logrus.Logger
	clock  clock.Clock

	bridge   bridge.Bridge
	registry *registry.Registry
	neg      *negotiator.Negotiator
	orch     *messaging.Orchestrator
	bus      *events.Bus

	done chan struct{}

	mu      sync.Mutex
	self    bridge.Peer
	cancel  context.CancelFunc
	started bool
}

func New(opts Options) (*Session, error) {
	if opts.Bridge == nil {
		return nil, fmt.Errorf("session: bridge is required")
	}
	if opts.Identity.ID == "" {
		return nil, fmt.Errorf("session: identity is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NopNotifier{}
	}

	s := &Session{
		opts:   opts,
		logger: opts.Logger,
		clock:  opts.Clock,
		bridge: opts.Bridge,
		done:   make(chan struct{}),
	}
	s.registry = registry.NewRegistry(opts.Logger, opts.Clock)
	s.neg = negotiator.New(opts.Negotiator, opts.Identity, opts.Logger, opts.Clock)
	s.bus = events.NewBus(opts.Logger)
	s.orch = messaging.NewOrchestrator(messaging.Config{
		Self:         opts.Identity,
		HistoryLimit: opts.HistoryLimit,
		OnInbound:    s.bus.MessageReceived,
		Logger:       opts.Logger,
		Clock:        opts.Clock,
	})

	if err := s.subscribe(); err != nil {
		return nil, fmt.Errorf("session: wire subscribers: %w", err)
	}
	return s, nil
}

func (s *Session) subscribe() error {
	subs := []func() error{
		func() error { return s.bus.OnPeerJoined(s.onPeerJoined) },
		func() error { return s.bus.OnPeerLeft(s.onPeerLeft) },
		func() error { return s.bus.OnLinkUp(s.onLinkUp) },
		func() error { return s.bus.OnLinkDown(s.onLinkDown) },
		func() error { return s.bus.OnLinkFailed(s.onLinkFailed) },
		func() error { return s.bus.OnMessage(s.onMessage) },
	}
	for _, sub := range subs {
		if err := sub(); err != nil {
			return err
		}
	}
	return nil
}

// Start initializes the radio and begins discovery. The session runs
// until Close or until ctx is done. A failed Start leaves the session
// stopped; Close is still safe to call.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("session: already started")
	}
	if err := s.bridge.Initialize(); err != nil {
		return fmt.Errorf("session: bridge init: %w", err)
	}
	if err := s.bridge.StartDiscovery(); err != nil {
		return fmt.Errorf("session: start discovery: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.neg.BeginDiscovery()

	go s.bus.Run(loopCtx)
	go s.loop(loopCtx)

	s.logger.Infof("Session started as %s (%s)", s.opts.Identity.Name, s.opts.Identity.ID)
	return nil
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)

	evs := s.bridge.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-evs.Peers:
			s.applySnapshot(snapshot)
		case ls := <-evs.Link:
			s.neg.HandleLink(ctx, ls)
		case self := <-evs.Device:
			s.setSelf(self)
		case on := <-evs.Radio:
			s.onRadio(on)
		case ev := <-s.neg.Events():
			s.onNegotiator(ev)
		case ch := <-s.neg.Channels():
			s.orch.Attach(ch)
		}
	}
}

func (s *Session) applySnapshot(snapshot []bridge.Peer) {
	for _, ev := range s.registry.Update(snapshot) {
		switch ev.Kind {
		case registry.PeerJoined:
			s.bus.PeerJoined(ev.Peer)
		case registry.PeerLeft:
			s.bus.PeerLeft(ev.Peer)
		}
	}
}

func (s *Session) setSelf(self bridge.Peer) {
	s.mu.Lock()
	s.self = self
	s.mu.Unlock()
	s.logger.Infof("This device is %s (%s)", self.DisplayName, self.ID)
}

func (s *Session) onRadio(on bool) {
	if on {
		s.logger.Info("Radio available")
		return
	}
	// Radio loss hides every peer; the registry turns that into leave
	// events for anyone still visible.
	s.logger.Warn("Radio went offline")
	s.applySnapshot(nil)
}

func (s *Session) onNegotiator(ev negotiator.Event) {
	switch ev.Kind {
	case negotiator.SocketUp:
		s.bus.LinkUp(ev.RemoteAddr)
	case negotiator.SocketDown:
		s.orch.Detach()
		s.bus.LinkDown(ev.RemoteAddr)
	case negotiator.ConnectFailed:
		s.bus.LinkFailed()
		// Reset the radio link intent so a later connect starts clean.
		if err := s.bridge.Disconnect(); err != nil {
			s.logger.Debugf("Bridge disconnect after failure: %v", err)
		}
	}
}

func (s *Session) onPeerJoined(p bridge.Peer) {
	if s.opts.Peers != nil {
		if err := s.opts.Peers.SavePeer(p); err != nil {
			s.logger.Warnf("Failed to save peer %s: %v", p.ID, err)
		}
	}
	if s.opts.Activity != nil {
		if err := s.opts.Activity.Log(store.ActivityPeerJoined, p.ID, p.DisplayName); err != nil {
			s.logger.Warnf("Failed to log activity: %v", err)
		}
	}
	s.opts.Notifier.PeerJoined(p)
	if s.opts.Feed != nil {
		s.opts.Feed.Broadcast(feed.PeerFrame("peer_joined", p, s.clock.Now()))
	}
}

func (s *Session) onPeerLeft(p bridge.Peer) {
	if s.opts.Peers != nil {
		gone := p
		gone.Status = bridge.StatusUnavailable
		if err := s.opts.Peers.SavePeer(gone); err != nil {
			s.logger.Warnf("Failed to save peer %s: %v", p.ID, err)
		}
	}
	if s.opts.Activity != nil {
		if err := s.opts.Activity.Log(store.ActivityPeerLeft, p.ID, p.DisplayName); err != nil {
			s.logger.Warnf("Failed to log activity: %v", err)
		}
	}
	s.opts.Notifier.PeerLeft(p)
	if s.opts.Feed != nil {
		s.opts.Feed.Broadcast(feed.PeerFrame("peer_left", p, s.clock.Now()))
	}
}

func (s *Session) onLinkUp(addr string) {
	if s.opts.Activity != nil {
		if err := s.opts.Activity.Log(store.ActivityLinkUp, "", addr); err != nil {
			s.logger.Warnf("Failed to log activity: %v", err)
		}
	}
	if s.opts.Feed != nil {
		s.opts.Feed.Broadcast(feed.LinkFrame("link_up", addr, s.clock.Now()))
	}
}

func (s *Session) onLinkDown(addr string) {
	if s.opts.Activity != nil {
		if err := s.opts.Activity.Log(store.ActivityLinkDown, "", addr); err != nil {
			s.logger.Warnf("Failed to log activity: %v", err)
		}
	}
	if s.opts.Feed != nil {
		s.opts.Feed.Broadcast(feed.LinkFrame("link_down", addr, s.clock.Now()))
	}
}

func (s *Session) onLinkFailed() {
	if s.opts.Activity != nil {
		if err := s.opts.Activity.Log(store.ActivityLinkFailed, "", ""); err != nil {
			s.logger.Warnf("Failed to log activity: %v", err)
		}
	}
	if s.opts.Feed != nil {
		s.opts.Feed.Broadcast(feed.LinkFrame("link_failed", "", s.clock.Now()))
	}
}

func (s *Session) onMessage(m messaging.Message) {
	if s.opts.Activity != nil {
		if err := s.opts.Activity.Log(store.ActivityMessage, m.SenderID, m.Text); err != nil {
			s.logger.Warnf("Failed to log activity: %v", err)
		}
	}
	s.opts.Notifier.Message(m)
	if s.opts.Feed != nil {
		s.opts.Feed.Broadcast(feed.MessageFrame(m, s.clock.Now()))
	}
}

// Send queues text to the connected peer and reports whether the
// transport accepted it. The message lands in history either way.
func (s *Session) Send(text string) bool {
	return s.orch.Send(text)
}

// Ready reports whether a message channel is attached and sends can
// reach the peer.
func (s *Session) Ready() bool {
	return s.orch.Attached()
}

func (s *Session) History() []messaging.Message {
	return s.orch.History()
}

// Peers returns the currently visible peers.
func (s *Session) Peers() []bridge.Peer {
	return s.registry.Peers()
}

// Connect asks the radio to form a link with peerID. Socket roles and
// the actual TCP work follow from the bridge's link event.
func (s *Session) Connect(peerID string) error {
	return s.bridge.Connect(peerID)
}

// Disconnect tears down the message socket and the radio link.
func (s *Session) Disconnect() error {
	s.neg.Disconnect()
	return s.bridge.Disconnect()
}

func (s *Session) LinkState() negotiator.State {
	return s.neg.State()
}

func (s *Session) Self() bridge.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Close shuts the session down: socket first so the link drains, then
// the event loop, then the radio.
func (s *Session) Close() error {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	_ = s.neg.Close()
	if started {
		cancel()
		<-s.done
	}
	_ = s.bridge.StopDiscovery()
	return s.bridge.Close()
}
