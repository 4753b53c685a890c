// Package negotiator drives the connection state machine for one radio
// group link. When the bridge reports a link, the local end either hosts
// (binds the well-known port and accepts exactly one inbound connection)
// or connects (dials the host), with bounded exponential backoff on
// failure. The role is fixed for the lifetime of the negotiated session.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/channel"
	"github.com/beaconmesh/beacon/internal/protocol"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var errStale = errors.New("negotiator: attempt superseded")

type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateNegotiating
	StateHosting
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDiscovering:
		return "DISCOVERING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateHosting:
		return "HOSTING"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

type EventKind int

const (
	SocketUp EventKind = iota
	SocketDown
	ConnectFailed
)

func (k EventKind) String() string {
	switch k {
	case SocketUp:
		return "SOCKET_UP"
	case SocketDown:
		return "SOCKET_DOWN"
	case ConnectFailed:
		return "CONNECT_FAILED"
	default:
		return "UNKNOWN"
	}
}

type Event struct {
	Kind       EventKind
	RemoteAddr string
	At         time.Time
}

type Config struct {
	// ListenHost is the interface hosting binds to; empty means all.
	ListenHost string
	// Port is the well-known message port. Hosting binds it; dialing
	// appends it when the bridge reports a bare host address.
	Port          int
	DialTimeout   time.Duration
	AcceptTimeout time.Duration
	// MaxAttempts bounds bind and dial retries; the delay starts at
	// RetryBase and doubles per attempt up to RetryCap.
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AcceptTimeout == 0 {
		c.AcceptTimeout = 45 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase == 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryCap == 0 {
		c.RetryCap = 4 * time.Second
	}
	return c
}

type Negotiator struct {
	logger *logrus.Logger
	clock  clock.Clock
	cfg    Config
	local  channel.Identity

	events   chan Event
	channels chan *channel.Channel

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped on every teardown; stale attempts check it
	cancel   context.CancelFunc
	listener net.Listener
	ch       *channel.Channel
	closed   bool
}

func New(cfg Config, local channel.Identity, logger *logrus.Logger, clk clock.Clock) *Negotiator {
	return &Negotiator{
		logger:   logger,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		local:    local,
		events:   make(chan Event, 16),
		channels: make(chan *channel.Channel, 1),
	}
}

// Events reports SocketUp, SocketDown and ConnectFailed. Every
// Active-to-Idle transition yields exactly one SocketDown.
func (n *Negotiator) Events() <-chan Event {
	return n.events
}

// Channels delivers each newly established message channel, already
// started, exactly once.
func (n *Negotiator) Channels() <-chan *channel.Channel {
	return n.channels
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) BeginDiscovery() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateIdle {
		n.state = StateDiscovering
		return
	}
	n.logger.WithField("state", n.state.String()).Debug("BeginDiscovery ignored in current state")
}

func (n *Negotiator) EndDiscovery() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateDiscovering {
		n.state = StateIdle
	}
}

// HandleLink reacts to a group link change from the bridge. A connected
// link starts the host or client path asynchronously; a lost link tears
// the session down. Link events that contradict the current state are
// logged and ignored, keeping previous state.
func (n *Negotiator) HandleLink(ctx context.Context, ls bridge.LinkState) {
	if !ls.Connected {
		n.finish(0, "link lost")
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	switch n.state {
	case StateIdle, StateDiscovering:
	default:
		n.logger.WithFields(logrus.Fields{
			"state": n.state.String(),
			"host":  ls.IsHost,
		}).Debug("Ignoring link event in current state")
		n.mu.Unlock()
		return
	}
	n.gen++
	gen := n.gen
	actx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.state = StateNegotiating
	n.mu.Unlock()

	if ls.IsHost {
		n.logger.Info("Negotiated role: host")
		go n.host(actx, gen)
	} else {
		n.logger.WithField("host", ls.HostAddr).Info("Negotiated role: client")
		go n.dial(actx, gen, ls.HostAddr)
	}
}

// Disconnect tears the session down on explicit request, signalling the
// peer first on a best-effort basis.
func (n *Negotiator) Disconnect() {
	n.mu.Lock()
	ch := n.ch
	n.mu.Unlock()

	if ch != nil {
		_ = ch.Send(protocol.NewControl(n.local.ID, n.local.Name, protocol.ControlBye, n.clock.Now()))
	}
	n.finish(0, "disconnect requested")
}

func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.finish(0, "negotiator closed")
	return nil
}

func (n *Negotiator) host(ctx context.Context, gen uint64) {
	n.setState(gen, StateHosting)
	addr := net.JoinHostPort(n.cfg.ListenHost, strconv.Itoa(n.cfg.Port))

	var conn net.Conn
	err := n.withRetries(ctx, "listen", func() error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		if !n.adoptListener(gen, ln) {
			_ = ln.Close()
			return errStale
		}

		// Exactly one inbound connection per session: accept once, then
		// close the listener whatever happened.
		_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(n.cfg.AcceptTimeout))
		c, aerr := ln.Accept()
		n.dropListener(gen)
		if aerr != nil {
			return aerr
		}
		conn = c
		return nil
	})
	if err != nil {
		n.fail(gen, "host", err)
		return
	}
	n.establish(ctx, gen, conn)
}

func (n *Negotiator) dial(ctx context.Context, gen uint64, hostAddr string) {
	n.setState(gen, StateConnecting)
	addr := n.ensurePort(hostAddr)

	var conn net.Conn
	err := n.withRetries(ctx, "dial", func() error {
		d := net.Dialer{Timeout: n.cfg.DialTimeout}
		c, derr := d.DialContext(ctx, "tcp", addr)
		if derr != nil {
			return derr
		}
		conn = c
		return nil
	})
	if err != nil {
		n.fail(gen, "dial", err)
		return
	}
	n.establish(ctx, gen, conn)
}

// withRetries runs attempt up to MaxAttempts times with exponential
// backoff between failures, capped at RetryCap.
func (n *Negotiator) withRetries(ctx context.Context, op string, attempt func() error) error {
	delay := n.cfg.RetryBase
	var lastErr error
	for i := 1; i <= n.cfg.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = attempt()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errStale) {
			return lastErr
		}
		n.logger.WithError(lastErr).WithFields(logrus.Fields{
			"op":      op,
			"attempt": i,
			"max":     n.cfg.MaxAttempts,
		}).Warn("Connection attempt failed")

		if i == n.cfg.MaxAttempts {
			break
		}
		timer := n.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
		if delay > n.cfg.RetryCap {
			delay = n.cfg.RetryCap
		}
	}
	return fmt.Errorf("negotiator: %s: attempts exhausted: %w", op, lastErr)
}

func (n *Negotiator) establish(ctx context.Context, gen uint64, conn net.Conn) {
	ch := channel.New(conn, n.local, n.logger, n.clock)
	if err := ch.Start(ctx); err != nil {
		_ = ch.Close()
		n.fail(gen, "handshake", err)
		return
	}

	n.mu.Lock()
	if n.gen != gen || n.closed {
		n.mu.Unlock()
		_ = ch.Close()
		return
	}
	n.ch = ch
	n.state = StateActive
	n.mu.Unlock()

	remote := conn.RemoteAddr().String()
	n.logger.WithField("peer", remote).Info("Message socket up")
	n.emit(Event{Kind: SocketUp, RemoteAddr: remote, At: n.clock.Now()})

	select {
	case n.channels <- ch:
	default:
		n.logger.Warn("Channel consumer not keeping up, closing new channel")
		_ = ch.Close()
		n.finish(gen, "undeliverable channel")
		return
	}

	go func() {
		<-ch.Done()
		n.finish(gen, "socket closed")
	}()
}

// finish returns to Idle, closing whatever the session holds. onlyGen
// restricts the teardown to one generation (0 means unconditional), so a
// stale watcher cannot kill a newer session.
func (n *Negotiator) finish(onlyGen uint64, reason string) {
	n.mu.Lock()
	if onlyGen != 0 && n.gen != onlyGen {
		n.mu.Unlock()
		return
	}
	n.gen++
	wasActive := n.state == StateActive
	var remote string
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	if n.listener != nil {
		_ = n.listener.Close()
		n.listener = nil
	}
	if n.ch != nil {
		remote = n.ch.RemoteAddr()
		_ = n.ch.Close()
		n.ch = nil
	}
	n.state = StateIdle
	n.mu.Unlock()

	if wasActive {
		n.logger.WithFields(logrus.Fields{
			"peer":   remote,
			"reason": reason,
		}).Info("Message socket down")
		n.emit(Event{Kind: SocketDown, RemoteAddr: remote, At: n.clock.Now()})
	}
}

func (n *Negotiator) fail(gen uint64, op string, err error) {
	if errors.Is(err, errStale) || errors.Is(err, context.Canceled) {
		return
	}

	n.mu.Lock()
	if n.gen != gen || n.closed {
		n.mu.Unlock()
		return
	}
	n.gen++
	n.state = StateIdle
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	if n.listener != nil {
		_ = n.listener.Close()
		n.listener = nil
	}
	n.mu.Unlock()

	n.logger.WithError(err).WithField("op", op).Error("Failed to establish message socket")
	n.emit(Event{Kind: ConnectFailed, At: n.clock.Now()})
}

func (n *Negotiator) setState(gen uint64, s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen == gen && !n.closed {
		n.state = s
	}
}

func (n *Negotiator) adoptListener(gen uint64, ln net.Listener) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen != gen || n.closed {
		return false
	}
	n.listener = ln
	return true
}

func (n *Negotiator) dropListener(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener != nil && n.gen == gen {
		_ = n.listener.Close()
		n.listener = nil
	}
}

func (n *Negotiator) ensurePort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(n.cfg.Port))
}

func (n *Negotiator) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.WithField("kind", ev.Kind.String()).Warn("Dropping connection event, consumer not keeping up")
	}
}
