package negotiator

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/channel"
	"github.com/beaconmesh/beacon/internal/protocol"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const waitTimeout = 10 * time.Second

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// freePort grabs an ephemeral port and releases it for the negotiator to
// bind. The tiny reuse window is acceptable for loopback tests.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newTestNegotiator(t *testing.T, port int, id string) *Negotiator {
	t.Helper()

	cfg := Config{
		ListenHost:    "127.0.0.1",
		Port:          port,
		DialTimeout:   2 * time.Second,
		AcceptTimeout: 5 * time.Second,
		MaxAttempts:   3,
		RetryBase:     50 * time.Millisecond,
		RetryCap:      200 * time.Millisecond,
	}
	n := New(cfg, channel.Identity{ID: id, Name: "unit " + id}, testLogger(), clock.New())
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func awaitEvent(t *testing.T, n *Negotiator, want EventKind) Event {
	t.Helper()

	select {
	case ev := <-n.Events():
		if ev.Kind != want {
			t.Fatalf("expected %v event, got %v", want, ev.Kind)
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %v event", want)
	}
	return Event{}
}

func awaitChannel(t *testing.T, n *Negotiator) *channel.Channel {
	t.Helper()

	select {
	case ch := <-n.Channels():
		return ch
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for channel")
	}
	return nil
}

// connectPair brings a host and a client negotiator to Active over
// loopback and returns both with their channels.
func connectPair(t *testing.T) (host, client *Negotiator, hostCh, clientCh *channel.Channel) {
	t.Helper()

	ctx := testContext(t)
	port := freePort(t)
	host = newTestNegotiator(t, port, "host-peer")
	client = newTestNegotiator(t, port, "client-peer")

	host.HandleLink(ctx, bridge.LinkState{Connected: true, IsHost: true})
	client.HandleLink(ctx, bridge.LinkState{Connected: true, IsHost: false, HostAddr: "127.0.0.1"})

	hostCh = awaitChannel(t, host)
	clientCh = awaitChannel(t, client)
	awaitEvent(t, host, SocketUp)
	awaitEvent(t, client, SocketUp)
	return host, client, hostCh, clientCh
}

func TestNegotiatorHostClientPair(t *testing.T) {
	host, client, hostCh, clientCh := connectPair(t)

	if host.State() != StateActive {
		t.Errorf("expected host ACTIVE, got %v", host.State())
	}
	if client.State() != StateActive {
		t.Errorf("expected client ACTIVE, got %v", client.State())
	}

	if err := hostCh.Send(protocol.NewChat("host-peer", "Host", "link check", time.Now())); err != nil {
		t.Fatalf("Send over negotiated socket failed: %v", err)
	}

	select {
	case env := <-clientCh.Inbound():
		if env.Text != "link check" {
			t.Errorf("expected 'link check', got %q", env.Text)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message over negotiated socket")
	}
}

func TestNegotiatorAppendsWellKnownPort(t *testing.T) {
	// connectPair already passes a bare HostAddr; this guards the helper
	// directly for addresses with and without a port.
	n := newTestNegotiator(t, 8888, "x")

	if got := n.ensurePort("10.0.0.7"); got != "10.0.0.7:8888" {
		t.Errorf("expected port appended, got %q", got)
	}
	if got := n.ensurePort("10.0.0.7:9999"); got != "10.0.0.7:9999" {
		t.Errorf("expected explicit port kept, got %q", got)
	}
}

func TestNegotiatorDialFailure(t *testing.T) {
	ctx := testContext(t)

	cfg := Config{
		Port:        freePort(t),
		DialTimeout: 500 * time.Millisecond,
		MaxAttempts: 2,
		RetryBase:   10 * time.Millisecond,
		RetryCap:    20 * time.Millisecond,
	}
	n := New(cfg, channel.Identity{ID: "client-peer", Name: "Client"}, testLogger(), clock.New())
	t.Cleanup(func() { _ = n.Close() })

	// Nothing listens on the target port: every attempt is refused.
	n.HandleLink(ctx, bridge.LinkState{Connected: true, IsHost: false, HostAddr: "127.0.0.1"})

	awaitEvent(t, n, ConnectFailed)
	if n.State() != StateIdle {
		t.Errorf("expected IDLE after exhausted attempts, got %v", n.State())
	}
}

func TestNegotiatorHostAcceptTimeout(t *testing.T) {
	ctx := testContext(t)

	cfg := Config{
		ListenHost:    "127.0.0.1",
		Port:          freePort(t),
		AcceptTimeout: 100 * time.Millisecond,
		MaxAttempts:   1,
		RetryBase:     10 * time.Millisecond,
	}
	n := New(cfg, channel.Identity{ID: "host-peer", Name: "Host"}, testLogger(), clock.New())
	t.Cleanup(func() { _ = n.Close() })

	n.HandleLink(ctx, bridge.LinkState{Connected: true, IsHost: true})

	awaitEvent(t, n, ConnectFailed)
	if n.State() != StateIdle {
		t.Errorf("expected IDLE after accept window expired, got %v", n.State())
	}
}

func TestNegotiatorLinkLostTearsDown(t *testing.T) {
	ctx := testContext(t)
	host, client, _, _ := connectPair(t)

	host.HandleLink(ctx, bridge.LinkState{Connected: false})

	awaitEvent(t, host, SocketDown)
	if host.State() != StateIdle {
		t.Errorf("expected host IDLE, got %v", host.State())
	}

	// The client's socket dies with the host's side of the connection.
	awaitEvent(t, client, SocketDown)
	if client.State() != StateIdle {
		t.Errorf("expected client IDLE, got %v", client.State())
	}
}

func TestNegotiatorDisconnect(t *testing.T) {
	host, client, _, _ := connectPair(t)

	client.Disconnect()

	awaitEvent(t, client, SocketDown)
	awaitEvent(t, host, SocketDown)
	if client.State() != StateIdle || host.State() != StateIdle {
		t.Errorf("expected both IDLE, got client=%v host=%v", client.State(), host.State())
	}
}

func TestNegotiatorIgnoresLinkWhileActive(t *testing.T) {
	ctx := testContext(t)
	host, _, _, _ := connectPair(t)

	// The radio repeating itself must not spawn a second session.
	host.HandleLink(ctx, bridge.LinkState{Connected: true, IsHost: true})
	time.Sleep(100 * time.Millisecond)

	if host.State() != StateActive {
		t.Errorf("expected host to stay ACTIVE, got %v", host.State())
	}
	select {
	case <-host.Channels():
		t.Error("expected no second channel")
	default:
	}
}

func TestNegotiatorDiscoveryBookkeeping(t *testing.T) {
	n := newTestNegotiator(t, freePort(t), "solo-peer")

	if n.State() != StateIdle {
		t.Fatalf("expected IDLE, got %v", n.State())
	}
	n.BeginDiscovery()
	if n.State() != StateDiscovering {
		t.Errorf("expected DISCOVERING, got %v", n.State())
	}
	n.EndDiscovery()
	if n.State() != StateIdle {
		t.Errorf("expected IDLE, got %v", n.State())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "IDLE"},
		{StateDiscovering, "DISCOVERING"},
		{StateNegotiating, "NEGOTIATING"},
		{StateHosting, "HOSTING"},
		{StateConnecting, "CONNECTING"},
		{StateActive, "ACTIVE"},
		{State(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("%d.String() = %s, want %s", int(tt.state), got, tt.expected)
		}
	}
}

func TestNegotiatorEventKindString(t *testing.T) {
	tests := []struct {
		kind     EventKind
		expected string
	}{
		{SocketUp, "SOCKET_UP"},
		{SocketDown, "SOCKET_DOWN"},
		{ConnectFailed, "CONNECT_FAILED"},
		{EventKind(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.expected {
			t.Errorf("%d.String() = %s, want %s", int(tt.kind), got, tt.expected)
		}
	}
}
