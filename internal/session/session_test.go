package session_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/bridge/bridgetest"
	"github.com/beaconmesh/beacon/internal/channel"
	"github.com/beaconmesh/beacon/internal/messaging"
	"github.com/beaconmesh/beacon/internal/negotiator"
	"github.com/beaconmesh/beacon/internal/session"
	"github.com/beaconmesh/beacon/internal/store"
)

const waitTimeout = 10 * time.Second

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

type fixture struct {
	sess     *session.Session
	fake     *bridgetest.Fake
	peers    *store.PeerStore
	activity *store.ActivityStore
}

func newFixture(t *testing.T, id, name string, port int) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	peers := store.NewPeerStore(db)
	activity := store.NewActivityStore(db)

	fake := bridgetest.New()
	sess, err := session.New(session.Options{
		Bridge:   fake,
		Identity: channel.Identity{ID: id, Name: name},
		Negotiator: negotiator.Config{
			ListenHost:    "127.0.0.1",
			Port:          port,
			DialTimeout:   2 * time.Second,
			AcceptTimeout: 5 * time.Second,
			MaxAttempts:   3,
			RetryBase:     50 * time.Millisecond,
			RetryCap:      200 * time.Millisecond,
		},
		Peers:    peers,
		Activity: activity,
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	return &fixture{sess: sess, fake: fake, peers: peers, activity: activity}
}

func hasActivity(t *testing.T, s *store.ActivityStore, kind string) bool {
	t.Helper()
	entries, err := s.Recent(50)
	if err != nil {
		t.Fatalf("read activity: %v", err)
	}
	for _, e := range entries {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func inboundText(history []messaging.Message, text string) *messaging.Message {
	for i := range history {
		if history[i].Direction == messaging.Inbound && history[i].Text == text {
			return &history[i]
		}
	}
	return nil
}

func TestTwoSessionsExchangeMessages(t *testing.T) {
	port := freePort(t)

	// The lower ID hosts, so alpha binds and zulu dials.
	alpha := newFixture(t, "aaa-alpha", "Alpha", port)
	zulu := newFixture(t, "zzz-zulu", "Zulu", port)

	alpha.fake.PushPeers([]bridge.Peer{{ID: "zzz-zulu", DisplayName: "Zulu", Status: bridge.StatusAvailable}})
	zulu.fake.PushPeers([]bridge.Peer{{ID: "aaa-alpha", DisplayName: "Alpha", Status: bridge.StatusAvailable}})

	waitFor(t, "alpha to see zulu", func() bool {
		ps := alpha.sess.Peers()
		return len(ps) == 1 && ps[0].ID == "zzz-zulu"
	})

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	alpha.fake.PushLink(bridge.LinkState{Connected: true, IsHost: true, HostAddr: addr})
	zulu.fake.PushLink(bridge.LinkState{Connected: true, IsHost: false, HostAddr: addr})

	waitFor(t, "both sockets up", func() bool {
		return alpha.sess.Ready() && zulu.sess.Ready()
	})
	if got := alpha.sess.LinkState(); got != negotiator.StateActive {
		t.Errorf("alpha state = %v, want active", got)
	}

	if !zulu.sess.Send("need water at the ridge") {
		t.Error("send over an active socket reported failure")
	}
	waitFor(t, "alpha to receive the message", func() bool {
		return inboundText(alpha.sess.History(), "need water at the ridge") != nil
	})
	msg := inboundText(alpha.sess.History(), "need water at the ridge")
	if msg.SenderID != "zzz-zulu" || msg.SenderName != "Zulu" {
		t.Errorf("sender = %s (%s), want zzz-zulu (Zulu)", msg.SenderID, msg.SenderName)
	}

	if !alpha.sess.Send("copy, en route") {
		t.Error("reply over an active socket reported failure")
	}
	waitFor(t, "zulu to receive the reply", func() bool {
		return inboundText(zulu.sess.History(), "copy, en route") != nil
	})

	// Persistence runs behind the bus; give it until it lands.
	waitFor(t, "alpha peer row", func() bool {
		ps, err := alpha.peers.LoadPeers()
		if err != nil {
			t.Fatalf("load peers: %v", err)
		}
		return len(ps) == 1 && ps[0].ID == "zzz-zulu"
	})
	waitFor(t, "alpha activity rows", func() bool {
		return hasActivity(t, alpha.activity, store.ActivityPeerJoined) &&
			hasActivity(t, alpha.activity, store.ActivityLinkUp) &&
			hasActivity(t, alpha.activity, store.ActivityMessage)
	})

	// Hanging up on one side drops both.
	if err := alpha.sess.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, "both sides idle", func() bool {
		return alpha.sess.LinkState() == negotiator.StateIdle &&
			zulu.sess.LinkState() == negotiator.StateIdle
	})
	waitFor(t, "zulu detached", func() bool { return !zulu.sess.Ready() })

	if zulu.sess.Send("anyone there?") {
		t.Error("send after disconnect reported success")
	}
	hist := zulu.sess.History()
	last := hist[len(hist)-1]
	if last.Text != "anyone there?" || last.Delivered {
		t.Errorf("failed send not recorded correctly: %+v", last)
	}
}

func TestSendWithoutLinkStaysLocal(t *testing.T) {
	fx := newFixture(t, "solo-device", "Solo", freePort(t))

	if fx.sess.Send("is this thing on") {
		t.Error("send with no link reported success")
	}
	hist := fx.sess.History()
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].Delivered || hist[0].Direction != messaging.Outbound {
		t.Errorf("unexpected history entry: %+v", hist[0])
	}
}

func TestRadioLossClearsPeers(t *testing.T) {
	fx := newFixture(t, "base-camp", "Base", freePort(t))

	fx.fake.PushPeers([]bridge.Peer{
		{ID: "rover-1", DisplayName: "Rover 1", Status: bridge.StatusAvailable},
		{ID: "rover-2", DisplayName: "Rover 2", Status: bridge.StatusAvailable},
	})
	waitFor(t, "both rovers visible", func() bool {
		return len(fx.sess.Peers()) == 2
	})

	fx.fake.PushRadio(false)
	waitFor(t, "peer list cleared", func() bool {
		return len(fx.sess.Peers()) == 0
	})

	// The store keeps the peers but marks them unavailable.
	waitFor(t, "rows marked unavailable", func() bool {
		ps, err := fx.peers.LoadPeers()
		if err != nil {
			t.Fatalf("load peers: %v", err)
		}
		if len(ps) != 2 {
			return false
		}
		return ps[0].Status == bridge.StatusUnavailable && ps[1].Status == bridge.StatusUnavailable
	})
}

func TestConnectGoesThroughBridge(t *testing.T) {
	fx := newFixture(t, "base-camp", "Base", freePort(t))

	if err := fx.sess.Connect("rover-1"); !errors.Is(err, bridge.ErrPeerUnknown) {
		t.Errorf("Connect(unknown) = %v, want ErrPeerUnknown", err)
	}

	fx.fake.PushPeers([]bridge.Peer{{ID: "rover-1", DisplayName: "Rover 1"}})
	if err := fx.sess.Connect("rover-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := fx.fake.ConnectedTo(); got != "rover-1" {
		t.Errorf("bridge connected to %q, want rover-1", got)
	}
}

func TestStartFailsOnBridgeInit(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	fake := bridgetest.New()
	fake.InitErr = bridge.ErrUnsupported

	sess, err := session.New(session.Options{
		Bridge:   fake,
		Identity: channel.Identity{ID: "solo-device", Name: "Solo"},
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	if err := sess.Start(context.Background()); !errors.Is(err, bridge.ErrUnsupported) {
		t.Fatalf("Start = %v, want ErrUnsupported", err)
	}

	// A failed start must not wedge shutdown.
	closed := make(chan error, 1)
	go func() { closed <- sess.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close after failed start: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Close hung after failed start")
	}
}

func TestDialFailureLogsLinkFailed(t *testing.T) {
	fx := newFixture(t, "client-only", "Client", freePort(t))

	// Nobody listens on the advertised address, so every attempt fails.
	dead := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	fx.fake.PushLink(bridge.LinkState{Connected: true, IsHost: false, HostAddr: dead})

	waitFor(t, "link failure recorded", func() bool {
		return hasActivity(t, fx.activity, store.ActivityLinkFailed)
	})
	waitFor(t, "negotiator back to idle", func() bool {
		return fx.sess.LinkState() == negotiator.StateIdle
	})
}
