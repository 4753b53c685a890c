package feed

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/messaging"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s := NewServer(Config{Addr: "127.0.0.1:0", Logger: log})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))
	return s
}

func dialFeed(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesClient(t *testing.T) {
	s := startServer(t)
	conn := dialFeed(t, s)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	s.Broadcast(PeerFrame("peer_joined", bridge.Peer{
		ID:          "dev-1",
		DisplayName: "Rescue 1",
		Emergency:   true,
	}, at))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Kind string `json:"kind"`
		At   string `json:"at"`
		Body struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Emergency bool   `json:"emergency"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "peer_joined", frame.Kind)
	require.Equal(t, "2026-03-14T09:26:53Z", frame.At)
	require.Equal(t, "dev-1", frame.Body.ID)
	require.Equal(t, "Rescue 1", frame.Body.Name)
	require.True(t, frame.Body.Emergency)
}

func TestMessageFrameShape(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 27, 0, 0, time.UTC)
	m := messaging.Message{
		SenderID:   "dev-1",
		SenderName: "Rescue 1",
		Text:       "anyone near the bridge?",
		Timestamp:  at,
		Direction:  messaging.Inbound,
		Kind:       messaging.KindChat,
		Delivered:  true,
	}
	raw, err := json.Marshal(MessageFrame(m, at))
	require.NoError(t, err)

	var frame struct {
		Kind string `json:"kind"`
		Body struct {
			Direction string `json:"direction"`
			Type      string `json:"type"`
			Text      string `json:"text"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "message", frame.Kind)
	require.Equal(t, "INBOUND", frame.Body.Direction)
	require.Equal(t, "CHAT", frame.Body.Type)
	require.Equal(t, "anyone near the bridge?", frame.Body.Text)
}

func TestBroadcastFansOutInOrder(t *testing.T) {
	s := startServer(t)
	a := dialFeed(t, s)
	b := dialFeed(t, s)

	require.Eventually(t, func() bool { return s.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	now := time.Now()
	for _, kind := range []string{"link_up", "link_down", "link_failed"} {
		s.Broadcast(LinkFrame(kind, "10.0.0.5:8888", now))
	}

	for _, conn := range []*websocket.Conn{a, b} {
		var kinds []string
		for i := 0; i < 3; i++ {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, raw, err := conn.ReadMessage()
			require.NoError(t, err)
			var frame Frame
			require.NoError(t, json.Unmarshal(raw, &frame))
			kinds = append(kinds, frame.Kind)
		}
		require.Equal(t, []string{"link_up", "link_down", "link_failed"}, kinds)
	}
}

func TestClientDisconnectCleansUp(t *testing.T) {
	s := startServer(t)
	conn := dialFeed(t, s)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Broadcasting to an empty feed is a no-op.
	s.Broadcast(LinkFrame("link_up", "10.0.0.5:8888", time.Now()))
}

func TestShutdownClosesClients(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := NewServer(Config{Addr: "127.0.0.1:0", Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	conn := dialFeed(t, s)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
