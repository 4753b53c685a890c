// Package feed pushes system events to local user interfaces over
// WebSocket. Map displays and dashboards subscribe to /ws and receive
// one JSON frame per event.
package feed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/messaging"
	"github.com/beaconmesh/beacon/internal/protocol"
)

const (
	// sendBuf bounds the per-client queue. Clients that fall this far
	// behind are dropped rather than allowed to stall the feed.
	sendBuf = 64

	writeWait = 5 * time.Second
)

type Frame struct {
	Kind string      `json:"kind"`
	At   string      `json:"at"`
	Body interface{} `json:"body,omitempty"`
}

type peerBody struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Emergency bool   `json:"emergency"`
}

type messageBody struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  string `json:"timestamp"`
	Text       string `json:"text"`
	Direction  string `json:"direction"`
	Type       string `json:"type"`
	Delivered  bool   `json:"delivered"`
}

type linkBody struct {
	Addr string `json:"addr,omitempty"`
}

func PeerFrame(kind string, p bridge.Peer, at time.Time) Frame {
	return Frame{
		Kind: kind,
		At:   protocol.FormatTimestamp(at),
		Body: peerBody{ID: p.ID, Name: p.DisplayName, Emergency: p.Emergency},
	}
}

func MessageFrame(m messaging.Message, at time.Time) Frame {
	return Frame{
		Kind: "message",
		At:   protocol.FormatTimestamp(at),
		Body: messageBody{
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Timestamp:  protocol.FormatTimestamp(m.Timestamp),
			Text:       m.Text,
			Direction:  m.Direction.String(),
			Type:       m.Kind.String(),
			Delivered:  m.Delivered,
		},
	}
}

func LinkFrame(kind, addr string, at time.Time) Frame {
	return Frame{Kind: kind, At: protocol.FormatTimestamp(at), Body: linkBody{Addr: addr}}
}

type Config struct {
	Addr   string
	Logger *logrus.Logger
}

type Server struct {
	cfg      Config
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	listener net.Listener
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed binds loopback for local UIs; any origin on the
			// device may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start binds the feed address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Infof("Event feed listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.closeClients()
	}()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Event feed stopped: %v", err)
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Broadcast sends one frame to every connected client. Clients whose
// queue is full are dropped.
func (s *Server) Broadcast(f Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		s.logger.Warnf("Failed to encode feed frame: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- raw:
		default:
			s.logger.Warnf("Dropping slow feed client %s", c.conn.RemoteAddr())
			delete(s.clients, c)
			close(c.send)
		}
	}
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade feed connection: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuf)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Infof("Feed client connected from %s", conn.RemoteAddr())

	go s.writePump(c)
	s.readPump(c)
}

// readPump drains inbound frames so close handshakes complete. The
// feed itself is one-way.
func (s *Server) readPump(c *client) {
	defer s.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugf("Feed client read ended: %v", err)
			}
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	for raw := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			s.drop(c)
			return
		}
	}
	// Queue closed by Broadcast or shutdown.
	_ = c.conn.Close()
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
	s.mu.Unlock()
}
