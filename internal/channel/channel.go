// Package channel frames chat traffic over the single message socket of a
// connected session. One read loop routes inbound frames to a channel; all
// writes are serialized through Send. Delivery is at-most-once: there are
// no acks and no retransmits, and a dead socket ends the session.
package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/beaconmesh/beacon/internal/protocol"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("channel: closed")

// Identity names one end of the socket.
type Identity struct {
	ID   string
	Name string
}

const (
	inboundBufSize = 64
	writeTimeout   = 5 * time.Second
)

// Channel owns exactly one net.Conn. Inbound frames that decode as chat
// envelopes arrive on Inbound(); frames that do not decode at all are
// wrapped as raw-text chat envelopes attributed to the remote end, so no
// bytes are ever dropped. Control frames are consumed internally.
type Channel struct {
	conn   net.Conn
	logger *logrus.Logger
	clock  clock.Clock
	local  Identity

	wmu sync.Mutex // serializes socket writes

	inbound  chan protocol.Envelope
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.RWMutex
	remote Identity
}

func New(conn net.Conn, local Identity, logger *logrus.Logger, clk clock.Clock) *Channel {
	return &Channel{
		conn:    conn,
		logger:  logger,
		clock:   clk,
		local:   local,
		inbound: make(chan protocol.Envelope, inboundBufSize),
		done:    make(chan struct{}),
		// Until a hello arrives, the remote is known only by its address.
		remote: Identity{ID: conn.RemoteAddr().String()},
	}
}

// Start announces the local identity and launches the read loop. The
// inbound channel closes when the read loop exits, whatever the cause.
func (c *Channel) Start(ctx context.Context) error {
	hello := protocol.NewControl(c.local.ID, c.local.Name, protocol.ControlHello, c.clock.Now())
	if err := c.Send(hello); err != nil {
		return fmt.Errorf("channel: hello: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-c.done:
		}
	}()
	go c.readLoop(ctx)
	return nil
}

// Send writes one envelope as one frame. Concurrent callers are
// serialized; a write error means the frame may be lost and the socket
// should be considered dead.
func (c *Channel) Send(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("channel: write: %w", err)
	}
	return nil
}

func (c *Channel) Inbound() <-chan protocol.Envelope {
	return c.inbound
}

// Done closes when the read loop has exited or Close was called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// RemoteIdentity is the peer as announced by its hello, or its socket
// address until one arrives.
func (c *Channel) RemoteIdentity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

func (c *Channel) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Channel) readLoop(ctx context.Context) {
	defer func() {
		c.doneOnce.Do(func() { close(c.done) })
		close(c.inbound)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		env, err := protocol.Decode(line)
		if err != nil {
			// Raw-text fallback: deliver the bytes as a chat message from
			// whoever is on the other end of the socket.
			env = c.wrapRaw(line)
			c.logger.WithError(err).WithField("peer", c.RemoteAddr()).
				Debug("Undecodable frame, delivering as raw text")
		}

		if env.Type == protocol.TypeControl {
			c.handleControl(env)
			continue
		}

		select {
		case c.inbound <- env:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.WithError(err).WithField("peer", c.RemoteAddr()).Debug("Read loop ended")
	}
}

func (c *Channel) wrapRaw(line []byte) protocol.Envelope {
	remote := c.RemoteIdentity()
	return protocol.Envelope{
		Type:       protocol.TypeChat,
		SenderID:   remote.ID,
		SenderName: remote.Name,
		Timestamp:  protocol.FormatTimestamp(c.clock.Now()),
		Text:       string(line),
	}
}

func (c *Channel) handleControl(env protocol.Envelope) {
	switch env.Text {
	case protocol.ControlHello:
		c.mu.Lock()
		c.remote = Identity{ID: env.SenderID, Name: env.SenderName}
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"peer": env.SenderID,
			"name": env.SenderName,
		}).Info("Peer identified")
	case protocol.ControlBye:
		c.logger.WithField("peer", env.SenderID).Info("Peer signalled teardown")
	default:
		c.logger.WithField("verb", env.Text).Debug("Ignoring unknown control verb")
	}
}
