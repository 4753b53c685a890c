// Package messaging merges outbound and inbound chat traffic into one
// ordered local history. Outbound messages are recorded whether or not
// the transport accepted them; inbound duplicates are suppressed by
// sender, wire timestamp and text.
package messaging

import (
	"sync"
	"time"

	"github.com/beaconmesh/beacon/internal/channel"
	"github.com/beaconmesh/beacon/internal/protocol"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "OUTBOUND"
	case Inbound:
		return "INBOUND"
	default:
		return "UNKNOWN"
	}
}

// Kind mirrors the wire envelope type of an entry. Control frames are
// consumed by the channel, so histories normally hold only chat; the
// field keeps the wire type visible to consumers anyway.
type Kind int

const (
	KindChat Kind = iota
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "CHAT"
	case KindControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

func kindOf(t protocol.EnvelopeType) Kind {
	if t == protocol.TypeControl {
		return KindControl
	}
	return KindChat
}

// Message is one entry of the local conversation history. Timestamp is
// the sender's clock when it parsed, local arrival time otherwise;
// WireTime keeps the raw wire timestamp because it is part of the
// duplicate fingerprint. Delivered is meaningful for outbound entries:
// false marks a message the transport never accepted.
type Message struct {
	ID         string
	SenderID   string
	SenderName string
	Text       string
	Timestamp  time.Time
	WireTime   string
	Direction  Direction
	Kind       Kind
	Delivered  bool
}

const DefaultHistoryLimit = 1000

type Config struct {
	Self channel.Identity
	// HistoryLimit bounds the in-memory history; the oldest entry is
	// evicted first. Zero means DefaultHistoryLimit.
	HistoryLimit int
	// OnInbound is invoked for every accepted (non-duplicate) inbound
	// message, in arrival order.
	OnInbound func(Message)
	Logger    *logrus.Logger
	Clock     clock.Clock
}

// Orchestrator is the single place chat messages enter and leave the
// session. It holds at most one attached channel at a time; Send without
// one still records the message locally and reports false.
type Orchestrator struct {
	logger    *logrus.Logger
	clock     clock.Clock
	self      channel.Identity
	limit     int
	onInbound func(Message)

	mu      sync.Mutex
	ch      *channel.Channel
	history []Message
	seen    map[string]struct{}
}

func NewOrchestrator(cfg Config) *Orchestrator {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Orchestrator{
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		self:      cfg.Self,
		limit:     limit,
		onInbound: cfg.OnInbound,
		seen:      make(map[string]struct{}),
	}
}

// Send records text in the history and attempts delivery on the attached
// channel. The return value reports transport acceptance only; the
// history entry exists either way, marked by Delivered.
func (o *Orchestrator) Send(text string) bool {
	now := o.clock.Now()
	env := protocol.NewChat(o.self.ID, o.self.Name, text, now)

	o.mu.Lock()
	ch := o.ch
	o.mu.Unlock()

	delivered := false
	switch {
	case ch == nil:
		o.logger.Debug("No active channel, message kept local only")
	default:
		if err := ch.Send(env); err != nil {
			o.logger.WithError(err).Warn("Failed to write message to socket")
		} else {
			delivered = true
		}
	}

	msg := Message{
		ID:         uuid.NewString(),
		SenderID:   o.self.ID,
		SenderName: o.self.Name,
		Text:       text,
		Timestamp:  now,
		WireTime:   env.Timestamp,
		Direction:  Outbound,
		Kind:       KindChat,
		Delivered:  delivered,
	}

	o.mu.Lock()
	o.append(msg)
	o.mu.Unlock()

	return delivered
}

// Attach hands the orchestrator a newly negotiated channel and starts
// consuming its inbound traffic. The consumer drains the channel to the
// end even after a Detach, so late frames still reach the history.
func (o *Orchestrator) Attach(ch *channel.Channel) {
	o.mu.Lock()
	if o.ch == ch {
		o.mu.Unlock()
		return
	}
	o.ch = ch
	o.mu.Unlock()

	go func() {
		for env := range ch.Inbound() {
			o.accept(env, ch)
		}
	}()
}

// Detach forgets the current channel; subsequent Sends stay local.
func (o *Orchestrator) Detach() {
	o.mu.Lock()
	o.ch = nil
	o.mu.Unlock()
}

// Attached reports whether a channel is currently wired.
func (o *Orchestrator) Attached() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ch != nil
}

// History returns a copy of the conversation in insertion order.
func (o *Orchestrator) History() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Message, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) accept(env protocol.Envelope, ch *channel.Channel) {
	ts, ok := env.SentAt()
	if !ok {
		ts = o.clock.Now()
	}

	senderID := env.SenderID
	senderName := env.SenderName
	if senderID == "" && ch != nil {
		// A decodable envelope without a sender still gets attributed to
		// whoever is on the socket rather than being dropped.
		remote := ch.RemoteIdentity()
		senderID = remote.ID
		if senderName == "" {
			senderName = remote.Name
		}
	}

	fp := fingerprint(senderID, env.Timestamp, env.Text)

	o.mu.Lock()
	if _, dup := o.seen[fp]; dup {
		o.mu.Unlock()
		o.logger.WithField("peer", senderID).Debug("Suppressed duplicate message")
		return
	}
	o.seen[fp] = struct{}{}

	msg := Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       env.Text,
		Timestamp:  ts,
		WireTime:   env.Timestamp,
		Direction:  Inbound,
		Kind:       kindOf(env.Type),
		Delivered:  true,
	}
	o.append(msg)
	o.mu.Unlock()

	if o.onInbound != nil {
		o.onInbound(msg)
	}
}

// append assumes o.mu is held.
func (o *Orchestrator) append(msg Message) {
	o.history = append(o.history, msg)
	if len(o.history) > o.limit {
		evicted := o.history[0]
		o.history = o.history[1:]
		if evicted.Direction == Inbound {
			delete(o.seen, fingerprint(evicted.SenderID, evicted.WireTime, evicted.Text))
		}
	}
}

func fingerprint(senderID, wireTime, text string) string {
	return senderID + "\x00" + wireTime + "\x00" + text
}
