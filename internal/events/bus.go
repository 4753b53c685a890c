// Package events carries session notifications to their consumers
// (persistence, notifier, feed, UI). Publishes are queued and dispatched
// by a single goroutine, so every subscriber observes events in publish
// order with no concurrent delivery.
package events

import (
	"context"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/messaging"
	"github.com/sirupsen/logrus"
)

const (
	TopicPeerJoined = "peer:joined"
	TopicPeerLeft   = "peer:left"
	TopicLinkUp     = "link:up"
	TopicLinkDown   = "link:down"
	TopicLinkFailed = "link:failed"
	TopicMessage    = "message:received"
)

const queueSize = 256

type item struct {
	topic string
	args  []interface{}
}

// Bus wraps an EventBus behind one dispatch queue. A full queue drops the
// event (counted) rather than blocking the publisher; the session loop
// must never stall on a slow subscriber.
type Bus struct {
	logger  *logrus.Logger
	bus     evbus.Bus
	queue   chan item
	dropped atomic.Uint64
}

func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		logger: logger,
		bus:    evbus.New(),
		queue:  make(chan item, queueSize),
	}
}

// Run dispatches queued events until ctx is done. Start exactly one Run
// per bus; the ordering guarantee holds only within a single dispatcher.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-b.queue:
			b.bus.Publish(it.topic, it.args...)
		}
	}
}

// Dropped reports how many events were discarded on a full queue.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) PeerJoined(p bridge.Peer) { b.publish(TopicPeerJoined, p) }
func (b *Bus) PeerLeft(p bridge.Peer)   { b.publish(TopicPeerLeft, p) }

func (b *Bus) LinkUp(remoteAddr string)   { b.publish(TopicLinkUp, remoteAddr) }
func (b *Bus) LinkDown(remoteAddr string) { b.publish(TopicLinkDown, remoteAddr) }
func (b *Bus) LinkFailed()                { b.publish(TopicLinkFailed) }

func (b *Bus) MessageReceived(m messaging.Message) { b.publish(TopicMessage, m) }

func (b *Bus) OnPeerJoined(fn func(bridge.Peer)) error {
	return b.bus.Subscribe(TopicPeerJoined, fn)
}

func (b *Bus) OnPeerLeft(fn func(bridge.Peer)) error {
	return b.bus.Subscribe(TopicPeerLeft, fn)
}

func (b *Bus) OnLinkUp(fn func(string)) error {
	return b.bus.Subscribe(TopicLinkUp, fn)
}

func (b *Bus) OnLinkDown(fn func(string)) error {
	return b.bus.Subscribe(TopicLinkDown, fn)
}

func (b *Bus) OnLinkFailed(fn func()) error {
	return b.bus.Subscribe(TopicLinkFailed, fn)
}

func (b *Bus) OnMessage(fn func(messaging.Message)) error {
	return b.bus.Subscribe(TopicMessage, fn)
}

func (b *Bus) publish(topic string, args ...interface{}) {
	select {
	case b.queue <- item{topic: topic, args: args}:
	default:
		b.dropped.Add(1)
		b.logger.WithField("topic", topic).Warn("Event queue full, dropping event")
	}
}
