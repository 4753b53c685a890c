// Package notify surfaces peer and message events to the device user.
package notify

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/messaging"
)

// Notifier receives user-facing events. Implementations must be fast;
// they are invoked from the event dispatch goroutine.
type Notifier interface {
	PeerJoined(p bridge.Peer)
	PeerLeft(p bridge.Peer)
	Message(m messaging.Message)
}

// LogNotifier writes notifications to the application log. It stands in
// for a platform notification surface on headless deployments.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) PeerJoined(p bridge.Peer) {
	n.Logger.WithFields(logrus.Fields{
		"peer": p.ID,
		"name": p.DisplayName,
	}).Info("Peer joined")
}

func (n *LogNotifier) PeerLeft(p bridge.Peer) {
	n.Logger.WithFields(logrus.Fields{
		"peer": p.ID,
		"name": p.DisplayName,
	}).Info("Peer left")
}

func (n *LogNotifier) Message(m messaging.Message) {
	if m.Direction != messaging.Inbound {
		return
	}
	n.Logger.WithFields(logrus.Fields{
		"from": m.SenderName,
		"text": m.Text,
	}).Info("Message received")
}

// ConsoleNotifier prints notifications for an operator watching the
// terminal. Outbound messages are skipped; the operator just typed them.
type ConsoleNotifier struct {
	Out io.Writer
}

func (n *ConsoleNotifier) PeerJoined(p bridge.Peer) {
	fmt.Fprintf(n.Out, "* %s (%s) is in range\n", p.DisplayName, p.ID)
}

func (n *ConsoleNotifier) PeerLeft(p bridge.Peer) {
	fmt.Fprintf(n.Out, "* %s (%s) went out of range\n", p.DisplayName, p.ID)
}

func (n *ConsoleNotifier) Message(m messaging.Message) {
	if m.Direction != messaging.Inbound {
		return
	}
	fmt.Fprintf(n.Out, "[%s] %s\n", m.SenderName, m.Text)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) PeerJoined(bridge.Peer)    {}
func (NopNotifier) PeerLeft(bridge.Peer)      {}
func (NopNotifier) Message(messaging.Message) {}

// Multi fans each notification out to every given notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	return multi(notifiers)
}

type multi []Notifier

func (m multi) PeerJoined(p bridge.Peer) {
	for _, n := range m {
		n.PeerJoined(p)
	}
}

func (m multi) PeerLeft(p bridge.Peer) {
	for _, n := range m {
		n.PeerLeft(p)
	}
}

func (m multi) Message(msg messaging.Message) {
	for _, n := range m {
		n.Message(msg)
	}
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*ConsoleNotifier)(nil)
	_ Notifier = NopNotifier{}
	_ Notifier = multi{}
)
