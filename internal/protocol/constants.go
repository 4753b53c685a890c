package protocol

const (
	// Port is the well-known TCP port the group host binds for the
	// message socket. Clients dial the host on this port.
	Port = 8888

	// MaxFrameSize bounds one newline-delimited frame on the socket,
	// including the trailing newline.
	MaxFrameSize = 64 * 1024
)

type EnvelopeType string

const (
	TypeChat    EnvelopeType = "chat"
	TypeControl EnvelopeType = "control"
)

func (t EnvelopeType) Valid() bool {
	return t == TypeChat || t == TypeControl
}

// Control verbs carried in the Text field of control envelopes.
const (
	// ControlHello announces the sender's identity right after the
	// socket opens, before any chat traffic.
	ControlHello = "hello"
	// ControlBye signals an orderly teardown of the socket.
	ControlBye = "bye"
)
