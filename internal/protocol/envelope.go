package protocol

import "time"

// Envelope is the wire form of one message on the socket. Fields map
// one-to-one onto the JSON keys both ends agreed on; decoders ignore any
// key not listed here so older builds keep talking to newer ones.
type Envelope struct {
	Type       EnvelopeType `json:"type"`
	SenderID   string       `json:"senderId"`
	SenderName string       `json:"senderName"`
	Timestamp  string       `json:"timestamp"`
	Text       string       `json:"text"`
}

func NewChat(senderID, senderName, text string, at time.Time) Envelope {
	return Envelope{
		Type:       TypeChat,
		SenderID:   senderID,
		SenderName: senderName,
		Timestamp:  FormatTimestamp(at),
		Text:       text,
	}
}

func NewControl(senderID, senderName, verb string, at time.Time) Envelope {
	return Envelope{
		Type:       TypeControl,
		SenderID:   senderID,
		SenderName: senderName,
		Timestamp:  FormatTimestamp(at),
		Text:       verb,
	}
}

// FormatTimestamp renders the wire timestamp: RFC 3339 with sub-second
// precision, always UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// SentAt parses the sender's clock reading. The second return is false
// when the timestamp is absent or unparseable; receivers then fall back
// to local arrival time for display while keeping the raw string for
// duplicate detection.
func (e Envelope) SentAt() (time.Time, bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
