package bridge

import "testing"

func TestPeerStatusString(t *testing.T) {
	tests := []struct {
		status   PeerStatus
		expected string
	}{
		{StatusAvailable, "AVAILABLE"},
		{StatusInvited, "INVITED"},
		{StatusConnected, "CONNECTED"},
		{StatusFailed, "FAILED"},
		{StatusUnavailable, "UNAVAILABLE"},
		{PeerStatus(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("%d.String() = %s, want %s", int(tt.status), got, tt.expected)
		}
	}
}

func TestParseStatusRoundTrip(t *testing.T) {
	statuses := []PeerStatus{
		StatusAvailable,
		StatusInvited,
		StatusConnected,
		StatusFailed,
		StatusUnavailable,
	}

	for _, s := range statuses {
		if got := ParseStatus(s.String()); got != s {
			t.Errorf("ParseStatus(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := ParseStatus("bogus"); got != StatusUnavailable {
		t.Errorf("ParseStatus(bogus) = %v, want StatusUnavailable", got)
	}
}

func TestEventsEmitNonBlocking(t *testing.T) {
	ev := NewEvents()

	// Fill the snapshot channel to capacity; the next emit must drop
	// instead of blocking.
	for i := 0; i < cap(ev.Peers); i++ {
		if !ev.EmitPeers(nil) {
			t.Fatalf("emit %d dropped below capacity", i)
		}
	}
	if ev.EmitPeers(nil) {
		t.Error("expected overflow emit to report a drop")
	}

	// Draining one slot makes room again.
	<-ev.Peers
	if !ev.EmitPeers(nil) {
		t.Error("expected emit to succeed after drain")
	}
}

func TestEventsEmitLink(t *testing.T) {
	ev := NewEvents()

	if !ev.EmitLink(LinkState{Connected: true, IsHost: true, HostAddr: "10.0.0.1:8888"}) {
		t.Fatal("EmitLink dropped on empty channel")
	}

	ls := <-ev.Link
	if !ls.Connected || !ls.IsHost {
		t.Errorf("unexpected link state: %+v", ls)
	}
	if ls.HostAddr != "10.0.0.1:8888" {
		t.Errorf("expected host addr '10.0.0.1:8888', got %q", ls.HostAddr)
	}
}
