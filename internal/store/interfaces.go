package store

import "github.com/beaconmesh/beacon/internal/bridge"

// PeerRepository defines the peer persistence operations the session
// wires up.
type PeerRepository interface {
	SavePeer(p bridge.Peer) error
	LoadPeers() ([]bridge.Peer, error)
	RemovePeer(id string) error
}

// ActivityRepository defines the activity log operations.
type ActivityRepository interface {
	Log(kind, peerID, detail string) error
	Recent(n int) ([]Activity, error)
}
