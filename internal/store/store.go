// Package store persists peers and session activity to a local sqlite
// database. Everything here is consumed through bus subscriptions and
// the CLI; nothing on the hot messaging path blocks on the database.
package store

import (
	"time"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&PeerRecord{}, &ActivityRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

type PeerStore struct {
	DB *gorm.DB
}

func NewPeerStore(db *gorm.DB) *PeerStore {
	return &PeerStore{DB: db}
}

// SavePeer upserts by peer ID, keeping the newest sighting.
func (s *PeerStore) SavePeer(p bridge.Peer) error {
	rec := PeerRecord{
		PeerID:      p.ID,
		DisplayName: p.DisplayName,
		Status:      p.Status.String(),
		Signal:      p.Signal,
		Emergency:   p.Emergency,
		LastSeen:    p.LastSeen.Unix(),
		UpdatedAt:   time.Now().Unix(),
	}
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "peer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "status", "signal", "emergency", "last_seen", "updated_at",
		}),
	}).Create(&rec).Error
}

func (s *PeerStore) LoadPeers() ([]bridge.Peer, error) {
	var recs []PeerRecord
	if err := s.DB.Order("display_name, peer_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return lo.Map(recs, func(r PeerRecord, _ int) bridge.Peer {
		return bridge.Peer{
			ID:          r.PeerID,
			DisplayName: r.DisplayName,
			Status:      bridge.ParseStatus(r.Status),
			Signal:      r.Signal,
			Emergency:   r.Emergency,
			LastSeen:    time.Unix(r.LastSeen, 0),
		}
	}), nil
}

func (s *PeerStore) RemovePeer(id string) error {
	return s.DB.Where("peer_id = ?", id).Delete(&PeerRecord{}).Error
}

// Activity kinds recorded by the session.
const (
	ActivityPeerJoined = "peer_joined"
	ActivityPeerLeft   = "peer_left"
	ActivityLinkUp     = "link_up"
	ActivityLinkDown   = "link_down"
	ActivityLinkFailed = "link_failed"
	ActivityMessage    = "message"
)

// Activity is the read-side form of one activity log entry.
type Activity struct {
	Kind   string
	PeerID string
	Detail string
	At     time.Time
}

type ActivityStore struct {
	DB *gorm.DB
}

func NewActivityStore(db *gorm.DB) *ActivityStore {
	return &ActivityStore{DB: db}
}

func (s *ActivityStore) Log(kind, peerID, detail string) error {
	rec := ActivityRecord{
		Kind:   kind,
		PeerID: peerID,
		Detail: detail,
		At:     time.Now().Unix(),
	}
	return s.DB.Create(&rec).Error
}

// Recent returns up to n entries, newest first. n <= 0 means 20.
func (s *ActivityStore) Recent(n int) ([]Activity, error) {
	if n <= 0 {
		n = 20
	}
	var recs []ActivityRecord
	if err := s.DB.Order("at DESC, id DESC").Limit(n).Find(&recs).Error; err != nil {
		return nil, err
	}
	return lo.Map(recs, func(r ActivityRecord, _ int) Activity {
		return Activity{
			Kind:   r.Kind,
			PeerID: r.PeerID,
			Detail: r.Detail,
			At:     time.Unix(r.At, 0),
		}
	}), nil
}

var (
	_ PeerRepository     = (*PeerStore)(nil)
	_ ActivityRepository = (*ActivityStore)(nil)
)
