package store

// PeerRecord is the persisted form of a peer. Rows outlive radio
// visibility on purpose: a peer that left discovery keeps its last known
// record until explicitly removed.
type PeerRecord struct {
	ID          uint   `gorm:"primaryKey"`
	PeerID      string `gorm:"uniqueIndex;not null"`
	DisplayName string
	Status      string
	Signal      int
	Emergency   bool
	LastSeen    int64
	UpdatedAt   int64
}

// ActivityRecord is one entry of the session activity log.
type ActivityRecord struct {
	ID     uint   `gorm:"primaryKey"`
	Kind   string `gorm:"index"`
	PeerID string
	Detail string
	At     int64 `gorm:"index"`
}
