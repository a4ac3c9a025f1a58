package domain

import "time"

// PresenceStatus is what a user advertises to others
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PresenceRecord is the relay's in-memory view of one user
type PresenceRecord struct {
	UserID     string         `json:"userId"`
	IsOnline   bool           `json:"isOnline"`
	LastSeenAt time.Time      `json:"lastSeen"`
	Status     PresenceStatus `json:"status"`
}

// Normalize enforces that an offline user never advertises online, and that
// an online user always has some status.
func (r *PresenceRecord) Normalize() {
	if !r.IsOnline {
		r.Status = PresenceOffline
		return
	}
	if r.Status == "" || r.Status == PresenceOffline {
		r.Status = PresenceOnline
	}
}

// OfflineRecord is what unknown users report
func OfflineRecord(userID string) PresenceRecord {
	return PresenceRecord{UserID: userID, Status: PresenceOffline}
}
