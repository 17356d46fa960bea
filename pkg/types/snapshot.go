package types

import "time"

// TeamState is the full progression of a team at one version.
type TeamState struct {
	TeamID     string                    `json:"team_id"`
	Version    int64                     `json:"version"`
	Players    []string                  `json:"players"`
	Universes  map[string]string         `json:"universes"` // locked | unlocked | in_progress | completed
	Activities map[string]ActivityRecord `json:"activities"`
	TotalScore int64                     `json:"total_score"`
}

type ActivityRecord struct {
	Status   string `json:"status"` // idle | locked | completed
	Score    *int64 `json:"score,omitempty"`
	Attempts int    `json:"attempts"`
	Lease    *Lease `json:"lease,omitempty"`
}

type Lease struct {
	ConnectionID string    `json:"connection_id"`
	PlayerID     string    `json:"player_id,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Delta moves a TeamState from FromVersion to ToVersion (always
// FromVersion+1). A client seeing any other FromVersion than its own
// version has missed a delta and should rejoin with last_known_version.
type Delta struct {
	TeamID      string    `json:"team_id"`
	FromVersion int64     `json:"from_version"`
	ToVersion   int64     `json:"to_version"`
	Changes     []Change  `json:"changes"`
	At          time.Time `json:"at"`
}

// Change types:
//
//	universe_status     universe_id, status
//	activity_locked     activity_id, connection_id, player_id, lease
//	activity_released   activity_id, connection_id, reason (abandoned | disconnected)
//	lease_expired       activity_id, connection_id
//	activity_completed  activity_id, connection_id, player_id, score, attempts
//	activity_score      activity_id, player_id, score, attempts
//	score_changed       total_score
//	player_joined       player_id
//	player_left         player_id
type Change struct {
	Type         string `json:"type"`
	UniverseID   string `json:"universe_id,omitempty"`
	ActivityID   string `json:"activity_id,omitempty"`
	Status       string `json:"status,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	PlayerID     string `json:"player_id,omitempty"`
	Lease        *Lease `json:"lease,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Score        *int64 `json:"score,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	TotalScore   *int64 `json:"total_score,omitempty"`
}
