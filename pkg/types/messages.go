// Package types is the JSON wire protocol between devices and the server.
// Every frame is one JSON object with a "type" field.
package types

// Client -> server frame types.
const (
	TypeJoin             = "join"
	TypeUnlockRequest    = "unlock_request"
	TypeActivityStart    = "activity_start"
	TypeActivityComplete = "activity_complete"
	TypeActivityAbandon  = "activity_abandon"
	TypeAck              = "ack"
)

// Server -> client frame types.
const (
	TypeWelcome         = "welcome"
	TypeSnapshot        = "snapshot"
	TypeDelta           = "delta"
	TypeCommandAccepted = "command_accepted"
	TypeCommandRejected = "command_rejected"
	TypeError           = "error"
)

// ClientMessage carries every client frame; only the fields of its type are
// read.
//
//	join:              team_id, player_id, last_known_version?, resume_token?
//	unlock_request:    universe_id, base_version
//	activity_start:    activity_id, base_version
//	activity_complete: activity_id, score, base_version
//	activity_abandon:  activity_id
//	ack:               version
//
// Commands may carry an id, echoed in command_accepted / command_rejected.
type ClientMessage struct {
	Type string `json:"type" validate:"required,oneof=join unlock_request activity_start activity_complete activity_abandon ack"`
	ID   string `json:"id,omitempty" validate:"max=64"`

	TeamID           string `json:"team_id,omitempty" validate:"max=64"`
	PlayerID         string `json:"player_id,omitempty" validate:"max=64"`
	ResumeToken      string `json:"resume_token,omitempty" validate:"omitempty,uuid"`
	LastKnownVersion *int64 `json:"last_known_version,omitempty" validate:"omitempty,min=0"`

	UniverseID  string `json:"universe_id,omitempty" validate:"max=128"`
	ActivityID  string `json:"activity_id,omitempty" validate:"max=128"`
	Score       *int64 `json:"score,omitempty"`
	BaseVersion *int64 `json:"base_version,omitempty" validate:"omitempty,min=0"`

	Version *int64 `json:"version,omitempty" validate:"omitempty,min=0"`
}

// ServerMessage carries every server frame.
//
//	welcome:          team_id, connection_id, resume_token
//
// resume_token is sent only to the connection it belongs to. Passing it back
// in join resumes that connection's identity and leases; connection_id is
// public and never resumes anything.
//	snapshot:         state
//	delta:            delta
//	command_accepted: id, version
//	command_rejected: id, error_kind, error
//	error:            error
type ServerMessage struct {
	Type         string     `json:"type"`
	TeamID       string     `json:"team_id,omitempty"`
	ConnectionID string     `json:"connection_id,omitempty"`
	ResumeToken  string     `json:"resume_token,omitempty"`
	ID           string     `json:"id,omitempty"`
	Version      *int64     `json:"version,omitempty"`
	State        *TeamState `json:"state,omitempty"`
	Delta        *Delta     `json:"delta,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	Error        string     `json:"error,omitempty"`
}
