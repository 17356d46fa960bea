// Package types converts between the wire protocol in pkg/types and the
// engine and team runtime.
package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/graph"
	"github.com/DoyleJ11/team-progress-backend/internal/team"
	wire "github.com/DoyleJ11/team-progress-backend/pkg/types"
)

var ErrBadMessage = errors.New("bad message")

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeClient parses and validates one client frame.
func DecodeClient(data []byte) (wire.ClientMessage, error) {
	var m wire.ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return wire.ClientMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := validate.Struct(m); err != nil {
		return wire.ClientMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return m, nil
}

// IsCommand reports whether the frame type maps to an engine command.
func IsCommand(msgType string) bool {
	switch msgType {
	case wire.TypeUnlockRequest, wire.TypeActivityStart, wire.TypeActivityComplete, wire.TypeActivityAbandon:
		return true
	}
	return false
}

// ToCommand maps a command frame to an engine command. Connection and
// player are filled in by the team from the session.
func ToCommand(m wire.ClientMessage) (engine.Command, error) {
	invalid := func(what string) error {
		return fmt.Errorf("%w: %s requires %s", engine.ErrInvalidCommand, m.Type, what)
	}

	switch m.Type {
	case wire.TypeUnlockRequest:
		if m.UniverseID == "" {
			return engine.Command{}, invalid("universe_id")
		}
		if m.BaseVersion == nil {
			return engine.Command{}, invalid("base_version")
		}
		return engine.Command{
			Type:        engine.CmdRequestUnlock,
			UniverseID:  graph.UniverseID(m.UniverseID),
			BaseVersion: *m.BaseVersion,
		}, nil

	case wire.TypeActivityStart:
		if m.ActivityID == "" {
			return engine.Command{}, invalid("activity_id")
		}
		if m.BaseVersion == nil {
			return engine.Command{}, invalid("base_version")
		}
		return engine.Command{
			Type:        engine.CmdStartActivity,
			ActivityID:  graph.ActivityID(m.ActivityID),
			BaseVersion: *m.BaseVersion,
		}, nil

	case wire.TypeActivityComplete:
		if m.ActivityID == "" {
			return engine.Command{}, invalid("activity_id")
		}
		if m.Score == nil {
			return engine.Command{}, invalid("score")
		}
		if m.BaseVersion == nil {
			return engine.Command{}, invalid("base_version")
		}
		return engine.Command{
			Type:        engine.CmdCompleteActivity,
			ActivityID:  graph.ActivityID(m.ActivityID),
			Score:       *m.Score,
			BaseVersion: *m.BaseVersion,
		}, nil

	case wire.TypeActivityAbandon:
		if m.ActivityID == "" {
			return engine.Command{}, invalid("activity_id")
		}
		return engine.Command{
			Type:        engine.CmdAbandonActivity,
			ActivityID:  graph.ActivityID(m.ActivityID),
			BaseVersion: engine.AnyVersion,
		}, nil
	}
	return engine.Command{}, fmt.Errorf("%w: %q", engine.ErrUnsupportedCommand, m.Type)
}

// ToServerMessage renders a team update for the wire.
func ToServerMessage(u team.Update) (wire.ServerMessage, error) {
	switch u := u.(type) {
	case team.Welcome:
		return wire.ServerMessage{
			Type:         wire.TypeWelcome,
			TeamID:       u.TeamID,
			ConnectionID: u.ConnectionID,
			ResumeToken:  u.ResumeToken,
		}, nil
	case team.Snapshot:
		s := StateToWire(u.State)
		return wire.ServerMessage{Type: wire.TypeSnapshot, TeamID: s.TeamID, Version: &s.Version, State: &s}, nil
	case team.Delta:
		d := DeltaToWire(u.Delta)
		return wire.ServerMessage{Type: wire.TypeDelta, TeamID: d.TeamID, Version: &d.ToVersion, Delta: &d}, nil
	case team.Accepted:
		v := u.Version
		return wire.ServerMessage{Type: wire.TypeCommandAccepted, ID: u.CommandID, Version: &v}, nil
	case team.Rejected:
		return wire.ServerMessage{
			Type:      wire.TypeCommandRejected,
			ID:        u.CommandID,
			ErrorKind: string(u.Kind),
			Error:     u.Message,
		}, nil
	}
	return wire.ServerMessage{}, fmt.Errorf("unknown update %T", u)
}

func EncodeUpdate(u team.Update) ([]byte, error) {
	m, err := ToServerMessage(u)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Rejection renders a command rejection produced outside the team actor.
func Rejection(commandID string, err error) []byte {
	data, _ := json.Marshal(wire.ServerMessage{
		Type:      wire.TypeCommandRejected,
		ID:        commandID,
		ErrorKind: string(engine.KindOf(err)),
		Error:     err.Error(),
	})
	return data
}

// ErrorFrame renders a frame-level error.
func ErrorFrame(err error) []byte {
	data, _ := json.Marshal(wire.ServerMessage{Type: wire.TypeError, Error: err.Error()})
	return data
}

func StateToWire(s engine.State) wire.TeamState {
	out := wire.TeamState{
		TeamID:     s.TeamID,
		Version:    s.Version,
		Players:    append([]string{}, s.Players...),
		Universes:  make(map[string]string, len(s.Universes)),
		Activities: make(map[string]wire.ActivityRecord, len(s.Activities)),
		TotalScore: s.TotalScore,
	}
	for id, st := range s.Universes {
		out.Universes[string(id)] = string(st)
	}
	for id, rec := range s.Activities {
		out.Activities[string(id)] = wire.ActivityRecord{
			Status:   string(rec.Status()),
			Score:    copyInt(rec.Score),
			Attempts: rec.Attempts,
			Lease:    leaseToWire(rec.Lease),
		}
	}
	return out
}

func DeltaToWire(d engine.Delta) wire.Delta {
	out := wire.Delta{
		TeamID:      d.TeamID,
		FromVersion: d.FromVersion,
		ToVersion:   d.ToVersion,
		Changes:     make([]wire.Change, 0, len(d.Changes)),
		At:          d.At,
	}
	for _, c := range d.Changes {
		wc := wire.Change{
			Type:         string(c.Type),
			UniverseID:   string(c.UniverseID),
			ActivityID:   string(c.ActivityID),
			Status:       string(c.Status),
			ConnectionID: c.ConnectionID,
			PlayerID:     c.PlayerID,
			Lease:        leaseToWire(c.Lease),
			Reason:       string(c.Reason),
			Score:        copyInt(c.Score),
			Attempts:     c.Attempts,
		}
		if c.Type == engine.ChangeScore {
			total := c.TotalScore
			wc.TotalScore = &total
		}
		out.Changes = append(out.Changes, wc)
	}
	return out
}

func leaseToWire(l *engine.Lease) *wire.Lease {
	if l == nil {
		return nil
	}
	return &wire.Lease{
		ConnectionID: l.ConnectionID,
		PlayerID:     l.PlayerID,
		IssuedAt:     l.IssuedAt,
		ExpiresAt:    l.ExpiresAt,
	}
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
