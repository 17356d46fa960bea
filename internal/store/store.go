// Package store defines the persistence adapter the team runtime writes
// through, plus the retry policy wrapped around every driver.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
)

var (
	ErrNotFound = errors.New("store: team not found")
	// ErrVersionConflict means a newer version is already stored.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Store is the durable copy of team state. Save must not return before the
// write is durable; a stored version is never replaced by a lower one.
type Store interface {
	Save(ctx context.Context, teamID string, state engine.State, version int64) error
	Load(ctx context.Context, teamID string) (engine.State, error)
}

// Envelope is the serialized form used by key/value drivers.
type Envelope struct {
	Version int64        `json:"version"`
	State   engine.State `json:"state"`
}

func EncodeState(state engine.State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses a stored state and stamps it with the stored version.
func DecodeState(data []byte, version int64) (engine.State, error) {
	var s engine.State
	if err := json.Unmarshal(data, &s); err != nil {
		return engine.State{}, fmt.Errorf("decode state: %w", err)
	}
	s.Version = version
	return s, nil
}

func EncodeEnvelope(state engine.State, version int64) ([]byte, error) {
	data, err := json.Marshal(Envelope{Version: version, State: state})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env.State.Version = env.Version
	return env, nil
}
