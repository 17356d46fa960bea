package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/team-progress-backend/internal/hub"
	"github.com/DoyleJ11/team-progress-backend/internal/team"
	"github.com/DoyleJ11/team-progress-backend/internal/types"
	wire "github.com/DoyleJ11/team-progress-backend/pkg/types"
)

const codeAttempts = 10

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateTeam reserves a fresh team code. The team actor is started so that
// a code already used by a persisted team is detected and skipped.
func CreateTeam(h *hub.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for attempt := 0; attempt < codeAttempts; attempt++ {
			code, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			tm, err := h.EnsureTeam(r.Context(), code)
			if err != nil {
				http.Error(w, "failed to create team", http.StatusServiceUnavailable)
				return
			}
			view, err := tm.View(r.Context())
			if err != nil || view.LoadFailed {
				http.Error(w, "team storage unavailable", http.StatusServiceUnavailable)
				return
			}
			if view.State.Version > 0 || view.Sessions > 0 {
				logger.Debug("collision on code, regenerating", zap.String("team_id", code))
				continue
			}

			writeJSON(w, http.StatusCreated, struct {
				Code string `json:"code"`
			}{Code: code})
			return
		}
		http.Error(w, "no free team code", http.StatusServiceUnavailable)
	}
}

type teamResponse struct {
	State       wire.TeamState `json:"state"`
	Connections int            `json:"connections"`
	Suspended   bool           `json:"suspended"`
}

// GetTeam returns the current snapshot of a live team.
func GetTeam(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "teamID")
		tm, err := h.GetTeam(r.Context(), id)
		if err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if tm == nil {
			http.Error(w, "team not found", http.StatusNotFound)
			return
		}
		view, err := tm.View(r.Context())
		if errors.Is(err, team.ErrClosed) {
			http.Error(w, "team not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if view.LoadFailed {
			http.Error(w, "team storage unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, teamResponse{
			State:       types.StateToWire(view.State),
			Connections: view.Connections,
			Suspended:   view.Suspended,
		})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
