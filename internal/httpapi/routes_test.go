package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/graph"
	"github.com/DoyleJ11/team-progress-backend/internal/hub"
	"github.com/DoyleJ11/team-progress-backend/internal/metrics"
	"github.com/DoyleJ11/team-progress-backend/internal/store/memory"
	"github.com/DoyleJ11/team-progress-backend/internal/team"
)

func newRouter(t *testing.T) (http.Handler, *hub.Hub) {
	t.Helper()
	g, err := graph.New(graph.Definition{Universes: []graph.Universe{
		{ID: "A", Activities: []graph.ActivityID{"a1"}},
	}})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(ctx, team.Options{
		Rules:         engine.Rules{Graph: g, LeaseTTL: time.Minute},
		Store:         memory.New(),
		Metrics:       metrics.New(reg),
		SweepInterval: time.Second,
	})
	t.Cleanup(func() {
		_ = h.Shutdown(context.Background())
		cancel()
	})
	return SetupRoutes(h, Options{Gatherer: reg}), h
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.Equal(t, strings.ToUpper(code), code)
}

func TestHealthz(t *testing.T) {
	r, _ := newRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateThenGetTeam(t *testing.T) {
	r, _ := newRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/teams", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.Len(t, created.Code, 6)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teams/"+created.Code, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got teamResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, created.Code, got.State.TeamID)
	assert.Equal(t, "locked", got.State.Universes["A"])
	assert.Equal(t, "idle", got.State.Activities["a1"].Status)
}

func TestGetUnknownTeam(t *testing.T) {
	r, _ := newRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teams/NOPE00", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, h := newRouter(t)
	_, err := h.EnsureTeam(context.Background(), "M1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "teamsync_teams")
}
