package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/arbiter"
	"arbiter-ai/internal/usecase/cache"
	"arbiter-ai/internal/usecase/fallback"
)

const maxSnapshotBytes = 1 << 20

// Planner is the arbiter surface the API needs.
type Planner interface {
	PlanNow(ctx context.Context, snap domain.WorldSnapshot) (fallback.Result, error)
	Mode() arbiter.Mode
	Metrics() arbiter.Metrics
	CurrentPlan() (domain.PlanIntent, bool)
}

// CacheStats reports plan cache counters.
type CacheStats interface {
	Stats() cache.Stats
}

// Deps bundles what the API handlers read from.
type Deps struct {
	Planner Planner
	Cache   CacheStats // optional
	Tools   *domain.ToolRegistry
	Version string
}

// StatusResponse is returned by GET /api/v1/status and the "status" RPC.
type StatusResponse struct {
	Version     string             `json:"version"`
	Mode        string             `json:"mode"`
	Metrics     arbiter.Metrics    `json:"metrics"`
	Cache       *cache.Stats       `json:"cache,omitempty"`
	CurrentPlan *domain.PlanIntent `json:"current_plan,omitempty"`
	Tools       int                `json:"tools"`
	Uptime      string             `json:"uptime"`
}

// API serves arbiter status and on-demand planning.
type API struct {
	deps    Deps
	started time.Time
}

// NewAPI creates the handlers.
func NewAPI(deps Deps) *API {
	return &API{deps: deps, started: time.Now()}
}

// Register mounts the REST routes and RPC methods on s.
func (a *API) Register(s *Server) {
	s.RegisterHTTPRoute("/api/v1/status", a.handleStatus)
	s.RegisterHTTPRoute("/api/v1/plan", a.handlePlan)
	s.RegisterHandler("status", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return a.Status(), nil
	})
	s.RegisterHandler("plan", func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (any, error) {
		snap, err := decodeSnapshot(payload)
		if err != nil {
			return nil, err
		}
		return a.deps.Planner.PlanNow(ctx, snap)
	})
}

// Status builds a point-in-time status report.
func (a *API) Status() StatusResponse {
	resp := StatusResponse{
		Version: a.deps.Version,
		Mode:    a.deps.Planner.Mode().String(),
		Metrics: a.deps.Planner.Metrics(),
		Uptime:  time.Since(a.started).Truncate(time.Second).String(),
	}
	if a.deps.Cache != nil {
		st := a.deps.Cache.Stats()
		resp.Cache = &st
	}
	if a.deps.Tools != nil {
		resp.Tools = a.deps.Tools.Len()
	}
	if plan, ok := a.deps.Planner.CurrentPlan(); ok {
		resp.CurrentPlan = &plan
	}
	return resp
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *API) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}
	snap, err := decodeSnapshot(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Planner.PlanNow(r.Context(), snap)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeSnapshot(data []byte) (domain.WorldSnapshot, error) {
	var snap domain.WorldSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, domain.NewDomainError("gateway.decodeSnapshot", domain.ErrInvalidInput, err.Error())
	}
	if err := domain.ValidateSnapshot(snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
