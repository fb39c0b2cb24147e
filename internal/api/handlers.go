package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Extra-Chill/overlord/internal/health"
	"github.com/Extra-Chill/overlord/internal/journal"
	"github.com/Extra-Chill/overlord/internal/logging"
	"github.com/Extra-Chill/overlord/internal/policy"
	"github.com/Extra-Chill/overlord/internal/registry"
)

// maxTimer bounds the alldns disable timer.
const maxTimer = 7 * 24 * time.Hour

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	engine    *policy.Engine
	registry  *registry.Registry
	journal   journal.Store
	health    *health.Checker
	version   string
	startedAt time.Time
	log       *logging.Logger
}

// NewHandlers creates a new Handlers instance. journal and health may be
// nil.
func NewHandlers(engine *policy.Engine, reg *registry.Registry, j journal.Store, hc *health.Checker, version string, log *logging.Logger) *Handlers {
	if log == nil {
		log = logging.Default()
	}
	return &Handlers{
		engine:    engine,
		registry:  reg,
		journal:   j,
		health:    hc,
		version:   version,
		startedAt: time.Now(),
		log:       log,
	}
}

// RootHandler handles GET /.
func (h *Handlers) RootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AliveResponse{
		Status:    "alive",
		Version:   h.version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		StartedAt: h.startedAt,
	})
}

// TargetHandler serves one action on the {target} path value of a domain.
func (h *Handlers) TargetHandler(domain policy.Domain, action policy.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		if !registry.ValidName(target) {
			writeError(w, http.StatusBadRequest, "invalid target name")
			return
		}
		res := h.engine.Execute(r.Context(), policy.Request{
			Domain: domain,
			Target: target,
			Action: action,
		})
		writeResult(w, res)
	}
}

// MasterHandler serves the DNS master switch. A disable accepts a timer in
// seconds after which the controller re-enables blocking.
func (h *Handlers) MasterHandler(action policy.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := policy.Request{Domain: policy.DomainAllDNS, Target: "alldns", Action: action}
		if action == policy.ActionDisable {
			timer, err := parseTimer(r.FormValue("timer"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			req.Duration = timer
		}
		writeResult(w, h.engine.Execute(r.Context(), req))
	}
}

func parseTimer(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs < 0 {
		return 0, errors.New("timer must be a non-negative number of seconds")
	}
	d := time.Duration(secs) * time.Second
	if d > maxTimer {
		return 0, errors.New("timer exceeds one week")
	}
	return d, nil
}

// RefreshHandler handles GET /ubiquiti/refresh.
func (h *Handlers) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	names, err := h.engine.Refresh(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, policy.ErrDisabled) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, ErrorResponse{
			Error:   "refresh failed",
			Code:    status,
			Details: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Status: "ok", Rules: len(names), Names: names})
}

// HealthHandler handles GET /health. A degraded report answers 503.
// With cached=true the last background round is served when there is one.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, health.Report{Status: health.StatusOK, CheckedAt: time.Now().UTC(), Checks: []health.Check{}})
		return
	}
	var report health.Report
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		report = h.health.Last()
	}
	if report.CheckedAt.IsZero() {
		report = h.health.Check(r.Context())
	}
	status := http.StatusOK
	if report.Status != health.StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// ListTargetsHandler handles GET /targets, optionally filtered by kind.
func (h *Handlers) ListTargetsHandler(w http.ResponseWriter, r *http.Request) {
	kind := registry.Kind(r.URL.Query().Get("kind"))
	targets := h.registry.List(kind)

	infos := make([]TargetInfo, 0, len(targets))
	for _, t := range targets {
		infos = append(infos, TargetInfo{
			Name:       t.Name,
			Kind:       string(t.Kind),
			List:       t.List,
			BackendIDs: t.BackendIDs,
			Patterns:   t.Patterns,
		})
	}
	writeJSON(w, http.StatusOK, TargetListResponse{Targets: infos, Total: len(infos)})
}

// ListJournalHandler handles GET /journal.
func (h *Handlers) ListJournalHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 100
	offset := 0

	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	if o := query.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	if h.journal == nil {
		writeJSON(w, http.StatusOK, JournalListResponse{Entries: []journal.Entry{}, Offset: offset, Limit: limit})
		return
	}
	entries, total, err := h.journal.List(r.Context(), offset, limit)
	if err != nil {
		h.log.Error("failed to list journal", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	writeJSON(w, http.StatusOK, JournalListResponse{
		Entries: entries,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
	})
}

// writeResult maps a policy result onto the response: ok and partial are
// 200, an unknown target 404, bad input 400, and backend failures 502.
func writeResult(w http.ResponseWriter, res policy.Result) {
	status := http.StatusOK
	if res.Status == policy.StatusFailed {
		switch {
		case errors.Is(res.Err, registry.ErrUnknownTarget), errors.Is(res.Err, policy.ErrDisabled):
			status = http.StatusNotFound
		case errors.Is(res.Err, policy.ErrInvalidRequest):
			status = http.StatusBadRequest
		default:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, PolicyResponse{
		Target: res.Target,
		Kind:   string(res.Kind),
		State:  string(res.State),
		Status: string(res.Status),
		Detail: res.Detail(),
	})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  status,
	})
}
