package pihole

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/logging"
)

// fakePihole is an in-memory Pi-hole v6 API.
type fakePihole struct {
	mu sync.Mutex

	password  string
	sids      map[string]bool
	issued    int
	domains   map[string]map[string]bool // list -> regex -> enabled
	blocking  string
	timer     *float64
	noTimer   bool // ignores requested timers
	badTimer  bool // answers 400 to requested timers
	broken    bool // answers 500 everywhere
	rejectAll bool // rejects every session id
	calls     map[string]int
}

func newFakePihole() *fakePihole {
	return &fakePihole{
		password: "secret",
		sids:     make(map[string]bool),
		domains:  map[string]map[string]bool{"deny": {}, "allow": {}},
		blocking: "enabled",
		calls:    make(map[string]int),
	}
}

func (f *fakePihole) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakePihole) set(fn func(f *fakePihole)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakePihole) domain(list, regex string) (enabled, present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enabled, present = f.domains[list][regex]
	return enabled, present
}

func (f *fakePihole) blockingState() (string, *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocking, f.timer
}

func (f *fakePihole) sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sids)
}

func (f *fakePihole) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != f.password {
			writeFake(w, http.StatusUnauthorized, map[string]any{
				"session": map[string]any{"valid": false, "message": "password incorrect"},
			})
			return
		}
		f.issued++
		sid := fmt.Sprintf("sid-%d", f.issued)
		f.sids[sid] = true
		writeFake(w, http.StatusOK, map[string]any{
			"session": map[string]any{"valid": true, "sid": sid, "csrf": "csrf", "validity": 300},
		})
	})

	mux.HandleFunc("DELETE /api/auth", f.authed(func(w http.ResponseWriter, r *http.Request) {
		delete(f.sids, r.Header.Get(sidHeader))
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/domains/{list}/regex/{domain}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		list, domain := r.PathValue("list"), r.PathValue("domain")
		out := []map[string]any{}
		if enabled, ok := f.domains[list][domain]; ok {
			out = append(out, map[string]any{"domain": domain, "type": list, "kind": "regex", "enabled": enabled})
		}
		writeFake(w, http.StatusOK, map[string]any{"domains": out})
	}))

	mux.HandleFunc("POST /api/domains/{list}/regex", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Domain  string `json:"domain"`
			Enabled bool   `json:"enabled"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.domains[r.PathValue("list")][req.Domain] = req.Enabled
		writeFake(w, http.StatusCreated, map[string]any{
			"domains":   []map[string]any{{"domain": req.Domain, "enabled": req.Enabled}},
			"processed": map[string]any{"errors": []any{}},
		})
	}))

	mux.HandleFunc("PUT /api/domains/{list}/regex/{domain}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		list, domain := r.PathValue("list"), r.PathValue("domain")
		if _, ok := f.domains[list][domain]; !ok {
			writeFake(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		f.domains[list][domain] = req.Enabled
		writeFake(w, http.StatusOK, map[string]any{"domains": []any{}})
	}))

	mux.HandleFunc("DELETE /api/domains/{list}/regex/{domain}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		list, domain := r.PathValue("list"), r.PathValue("domain")
		if _, ok := f.domains[list][domain]; !ok {
			writeFake(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		delete(f.domains[list], domain)
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/dns/blocking", f.authed(func(w http.ResponseWriter, r *http.Request) {
		writeFake(w, http.StatusOK, map[string]any{"blocking": f.blocking, "timer": f.timer})
	}))

	mux.HandleFunc("POST /api/dns/blocking", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Blocking bool     `json:"blocking"`
			Timer    *float64 `json:"timer"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Timer != nil && f.badTimer {
			writeFake(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"key": "bad_request", "message": "Invalid timer"}})
			return
		}
		f.blocking = "disabled"
		if req.Blocking {
			f.blocking = "enabled"
		}
		f.timer = nil
		if req.Timer != nil && !f.noTimer {
			f.timer = req.Timer
		}
		writeFake(w, http.StatusOK, map[string]any{"blocking": f.blocking, "timer": f.timer})
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, pattern := mux.Handler(r)
		f.calls[pattern]++
		if f.broken {
			http.Error(w, "ftl crashed", http.StatusInternalServerError)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// authed rejects requests without a live session id. Called with f.mu held.
func (f *fakePihole) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.rejectAll || !f.sids[r.Header.Get(sidHeader)] {
			writeFake(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func writeFake(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func fastRetry() backend.RetryConfig {
	cfg := backend.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func newTestClient(t *testing.T, url string, now func() time.Time) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		URL:      url,
		Password: "secret",
		Timeout:  time.Second,
		RuleTTL:  time.Minute,
		Retry:    fastRetry(),
		Logger:   logging.Discard(),
		Now:      now,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}
