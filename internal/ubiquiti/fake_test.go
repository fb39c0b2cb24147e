package ubiquiti

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

// fakeUnifi is an in-memory UniFi Network API for one site.
type fakeUnifi struct {
	mu sync.Mutex

	apiKey   string
	username string
	password string
	tokens   map[string]bool
	issued   int

	rules   []map[string]any
	blocked map[string]bool

	broken    bool // 502 on everything
	rejectAll bool // 401 on every API call
	rcError   bool // 200 with rc=error on every API call
	calls     map[string]int
	commands  []string
	onUpdate  func() // runs inside a rule PUT
}

func newFakeUnifi() *fakeUnifi {
	return &fakeUnifi{
		apiKey:   "key-1",
		username: "admin",
		password: "pw",
		tokens:   make(map[string]bool),
		rules: []map[string]any{
			{"_id": "r1", "name": "Block_Gaming", "enabled": false, "action": "drop", "ruleset": "LAN_IN"},
			{"_id": "r2", "name": "Block_Social", "enabled": true, "action": "drop", "ruleset": "LAN_IN"},
		},
		blocked: map[string]bool{"aa:bb:cc:dd:ee:ff": false},
		calls:   make(map[string]int),
	}
}

func (f *fakeUnifi) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeUnifi) set(fn func(f *fakeUnifi)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeUnifi) ruleEnabled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r["name"] == name {
			return r["enabled"].(bool)
		}
	}
	return false
}

func (f *fakeUnifi) isBlocked(mac string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[mac]
}

func (f *fakeUnifi) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Username != f.username || req.Password != f.password {
			unifiError(w, http.StatusUnauthorized, "api.err.Invalid")
			return
		}
		f.issued++
		token := fmt.Sprintf("tok-%d", f.issued)
		f.tokens[token] = true
		http.SetCookie(w, &http.Cookie{Name: tokenCookie, Value: token})
		w.Header().Set(csrfHeader, "csrf-"+token)
		unifiOK(w, []any{})
	})

	mux.HandleFunc("GET /proxy/network/api/s/{site}/rest/firewallrule", f.authed(func(w http.ResponseWriter, r *http.Request) {
		unifiOK(w, f.rules)
	}))

	mux.HandleFunc("PUT /proxy/network/api/s/{site}/rest/firewallrule/{id}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if f.onUpdate != nil {
			f.onUpdate()
		}
		for i, rule := range f.rules {
			if rule["_id"] == r.PathValue("id") {
				f.rules[i] = req
				unifiOK(w, []any{req})
				return
			}
		}
		unifiError(w, http.StatusNotFound, "api.err.NotFound")
	}))

	mux.HandleFunc("GET /proxy/network/api/s/{site}/stat/user/{mac}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		mac := r.PathValue("mac")
		blocked, ok := f.blocked[mac]
		if !ok {
			unifiOK(w, []any{})
			return
		}
		unifiOK(w, []any{map[string]any{"mac": mac, "blocked": blocked}})
	}))

	mux.HandleFunc("GET /proxy/network/api/s/{site}/stat/health", f.authed(func(w http.ResponseWriter, r *http.Request) {
		unifiOK(w, []any{map[string]any{"subsystem": "wan", "status": "ok"}})
	}))

	mux.HandleFunc("POST /proxy/network/api/s/{site}/cmd/stamgr", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var req stationCommand
		json.NewDecoder(r.Body).Decode(&req)
		f.commands = append(f.commands, req.Cmd+" "+req.MAC)
		switch req.Cmd {
		case "block-sta":
			f.blocked[req.MAC] = true
		case "unblock-sta":
			f.blocked[req.MAC] = false
		default:
			unifiError(w, http.StatusBadRequest, "api.err.UnknownCommand")
			return
		}
		unifiOK(w, []any{})
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, pattern := mux.Handler(r)
		f.calls[pattern]++
		if f.broken {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// authed accepts the API key header or a live TOKEN cookie with its CSRF
// token on writes. Called with f.mu held.
func (f *fakeUnifi) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.rejectAll {
			unifiError(w, http.StatusUnauthorized, "api.err.LoginRequired")
			return
		}
		if f.rcError {
			unifiError(w, http.StatusOK, "api.err.ServerBusy")
			return
		}
		if key := r.Header.Get(apiKeyHeader); key != "" {
			if key != f.apiKey {
				unifiError(w, http.StatusUnauthorized, "api.err.Invalid")
				return
			}
			next(w, r)
			return
		}
		ck, err := r.Cookie(tokenCookie)
		if err != nil || !f.tokens[ck.Value] {
			unifiError(w, http.StatusUnauthorized, "api.err.LoginRequired")
			return
		}
		if r.Method != http.MethodGet && r.Header.Get(csrfHeader) != "csrf-"+ck.Value {
			unifiError(w, http.StatusForbidden, "api.err.InvalidCSRF")
			return
		}
		next(w, r)
	}
}

func unifiOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"meta": map[string]any{"rc": "ok"}, "data": data})
}

func unifiError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"meta": map[string]any{"rc": "error", "msg": msg}, "data": []any{}})
}

func fastRetry() backend.RetryConfig {
	cfg := backend.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

type option func(*Config)

func withLogin(cfg *Config) {
	cfg.APIKey = ""
	cfg.Username = "admin"
	cfg.Password = "pw"
}

func newTestController(t *testing.T, url string, opts ...option) *Controller {
	t.Helper()
	cfg := Config{
		URL:     url,
		APIKey:  "key-1",
		Timeout: time.Second,
		RuleTTL: time.Minute,
		Retry:   fastRetry(),
		Logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}
