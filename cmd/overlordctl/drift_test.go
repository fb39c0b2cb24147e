package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Extra-Chill/overlord/internal/config"
	"github.com/Extra-Chill/overlord/internal/health"
	"github.com/Extra-Chill/overlord/internal/registry"
)

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"true", "true"},
		{"ON", "true"},
		{"1", "true"},
		{" Enabled ", "true"},
		{"false", "false"},
		{"off", "false"},
		{"0", "false"},
		{"DISABLED", "false"},
		{"partial", "partial"},
		{"Unknown", "unknown"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeState(tt.in); got != tt.want {
			t.Errorf("normalizeState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]config.TargetConfig{
		{Name: "youtube", Kind: "domain-group", IDs: []string{"*.youtube.com"}},
		{Name: "school", Kind: "domain-group", List: "allow", IDs: []string{"khanacademy.org"}},
		{Name: "Block_Gaming", Kind: "firewall-rule", IDs: []string{"Block_Gaming"}},
		{Name: "kids-tablet", Kind: "device", IDs: []string{"aa:bb:cc:dd:ee:ff"}},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestBuildChecks(t *testing.T) {
	reg := testRegistry(t)

	checks := buildChecks(reg, true, true)
	want := []struct{ name, topic, endpoint string }{
		{"DNS Master", "stat/dns_controller/master/status", "/alldns/"},
		{"Allow: school", "stat/dns_controller/media/school/status", "/pihole/status/school"},
		{"Block: youtube", "stat/dns_controller/media/youtube/status", "/pihole/status/youtube"},
		{"Rule: Block_Gaming", "stat/router_controller/status/Block_Gaming", "/ubiquiti/status_rule/Block_Gaming"},
	}
	if len(checks) != len(want) {
		t.Fatalf("expected %d checks, got %d", len(want), len(checks))
	}
	for i, w := range want {
		c := checks[i]
		if c.Name != w.name || c.Topic != w.topic || c.Endpoint != w.endpoint {
			t.Errorf("check %d = %+v, want %+v", i, *c, w)
		}
	}

	if got := buildChecks(reg, false, true); len(got) != 1 {
		t.Errorf("expected only the rule check, got %d", len(got))
	}
	if got := buildChecks(reg, false, false); len(got) != 0 {
		t.Errorf("expected no checks, got %d", len(got))
	}
}

func TestApplyMQTT(t *testing.T) {
	checks := []*stateCheck{{Topic: "a"}, {Topic: "b"}}

	applyMQTT(checks, map[string]string{"a": "ON"}, nil)
	if checks[0].MQTTValue != "ON" || checks[0].MQTTErr != "" {
		t.Errorf("unexpected first check: %+v", *checks[0])
	}
	if checks[1].MQTTErr != "no retained message" {
		t.Errorf("expected missing message error, got %q", checks[1].MQTTErr)
	}

	checks = []*stateCheck{{Topic: "a"}}
	applyMQTT(checks, nil, errors.New("connection refused"))
	if checks[0].MQTTErr != "connection refused" {
		t.Errorf("expected broker error, got %q", checks[0].MQTTErr)
	}
}

func TestFetchAPI(t *testing.T) {
	var (
		mu      sync.Mutex
		gotAuth []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/alldns/":
			json.NewEncoder(w).Encode(map[string]string{"target": "alldns", "state": "enabled", "status": "ok"})
		case "/pihole/status/youtube":
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"target": "youtube", "state": "unknown", "status": "failed", "detail": "pihole unreachable"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "not found", "code": 404})
		}
	}))
	defer srv.Close()

	checks := []*stateCheck{
		{Endpoint: "/alldns/"},
		{Endpoint: "/pihole/status/youtube"},
		{Endpoint: "/pihole/status/gone"},
	}
	fetchAPI(context.Background(), newAPIClient(srv.URL+"/", "secret", time.Second), checks)

	for _, got := range gotAuth {
		if got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
	}
	if checks[0].APIValue != "enabled" || checks[0].APIErr != "" {
		t.Errorf("unexpected master check: %+v", *checks[0])
	}
	if checks[1].APIErr != "HTTP 502: pihole unreachable" {
		t.Errorf("unexpected failure detail: %q", checks[1].APIErr)
	}
	if checks[2].APIErr != "HTTP 404: not found" {
		t.Errorf("unexpected not found error: %q", checks[2].APIErr)
	}
}

func TestPrintDrift(t *testing.T) {
	tests := []struct {
		name     string
		check    stateCheck
		wantCode int
		wantText string
	}{
		{"match", stateCheck{Name: "DNS Master", MQTTValue: "ON", APIValue: "enabled"}, 0, "Matching: 1"},
		{"drift", stateCheck{Name: "Rule: Block_Gaming", MQTTValue: "off", APIValue: "enabled"}, 1, "MQTT=false vs API=true"},
		{"partial", stateCheck{Name: "Block: youtube", MQTTValue: "on", APIValue: "partial"}, 1, "Drifts:   1"},
		{"error", stateCheck{Name: "Block: youtube", MQTTErr: "no retained message", APIValue: "enabled"}, 1, "ERROR: no retained message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := tt.check
			code := printDrift(&buf, []*stateCheck{&c})
			if code != tt.wantCode {
				t.Errorf("expected exit code %d, got %d", tt.wantCode, code)
			}
			if !strings.Contains(buf.String(), tt.wantText) {
				t.Errorf("expected %q in report:\n%s", tt.wantText, buf.String())
			}
			if !strings.Contains(buf.String(), tt.check.Name) {
				t.Errorf("expected check name in report")
			}
		})
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	code := printStatus(&buf, health.Report{
		Status: health.StatusDegraded,
		Checks: []health.Check{
			{Backend: "pihole", Instance: "pihole1.lan", Probe: "api", Up: true, LatencyMS: 4},
			{Backend: "ubiquiti", Instance: "unifi.lan", Probe: "api", Error: "backend unreachable", Session: "invalid", Logins: 3},
		},
	})
	if code != 1 {
		t.Errorf("expected degraded exit code 1, got %d", code)
	}
	out := buf.String()
	for _, want := range []string{"pihole1.lan", "4ms", "backend unreachable", "session=invalid logins=3"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
