// Package ubiquiti drives a UniFi Network controller: firewall rules and
// client device blocking.
package ubiquiti

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/logging"
	"github.com/Extra-Chill/overlord/internal/metrics"
	"github.com/Extra-Chill/overlord/internal/session"
)

const (
	backendName  = "ubiquiti"
	apiKeyHeader = "X-API-KEY"
	csrfHeader   = "X-CSRF-Token"
	tokenCookie  = "TOKEN"
	apiKeyHandle = "api-key"
)

// Config configures the controller client.
type Config struct {
	URL         string
	Site        string
	APIKey      string
	Username    string
	Password    string
	InsecureTLS bool
	Timeout     time.Duration
	RuleTTL     time.Duration
	Retry       backend.RetryConfig
	HTTPClient  *http.Client
	Logger      *logging.Logger
	Now         func() time.Time
}

// Controller talks to one UniFi controller and owns its session, rule index
// and state snapshot.
type Controller struct {
	base     string
	site     string
	apiKey   string
	username string
	password string
	http     *http.Client
	cache    *session.Cache
	retry    backend.RetryConfig
	log      *logging.Logger

	mu    sync.Mutex
	rules map[string]rule // by name
}

// New creates a controller client.
func New(cfg Config) (*Controller, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid ubiquiti url %q", cfg.URL)
	}
	if cfg.APIKey == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("ubiquiti: api key or username and password required")
	}
	if cfg.Site == "" {
		cfg.Site = "default"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = backend.DefaultRetryConfig()
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureTLS {
			// UniFi consoles ship self-signed certificates.
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	c := &Controller{
		base:     u.String(),
		site:     cfg.Site,
		apiKey:   cfg.APIKey,
		username: cfg.Username,
		password: cfg.Password,
		http:     cfg.HTTPClient,
		retry:    cfg.Retry,
		log:      cfg.Logger.WithComponent("ubiquiti").With("controller", u.Host),
		rules:    make(map[string]rule),
	}
	c.cache = session.NewWithClock(c.authenticate, cfg.RuleTTL, cfg.Now)
	return c, nil
}

// Name returns the controller host.
func (c *Controller) Name() string {
	u, _ := url.Parse(c.base)
	return u.Host
}

// Cache exposes the session cache.
func (c *Controller) Cache() *session.Cache {
	return c.cache
}

func (c *Controller) authenticate(ctx context.Context) (session.Session, error) {
	if c.apiKey != "" {
		return session.Session{Handle: apiKeyHandle}, nil
	}

	body, _ := json.Marshal(map[string]any{
		"username": c.username,
		"password": c.password,
		"remember": false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return session.Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.Get().ObserveLogin(backendName, err)
		return session.Session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		herr := backend.NewHTTPError(resp)
		metrics.Get().ObserveLogin(backendName, herr)
		if backend.IsAuthRejected(herr) || resp.StatusCode == http.StatusBadRequest {
			return session.Session{}, fmt.Errorf("%w: %v", backend.ErrAuthFailed, herr)
		}
		return session.Session{}, herr
	}

	var token string
	for _, ck := range resp.Cookies() {
		if ck.Name == tokenCookie {
			token = ck.Value
		}
	}
	if token == "" {
		metrics.Get().ObserveLogin(backendName, backend.ErrInconsistent)
		return session.Session{}, fmt.Errorf("%w: login response has no %s cookie", backend.ErrInconsistent, tokenCookie)
	}
	metrics.Get().ObserveLogin(backendName, nil)
	c.log.Debug("authenticated")

	return session.Session{
		Handle: token,
		CSRF:   resp.Header.Get(csrfHeader),
	}, nil
}

// meta is the envelope status of every Network API answer.
type meta struct {
	RC  string `json:"rc"`
	Msg string `json:"msg"`
}

type envelope struct {
	Meta meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

func (c *Controller) sitePath(rest string) string {
	return "/proxy/network/api/s/" + url.PathEscape(c.site) + "/" + rest
}

// do sends one request with the current session and decodes data into out.
func (c *Controller) do(ctx context.Context, method, path string, body, out any) error {
	sess, err := c.cache.Session(ctx)
	if err != nil {
		return err
	}

	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, nil)
		if err != nil {
			return err
		}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	} else {
		req.AddCookie(&http.Cookie{Name: tokenCookie, Value: sess.Handle})
		if sess.CSRF != "" && method != http.MethodGet {
			req.Header.Set(csrfHeader, sess.CSRF)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.Get().ObserveBackend(backendName, method, 0, err, time.Since(start))
		return err
	}
	defer resp.Body.Close()
	metrics.Get().ObserveBackend(backendName, method, resp.StatusCode, nil, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		herr := backend.NewHTTPError(resp)
		if backend.IsAuthRejected(herr) {
			c.cache.InvalidateIf(sess.Handle)
		}
		return herr
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", backend.ErrInconsistent, path, err)
	}
	if env.Meta.RC != "ok" {
		return fmt.Errorf("%w: %s %s: rc=%q %s", backend.ErrInconsistent, method, path, env.Meta.RC, env.Meta.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode %s data: %v", backend.ErrInconsistent, path, err)
		}
	}
	return nil
}

// run executes op with bounded retries for transient failures. When the
// controller rejects the session, the session and rule snapshot are
// discarded, every rule is re-read under the new session and op runs exactly
// once more; a second rejection is an auth failure.
func (c *Controller) run(ctx context.Context, op func(ctx context.Context) error) error {
	err := backend.Retry(ctx, c.retry, func() error {
		err := op(ctx)
		if !backend.IsAuthRejected(err) {
			return err
		}

		metrics.Get().BackendRetries.WithLabelValues(backendName).Inc()
		c.log.Info("session rejected, re-authenticating and refreshing")
		c.cache.Invalidate()
		c.cache.ForceRefresh()
		c.resetIndex()
		metrics.Get().CacheRefreshes.WithLabelValues(backendName).Inc()

		if _, err := c.fetchRules(ctx); err != nil {
			if backend.IsAuthRejected(err) {
				return fmt.Errorf("%w: %v", backend.ErrAuthFailed, err)
			}
			return err
		}

		err = op(ctx)
		if backend.IsAuthRejected(err) {
			return fmt.Errorf("%w: %v", backend.ErrAuthFailed, err)
		}
		return err
	})
	return backend.Classify(err)
}

// Ping checks that the controller answers an authenticated request.
func (c *Controller) Ping(ctx context.Context) error {
	return c.run(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, c.sitePath("stat/health"), nil, nil)
	})
}
