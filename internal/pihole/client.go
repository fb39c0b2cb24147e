// Package pihole drives the Pi-hole v6 REST API: regex domain lists and the
// global blocking switch, across one or more controllers.
package pihole

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/logging"
	"github.com/Extra-Chill/overlord/internal/metrics"
	"github.com/Extra-Chill/overlord/internal/session"
)

const (
	backendName = "pihole"
	sidHeader   = "X-FTL-SID"
	comment     = "managed by overlord"
)

// ClientConfig configures one controller.
type ClientConfig struct {
	URL        string
	Password   string
	Timeout    time.Duration
	RuleTTL    time.Duration
	Retry      backend.RetryConfig
	HTTPClient *http.Client
	Logger     *logging.Logger
	Now        func() time.Time
}

// Client talks to one Pi-hole controller and owns its session and snapshot.
type Client struct {
	name     string
	base     string
	password string
	http     *http.Client
	cache    *session.Cache
	retry    backend.RetryConfig
	log      *logging.Logger
	now      func() time.Time
}

// NewClient creates a client for the controller at cfg.URL.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid pihole url %q", cfg.URL)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = backend.DefaultRetryConfig()
	}

	c := &Client{
		name:     u.Host,
		base:     u.String(),
		password: cfg.Password,
		http:     cfg.HTTPClient,
		retry:    cfg.Retry,
		log:      cfg.Logger.WithComponent("pihole").With("controller", u.Host),
		now:      cfg.Now,
	}
	c.cache = session.NewWithClock(c.authenticate, cfg.RuleTTL, cfg.Now)
	return c, nil
}

// Name returns the controller host.
func (c *Client) Name() string {
	return c.name
}

// Host returns the controller hostname without port.
func (c *Client) Host() string {
	u, _ := url.Parse(c.base)
	return u.Hostname()
}

// Cache exposes the session cache.
func (c *Client) Cache() *session.Cache {
	return c.cache
}

type authResponse struct {
	Session struct {
		Valid    bool    `json:"valid"`
		SID      string  `json:"sid"`
		CSRF     string  `json:"csrf"`
		Validity float64 `json:"validity"`
		Message  string  `json:"message"`
	} `json:"session"`
}

func (c *Client) authenticate(ctx context.Context) (session.Session, error) {
	var resp authResponse
	_, err := c.send(ctx, http.MethodPost, "/api/auth", "", map[string]string{"password": c.password}, &resp)
	metrics.Get().ObserveLogin(backendName, err)
	if err != nil {
		if backend.IsAuthRejected(err) {
			return session.Session{}, fmt.Errorf("%w: %s: %v", backend.ErrAuthFailed, c.name, err)
		}
		return session.Session{}, err
	}
	if !resp.Session.Valid {
		return session.Session{}, fmt.Errorf("%w: %s: %s", backend.ErrAuthFailed, c.name, resp.Session.Message)
	}

	now := c.now()
	s := session.Session{
		Handle:   resp.Session.SID,
		CSRF:     resp.Session.CSRF,
		IssuedAt: now,
	}
	if resp.Session.Validity > 0 {
		s.ExpiresAt = now.Add(time.Duration(resp.Session.Validity * float64(time.Second)))
	}
	c.log.Debug("authenticated", "validity", resp.Session.Validity)
	return s, nil
}

// call runs one API request with session handling and bounded retries.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	err := backend.Retry(ctx, c.retry, func() error {
		return c.callOnce(ctx, method, path, body, out)
	})
	return backend.Classify(err)
}

// callOnce sends a request with the cached session. A rejected session is
// replaced once; a second rejection is an authentication failure.
func (c *Client) callOnce(ctx context.Context, method, path string, body, out any) error {
	sess, err := c.cache.Session(ctx)
	if err != nil {
		return err
	}

	_, err = c.send(ctx, method, path, sess.Handle, body, out)
	if !backend.IsAuthRejected(err) {
		return err
	}

	metrics.Get().BackendRetries.WithLabelValues(backendName).Inc()
	c.log.Info("session rejected, re-authenticating")
	c.cache.InvalidateIf(sess.Handle)

	sess, err = c.cache.Session(ctx)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, method, path, sess.Handle, body, out)
	if backend.IsAuthRejected(err) {
		c.cache.InvalidateIf(sess.Handle)
		return fmt.Errorf("%w: %s %s: %v", backend.ErrAuthFailed, method, path, err)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path, sid string, body, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, nil)
	}
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid != "" {
		req.Header.Set(sidHeader, sid)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.Get().ObserveBackend(backendName, method, 0, err, time.Since(start))
		return 0, err
	}
	defer resp.Body.Close()
	metrics.Get().ObserveBackend(backendName, method, resp.StatusCode, nil, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, backend.NewHTTPError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decode %s response: %v", backend.ErrInconsistent, path, err)
	}
	return resp.StatusCode, nil
}

type domainEntry struct {
	Domain  string `json:"domain"`
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
	Comment string `json:"comment"`
}

type domainsResponse struct {
	Domains   []domainEntry `json:"domains"`
	Processed *struct {
		Errors []struct {
			Item    string `json:"item"`
			Message string `json:"error"`
		} `json:"errors"`
	} `json:"processed,omitempty"`
}

func domainsPath(list string) string {
	return "/api/domains/" + list + "/regex"
}

func domainPath(list, regex string) string {
	return domainsPath(list) + "/" + url.PathEscape(regex)
}

// GetDomain reports whether regex is on the list and whether it is enabled.
func (c *Client) GetDomain(ctx context.Context, list, regex string) (present, enabled bool, err error) {
	var resp domainsResponse
	err = c.call(ctx, http.MethodGet, domainPath(list, regex), nil, &resp)
	if errors.Is(err, backend.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	for _, d := range resp.Domains {
		if d.Domain == regex {
			return true, d.Enabled, nil
		}
	}
	return false, false, nil
}

// AddDomain adds regex to the list, enabled.
func (c *Client) AddDomain(ctx context.Context, list, regex string) error {
	var resp domainsResponse
	body := map[string]any{
		"domain":  regex,
		"comment": comment,
		"enabled": true,
	}
	if err := c.call(ctx, http.MethodPost, domainsPath(list), body, &resp); err != nil {
		return err
	}
	if resp.Processed != nil && len(resp.Processed.Errors) > 0 {
		e := resp.Processed.Errors[0]
		return fmt.Errorf("%w: add %s: %s", backend.ErrInconsistent, e.Item, e.Message)
	}
	return nil
}

// UpdateDomain sets the enabled flag of an existing entry.
func (c *Client) UpdateDomain(ctx context.Context, list, regex string, enabled bool) error {
	body := map[string]any{
		"comment": comment,
		"enabled": enabled,
	}
	return c.call(ctx, http.MethodPut, domainPath(list, regex), body, nil)
}

// DeleteDomain removes regex from the list. A missing entry is not an error.
func (c *Client) DeleteDomain(ctx context.Context, list, regex string) error {
	err := c.call(ctx, http.MethodDelete, domainPath(list, regex), nil, nil)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}

func stateKey(list, regex string) string {
	return list + "/" + regex
}

// DomainStatus returns the state of regex, from the snapshot when fresh.
func (c *Client) DomainStatus(ctx context.Context, list, regex string) (backend.State, error) {
	key := stateKey(list, regex)
	if enabled, ok := c.cache.RuleState(key, 0); ok {
		metrics.Get().ObserveCache(backendName, true)
		return backend.FromBool(enabled), nil
	}
	metrics.Get().ObserveCache(backendName, false)

	epoch := c.cache.Epoch()
	present, enabled, err := c.GetDomain(ctx, list, regex)
	if err != nil {
		return backend.StateUnknown, err
	}
	on := present && enabled
	c.cache.PutRuleState(epoch, key, on)
	return backend.FromBool(on), nil
}

// EnableDomain makes sure regex is on the list and enabled.
func (c *Client) EnableDomain(ctx context.Context, list, regex string) error {
	epoch := c.cache.Epoch()
	present, enabled, err := c.GetDomain(ctx, list, regex)
	if err != nil {
		return err
	}
	switch {
	case present && enabled:
		c.log.Debug("domain already enabled", "list", list, "domain", regex)
	case present:
		err = c.UpdateDomain(ctx, list, regex, true)
	default:
		err = c.AddDomain(ctx, list, regex)
	}
	if err != nil {
		c.cache.ForgetRuleState(stateKey(list, regex))
		return err
	}
	c.cache.PutRuleState(epoch, stateKey(list, regex), true)
	return nil
}

// DisableDomain removes regex from the list.
func (c *Client) DisableDomain(ctx context.Context, list, regex string) error {
	epoch := c.cache.Epoch()
	if err := c.DeleteDomain(ctx, list, regex); err != nil {
		c.cache.ForgetRuleState(stateKey(list, regex))
		return err
	}
	c.cache.PutRuleState(epoch, stateKey(list, regex), false)
	return nil
}

// blockingValue accepts both the string and boolean forms of the blocking
// field.
type blockingValue string

func (v *blockingValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	var b bool
	if err := json.Unmarshal(trimmed, &b); err == nil {
		if b {
			*v = "enabled"
		} else {
			*v = "disabled"
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return fmt.Errorf("unsupported blocking value: %s", string(trimmed))
	}
	*v = blockingValue(strings.ToLower(s))
	return nil
}

// BlockingStatus is the global DNS blocking switch.
type BlockingStatus struct {
	Blocking blockingValue `json:"blocking"`
	Timer    *float64      `json:"timer"`
}

// State maps the switch onto the state model.
func (b BlockingStatus) State() (backend.State, error) {
	switch b.Blocking {
	case "enabled":
		return backend.StateEnabled, nil
	case "disabled":
		return backend.StateDisabled, nil
	}
	return backend.StateUnknown, fmt.Errorf("%w: blocking is %q", backend.ErrInconsistent, string(b.Blocking))
}

// Blocking reads the global switch.
func (c *Client) Blocking(ctx context.Context) (BlockingStatus, error) {
	var resp BlockingStatus
	err := c.call(ctx, http.MethodGet, "/api/dns/blocking", nil, &resp)
	return resp, err
}

// SetBlocking changes the global switch. A positive timer asks the
// controller to flip it back after that long.
func (c *Client) SetBlocking(ctx context.Context, enabled bool, timer time.Duration) (BlockingStatus, error) {
	body := map[string]any{"blocking": enabled, "timer": nil}
	if timer > 0 {
		body["timer"] = int(timer.Seconds())
	}
	var resp BlockingStatus
	err := c.call(ctx, http.MethodPost, "/api/dns/blocking", body, &resp)
	return resp, err
}

// MasterDisable turns blocking off. With a timer the controller must echo an
// armed timer; otherwise blocking is restored and the call fails.
func (c *Client) MasterDisable(ctx context.Context, timer time.Duration) error {
	resp, err := c.SetBlocking(ctx, false, timer)
	if err != nil {
		return err
	}
	if timer <= 0 {
		return nil
	}
	if resp.Timer == nil || *resp.Timer <= 0 {
		c.log.Warn("controller did not arm re-enable timer, restoring blocking", "timer", timer)
		if _, rerr := c.SetBlocking(ctx, true, 0); rerr != nil {
			c.log.Error("failed to restore blocking", "error", rerr)
		}
		return fmt.Errorf("%w: %s did not arm the %s re-enable timer", backend.ErrUnreachable, c.name, timer)
	}
	return nil
}

// MasterEnable turns blocking on.
func (c *Client) MasterEnable(ctx context.Context) error {
	_, err := c.SetBlocking(ctx, true, 0)
	return err
}

// MasterStatus reads the global switch.
func (c *Client) MasterStatus(ctx context.Context) (backend.State, error) {
	resp, err := c.Blocking(ctx)
	if err != nil {
		return backend.StateUnknown, err
	}
	return resp.State()
}

// Logout ends the cached session, if any.
func (c *Client) Logout(ctx context.Context) error {
	sess, ok := c.cache.Peek()
	if !ok {
		return nil
	}
	c.cache.Invalidate()
	_, err := c.send(ctx, http.MethodDelete, "/api/auth", sess.Handle, nil, nil)
	if err != nil && !backend.IsAuthRejected(err) {
		return fmt.Errorf("failed to log out of %s: %w", c.name, err)
	}
	return nil
}
