package pihole

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/logging"
)

// Config configures the adapter for every controller.
type Config struct {
	Controllers []string
	Password    string
	Timeout     time.Duration
	RuleTTL     time.Duration
	Retry       backend.RetryConfig
	HTTPClient  *http.Client
	Logger      *logging.Logger
	Now         func() time.Time
}

// Adapter fans operations out over every configured controller.
type Adapter struct {
	clients []*Client
	log     *logging.Logger
}

// New creates an adapter with one client per controller URL.
func New(cfg Config) (*Adapter, error) {
	if len(cfg.Controllers) == 0 {
		return nil, errors.New("pihole: no controllers configured")
	}
	clients := make([]*Client, 0, len(cfg.Controllers))
	for _, u := range cfg.Controllers {
		c, err := NewClient(ClientConfig{
			URL:        u,
			Password:   cfg.Password,
			Timeout:    cfg.Timeout,
			RuleTTL:    cfg.RuleTTL,
			Retry:      cfg.Retry,
			HTTPClient: cfg.HTTPClient,
			Logger:     cfg.Logger,
			Now:        cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return NewAdapter(cfg.Logger, clients...), nil
}

// NewAdapter wraps existing clients.
func NewAdapter(log *logging.Logger, clients ...*Client) *Adapter {
	if log == nil {
		log = logging.Default()
	}
	return &Adapter{clients: clients, log: log.WithComponent("pihole")}
}

// Clients returns the controllers in configuration order.
func (a *Adapter) Clients() []*Client {
	return a.clients
}

// List returns the toggle capability for one domain list (deny or allow).
func (a *Adapter) List(list string) backend.Toggler {
	return &domainList{a: a, list: list}
}

type domainList struct {
	a    *Adapter
	list string
}

func (d *domainList) Status(ctx context.Context, regex string) (backend.State, error) {
	return d.a.first(ctx, func(ctx context.Context, c *Client) (backend.State, error) {
		return c.DomainStatus(ctx, d.list, regex)
	})
}

func (d *domainList) Enable(ctx context.Context, regex string) error {
	return d.a.each(ctx, "enable "+regex, func(ctx context.Context, c *Client) error {
		return c.EnableDomain(ctx, d.list, regex)
	})
}

func (d *domainList) Disable(ctx context.Context, regex string) error {
	return d.a.each(ctx, "disable "+regex, func(ctx context.Context, c *Client) error {
		return c.DisableDomain(ctx, d.list, regex)
	})
}

// MasterStatus reads the global blocking switch from the first controller
// that answers.
func (a *Adapter) MasterStatus(ctx context.Context) (backend.State, error) {
	return a.first(ctx, func(ctx context.Context, c *Client) (backend.State, error) {
		return c.MasterStatus(ctx)
	})
}

// MasterEnable turns blocking on everywhere.
func (a *Adapter) MasterEnable(ctx context.Context) error {
	return a.each(ctx, "master enable", func(ctx context.Context, c *Client) error {
		return c.MasterEnable(ctx)
	})
}

// MasterDisable turns blocking off everywhere, optionally for a bounded time.
func (a *Adapter) MasterDisable(ctx context.Context, timer time.Duration) error {
	return a.each(ctx, "master disable", func(ctx context.Context, c *Client) error {
		return c.MasterDisable(ctx, timer)
	})
}

// Close logs out of every controller.
func (a *Adapter) Close(ctx context.Context) error {
	var errs []error
	for _, c := range a.clients {
		if err := c.Logout(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// first returns the answer of the first controller that succeeds.
func (a *Adapter) first(ctx context.Context, fn func(context.Context, *Client) (backend.State, error)) (backend.State, error) {
	errs := make([]error, 0, len(a.clients))
	for _, c := range a.clients {
		st, err := fn(ctx, c)
		if err == nil {
			return st, nil
		}
		a.log.Warn("controller read failed", "controller", c.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
	}
	joined := errors.Join(errs...)
	if errors.Is(joined, backend.ErrUnreachable) || len(errs) == 0 {
		return backend.StateUnknown, fmt.Errorf("%w: no controller answered: %v", backend.ErrUnreachable, joined)
	}
	return backend.StateUnknown, joined
}

// each runs fn on every controller concurrently and aggregates the results:
// nil when all succeed, a PartialError when some do, otherwise the failure.
func (a *Adapter) each(ctx context.Context, op string, fn func(context.Context, *Client) error) error {
	errs := make([]error, len(a.clients))

	var wg sync.WaitGroup
	for i, c := range a.clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			errs[i] = fn(ctx, c)
		}(i, c)
	}
	wg.Wait()

	var succeeded []string
	failed := make(map[string]error)
	var failures []error
	for i, c := range a.clients {
		if errs[i] == nil {
			succeeded = append(succeeded, c.Name())
			continue
		}
		a.log.Warn("controller operation failed", "op", op, "controller", c.Name(), "error", errs[i])
		failed[c.Name()] = errs[i]
		failures = append(failures, fmt.Errorf("%s: %w", c.Name(), errs[i]))
	}

	switch {
	case len(failed) == 0:
		return nil
	case len(succeeded) > 0:
		return &backend.PartialError{Succeeded: succeeded, Failed: failed}
	case len(failures) == 1:
		return failures[0]
	default:
		return errors.Join(failures...)
	}
}
