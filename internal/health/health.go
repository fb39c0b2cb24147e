// Package health probes the configured controllers.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/events"
	"github.com/Extra-Chill/overlord/internal/logging"
	"github.com/Extra-Chill/overlord/internal/metrics"
	"github.com/Extra-Chill/overlord/internal/session"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// DNSInstance is one Pi-hole controller.
type DNSInstance interface {
	Name() string
	Host() string
	MasterStatus(ctx context.Context) (backend.State, error)
}

// Prober resolves a query against a DNS server.
type Prober interface {
	Probe(ctx context.Context, host string) error
}

// Router is the UniFi controller.
type Router interface {
	Name() string
	Ping(ctx context.Context) error
}

// Check is the result of one probe.
type Check struct {
	Backend   string `json:"backend"`
	Instance  string `json:"instance"`
	Probe     string `json:"probe"`
	Up        bool   `json:"up"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`

	// Set on api probes of controllers that hold a login session.
	Session string `json:"session,omitempty"`
	Logins  int    `json:"logins,omitempty"`
}

// Report is the result of a full round of probes.
type Report struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	Checks    []Check   `json:"checks"`
}

// Options wires a Checker.
type Options struct {
	DNS     []DNSInstance
	Prober  Prober
	Router  Router
	Timeout time.Duration
	Events  interface{ Publish(events.Event) }
	Logger  *logging.Logger
}

// Checker probes every controller concurrently and remembers which were up.
type Checker struct {
	opts Options
	log  *logging.Logger

	mu   sync.Mutex
	up   map[string]bool
	last Report
}

// New creates a Checker.
func New(opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Checker{
		opts: opts,
		log:  opts.Logger.WithComponent("health"),
		up:   make(map[string]bool),
	}
}

type probe struct {
	backend, instance, kind string
	fn                      func(ctx context.Context) error
	cache                   *session.Cache
}

// sessionHolder is implemented by controllers that keep a login session.
type sessionHolder interface {
	Cache() *session.Cache
}

func cacheOf(v any) *session.Cache {
	if h, ok := v.(sessionHolder); ok {
		return h.Cache()
	}
	return nil
}

func (c *Checker) probes() []probe {
	var ps []probe
	for _, d := range c.opts.DNS {
		ps = append(ps, probe{"pihole", d.Name(), "api", func(ctx context.Context) error {
			_, err := d.MasterStatus(ctx)
			return err
		}, cacheOf(d)})
		if c.opts.Prober != nil {
			ps = append(ps, probe{"pihole", d.Name(), "dns", func(ctx context.Context) error {
				return c.opts.Prober.Probe(ctx, d.Host())
			}, nil})
		}
	}
	if c.opts.Router != nil {
		r := c.opts.Router
		ps = append(ps, probe{"ubiquiti", r.Name(), "api", r.Ping, cacheOf(r)})
	}
	return ps
}

// Check runs every probe and returns the report. The report is degraded
// when any probe failed.
func (c *Checker) Check(ctx context.Context) Report {
	ps := c.probes()
	checks := make([]Check, len(ps))

	var wg sync.WaitGroup
	for i, p := range ps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()

			start := time.Now()
			err := p.fn(pctx)
			checks[i] = Check{
				Backend:   p.backend,
				Instance:  p.instance,
				Probe:     p.kind,
				Up:        err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				checks[i].Error = err.Error()
			}
			if p.cache != nil {
				checks[i].Session = p.cache.Status().String()
				checks[i].Logins = p.cache.Logins()
			}
		}()
	}
	wg.Wait()

	sort.SliceStable(checks, func(i, j int) bool {
		if checks[i].Backend != checks[j].Backend {
			return checks[i].Backend < checks[j].Backend
		}
		return checks[i].Instance < checks[j].Instance
	})

	report := Report{Status: StatusOK, CheckedAt: time.Now().UTC(), Checks: checks}
	instances := make(map[string]bool)
	for _, ch := range checks {
		key := ch.Backend + "/" + ch.Instance
		up, seen := instances[key]
		instances[key] = (up || !seen) && ch.Up
		if !ch.Up {
			report.Status = StatusDegraded
		}
	}

	c.record(instances, checks)
	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// record updates the gauges and reports instances whose state changed.
func (c *Checker) record(instances map[string]bool, checks []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range checks {
		key := ch.Backend + "/" + ch.Instance
		up, ok := instances[key]
		if !ok {
			continue
		}
		delete(instances, key)
		metrics.Get().SetBackendUp(ch.Backend, ch.Instance, up)

		prev, known := c.up[key]
		c.up[key] = up
		if known && prev == up {
			continue
		}
		if up {
			c.log.Info("backend up", "backend", ch.Backend, "instance", ch.Instance)
		} else {
			c.log.Warn("backend down", "backend", ch.Backend, "instance", ch.Instance, "error", firstError(checks, key))
		}
		if c.opts.Events != nil {
			c.opts.Events.Publish(events.Event{
				Type:   events.EventHealth,
				Source: "health",
				Data: events.HealthData{
					Backend:  ch.Backend,
					Instance: ch.Instance,
					Up:       up,
					Error:    firstError(checks, key),
				},
			})
		}
	}
}

func firstError(checks []Check, key string) string {
	for _, ch := range checks {
		if ch.Backend+"/"+ch.Instance == key && ch.Error != "" {
			return ch.Error
		}
	}
	return ""
}

// Last returns the most recent report. CheckedAt is zero before the first
// round.
func (c *Checker) Last() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Run checks every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}
