// Package policy resolves named targets and applies status, enable and
// disable actions across their backend ids.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/events"
	"github.com/Extra-Chill/overlord/internal/journal"
	"github.com/Extra-Chill/overlord/internal/logging"
	"github.com/Extra-Chill/overlord/internal/metrics"
	"github.com/Extra-Chill/overlord/internal/registry"
)

var (
	// ErrDisabled is returned for a domain whose backend is not configured.
	ErrDisabled = errors.New("backend disabled")
	// ErrInvalidRequest is returned for a malformed request.
	ErrInvalidRequest = errors.New("invalid request")
)

// Domain selects the control surface a request belongs to.
type Domain string

const (
	DomainPiHole Domain = "pihole"
	DomainAllDNS Domain = "alldns"
	DomainRule   Domain = "ubiquiti-rule"
	DomainDevice Domain = "ubiquiti-device"
)

func (d Domain) known() bool {
	switch d {
	case DomainPiHole, DomainAllDNS, DomainRule, DomainDevice:
		return true
	}
	return false
}

const defaultTimeout = 10 * time.Second

// KindMaster is the reported kind of the DNS master switch.
const KindMaster registry.Kind = "dns-master"

// Action is what a request does to its target.
type Action string

const (
	ActionStatus  Action = "status"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

func (a Action) mutates() bool {
	return a == ActionEnable || a == ActionDisable
}

func (a Action) valid() bool {
	return a == ActionStatus || a.mutates()
}

// Status is the aggregate outcome of a request.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Request asks for one action on one target. Duration is only used by a
// DNS master disable.
type Request struct {
	Domain   Domain
	Target   string
	Action   Action
	Duration time.Duration
}

// Outcome is the result for a single backend id.
type Outcome struct {
	BackendID string
	Status    Status
	State     backend.State
	Err       error
}

// Result is the aggregated answer to a Request.
type Result struct {
	Domain   Domain
	Target   string
	Kind     registry.Kind
	Action   Action
	Status   Status
	State    backend.State
	Outcomes []Outcome
	// Err is set when the request failed before reaching a backend, or
	// joins the backend errors when every id failed.
	Err error
}

// Detail summarizes the errors of a result, empty when there were none.
func (r Result) Detail() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	var msgs []string
	for _, o := range r.Outcomes {
		if o.Err != nil {
			msgs = append(msgs, o.BackendID+": "+o.Err.Error())
		}
	}
	return strings.Join(msgs, "; ")
}

// DomainLists gives access to the Pi-hole allow and deny lists.
type DomainLists interface {
	List(list string) backend.Toggler
}

// MasterSwitch is the global DNS blocking switch.
type MasterSwitch interface {
	MasterStatus(ctx context.Context) (backend.State, error)
	MasterEnable(ctx context.Context) error
	MasterDisable(ctx context.Context, timer time.Duration) error
}

// Firewall is the router side: firewall rules and client devices.
type Firewall interface {
	Rules() backend.Toggler
	Devices() backend.Toggler
	Refresh(ctx context.Context) ([]string, error)
}

// Recorder stores executed mutations.
type Recorder interface {
	Add(ctx context.Context, e journal.Entry) (journal.Entry, error)
}

// Publisher receives an event for every executed request.
type Publisher interface {
	Publish(e events.Event)
}

// Options wires an Engine. Nil backends disable their domains.
type Options struct {
	Registry *registry.Registry
	DNS      DomainLists
	Master   MasterSwitch
	Firewall Firewall
	// Timeout bounds each backend call.
	Timeout time.Duration
	Journal Recorder
	Events  Publisher
	Logger  *logging.Logger
}

// Engine executes policy requests. It holds no state of its own beyond its
// wiring and is safe for concurrent use.
type Engine struct {
	registry *registry.Registry
	dns      DomainLists
	master   MasterSwitch
	firewall Firewall
	timeout  time.Duration
	journal  Recorder
	events   Publisher
	log      *logging.Logger
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Engine{
		registry: opts.Registry,
		dns:      opts.DNS,
		master:   opts.Master,
		firewall: opts.Firewall,
		timeout:  opts.Timeout,
		journal:  opts.Journal,
		events:   opts.Events,
		log:      opts.Logger.WithComponent("policy"),
	}
}

// Enabled reports whether the backend serving d is configured.
func (e *Engine) Enabled(d Domain) bool {
	switch d {
	case DomainPiHole:
		return e.dns != nil
	case DomainAllDNS:
		return e.master != nil
	case DomainRule, DomainDevice:
		return e.firewall != nil
	}
	return false
}

// Execute runs req and always returns a Result; errors are reported in it.
func (e *Engine) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	res := e.execute(ctx, req)
	e.finish(ctx, req, res, time.Since(start))
	return res
}

func (e *Engine) execute(ctx context.Context, req Request) Result {
	res := Result{
		Domain: req.Domain,
		Target: req.Target,
		Action: req.Action,
	}
	if !req.Action.valid() {
		return res.fail(fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action))
	}
	if req.Duration < 0 {
		return res.fail(fmt.Errorf("%w: negative duration", ErrInvalidRequest))
	}
	if !req.Domain.known() {
		return res.fail(fmt.Errorf("%w: unknown domain %q", ErrInvalidRequest, req.Domain))
	}
	if !e.Enabled(req.Domain) {
		return res.fail(fmt.Errorf("%w: %s", ErrDisabled, req.Domain))
	}

	if req.Domain == DomainAllDNS {
		res.Kind = KindMaster
		return e.executeMaster(ctx, req, res)
	}

	kind, toggler := e.route(req.Domain)
	target, err := e.registry.ResolveKind(req.Target, kind)
	if err != nil {
		return res.fail(err)
	}
	res.Kind = target.Kind
	if kind == registry.KindDomainGroup {
		toggler = e.dns.List(target.List)
	}

	res.Outcomes = e.fanOut(ctx, toggler, req.Action, target.BackendIDs)
	res.Status, res.State = aggregate(req.Action, res.Outcomes)
	if res.Status == StatusFailed {
		errs := make([]error, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			errs = append(errs, o.Err)
		}
		res.Err = errors.Join(errs...)
	}
	return res
}

func (r Result) fail(err error) Result {
	r.Status = StatusFailed
	r.State = backend.StateUnknown
	r.Err = err
	return r
}

func (e *Engine) route(d Domain) (registry.Kind, backend.Toggler) {
	switch d {
	case DomainRule:
		return registry.KindFirewallRule, e.firewall.Rules()
	case DomainDevice:
		return registry.KindDevice, e.firewall.Devices()
	default:
		return registry.KindDomainGroup, nil
	}
}

// fanOut applies action to every id concurrently. Outcomes keep the order of
// ids.
func (e *Engine) fanOut(ctx context.Context, t backend.Toggler, action Action, ids []string) []Outcome {
	outcomes := make([]Outcome, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = e.apply(ctx, t, action, id)
		}()
	}
	wg.Wait()
	return outcomes
}

func (e *Engine) apply(ctx context.Context, t backend.Toggler, action Action, id string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		state backend.State
		err   error
	)
	switch action {
	case ActionStatus:
		state, err = t.Status(ctx, id)
	case ActionEnable:
		state, err = backend.StateEnabled, t.Enable(ctx, id)
	case ActionDisable:
		state, err = backend.StateDisabled, t.Disable(ctx, id)
	}
	return outcome(id, state, err)
}

func outcome(id string, state backend.State, err error) Outcome {
	switch {
	case err == nil:
		return Outcome{BackendID: id, Status: StatusOK, State: state}
	case backend.IsPartial(err):
		return Outcome{BackendID: id, Status: StatusPartial, State: backend.StatePartial, Err: err}
	default:
		return Outcome{BackendID: id, Status: StatusFailed, State: backend.StateUnknown, Err: err}
	}
}

// aggregate folds per-id outcomes: ok only when every id succeeded, failed
// only when every id failed.
func aggregate(action Action, outcomes []Outcome) (Status, backend.State) {
	var ok, failed int
	for _, o := range outcomes {
		switch o.Status {
		case StatusOK:
			ok++
		case StatusFailed:
			failed++
		}
	}

	switch {
	case len(outcomes) == 0 || failed == len(outcomes):
		return StatusFailed, backend.StateUnknown
	case ok < len(outcomes):
		return StatusPartial, backend.StatePartial
	}

	switch action {
	case ActionEnable:
		return StatusOK, backend.StateEnabled
	case ActionDisable:
		return StatusOK, backend.StateDisabled
	}
	return StatusOK, commonState(outcomes)
}

func commonState(outcomes []Outcome) backend.State {
	state := outcomes[0].State
	for _, o := range outcomes {
		if o.State == backend.StateUnknown {
			return backend.StateUnknown
		}
		if o.State != state {
			state = backend.StatePartial
		}
	}
	return state
}

func (e *Engine) executeMaster(ctx context.Context, req Request, res Result) Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		state backend.State
		err   error
	)
	switch req.Action {
	case ActionStatus:
		state, err = e.master.MasterStatus(ctx)
	case ActionEnable:
		state, err = backend.StateEnabled, e.master.MasterEnable(ctx)
	case ActionDisable:
		state, err = backend.StateDisabled, e.master.MasterDisable(ctx, req.Duration)
	}

	o := outcome("blocking", state, err)
	res.Outcomes = []Outcome{o}
	res.Status, res.State = o.Status, o.State
	if o.Status == StatusFailed {
		res.Err = err
	}
	return res
}

// Refresh discards the router rule snapshot and re-reads every rule. It
// returns the names of the rules the controller now has.
func (e *Engine) Refresh(ctx context.Context) ([]string, error) {
	if e.firewall == nil {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, DomainRule)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	names, err := e.firewall.Refresh(ctx)
	data := events.RefreshData{Rules: len(names)}
	if err != nil {
		data.Error = err.Error()
		e.log.Warn("rule refresh failed", "error", err)
	} else {
		e.log.Info("rules refreshed", "rules", len(names))
	}
	if e.events != nil {
		e.events.Publish(events.Event{Type: events.EventRefresh, Source: "policy", Data: data})
	}
	return names, err
}

// finish logs, counts, journals and publishes an executed request.
func (e *Engine) finish(ctx context.Context, req Request, res Result, d time.Duration) {
	metrics.Get().ObservePolicy(string(req.Domain), string(req.Action), string(res.Status), d)

	detail := res.Detail()
	attrs := []any{
		"domain", req.Domain,
		"target", req.Target,
		"status", res.Status,
		"state", res.State,
		"duration", d,
	}
	if detail != "" {
		attrs = append(attrs, "detail", detail)
	}
	if req.Duration > 0 {
		attrs = append(attrs, "timer", req.Duration)
	}

	switch {
	case res.Status == StatusFailed:
		e.log.Warn("policy "+string(req.Action)+" failed", attrs...)
	case req.Action.mutates():
		e.log.Audit(string(req.Action), req.Target, attrs...)
	default:
		e.log.Debug("policy status", attrs...)
	}

	if req.Action.mutates() && e.journal != nil {
		entry := journal.Entry{
			Domain:     string(req.Domain),
			Target:     req.Target,
			Kind:       string(res.Kind),
			Action:     string(req.Action),
			Status:     string(res.Status),
			State:      string(res.State),
			Detail:     detail,
			Timer:      int64(req.Duration / time.Second),
			DurationMS: d.Milliseconds(),
		}
		if _, err := e.journal.Add(context.WithoutCancel(ctx), entry); err != nil {
			e.log.Error("failed to journal policy operation", "error", err)
		}
	}

	if e.events != nil {
		e.events.Publish(events.Event{
			Type:   events.EventPolicy,
			Source: "policy",
			Data: events.PolicyData{
				Domain: string(req.Domain),
				Target: req.Target,
				Kind:   string(res.Kind),
				Action: string(req.Action),
				Status: string(res.Status),
				State:  string(res.State),
				Detail: detail,
			},
		})
	}
}
