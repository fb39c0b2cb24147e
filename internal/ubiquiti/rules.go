package ubiquiti

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/metrics"
)

// rule is a firewall rule as the controller returns it. The full object is
// kept so an update sends every field back.
type rule map[string]any

func (r rule) id() string {
	s, _ := r["_id"].(string)
	return s
}

func (r rule) name() string {
	s, _ := r["name"].(string)
	return s
}

func (r rule) enabled() (bool, bool) {
	b, ok := r["enabled"].(bool)
	return b, ok
}

func (c *Controller) resetIndex() {
	c.mu.Lock()
	c.rules = make(map[string]rule)
	c.mu.Unlock()
}

// fetchRules reads every firewall rule, rebuilds the index and records the
// states in the snapshot.
func (c *Controller) fetchRules(ctx context.Context) ([]rule, error) {
	epoch := c.cache.Epoch()

	var rules []rule
	if err := c.do(ctx, http.MethodGet, c.sitePath("rest/firewallrule"), nil, &rules); err != nil {
		return nil, err
	}

	index := make(map[string]rule, len(rules))
	states := make(map[string]bool, len(rules))
	for _, r := range rules {
		name := r.name()
		if name == "" || r.id() == "" {
			continue
		}
		index[name] = r
		if enabled, ok := r.enabled(); ok {
			states[name] = enabled
		}
	}

	c.mu.Lock()
	c.rules = index
	c.mu.Unlock()
	c.cache.PutRuleStates(epoch, states)
	return rules, nil
}

func findRule(rules []rule, name string) (rule, error) {
	for _, r := range rules {
		if r.name() == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: firewall rule %q", backend.ErrNotFound, name)
}

// RuleStatus returns the state of the named rule, from the snapshot when
// fresh.
func (c *Controller) RuleStatus(ctx context.Context, name string) (backend.State, error) {
	if enabled, ok := c.cache.RuleState(name, 0); ok {
		metrics.Get().ObserveCache(backendName, true)
		return backend.FromBool(enabled), nil
	}
	metrics.Get().ObserveCache(backendName, false)

	var state backend.State
	err := c.run(ctx, func(ctx context.Context) error {
		rules, err := c.fetchRules(ctx)
		if err != nil {
			return err
		}
		r, err := findRule(rules, name)
		if err != nil {
			return err
		}
		enabled, ok := r.enabled()
		if !ok {
			return fmt.Errorf("%w: rule %q has no enabled field", backend.ErrInconsistent, name)
		}
		state = backend.FromBool(enabled)
		return nil
	})
	if err != nil {
		return backend.StateUnknown, err
	}
	return state, nil
}

// RuleEnable enables the named rule.
func (c *Controller) RuleEnable(ctx context.Context, name string) error {
	return c.setRule(ctx, name, true)
}

// RuleDisable disables the named rule.
func (c *Controller) RuleDisable(ctx context.Context, name string) error {
	return c.setRule(ctx, name, false)
}

// setRule reads the rule live and only writes when it is not already in the
// wanted state. The written state is dropped if the snapshot was refreshed
// while the write was in flight.
func (c *Controller) setRule(ctx context.Context, name string, enabled bool) error {
	var epoch uint64
	err := c.run(ctx, func(ctx context.Context) error {
		epoch = c.cache.Epoch()
		rules, err := c.fetchRules(ctx)
		if err != nil {
			return err
		}
		r, err := findRule(rules, name)
		if err != nil {
			return err
		}
		if current, ok := r.enabled(); ok && current == enabled {
			c.log.Debug("rule already in wanted state", "rule", name, "enabled", enabled)
			return nil
		}

		update := make(rule, len(r))
		for k, v := range r {
			update[k] = v
		}
		update["enabled"] = enabled

		var updated []rule
		path := c.sitePath("rest/firewallrule/" + url.PathEscape(r.id()))
		if err := c.do(ctx, http.MethodPut, path, update, &updated); err != nil {
			return err
		}
		if len(updated) > 0 {
			if got, ok := updated[0].enabled(); ok && got != enabled {
				return fmt.Errorf("%w: rule %q still enabled=%t after update", backend.ErrInconsistent, name, got)
			}
		}
		c.log.Info("rule updated", "rule", name, "enabled", enabled)
		return nil
	})
	if err != nil {
		c.cache.ForgetRuleState(name)
		return err
	}
	c.cache.PutRuleState(epoch, name, enabled)
	return nil
}

// Refresh discards the snapshot and re-reads every rule in one call. It
// returns the names of the rules read, sorted.
func (c *Controller) Refresh(ctx context.Context) ([]string, error) {
	c.cache.ForceRefresh()
	c.resetIndex()
	metrics.Get().CacheRefreshes.WithLabelValues(backendName).Inc()

	err := c.run(ctx, func(ctx context.Context) error {
		_, err := c.fetchRules(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	names := c.ruleNames()
	c.log.Info("rules refreshed", "count", len(names))
	return names, nil
}

func (c *Controller) ruleNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.rules))
	for name := range c.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
