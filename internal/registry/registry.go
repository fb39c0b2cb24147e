// Package registry maps human-facing target names to backend identifiers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Extra-Chill/overlord/internal/config"
)

var (
	// ErrUnknownTarget is returned when a name is not registered for the
	// requested kind.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrConfigInvalid is returned when the target table cannot be loaded.
	ErrConfigInvalid = errors.New("invalid target configuration")
)

// Kind is the category of a target, which selects the backend adapter.
type Kind string

const (
	KindDomainGroup  Kind = "domain-group"
	KindFirewallRule Kind = "firewall-rule"
	KindDevice       Kind = "device"
)

// DNS list types for domain groups.
const (
	ListDeny  = "deny"
	ListAllow = "allow"
)

// Target is an immutable named target.
type Target struct {
	Name string
	Kind Kind
	// List is deny or allow for domain groups, empty otherwise.
	List string
	// BackendIDs are DNS regexes, rule names or MAC addresses, in
	// configuration order.
	BackendIDs []string
	// Patterns holds the configured source of each backend id.
	Patterns []string
}

func (t Target) clone() Target {
	t.BackendIDs = append([]string(nil), t.BackendIDs...)
	t.Patterns = append([]string(nil), t.Patterns...)
	return t
}

// Registry is a read-only name to target table. Safe for concurrent use
// without locking since it is never mutated after New.
type Registry struct {
	targets map[string]Target
}

// New validates the target declarations and builds a registry.
func New(decls []config.TargetConfig) (*Registry, error) {
	r := &Registry{targets: make(map[string]Target, len(decls))}

	for i, d := range decls {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: target %d has no name", ErrConfigInvalid, i)
		}
		if !ValidName(name) {
			return nil, fmt.Errorf("%w: invalid target name %q", ErrConfigInvalid, name)
		}
		if _, exists := r.targets[name]; exists {
			return nil, fmt.Errorf("%w: duplicate target %q", ErrConfigInvalid, name)
		}
		if len(d.IDs) == 0 {
			return nil, fmt.Errorf("%w: target %q has no backend ids", ErrConfigInvalid, name)
		}

		t := Target{
			Name:     name,
			Kind:     Kind(d.Kind),
			Patterns: append([]string(nil), d.IDs...),
		}

		ids, err := compileIDs(&t, d)
		if err != nil {
			return nil, fmt.Errorf("%w: target %q: %v", ErrConfigInvalid, name, err)
		}
		t.BackendIDs = ids
		r.targets[name] = t
	}

	return r, nil
}

func compileIDs(t *Target, d config.TargetConfig) ([]string, error) {
	ids := make([]string, 0, len(d.IDs))
	seen := make(map[string]bool, len(d.IDs))

	for _, raw := range d.IDs {
		var id string
		switch t.Kind {
		case KindDomainGroup:
			re, err := DomainRegex(raw)
			if err != nil {
				return nil, err
			}
			id = re
		case KindFirewallRule:
			id = strings.TrimSpace(raw)
			if id == "" {
				return nil, fmt.Errorf("empty rule name")
			}
		case KindDevice:
			mac, err := NormalizeMAC(raw)
			if err != nil {
				return nil, fmt.Errorf("device %q: %v", raw, err)
			}
			id = mac
		default:
			return nil, fmt.Errorf("unknown kind %q", d.Kind)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate backend id %q", raw)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if t.Kind == KindDomainGroup {
		switch d.List {
		case "", ListDeny:
			t.List = ListDeny
		case ListAllow:
			t.List = ListAllow
		default:
			return nil, fmt.Errorf("unknown list %q", d.List)
		}
	} else if d.List != "" {
		return nil, fmt.Errorf("list is only valid for %s targets", KindDomainGroup)
	}

	return ids, nil
}

// MaxNameLen bounds target names.
const MaxNameLen = 128

// ValidName reports whether name can be a target name. Names travel in URL
// paths, so slashes and control characters are rejected.
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameLen || strings.TrimSpace(name) != name {
		return false
	}
	for _, r := range name {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Resolve returns the target registered under name.
func (r *Registry) Resolve(name string) (Target, error) {
	t, ok := r.targets[name]
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return t.clone(), nil
}

// ResolveKind is Resolve restricted to one kind. A name registered with a
// different kind is reported as unknown.
func (r *Registry) ResolveKind(name string, kind Kind) (Target, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return Target{}, err
	}
	if t.Kind != kind {
		return Target{}, fmt.Errorf("%w: %q is a %s, not a %s", ErrUnknownTarget, name, t.Kind, kind)
	}
	return t, nil
}

// List returns the targets of one kind sorted by name. An empty kind lists
// every target.
func (r *Registry) List(kind Kind) []Target {
	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		if kind == "" || t.Kind == kind {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted names of the targets of one kind.
func (r *Registry) Names(kind Kind) []string {
	var names []string
	for name, t := range r.targets {
		if kind == "" || t.Kind == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	return len(r.targets)
}
