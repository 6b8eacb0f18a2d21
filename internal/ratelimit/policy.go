package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Policy is the request allowance for one endpoint: at most MaxRequests within any
// rolling Window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Validate rejects non-positive limits and sub-second windows.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 || p.Window < time.Second {
		return fmt.Errorf("%w: %d/%s", ErrInvalidPolicy, p.MaxRequests, p.Window)
	}
	return nil
}

// WindowSeconds is the window length in whole seconds, as reported to clients.
func (p Policy) WindowSeconds() int {
	return int(p.Window / time.Second)
}

func (p Policy) String() string {
	return fmt.Sprintf("%d/%ds", p.MaxRequests, p.WindowSeconds())
}

// PolicyTable maps exact request paths to policies. Paths without an entry use Default.
type PolicyTable struct {
	Default Policy
	Paths   map[string]Policy
}

// DefaultPolicyTable returns the production allowances. Chat traffic is bursty and
// gets a generous limit; uploads and auth endpoints are kept tighter.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		Default: Policy{MaxRequests: 300, Window: time.Minute},
		Paths: map[string]Policy{
			"/api/buddy/chat":      {MaxRequests: 200, Window: time.Minute},
			"/api/material/upload": {MaxRequests: 20, Window: time.Minute},
			"/api/auth/login":      {MaxRequests: 50, Window: time.Minute},
			"/api/auth/register":   {MaxRequests: 50, Window: time.Minute},
			"/api/graph":           {MaxRequests: 100, Window: time.Minute},
		},
	}
}

// Resolve returns the policy for path. It never fails: unknown paths get Default.
func (t PolicyTable) Resolve(path string) Policy {
	if p, ok := t.Paths[path]; ok {
		return p
	}
	return t.Default
}

// LongestWindow returns the largest window in the table.
func (t PolicyTable) LongestWindow() time.Duration {
	longest := t.Default.Window
	for _, p := range t.Paths {
		if p.Window > longest {
			longest = p.Window
		}
	}
	return longest
}

// Validate checks the default and every per-path policy.
func (t PolicyTable) Validate() error {
	if err := t.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for path, p := range t.Paths {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for %s: %w", path, err)
		}
	}
	return nil
}

// WithOverrides returns a copy of t with the given per-path policies added or replaced.
func (t PolicyTable) WithOverrides(overrides map[string]Policy) PolicyTable {
	paths := make(map[string]Policy, len(t.Paths)+len(overrides))
	for path, p := range t.Paths {
		paths[path] = p
	}
	for path, p := range overrides {
		paths[path] = p
	}
	return PolicyTable{Default: t.Default, Paths: paths}
}

// ParsePolicies parses "path=max/seconds" pairs separated by commas, e.g.
// "/api/buddy/chat=200/60,/api/auth/login=50/60".
func ParsePolicies(spec string) (map[string]Policy, error) {
	policies := make(map[string]Policy)
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		path, limit, ok := strings.Cut(item, "=")
		if !ok || !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPolicySpec, item)
		}
		maxStr, secStr, ok := strings.Cut(limit, "/")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPolicySpec, item)
		}

		maxRequests, err := strconv.Atoi(strings.TrimSpace(maxStr))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformedPolicySpec, item, err)
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(secStr))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformedPolicySpec, item, err)
		}

		p := Policy{MaxRequests: maxRequests, Window: time.Duration(seconds) * time.Second}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies[strings.TrimSpace(path)] = p
	}
	return policies, nil
}
