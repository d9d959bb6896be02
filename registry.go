package blocker

import (
	"errors"
	"strings"
	"sync"
)

// ErrUnknownDomain is returned when an operation names a domain that was not
// part of the configured set.
var ErrUnknownDomain = errors.New("unknown domain")

// DomainStatus is one row of a registry snapshot.
type DomainStatus struct {
	Domain  string `json:"domain"`
	Blocked bool   `json:"blocked"`
}

// Registry holds the monitored domains and their blocked/allowed flags.
//
// The set of domains is fixed at construction; only the flags change. Hosts
// are matched by substring containment, so "youtube.com" also matches
// "m.youtube.com" and "notyoutube.com.evil.example". Domain strings are used
// verbatim: no case folding or other normalization is applied.
//
// All methods are safe for concurrent use.
type Registry struct {
	// OnChange, if set, is called after a flag changes. It runs outside the
	// registry lock and may call back into the registry.
	OnChange func(domain string, blocked bool)

	mu      sync.RWMutex
	order   []string
	blocked map[string]bool
}

// NewRegistry creates a registry with every domain initially blocked.
// Repeated domains keep a single entry at the position of their first
// occurrence.
func NewRegistry(domains []string) *Registry {
	r := &Registry{
		order:   make([]string, 0, len(domains)),
		blocked: make(map[string]bool, len(domains)),
	}
	for _, d := range domains {
		if _, ok := r.blocked[d]; ok {
			continue
		}
		r.order = append(r.order, d)
		r.blocked[d] = true
	}
	return r
}

// IsBlocked reports whether any currently blocked domain is a substring of
// host.
func (r *Registry) IsBlocked(host string) bool {
	_, ok := r.Match(host)
	return ok
}

// Match returns the first blocked domain, in configuration order, contained
// in host.
func (r *Registry) Match(host string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.order {
		if r.blocked[d] && strings.Contains(host, d) {
			return d, true
		}
	}
	return "", false
}

// Toggle inverts the flag of domain. It returns false, and changes nothing,
// if domain is not configured.
func (r *Registry) Toggle(domain string) bool {
	_, ok := r.Flip(domain)
	return ok
}

// Flip is Toggle that also returns the flag it wrote.
func (r *Registry) Flip(domain string) (blocked bool, ok bool) {
	r.mu.Lock()
	cur, ok := r.blocked[domain]
	if !ok {
		r.mu.Unlock()
		return false, false
	}
	r.blocked[domain] = !cur
	r.mu.Unlock()

	r.notify(domain, !cur)
	return !cur, true
}

// Set assigns the flag of domain. It returns false if domain is not
// configured.
func (r *Registry) Set(domain string, blocked bool) bool {
	r.mu.Lock()
	cur, ok := r.blocked[domain]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.blocked[domain] = blocked
	r.mu.Unlock()

	if cur != blocked {
		r.notify(domain, blocked)
	}
	return true
}

// Status returns the flag of a single domain.
func (r *Registry) Status(domain string) (blocked bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	blocked, ok = r.blocked[domain]
	return blocked, ok
}

// Snapshot returns a point-in-time copy of every entry in configuration
// order.
func (r *Registry) Snapshot() []DomainStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DomainStatus, len(r.order))
	for i, d := range r.order {
		out[i] = DomainStatus{Domain: d, Blocked: r.blocked[d]}
	}
	return out
}

// Domains returns the configured domains in configuration order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of configured domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) notify(domain string, blocked bool) {
	if r.OnChange != nil {
		r.OnChange(domain, blocked)
	}
}
