package store

import (
	"fmt"
	"strings"
	"sync"
)

// Router resolves a domain name to its logical store. Most deployments use
// one shared store; tenants with a DSN override in config get their own.
type Router struct {
	driver    string
	shared    *Store
	overrides map[string]string

	mu     sync.Mutex
	opened map[string]*Store
}

// NewRouter creates a router over the shared store. overrides maps
// lowercased domain names to DSNs.
func NewRouter(driver string, shared *Store, overrides map[string]string) *Router {
	norm := make(map[string]string, len(overrides))
	for k, v := range overrides {
		norm[strings.ToLower(k)] = v
	}
	return &Router{
		driver:    driver,
		shared:    shared,
		overrides: norm,
		opened:    make(map[string]*Store),
	}
}

// Shared returns the default store.
func (r *Router) Shared() *Store {
	return r.shared
}

// ForDomain returns the store serving the given domain, opening the
// tenant's database on first use.
func (r *Router) ForDomain(domain string) (*Store, error) {
	domain = strings.ToLower(domain)
	dsn, ok := r.overrides[domain]
	if !ok {
		return r.shared, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.opened[domain]; ok {
		return s, nil
	}

	s, err := Open(r.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store for %s: %w", domain, err)
	}
	r.opened[domain] = s
	return s, nil
}

// ForEmail returns the store serving the domain part of an email address.
func (r *Router) ForEmail(email string) (*Store, error) {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return r.shared, nil
	}
	return r.ForDomain(domain)
}

// Close closes every store the router opened, plus the shared store.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, s := range r.opened {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := r.shared.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
