package market

import (
	"fmt"
	"sync"
)

// Registry manages the set of instruments the core trades, keyed by
// symbol. One engine instance trades many instruments; each instrument
// gets exactly one matching goroutine (see internal/matching), so the
// registry itself only needs to guard registration and status
// transitions, never per-order traffic.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Register adds a Market, failing if its symbol is already registered.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	r.markets[m.Symbol] = m
	return nil
}

// Get looks up a Market by symbol.
func (r *Registry) Get(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("market %s not found", symbol)
	}
	return m, nil
}

// List returns every registered Market.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

// SetStatus transitions a market's trading status, refusing any
// transition out of Settled (terminal).
func (r *Registry) SetStatus(symbol string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not found", symbol)
	}
	if m.Status == Settled {
		return fmt.Errorf("cannot change status from Settled (terminal state)")
	}
	m.Status = status
	return nil
}
