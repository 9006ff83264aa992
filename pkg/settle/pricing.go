// Package settle converts accumulated usage into committed balance changes.
// Previews are pure and re-computable; execution is one-way and idempotent
// per org+period, with transient commit failures retried as a compensating
// settlement retry that never touches prior audit records.
package settle

import "sync"

// PricingSource supplies the externally-owned pricing rules the settler
// applies. The settler never computes prices itself.
type PricingSource interface {
	// UnitPriceMicros returns the price per invocation unit for a skill.
	UnitPriceMicros(skillID string) int64
}

// StaticPricing is a PricingSource backed by a rate table, hot-swappable on
// configuration reload.
type StaticPricing struct {
	mu            sync.RWMutex
	rates         map[string]int64
	defaultMicros int64
}

// NewStaticPricing creates a pricing source with the given per-skill rates
// and fallback rate, all in micros per invocation unit.
func NewStaticPricing(rates map[string]int64, defaultMicros int64) *StaticPricing {
	p := &StaticPricing{}
	p.SetRates(rates, defaultMicros)
	return p
}

// SetRates atomically replaces the rate table.
func (p *StaticPricing) SetRates(rates map[string]int64, defaultMicros int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rates = make(map[string]int64, len(rates))
	for skillID, rate := range rates {
		p.rates[skillID] = rate
	}
	p.defaultMicros = defaultMicros
}

// UnitPriceMicros returns the per-unit price for a skill.
func (p *StaticPricing) UnitPriceMicros(skillID string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if rate, ok := p.rates[skillID]; ok {
		return rate
	}
	return p.defaultMicros
}
