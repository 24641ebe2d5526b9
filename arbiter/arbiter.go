// Package arbiter enforces mutual exclusion across concurrent claims that
// share a resource key (C4), and mitigates starvation with priority ageing.
package arbiter

import (
	"sync"
	"time"
)

const (
	// DefaultAgeBonus is the wait duration that reduces effective priority by
	// one full tier (§4.3, decided open question).
	DefaultAgeBonus = 10 * time.Second

	// DefaultMaxStarvationTTL force-admits a task whose key has been free
	// this long, ahead of ageing order (§4.3 hard escape valve).
	DefaultMaxStarvationTTL = 60 * time.Second
)

// KeyMode is the per-key contention mode: exclusive (default) or shared,
// registered the same way CoalescePolicy registers coalescing task names
// (§4.3 decided open question — no bare-string syntax overload).
type KeyMode int

const (
	ModeExclusive KeyMode = iota
	ModeShared
)

// KeyModePolicy reports the configured mode for a resource key.
type KeyModePolicy func(key string) KeyMode

// DefaultKeyModePolicy treats every key as exclusive.
func DefaultKeyModePolicy(key string) KeyMode { return ModeExclusive }

// Arbiter is the per-process counting set of leased resource keys. It is the
// claim-time layer of invariant I5; the store's optional partial unique index
// is the DB-side defense-in-depth layer (§4.3).
type Arbiter struct {
	mu        sync.Mutex
	leased    map[string]int // key -> count of concurrent holders (>1 only for shared keys)
	freedAt   map[string]time.Time
	keyMode   KeyModePolicy
	ageBonus  time.Duration
	maxStarve time.Duration
}

func New(keyMode KeyModePolicy, ageBonus, maxStarvationTTL time.Duration) *Arbiter {
	if keyMode == nil {
		keyMode = DefaultKeyModePolicy
	}
	if ageBonus <= 0 {
		ageBonus = DefaultAgeBonus
	}
	if maxStarvationTTL <= 0 {
		maxStarvationTTL = DefaultMaxStarvationTTL
	}
	return &Arbiter{
		leased:    make(map[string]int),
		freedAt:   make(map[string]time.Time),
		keyMode:   keyMode,
		ageBonus:  ageBonus,
		maxStarve: maxStarvationTTL,
	}
}

// Available reports whether every key in keys can be acquired right now.
func (a *Arbiter) Available(keys []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		if a.leased[k] > 0 && a.keyMode(k) == ModeExclusive {
			return false
		}
	}
	return true
}

// ExcludedKeys returns the set of currently exclusive-held keys, suitable for
// passing to Store.SelectClaimable as the skip set.
func (a *Arbiter) ExcludedKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.leased))
	for k, n := range a.leased {
		if n > 0 && a.keyMode(k) == ModeExclusive {
			out = append(out, k)
		}
	}
	return out
}

// Acquire marks keys as held. Call only after the store's conditional claim
// succeeded — the arbiter never itself decides who wins a claim race.
func (a *Arbiter) Acquire(keys []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		a.leased[k]++
		delete(a.freedAt, k)
	}
}

// Release frees keys when a task finalizes, reclaims, or requeues.
func (a *Arbiter) Release(keys []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for _, k := range keys {
		if a.leased[k] > 0 {
			a.leased[k]--
		}
		if a.leased[k] <= 0 {
			delete(a.leased, k)
			a.freedAt[k] = now
		}
	}
}

// EffectivePriority applies the ageing formula from §4.3:
// EffectivePriority = BasePriority - waited/ageBonus, grounded on the
// teacher's TaskQueue.Less aging formula.
func (a *Arbiter) EffectivePriority(basePriority int, waited time.Duration) int {
	tiers := int(waited / a.ageBonus)
	return basePriority - tiers
}

// ForceAdmit reports whether a task whose resource keys have all been free
// for longer than maxStarvationTTL should be force-admitted ahead of ageing
// order in the next claim window — the hard escape valve guaranteeing the
// starvation bound regardless of how ageing interacts with priority ties.
func (a *Arbiter) ForceAdmit(keys []string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		freedAt, ok := a.freedAt[k]
		if !ok {
			// Never seen as held: treat as free since arbiter start.
			continue
		}
		if now.Sub(freedAt) < a.maxStarve {
			return false
		}
	}
	return true
}
