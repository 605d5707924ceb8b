package rotation

import (
	"sort"
	"time"

	"github.com/nghyane/llm-rotor/internal/credential"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/usage"
)

// busyPoll is the re-selection interval when every surviving candidate is
// merely at its concurrency cap rather than cooling down.
const busyPoll = 500 * time.Millisecond

// candidate is one credential that passed the filters, annotated with what
// the ordering needs.
type candidate struct {
	cred      *credential.Credential
	index     int
	exhausted bool
	key       usage.OrderingKey
}

// Next picks the best unattempted credential for (model, priority), or
// reports false when every candidate is filtered out. The returned limit is
// the effective concurrency cap to claim the slot against.
//
// Filters: orchestrator availability, tier compatibility, active cooldowns
// on the wildcard/model/group scope, and the concurrency cap. Ordering:
// priority buckets ascending, then the rotation mode's rule within a bucket.
func (p *Provider) Next(model string, priority int, attempted map[string]struct{}) (*credential.Credential, int64, bool) {
	group := p.group(model)
	scope := p.scope(model)

	cands := p.filter(model, group, priority, attempted)
	if len(cands) == 0 {
		return nil, 0, false
	}
	p.order(cands, scope)

	pick := cands[0].cred
	if p.mode == provider.RotationSequential {
		p.setSticky(scope, pick.StableID)
	}
	return pick, p.limitFor(pick, priority), true
}

func (p *Provider) filter(model, group string, priority int, attempted map[string]struct{}) []candidate {
	catalog := p.Catalog()
	out := make([]candidate, 0, len(catalog))
	for i, cred := range catalog {
		if _, done := attempted[cred.StableID]; done {
			continue
		}
		if p.auth != nil && !p.auth.Available(cred) {
			continue
		}
		if p.tiers != nil && !p.tiers.AllowTier(cred.Tier, model) {
			continue
		}
		if _, blocked := p.cools.UsableAt(cred.StableID, model, group); blocked {
			continue
		}
		if limit := p.limitFor(cred, priority); limit > 0 && p.usage.ActiveRequests(cred.StableID) >= limit {
			continue
		}
		out = append(out, candidate{cred: cred, index: i})
	}
	return out
}

// order sorts candidates in place: priority ascending, fair-cycle survivors
// before exhausted ones, then the mode rule. Balanced mode treats primary
// window counts within the tolerance band of the bucket minimum as equal and
// round-robins those by last use; sequential mode follows catalog order with
// the sticky credential hoisted to the front.
func (p *Provider) order(cands []candidate, scope string) {
	for i := range cands {
		cands[i].exhausted = p.usage.Exhausted(cands[i].cred.StableID, scope)
		cands[i].key = p.usage.OrderingKey(cands[i].cred, scope)
	}

	sequential := p.mode == provider.RotationSequential
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.cred.Priority != b.cred.Priority {
			return a.cred.Priority < b.cred.Priority
		}
		if a.exhausted != b.exhausted {
			return !a.exhausted
		}
		if sequential {
			if a.index != b.index {
				return a.index < b.index
			}
			return a.cred.StableID < b.cred.StableID
		}
		if a.key.PrimaryRequests != b.key.PrimaryRequests {
			return a.key.PrimaryRequests < b.key.PrimaryRequests
		}
		if !a.key.LastUsed.Equal(b.key.LastUsed) {
			return a.key.LastUsed.Before(b.key.LastUsed)
		}
		return a.cred.StableID < b.cred.StableID
	})

	if sequential {
		p.hoistSticky(cands, scope)
		return
	}
	p.applyTolerance(cands)
}

// applyTolerance re-sorts, within each (priority, exhausted) bucket, the
// prefix whose primary-window counts sit within the tolerance band of the
// bucket minimum so that the least recently used of the near-equals goes
// first.
func (p *Provider) applyTolerance(cands []candidate) {
	if p.tolerance <= 0 {
		return
	}
	i := 0
	for i < len(cands) {
		j := i
		for j < len(cands) &&
			cands[j].cred.Priority == cands[i].cred.Priority &&
			cands[j].exhausted == cands[i].exhausted {
			j++
		}
		band := int64(float64(cands[i].key.PrimaryRequests) * (1 + p.tolerance))
		k := i
		for k < j && cands[k].key.PrimaryRequests <= band {
			k++
		}
		near := cands[i:k]
		sort.Slice(near, func(a, b int) bool {
			if !near[a].key.LastUsed.Equal(near[b].key.LastUsed) {
				return near[a].key.LastUsed.Before(near[b].key.LastUsed)
			}
			return near[a].cred.StableID < near[b].cred.StableID
		})
		i = j
	}
}

// hoistSticky moves the current sequential credential to the front so it
// keeps draining until exhausted or cooled down.
func (p *Provider) hoistSticky(cands []candidate, scope string) {
	p.mu.Lock()
	id, ok := p.sticky[scope]
	p.mu.Unlock()
	if !ok {
		return
	}
	for i := range cands {
		if cands[i].cred.StableID != id {
			continue
		}
		if cands[i].exhausted {
			return
		}
		c := cands[i]
		copy(cands[1:i+1], cands[:i])
		cands[0] = c
		return
	}
}

func (p *Provider) setSticky(scope, stableID string) {
	p.mu.Lock()
	p.sticky[scope] = stableID
	p.mu.Unlock()
}

// RetryAt reports the earliest instant a currently filtered-out credential
// could pass selection again: the soonest cooldown expiry, or a short poll
// interval when candidates are only saturated. ok is false when nothing can
// free up on its own, meaning the caller should give up.
func (p *Provider) RetryAt(model string, priority int, attempted map[string]struct{}) (time.Time, bool) {
	group := p.group(model)
	var earliest time.Time
	busy := false

	for _, cred := range p.Catalog() {
		if _, done := attempted[cred.StableID]; done {
			continue
		}
		if p.auth != nil && !p.auth.Available(cred) {
			continue
		}
		if p.tiers != nil && !p.tiers.AllowTier(cred.Tier, model) {
			continue
		}
		if until, blocked := p.cools.UsableAt(cred.StableID, model, group); blocked {
			if earliest.IsZero() || until.Before(earliest) {
				earliest = until
			}
			continue
		}
		if limit := p.limitFor(cred, priority); limit > 0 && p.usage.ActiveRequests(cred.StableID) >= limit {
			busy = true
		}
	}

	if busy {
		next := p.now().Add(busyPoll)
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	if earliest.IsZero() {
		return time.Time{}, false
	}
	return earliest, true
}
