package lockservice

import "github.com/nacosd/nacosd/pkg/types"

// QueryRequest filters the lock listing, grounded on the original
// implementation's namespace/name/owner/state/include_expired/limit query.
type QueryRequest struct {
	Namespace      string
	Name           string
	Owner          string
	State          types.LockState // "" means any state
	IncludeExpired bool
	Limit          int // 0 means unlimited
}

// Query reads the locally applied lock set and filters it. This is a
// read-only path served from local state (spec 4.F.4): it may be stale on a
// follower.
func (m *Manager) Query(req QueryRequest) ([]*types.Lock, error) {
	all, err := m.node.Store().ListLocks()
	if err != nil {
		return nil, err
	}

	var out []*types.Lock
	for _, l := range all {
		if req.Namespace != "" && namespaceOf(l.Key) != req.Namespace {
			continue
		}
		if req.Name != "" && nameOf(l.Key) != req.Name {
			continue
		}
		if req.Owner != "" && l.Owner != req.Owner {
			continue
		}
		if req.State != "" && l.State != req.State {
			continue
		}
		if !req.IncludeExpired && l.State == types.LockExpired {
			continue
		}
		out = append(out, l)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// Stats aggregates point-in-time counts over the current lock set, grounded
// on the original implementation's LockStats. total_acquisitions,
// total_releases, total_renewals, failed_acquisitions, and avg_hold_time_ms
// are cumulative counters the original tracked separately from the lock
// records themselves; this implementation reports only what is recoverable
// from replicated state, since the core deliberately carries no
// non-replicated, per-node counters that would diverge across the cluster.
type Stats struct {
	TotalLocks   int
	ActiveLocks  int
	ExpiredLocks int
}

// Stats returns aggregate counts over every currently tracked lock key.
func (m *Manager) Stats() (Stats, error) {
	all, err := m.node.Store().ListLocks()
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	s.TotalLocks = len(all)
	for _, l := range all {
		switch l.State {
		case types.LockLocked:
			s.ActiveLocks++
		case types.LockExpired:
			s.ExpiredLocks++
		}
	}
	return s, nil
}
