// Package lockservice implements component E: the client-facing distributed
// lock service built on top of the Raft-replicated lock state in
// pkg/consensus. It turns Acquire/Release/Renew/ForceRelease calls into
// proposed commands, and runs the expiry-check reaper that reclaims locks
// whose TTL has lapsed.
package lockservice

import (
	"encoding/json"
	"fmt"

	"github.com/nacosd/nacosd/pkg/apierr"
	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/consensus"
	"github.com/nacosd/nacosd/pkg/types"
)

// Key renders the canonical "namespace::name" lock key.
func Key(namespace, name string) string {
	return namespace + "::" + name
}

// Manager is the component E entry point. It holds no lock state itself —
// every mutation goes through the Raft node, and reads are served from the
// local store.
type Manager struct {
	node  *consensus.Node
	clock clock.Clock
}

// NewManager wires a lock Manager to a consensus Node.
func NewManager(node *consensus.Node, clk clock.Clock) *Manager {
	return &Manager{node: node, clock: clk}
}

func (m *Manager) apply(op consensus.Op, data interface{}) (*types.Lock, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to marshal lock command")
	}

	resp, err := m.node.Apply(consensus.Command{Op: op, Data: payload})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNotLeader, err, "failed to apply lock command")
	}
	if !resp.Success {
		return nil, apierr.NewWithCode(codeToKind(resp.Code), resp.Code, resp.Error)
	}

	lock, ok := resp.Result.(*types.Lock)
	if !ok {
		return nil, apierr.New(apierr.KindInternal, "lock command returned unexpected result type")
	}
	return lock, nil
}

func codeToKind(code int) apierr.Kind {
	switch code {
	case apierr.CodeResourceNotFound:
		return apierr.KindNotFound
	case apierr.CodeResourceConflict:
		return apierr.KindConflict
	case apierr.CodeForbidden:
		return apierr.KindForbidden
	case apierr.CodeQuotaExceeded:
		return apierr.KindQuotaExceeded
	default:
		return apierr.KindInternal
	}
}

// AcquireRequest is the caller's intent to take a lock. WaitMs is accepted
// for protocol compatibility but this implementation always fails fast on
// contention rather than enqueueing a retry (spec 4.E allows either).
type AcquireRequest struct {
	Namespace     string
	Name          string
	Owner         string
	OwnerMetadata map[string]string
	TTLMs         int64
	AutoRenew     bool
	MaxRenewals   int
	WaitMs        int64
}

// Acquire proposes a LockAcquire command. On contention it fails immediately
// with Conflict; the caller sees the current owner in the error message.
func (m *Manager) Acquire(req AcquireRequest) (*types.Lock, error) {
	ttl := req.TTLMs
	if ttl <= 0 {
		ttl = types.DefaultLockTTLMs
	}
	data := consensus.LockAcquireData{
		Key:           Key(req.Namespace, req.Name),
		Owner:         req.Owner,
		OwnerMetadata: req.OwnerMetadata,
		TTLMs:         ttl,
		AutoRenew:     req.AutoRenew,
		MaxRenewals:   req.MaxRenewals,
		NowMs:         m.clock.NowMillis(),
	}
	return m.apply(consensus.OpLockAcquire, data)
}

// Release proposes a LockRelease command. fenceToken is checked only when
// hasFenceToken is true — an optional extra guard the caller may supply.
func (m *Manager) Release(namespace, name, owner string, hasFenceToken bool, fenceToken int64) (*types.Lock, error) {
	data := consensus.LockReleaseData{
		Key:           Key(namespace, name),
		Owner:         owner,
		HasFenceToken: hasFenceToken,
		FenceToken:    fenceToken,
		NowMs:         m.clock.NowMillis(),
	}
	return m.apply(consensus.OpLockRelease, data)
}

// Renew proposes a LockRenew command. ttlMs of 0 keeps the lock's current
// TTL.
func (m *Manager) Renew(namespace, name, owner string, ttlMs int64) (*types.Lock, error) {
	data := consensus.LockRenewData{
		Key:   Key(namespace, name),
		Owner: owner,
		TTLMs: ttlMs,
		NowMs: m.clock.NowMillis(),
	}
	return m.apply(consensus.OpLockRenew, data)
}

// ForceRelease proposes a LockForceRelease command, the administrative
// override that ignores owner and fence token.
func (m *Manager) ForceRelease(namespace, name string) (*types.Lock, error) {
	data := consensus.LockForceReleaseData{Key: Key(namespace, name), NowMs: m.clock.NowMillis()}
	return m.apply(consensus.OpLockForceRelease, data)
}

// ReleaseByOwner force-releases every lock currently held by owner, used by
// the connection manager on teardown (I3: connection death must not strand
// a lock past its TTL, and releasing promptly is strictly better than
// waiting out the TTL). Errors for individual keys are collected, not
// aborted on.
func (m *Manager) ReleaseByOwner(owner string) error {
	locks, err := m.node.Store().ListLocks()
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}
	var firstErr error
	for _, l := range locks {
		if l.State != types.LockLocked || l.Owner != owner {
			continue
		}
		if _, err := m.Release(namespaceOf(l.Key), nameOf(l.Key), owner, false, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func namespaceOf(key string) string {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == ':' && key[i+1] == ':' {
			return key[:i]
		}
	}
	return key
}

func nameOf(key string) string {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == ':' && key[i+1] == ':' {
			return key[i+2:]
		}
	}
	return ""
}
