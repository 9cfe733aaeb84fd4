package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/nacosd/nacosd/pkg/apierr"
	"github.com/nacosd/nacosd/pkg/storage"
	"github.com/nacosd/nacosd/pkg/types"
)

// ConfigPublishData is the payload for OpConfigPublish.
type ConfigPublishData struct {
	Record *types.ConfigRecord `json:"record"`
}

// MaxConfigContentBytes is the configured max size a published config's
// content may occupy (spec boundary B1). Nacos's own default.
const MaxConfigContentBytes = 10 * 1024 * 1024

// ConfigRemoveData is the payload for OpConfigRemove.
type ConfigRemoveData struct {
	Key types.ConfigKey `json:"key"`
}

// ConfigHistoryInsertData is the payload for OpConfigHistoryInsert.
type ConfigHistoryInsertData struct {
	Entry *types.ConfigHistoryEntry `json:"entry"`
}

// NamespaceData is the payload for namespace create/update/delete.
type NamespaceData struct {
	Namespace *types.Namespace `json:"namespace,omitempty"`
	ID        string           `json:"id,omitempty"`
}

// UserData is the payload for user create/update/delete.
type UserData struct {
	User     *types.User `json:"user,omitempty"`
	Username string      `json:"username,omitempty"`
}

// RoleData is the payload for role create/delete.
type RoleData struct {
	Role     string `json:"role"`
	Username string `json:"username"`
}

// PermissionData is the payload for permission grant/revoke.
type PermissionData struct {
	Role     string `json:"role"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// PersistentInstanceData is the payload for persistent instance mutations.
type PersistentInstanceData struct {
	ServiceKey  types.ServiceKey  `json:"serviceKey"`
	Instance    *types.Instance   `json:"instance,omitempty"`
	InstanceKey types.InstanceKey `json:"instanceKey,omitempty"`
}

// LockAcquireData is the payload for OpLockAcquire.
type LockAcquireData struct {
	Key           string            `json:"key"`
	Owner         string            `json:"owner"`
	OwnerMetadata map[string]string `json:"ownerMetadata"`
	TTLMs         int64             `json:"ttlMs"`
	AutoRenew     bool              `json:"autoRenew"`
	MaxRenewals   int               `json:"maxRenewals"`
	NowMs         int64             `json:"nowMs"`
}

// LockReleaseData is the payload for OpLockRelease. FenceToken is checked
// only when HasFenceToken is set: clients may pass an expected fence token
// as an optional extra guard, but owner match alone is always required.
type LockReleaseData struct {
	Key           string `json:"key"`
	Owner         string `json:"owner"`
	HasFenceToken bool   `json:"hasFenceToken"`
	FenceToken    int64  `json:"fenceToken"`
	NowMs         int64  `json:"nowMs"`
}

// LockRenewData is the payload for OpLockRenew.
type LockRenewData struct {
	Key   string `json:"key"`
	Owner string `json:"owner"`
	TTLMs int64  `json:"ttlMs,omitempty"`
	NowMs int64  `json:"nowMs"`
}

// LockForceReleaseData is the payload for OpLockForceRelease and OpLockExpire.
type LockForceReleaseData struct {
	Key   string `json:"key"`
	NowMs int64  `json:"nowMs"`
}

// StateMachine implements component F: the Raft FSM that linearizes every
// persistent mutation against the Store. No clock reads or randomness are
// permitted here; every timestamp arrives on the Command already resolved by
// the proposer, per pkg/clock's contract.
type StateMachine struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewStateMachine wraps store in a Raft FSM.
func NewStateMachine(store storage.Store) *StateMachine {
	return &StateMachine{store: store}
}

// Apply decodes and applies a single committed Command.
func (f *StateMachine) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fail(OpNoop, apierr.CodeInternal, fmt.Sprintf("corrupt command: %v", err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpConfigPublish:
		var d ConfigPublishData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if len(d.Record.Content) > MaxConfigContentBytes {
			return fail(cmd.Op, apierr.CodeContentOverLimit, "content exceeds max size")
		}
		if err := f.store.PublishConfig(d.Record); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, d.Record)

	case OpConfigRemove:
		var d ConfigRemoveData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if err := f.store.RemoveConfig(d.Key); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpConfigHistoryInsert:
		var d ConfigHistoryInsertData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if err := f.store.InsertHistory(d.Entry); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpNamespaceCreate, OpNamespaceUpdate:
		var d NamespaceData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		var err error
		if cmd.Op == OpNamespaceCreate {
			err = f.store.CreateNamespace(d.Namespace)
		} else {
			err = f.store.UpdateNamespace(d.Namespace)
		}
		if err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, d.Namespace)

	case OpNamespaceDelete:
		var d NamespaceData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if err := f.store.DeleteNamespace(d.ID); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpUserCreate, OpUserUpdate:
		var d UserData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		var err error
		if cmd.Op == OpUserCreate {
			err = f.store.CreateUser(d.User)
		} else {
			err = f.store.UpdateUser(d.User)
		}
		if err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpUserDelete:
		var d UserData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if err := f.store.DeleteUser(d.Username); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpRoleCreate:
		var d RoleData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if err := f.store.CreateRole(&types.Role{Role: d.Role, Username: d.Username}); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpRoleDelete:
		var d RoleData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if err := f.store.DeleteRole(d.Role, d.Username); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpPermissionGrant:
		var d PermissionData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		p := &types.Permission{Role: d.Role, Resource: d.Resource, Action: d.Action}
		if err := f.store.GrantPermission(p); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpPermissionRevoke:
		var d PermissionData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if err := f.store.RevokePermission(d.Role, d.Resource, d.Action); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpPersistentInstanceRegister, OpPersistentInstanceUpdate:
		var d PersistentInstanceData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		var err error
		if cmd.Op == OpPersistentInstanceRegister {
			err = f.store.RegisterPersistentInstance(d.ServiceKey, d.Instance)
		} else {
			err = f.store.UpdatePersistentInstance(d.ServiceKey, d.Instance)
		}
		if err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, d.Instance)

	case OpPersistentInstanceDeregister:
		var d PersistentInstanceData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		if err := f.store.DeregisterPersistentInstance(d.ServiceKey, d.InstanceKey); err != nil {
			return fail(cmd.Op, apierr.CodeInternal, err.Error())
		}
		return ok(cmd.Op, nil)

	case OpLockAcquire:
		return f.applyLockAcquire(cmd.Op, cmd.Data)
	case OpLockRelease:
		return f.applyLockRelease(cmd.Op, cmd.Data)
	case OpLockRenew:
		return f.applyLockRenew(cmd.Op, cmd.Data)
	case OpLockForceRelease:
		return f.applyLockForceRelease(cmd.Op, cmd.Data)
	case OpLockExpire:
		return f.applyLockExpire(cmd.Op, cmd.Data)

	case OpNoop:
		return ok(cmd.Op, nil)

	default:
		return fail(cmd.Op, apierr.CodeInternal, fmt.Sprintf("unknown op: %s", cmd.Op))
	}
}

// applyLockAcquire grants the lock when it is Unlocked, Expired, or Locked
// with ExpiresAtMs already at or before NowMs, assigning
// a fresh fence token strictly greater than any previously issued for this
// key (I5): the token only ever advances on a successful acquire.
func (f *StateMachine) applyLockAcquire(op Op, data json.RawMessage) interface{} {
	var d LockAcquireData
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}

	existing, err := f.store.GetLock(d.Key)
	notFound := err != nil

	if !notFound && existing.State == types.LockLocked && existing.ExpiresAtMs > d.NowMs {
		if existing.Owner == d.Owner {
			return fail(op, apierr.CodeResourceConflict, "lock already held by this owner")
		}
		return fail(op, apierr.CodeResourceConflict, fmt.Sprintf("lock held by another owner: %s", existing.Owner))
	}

	fenceToken := int64(1)
	version := int64(1)
	if !notFound {
		fenceToken = existing.FenceToken + 1
		version = existing.Version + 1
	}

	lock := &types.Lock{
		Key:           d.Key,
		State:         types.LockLocked,
		Owner:         d.Owner,
		OwnerMetadata: d.OwnerMetadata,
		Version:       version,
		FenceToken:    fenceToken,
		AcquiredAtMs:  d.NowMs,
		ExpiresAtMs:   d.NowMs + d.TTLMs,
		TTLMs:         d.TTLMs,
		AutoRenew:     d.AutoRenew,
		RenewalCount:  0,
		MaxRenewals:   d.MaxRenewals,
		UpdatedAtMs:   d.NowMs,
	}
	if notFound {
		lock.CreatedAtMs = d.NowMs
	} else {
		lock.CreatedAtMs = existing.CreatedAtMs
	}

	if err := f.store.PutLock(lock); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}
	return ok(op, lock)
}

// applyLockRelease requires owner == caller; a fence token is checked only
// when the caller supplied one as an optional extra guard (spec 4.E).
func (f *StateMachine) applyLockRelease(op Op, data json.RawMessage) interface{} {
	var d LockReleaseData
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}

	lock, err := f.store.GetLock(d.Key)
	if err != nil {
		return fail(op, apierr.CodeResourceNotFound, "lock not found")
	}
	if lock.State != types.LockLocked {
		return fail(op, apierr.CodeResourceConflict, "lock not held")
	}
	if lock.Owner != d.Owner {
		return fail(op, apierr.CodeForbidden, "not owner")
	}
	if d.HasFenceToken && lock.FenceToken != d.FenceToken {
		return fail(op, apierr.CodeForbidden, "fence token mismatch")
	}

	lock.State = types.LockUnlocked
	lock.Owner = ""
	lock.OwnerMetadata = nil
	lock.Version++
	lock.UpdatedAtMs = d.NowMs

	if err := f.store.PutLock(lock); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}
	return ok(op, lock)
}

// applyLockRenew extends the TTL in place without changing the fence token
// (P3): renewal is not a new acquisition, and requires only owner == caller
// — no fence token check (spec 4.E).
func (f *StateMachine) applyLockRenew(op Op, data json.RawMessage) interface{} {
	var d LockRenewData
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}

	lock, err := f.store.GetLock(d.Key)
	if err != nil {
		return fail(op, apierr.CodeResourceNotFound, "lock not found")
	}
	if lock.State != types.LockLocked {
		return fail(op, apierr.CodeResourceConflict, "lock not held")
	}
	if lock.Owner != d.Owner {
		return fail(op, apierr.CodeForbidden, "not owner")
	}
	if lock.MaxRenewals > 0 && lock.RenewalCount >= lock.MaxRenewals {
		return fail(op, apierr.CodeQuotaExceeded, "max renewals exceeded")
	}

	ttl := lock.TTLMs
	if d.TTLMs > 0 {
		ttl = d.TTLMs
	}
	lock.ExpiresAtMs = d.NowMs + ttl
	lock.TTLMs = ttl
	lock.RenewalCount++
	lock.Version++
	lock.UpdatedAtMs = d.NowMs

	if err := f.store.PutLock(lock); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}
	return ok(op, lock)
}

// applyLockForceRelease is the administrative override: no owner or fence
// token check, used by operators to break a stuck lock.
func (f *StateMachine) applyLockForceRelease(op Op, data json.RawMessage) interface{} {
	var d LockForceReleaseData
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}

	lock, err := f.store.GetLock(d.Key)
	if err != nil {
		return fail(op, apierr.CodeResourceNotFound, "lock not found")
	}

	lock.State = types.LockUnlocked
	lock.Owner = ""
	lock.OwnerMetadata = nil
	lock.Version++
	lock.UpdatedAtMs = d.NowMs

	if err := f.store.PutLock(lock); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}
	return ok(op, lock)
}

// applyLockExpire is proposed by the leader's expiry reaper once
// ExpiresAtMs has passed with no renewal; it is idempotent against a lock
// that was already released or re-acquired after NowMs.
func (f *StateMachine) applyLockExpire(op Op, data json.RawMessage) interface{} {
	var d LockForceReleaseData
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}

	lock, err := f.store.GetLock(d.Key)
	if err != nil {
		return ok(op, nil)
	}
	if lock.State != types.LockLocked || lock.ExpiresAtMs > d.NowMs {
		return ok(op, lock)
	}

	lock.State = types.LockExpired
	lock.Owner = ""
	lock.OwnerMetadata = nil
	lock.Version++
	lock.UpdatedAtMs = d.NowMs

	if err := f.store.PutLock(lock); err != nil {
		return fail(op, apierr.CodeInternal, err.Error())
	}
	return ok(op, lock)
}

// Snapshot collects every entity the Store holds into a point-in-time copy.
func (f *StateMachine) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	configs, _, err := f.store.ListConfigsPage("", "", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	namespaces, err := f.store.ListNamespaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	users, err := f.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	roles, err := f.store.ListRoles()
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	permissions, err := f.store.ListPermissions()
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	locks, err := f.store.ListLocks()
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}

	return &snapshot{
		Configs:     configs,
		Namespaces:  namespaces,
		Users:       users,
		Roles:       roles,
		Permissions: permissions,
		Locks:       locks,
	}, nil
}

// Restore replaces the Store's content with a decoded snapshot.
func (f *StateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range snap.Configs {
		if err := f.store.PublishConfig(rec); err != nil {
			return fmt.Errorf("failed to restore config: %w", err)
		}
	}
	for _, ns := range snap.Namespaces {
		if err := f.store.CreateNamespace(ns); err != nil {
			return fmt.Errorf("failed to restore namespace: %w", err)
		}
	}
	for _, u := range snap.Users {
		if err := f.store.CreateUser(u); err != nil {
			return fmt.Errorf("failed to restore user: %w", err)
		}
	}
	for _, r := range snap.Roles {
		if err := f.store.CreateRole(r); err != nil {
			return fmt.Errorf("failed to restore role: %w", err)
		}
	}
	for _, p := range snap.Permissions {
		if err := f.store.GrantPermission(p); err != nil {
			return fmt.Errorf("failed to restore permission: %w", err)
		}
	}
	for _, l := range snap.Locks {
		if err := f.store.PutLock(l); err != nil {
			return fmt.Errorf("failed to restore lock: %w", err)
		}
	}

	return nil
}

// snapshot is the on-disk shape of a Raft snapshot.
type snapshot struct {
	Configs     []*types.ConfigRecord
	Namespaces  []*types.Namespace
	Users       []*types.User
	Roles       []*types.Role
	Permissions []*types.Permission
	Locks       []*types.Lock
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}
