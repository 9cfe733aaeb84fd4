// Package types holds the data model shared by every core component:
// config keys and records, service/instance identifiers, distributed lock
// state, and the namespace/user/role/permission entities the Raft log
// replicates. Plain structs, default JSON field-name marshaling — mirrors
// the way commands are serialized into the Raft log.
package types

import (
	"strconv"
	"time"
)

// ConfigKey is the triple (namespace, group, dataId) identifying a config.
type ConfigKey struct {
	Namespace string
	Group     string
	DataID    string
}

// Key renders the canonical composite key "tenant@@group@@dataId".
func (k ConfigKey) Key() string {
	return k.Namespace + "@@" + k.Group + "@@" + k.DataID
}

// ConfigRecord is a published configuration value plus its metadata.
type ConfigRecord struct {
	Key       ConfigKey
	Content   string
	MD5       string
	Tags      []string
	AppName   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConfigHistoryEntry is an immutable record of a past publish or remove.
type ConfigHistoryEntry struct {
	ID        int64
	Key       ConfigKey
	Content   string
	MD5       string
	Op        string // "publish" or "remove"
	CreatedAt time.Time
}

// Namespace is a tenant scoping boundary for configs, services, and locks.
type Namespace struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// User is an authentication principal, replicated for completeness of the
// user/role/permission command set; the core never evaluates auth policy
// itself.
type User struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role binds a named role to a username.
type Role struct {
	Role     string
	Username string
}

// Permission grants a role an action on a resource pattern.
type Permission struct {
	Role     string
	Resource string
	Action   string // "r", "w", "rw"
}

// ServiceKey is the triple (namespace, group, serviceName) identifying a
// service.
type ServiceKey struct {
	Namespace string
	Group     string
	Name      string
}

// Key renders the canonical composite key "namespace@@group@@serviceName".
func (k ServiceKey) Key() string {
	return k.Namespace + "@@" + k.Group + "@@" + k.Name
}

// InstanceKey identifies an instance within its service.
type InstanceKey struct {
	IP          string
	Port        int
	ClusterName string
}

// Key renders a stable map key for the instance within its service.
func (k InstanceKey) Key() string {
	return k.IP + ":" + strconv.Itoa(k.Port) + "#" + k.ClusterName
}

// Instance is a single service endpoint, ephemeral (heartbeat-owned) or
// persistent (Raft-owned).
type Instance struct {
	InstanceKey
	Weight        float64 // clamped to 1..128 on registration
	Enabled       bool
	Healthy       bool
	Ephemeral     bool
	Metadata      map[string]string
	LastHeartbeat time.Time // ephemeral only
	HeartbeatMs   int64     // default 15000
	DeleteMs      int64     // default 30000
	OwnerConn     string    // ephemeral only: connection that registered it
}

// DefaultHeartbeatTimeoutMs is the default ephemeral heartbeat TTL.
const DefaultHeartbeatTimeoutMs = 15000

// DefaultDeleteTimeoutMs is the default ephemeral delete TTL.
const DefaultDeleteTimeoutMs = 30000

// DefaultLockTTLMs is the lock TTL used when an acquire request omits one.
const DefaultLockTTLMs = 30000

// LockState is the per-lock-key state machine state (spec 4.E).
type LockState string

const (
	LockUnlocked  LockState = "Unlocked"
	LockLocked    LockState = "Locked"
	LockAcquiring LockState = "Acquiring" // transient, only inside Raft apply
	LockReleasing LockState = "Releasing" // transient, only inside Raft apply
	LockExpired   LockState = "Expired"
)

// Lock is a distributed lock's replicated state.
type Lock struct {
	Key           string // "namespace::name"
	State         LockState
	Owner         string
	OwnerMetadata map[string]string
	Version       int64
	FenceToken    int64
	AcquiredAtMs  int64
	ExpiresAtMs   int64
	TTLMs         int64
	AutoRenew     bool
	RenewalCount  int
	MaxRenewals   int // 0 = unlimited
	CreatedAtMs   int64
	UpdatedAtMs   int64
}

// FuzzyWatchPattern is a glob subscription over (namespace, group, service).
type FuzzyWatchPattern struct {
	Namespace          string
	GroupPattern       string
	ServiceNamePattern string
	WatchType          string
}

// BuildGroupKey renders the composite key used by fuzzy-watch dedup sets.
func BuildGroupKey(namespace, group, serviceName string) string {
	return namespace + "+" + group + "+" + serviceName
}
