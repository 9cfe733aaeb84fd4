/*
Package types defines the data model replicated by nacosd's Raft log: config
keys and records, namespace/user/role/permission entities, service/instance
identifiers, and distributed lock state. Every type here is a plain struct
with default JSON field-name marshaling, since Command payloads (see
pkg/consensus) serialize these directly into the Raft log — there is no
separate wire-format layer to keep in sync.

# Config model

ConfigKey is the (namespace, group, dataId) triple Nacos clients address a
config by; Key() renders the canonical "tenant@@group@@dataId" composite
used as the storage key. ConfigRecord carries content, its MD5 (the value
clients compare against to detect change — see spec §4.C), tags, and an
owning app name. ConfigHistoryEntry is an immutable append-only record of
each publish/remove, keyed by an auto-incrementing ID.

# Tenancy and access control

Namespace scopes configs, services, and locks to a tenant. User/Role/
Permission are replicated for completeness of the user/role/permission
command set (§4.F); the core never evaluates an auth policy itself — it
only stores and serves these entities so an external gateway or admin tool
can enforce one.

# Naming model

ServiceKey is (namespace, group, serviceName); InstanceKey is
(ip, port, clusterName) within a service. Instance distinguishes ephemeral
endpoints (heartbeat-owned, LastHeartbeat/HeartbeatMs/DeleteMs/OwnerConn
meaningful) from persistent ones (Raft-owned, registered/deregistered only
through Apply). Weight is clamped to [1, 128] at registration per spec
§4.D's boundary behavior.

# Lock model

LockState is the five-state machine from spec §4.E: Unlocked, Locked, the
transient Acquiring/Releasing states visible only inside a Raft apply
function, and Expired. Lock carries the fence token — a per-lock-key
monotonic counter incremented on every successful acquire, so a client
holding a stale lock can never out-race a newer holder even if its own
clock or network is misbehaving.

# Fuzzy watch

FuzzyWatchPattern and BuildGroupKey support pkg/naming's glob-over-triple
subscription matching and received-already dedup set (see
pkg/naming/fuzzywatch.go).
*/
package types
