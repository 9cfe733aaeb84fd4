/*
Package storage implements the Store interface the Raft FSM uses as its
durable state: config records and history, namespace/user/role/permission
entities, persistent naming instances, and distributed locks. BoltStore is
the sole implementation, backed by go.etcd.io/bbolt (an embedded,
transactional key/value store requiring no external database process —
the same dependency and bucket-per-entity layout the teacher's
pkg/storage/boltdb.go uses, re-keyed to nacosd's entities).

# Architecture

	┌────────────────────── bbolt database file ───────────────────────┐
	│                                                                    │
	│  bucket "configs"          ConfigKey.Key() → ConfigRecord (JSON)  │
	│  bucket "config_history"   ConfigKey.Key()+seq → ConfigHistoryEntry│
	│  bucket "namespaces"       Namespace.ID → Namespace                │
	│  bucket "users"            Username → User                        │
	│  bucket "roles"            Role+Username → Role                   │
	│  bucket "permissions"      Role+Resource+Action → Permission      │
	│  bucket "persistent_instances" ServiceKey.Key()+InstanceKey → Instance │
	│  bucket "locks"            Lock.Key → Lock                        │
	└────────────────────────────────────────────────────────────────────┘

Every method runs inside a single bbolt transaction (Update for writes,
View for reads); bbolt's single-writer model means the Raft FSM's Apply
calls, which are already serialized by Raft itself, never contend with
each other, only with concurrent read-only queries from RPC handlers.

# Config history

InsertHistory appends one entry per publish/remove under a key derived
from the config key plus a monotonic sequence number, so ListHistory
returns entries in publish order without a secondary index.

# Persistent vs. ephemeral instances

Only persistent (non-ephemeral) instances are stored here —
RegisterPersistentInstance/DeregisterPersistentInstance/
UpdatePersistentInstance/ListPersistentInstances. Ephemeral instances
live only in pkg/naming's in-memory Registry, since their lifecycle is
owned by a client heartbeat, not by Raft consensus (spec §4.D
distinguishes the two explicitly).

# Snapshot/restore

pkg/consensus/fsm.go's Snapshot builds its body from the Store's list
methods and encodes it as JSON; Restore decodes it and writes each entity
back through the matching Store method. Neither uses bbolt's own backup
mechanism.
*/
package storage
