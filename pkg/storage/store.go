package storage

import "github.com/nacosd/nacosd/pkg/types"

// Store defines the persistence-layer boundary the core consumes (spec
// section 6): config, namespace, user/role/permission, persistent
// instance, and lock CRUD, plus config history. The core never assumes a
// schema beyond this interface; BoltStore is the only implementation.
type Store interface {
	// Configs
	PublishConfig(rec *types.ConfigRecord) error
	RemoveConfig(key types.ConfigKey) error
	GetConfig(key types.ConfigKey) (*types.ConfigRecord, error)
	ListConfigsPage(namespace, group string, pageNo, pageSize int) ([]*types.ConfigRecord, int, error)
	InsertHistory(entry *types.ConfigHistoryEntry) error
	GetHistoryDetail(key types.ConfigKey, id int64) (*types.ConfigHistoryEntry, error)
	ListHistory(key types.ConfigKey) ([]*types.ConfigHistoryEntry, error)

	// Namespaces
	CreateNamespace(ns *types.Namespace) error
	UpdateNamespace(ns *types.Namespace) error
	DeleteNamespace(id string) error
	GetNamespace(id string) (*types.Namespace, error)
	ListNamespaces() ([]*types.Namespace, error)

	// Users / roles / permissions
	CreateUser(u *types.User) error
	UpdateUser(u *types.User) error
	DeleteUser(username string) error
	GetUser(username string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	CreateRole(r *types.Role) error
	DeleteRole(role, username string) error
	ListRoles() ([]*types.Role, error)

	GrantPermission(p *types.Permission) error
	RevokePermission(role, resource, action string) error
	ListPermissions() ([]*types.Permission, error)

	// Persistent naming instances (ephemeral=false), Raft-owned.
	RegisterPersistentInstance(key types.ServiceKey, inst *types.Instance) error
	DeregisterPersistentInstance(key types.ServiceKey, ik types.InstanceKey) error
	UpdatePersistentInstance(key types.ServiceKey, inst *types.Instance) error
	ListPersistentInstances(key types.ServiceKey) ([]*types.Instance, error)

	// Distributed locks
	PutLock(l *types.Lock) error
	GetLock(key string) (*types.Lock, error)
	ListLocks() ([]*types.Lock, error)
	DeleteLock(key string) error

	Close() error
}
