package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/nacosd/nacosd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketConfigs         = []byte("configs")
	bucketConfigHistory   = []byte("config_history")
	bucketNamespaces      = []byte("namespaces")
	bucketUsers           = []byte("users")
	bucketRoles           = []byte("roles")
	bucketPermissions     = []byte("permissions")
	bucketPersistentInsts = []byte("persistent_instances")
	bucketLocks           = []byte("locks")
)

// BoltStore implements Store using BoltDB, one bucket per entity, JSON
// encoded values keyed by the entity's natural composite key.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nacosd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketConfigs, bucketConfigHistory, bucketNamespaces,
			bucketUsers, bucketRoles, bucketPermissions,
			bucketPersistentInsts, bucketLocks,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Configs ---

func (s *BoltStore) PublishConfig(rec *types.ConfigRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Key.Key()), data)
	})
}

func (s *BoltStore) RemoveConfig(key types.ConfigKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		return b.Delete([]byte(key.Key()))
	})
}

func (s *BoltStore) GetConfig(key types.ConfigKey) (*types.ConfigRecord, error) {
	var rec types.ConfigRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		data := b.Get([]byte(key.Key()))
		if data == nil {
			return fmt.Errorf("config not found: %s", key.Key())
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListConfigsPage(namespace, group string, pageNo, pageSize int) ([]*types.ConfigRecord, int, error) {
	var matched []*types.ConfigRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		return b.ForEach(func(k, v []byte) error {
			var rec types.ConfigRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if namespace != "" && rec.Key.Namespace != namespace {
				return nil
			}
			if group != "" && rec.Key.Group != group {
				return nil
			}
			matched = append(matched, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key.Key() < matched[j].Key.Key() })

	total := len(matched)
	if pageSize <= 0 {
		pageSize = 100
	}
	if pageNo <= 0 {
		pageNo = 1
	}
	start := (pageNo - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *BoltStore) InsertHistory(entry *types.ConfigHistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigHistory)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		histKey := fmt.Sprintf("%s#%020d", entry.Key.Key(), entry.ID)
		return b.Put([]byte(histKey), data)
	})
}

func (s *BoltStore) GetHistoryDetail(key types.ConfigKey, id int64) (*types.ConfigHistoryEntry, error) {
	var found *types.ConfigHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigHistory)
		histKey := []byte(fmt.Sprintf("%s#%020d", key.Key(), id))
		data := b.Get(histKey)
		if data == nil {
			return fmt.Errorf("history entry not found")
		}
		var entry types.ConfigHistoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		found = &entry
		return nil
	})
	return found, err
}

func (s *BoltStore) ListHistory(key types.ConfigKey) ([]*types.ConfigHistoryEntry, error) {
	var entries []*types.ConfigHistoryEntry
	prefix := []byte(key.Key() + "#")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConfigHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry types.ConfigHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Namespaces ---

func (s *BoltStore) CreateNamespace(ns *types.Namespace) error { return s.putNamespace(ns) }
func (s *BoltStore) UpdateNamespace(ns *types.Namespace) error { return s.putNamespace(ns) }

func (s *BoltStore) putNamespace(ns *types.Namespace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		return b.Put([]byte(ns.ID), data)
	})
}

func (s *BoltStore) DeleteNamespace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).Delete([]byte(id))
	})
}

func (s *BoltStore) GetNamespace(id string) (*types.Namespace, error) {
	var ns types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespaces).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("namespace not found: %s", id)
		}
		return json.Unmarshal(data, &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *BoltStore) ListNamespaces() ([]*types.Namespace, error) {
	var out []*types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			out = append(out, &ns)
			return nil
		})
	})
	return out, err
}

// --- Users / roles / permissions ---

func (s *BoltStore) CreateUser(u *types.User) error { return s.putUser(u) }
func (s *BoltStore) UpdateUser(u *types.User) error { return s.putUser(u) }

func (s *BoltStore) putUser(u *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(u.Username), data)
	})
}

func (s *BoltStore) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(username))
	})
}

func (s *BoltStore) GetUser(username string) (*types.User, error) {
	var u types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("user not found: %s", username)
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var out []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, &u)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CreateRole(r *types.Role) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRoles).Put([]byte(r.Role+"#"+r.Username), data)
	})
}

func (s *BoltStore) DeleteRole(role, username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoles).Delete([]byte(role + "#" + username))
	})
}

func (s *BoltStore) ListRoles() ([]*types.Role, error) {
	var out []*types.Role
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoles).ForEach(func(k, v []byte) error {
			var r types.Role
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GrantPermission(p *types.Permission) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		key := p.Role + "#" + p.Resource + "#" + p.Action
		return tx.Bucket(bucketPermissions).Put([]byte(key), data)
	})
}

func (s *BoltStore) RevokePermission(role, resource, action string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := role + "#" + resource + "#" + action
		return tx.Bucket(bucketPermissions).Delete([]byte(key))
	})
}

func (s *BoltStore) ListPermissions() ([]*types.Permission, error) {
	var out []*types.Permission
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPermissions).ForEach(func(k, v []byte) error {
			var p types.Permission
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// --- Persistent naming instances ---

func instStoreKey(sk types.ServiceKey, ik types.InstanceKey) string {
	return sk.Key() + "|" + ik.Key()
}

func (s *BoltStore) RegisterPersistentInstance(key types.ServiceKey, inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPersistentInsts).Put([]byte(instStoreKey(key, inst.InstanceKey)), data)
	})
}

func (s *BoltStore) UpdatePersistentInstance(key types.ServiceKey, inst *types.Instance) error {
	return s.RegisterPersistentInstance(key, inst)
}

func (s *BoltStore) DeregisterPersistentInstance(key types.ServiceKey, ik types.InstanceKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPersistentInsts).Delete([]byte(instStoreKey(key, ik)))
	})
}

func (s *BoltStore) ListPersistentInstances(key types.ServiceKey) ([]*types.Instance, error) {
	var out []*types.Instance
	prefix := []byte(key.Key() + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPersistentInsts).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			out = append(out, &inst)
		}
		return nil
	})
	return out, err
}

// --- Locks ---

func (s *BoltStore) PutLock(l *types.Lock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLocks).Put([]byte(l.Key), data)
	})
}

func (s *BoltStore) GetLock(key string) (*types.Lock, error) {
	var l types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("lock not found: %s", key)
		}
		return json.Unmarshal(data, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) DeleteLock(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(key))
	})
}

func (s *BoltStore) ListLocks() ([]*types.Lock, error) {
	var out []*types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var l types.Lock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
			return nil
		})
	})
	return out, err
}
