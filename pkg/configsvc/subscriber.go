// Package configsvc implements component C: the config subscriber manager,
// which tracks which connections are listening to which configuration keys
// and fans out change notifications on publish.
package configsvc

import (
	"strings"
	"sync"

	"github.com/nacosd/nacosd/pkg/types"
)

// Subscriber is one connection's subscription record for a config key.
type Subscriber struct {
	ConnectionID string
	ClientIP     string
	MD5          string
}

// SubscriberManager holds the two concurrent maps described in 4.C:
// key_to_subscribers and connection_to_keys, kept in lockstep.
type SubscriberManager struct {
	mu                sync.RWMutex
	keyToSubscribers  map[string]map[string]*Subscriber // key -> connID -> Subscriber
	connectionToKeys  map[string]map[string]struct{}    // connID -> key set
}

// NewSubscriberManager creates an empty manager.
func NewSubscriberManager() *SubscriberManager {
	return &SubscriberManager{
		keyToSubscribers: make(map[string]map[string]*Subscriber),
		connectionToKeys: make(map[string]map[string]struct{}),
	}
}

// Subscribe upserts a subscription on both sides. A repeat subscribe from
// the same connection overwrites the recorded md5.
func (m *SubscriberManager) Subscribe(connectionID, clientIP string, key types.ConfigKey, md5 string) {
	keyStr := key.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.keyToSubscribers[keyStr]
	if !ok {
		subs = make(map[string]*Subscriber)
		m.keyToSubscribers[keyStr] = subs
	}
	subs[connectionID] = &Subscriber{ConnectionID: connectionID, ClientIP: clientIP, MD5: md5}

	keys, ok := m.connectionToKeys[connectionID]
	if !ok {
		keys = make(map[string]struct{})
		m.connectionToKeys[connectionID] = keys
	}
	keys[keyStr] = struct{}{}
}

// Unsubscribe removes connectionID's subscription to key from both sides,
// dropping the key entry entirely once its subscriber set is empty.
func (m *SubscriberManager) Unsubscribe(connectionID string, key types.ConfigKey) {
	keyStr := key.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.keyToSubscribers[keyStr]; ok {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(m.keyToSubscribers, keyStr)
		}
	}
	if keys, ok := m.connectionToKeys[connectionID]; ok {
		delete(keys, keyStr)
		if len(keys) == 0 {
			delete(m.connectionToKeys, connectionID)
		}
	}
}

// UnsubscribeAll drops every subscription connectionID holds, via a single
// lookup into connection_to_keys followed by removal from each key's set.
// Called on connection teardown.
func (m *SubscriberManager) UnsubscribeAll(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.connectionToKeys[connectionID]
	if !ok {
		return
	}
	delete(m.connectionToKeys, connectionID)

	for keyStr := range keys {
		if subs, ok := m.keyToSubscribers[keyStr]; ok {
			delete(subs, connectionID)
			if len(subs) == 0 {
				delete(m.keyToSubscribers, keyStr)
			}
		}
	}
}

// UpdateMD5 updates a subscriber's recorded md5 in place; a no-op if the
// connection isn't subscribed to key.
func (m *SubscriberManager) UpdateMD5(connectionID string, key types.ConfigKey, md5 string) {
	keyStr := key.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.keyToSubscribers[keyStr]
	if !ok {
		return
	}
	if sub, ok := subs[connectionID]; ok {
		sub.MD5 = md5
	}
}

// SubscribersOf returns every subscriber of key.
func (m *SubscriberManager) SubscribersOf(key types.ConfigKey) []*Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.keyToSubscribers[key.Key()]
	out := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// KeyedSubscriber pairs a config key with one of its subscribers, for
// SubscribersByIP's flattened result.
type KeyedSubscriber struct {
	Key types.ConfigKey
	Sub Subscriber
}

// SubscribersByIP returns every (key, subscriber) pair where the subscriber
// connected from clientIP.
func (m *SubscriberManager) SubscribersByIP(clientIP string) []KeyedSubscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []KeyedSubscriber
	for keyStr, subs := range m.keyToSubscribers {
		key, ok := parseKeyString(keyStr)
		if !ok {
			continue
		}
		for _, s := range subs {
			if s.ClientIP == clientIP {
				out = append(out, KeyedSubscriber{Key: key, Sub: *s})
			}
		}
	}
	return out
}

// KeySubscriptions pairs a config key with all of its subscribers, for
// AllSubscriptions's console-facing listing.
type KeySubscriptions struct {
	Key         types.ConfigKey
	Subscribers []Subscriber
}

// AllSubscriptions returns every (key, subscribers) pair currently tracked.
func (m *SubscriberManager) AllSubscriptions() []KeySubscriptions {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]KeySubscriptions, 0, len(m.keyToSubscribers))
	for keyStr, subs := range m.keyToSubscribers {
		key, ok := parseKeyString(keyStr)
		if !ok {
			continue
		}
		list := make([]Subscriber, 0, len(subs))
		for _, s := range subs {
			list = append(list, *s)
		}
		out = append(out, KeySubscriptions{Key: key, Subscribers: list})
	}
	return out
}

// Counts reports the subscriber manager's size, grounded in the original
// implementation's subscription_count/config_count/connection_count.
type Counts struct {
	Subscriptions int // total (key, connection) pairs
	Configs       int // distinct keys with at least one subscriber
	Connections   int // distinct connections with at least one subscription
}

// Counts returns the current subscription/config/connection counts.
func (m *SubscriberManager) Counts() Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subscriptions := 0
	for _, subs := range m.keyToSubscribers {
		subscriptions += len(subs)
	}
	return Counts{
		Subscriptions: subscriptions,
		Configs:       len(m.keyToSubscribers),
		Connections:   len(m.connectionToKeys),
	}
}

func parseKeyString(keyStr string) (types.ConfigKey, bool) {
	parts := strings.SplitN(keyStr, "@@", 3)
	if len(parts) != 3 {
		return types.ConfigKey{}, false
	}
	return types.ConfigKey{Namespace: parts[0], Group: parts[1], DataID: parts[2]}, true
}
