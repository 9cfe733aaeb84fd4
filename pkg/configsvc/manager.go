package configsvc

import (
	"github.com/nacosd/nacosd/pkg/log"
	"github.com/nacosd/nacosd/pkg/metrics"
	"github.com/nacosd/nacosd/pkg/types"
	"github.com/rs/zerolog"
)

// PushFunc delivers a config-change push-envelope to a connection. Supplied
// by the connection manager (component B) at wiring time.
type PushFunc func(connectionID string, key types.ConfigKey, md5 string)

// PushTypeConfigChangeNotify is the stable wire envelope type name (spec
// section 6) for config-subscriber pushes.
const PushTypeConfigChangeNotify = "ConfigChangeNotifyResponse"

// Manager is the component C entry point clients of the Raft apply path
// call after a ConfigPublish commits: it owns the subscriber map and
// decides, per subscriber, whether a push is owed.
type Manager struct {
	subs   *SubscriberManager
	push   PushFunc
	logger zerolog.Logger
}

// NewManager wires a SubscriberManager to a push sink.
func NewManager(push PushFunc) *Manager {
	return &Manager{
		subs:   NewSubscriberManager(),
		push:   push,
		logger: log.WithComponent("configsvc"),
	}
}

// Subscribe records connectionID's interest in key at the given client md5.
func (m *Manager) Subscribe(connectionID, clientIP string, key types.ConfigKey, md5 string) {
	m.subs.Subscribe(connectionID, clientIP, key, md5)
	metrics.ConfigSubscribersTotal.Set(float64(m.subs.Counts().Subscriptions))
}

// Unsubscribe removes connectionID's interest in key.
func (m *Manager) Unsubscribe(connectionID string, key types.ConfigKey) {
	m.subs.Unsubscribe(connectionID, key)
	metrics.ConfigSubscribersTotal.Set(float64(m.subs.Counts().Subscriptions))
}

// UnsubscribeAll drops every subscription connectionID holds.
func (m *Manager) UnsubscribeAll(connectionID string) {
	m.subs.UnsubscribeAll(connectionID)
	metrics.ConfigSubscribersTotal.Set(float64(m.subs.Counts().Subscriptions))
}

// OnPublish is invoked after a ConfigPublish command commits to the Raft
// log. It looks up every subscriber of key and pushes to each whose
// recorded md5 differs from the new one; subscribers already at newMD5
// already have the content and are skipped.
func (m *Manager) OnPublish(key types.ConfigKey, newMD5 string) {
	for _, sub := range m.subs.SubscribersOf(key) {
		if sub.MD5 == newMD5 {
			continue
		}
		if m.push != nil {
			m.push(sub.ConnectionID, key, newMD5)
			metrics.ConfigPushTotal.WithLabelValues("sent").Inc()
		}
	}
}

// Counts exposes the subscriber manager's size for observability handlers.
func (m *Manager) Counts() Counts {
	return m.subs.Counts()
}

// SubscribersOf exposes the raw subscriber list of key, for the listener
// query handler.
func (m *Manager) SubscribersOf(key types.ConfigKey) []*Subscriber {
	return m.subs.SubscribersOf(key)
}
