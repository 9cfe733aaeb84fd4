// Package naming implements component D: the service/instance registry,
// its health-check reaper, and the fuzzy-watch pattern index.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/types"
)

// PushFunc delivers a push-envelope to a connection; the registry never
// constructs envelopes itself, it only decides who needs one and which wire
// type name the envelope must carry. Supplied by the connection manager
// (component B) at wiring time.
type PushFunc func(connectionID string, pushType string, serviceKey types.ServiceKey, checksum string)

// Stable wire type names for naming pushes (spec section 6). Direct
// service-subscribers and fuzzy-watchers receive different envelope types
// even though both are triggered by the same fanOut.
const (
	PushTypeNotifySubscriber           = "NotifySubscriberResponse"
	PushTypeFuzzyWatchChangeNotify     = "FuzzyWatchChangeNotify"
	PushTypeFuzzyWatchInitNotify       = "FuzzyWatchInitNotify"
	PushTypeFuzzyWatchInitFinishNotify = "FuzzyWatchInitFinishNotify"
)

// service is one namespace+group+name's instance map plus its subscribers.
type service struct {
	mu              sync.RWMutex
	instances       map[types.InstanceKey]*types.Instance
	subscribers     map[string]struct{} // connection-id set
	checksum        string
	protectThresh   float64
}

func newService() *service {
	return &service{
		instances:     make(map[types.InstanceKey]*types.Instance),
		subscribers:   make(map[string]struct{}),
		protectThresh: 0,
	}
}

// recomputeChecksum hashes the sorted instance list; caller must hold mu.
func (s *service) recomputeChecksum() {
	keys := make([]types.InstanceKey, 0, len(s.instances))
	for k := range s.instances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key() < keys[j].Key() })

	h := sha256.New()
	for _, k := range keys {
		inst := s.instances[k]
		h.Write([]byte(k.Key()))
		if inst.Healthy {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	s.checksum = hex.EncodeToString(h.Sum(nil))
}

// Registry holds every service, keyed by (namespace, group, name).
type Registry struct {
	mu       sync.RWMutex
	services map[types.ServiceKey]*service
	clock    clock.Clock
	fuzzy    *FuzzyWatchManager
	push     PushFunc
}

// NewRegistry creates an empty registry. push may be nil in tests that don't
// care about fan-out.
func NewRegistry(clk clock.Clock, fuzzy *FuzzyWatchManager, push PushFunc) *Registry {
	return &Registry{
		services: make(map[types.ServiceKey]*service),
		clock:    clk,
		fuzzy:    fuzzy,
		push:     push,
	}
}

func (r *Registry) serviceFor(key types.ServiceKey) *service {
	r.mu.Lock()
	s, ok := r.services[key]
	if !ok {
		s = newService()
		r.services[key] = s
	}
	r.mu.Unlock()
	return s
}

// SetProtectThreshold configures the healthy-fraction floor below which
// get_service returns every instance regardless of health.
func (r *Registry) SetProtectThreshold(key types.ServiceKey, threshold float64) {
	s := r.serviceFor(key)
	s.mu.Lock()
	s.protectThresh = threshold
	s.mu.Unlock()
}

// Register inserts or updates an instance, bumping the service checksum and
// fanning out to every matching subscriber and fuzzy watcher only if the
// checksum actually changed — a re-registration with an identical instance
// set (the heartbeat path re-invokes Register) must push none.
func (r *Registry) Register(key types.ServiceKey, inst *types.Instance) {
	s := r.serviceFor(key)

	s.mu.Lock()
	before := s.checksum
	s.instances[inst.InstanceKey] = inst
	s.recomputeChecksum()
	checksum := s.checksum
	changed := checksum != before
	subs := subscriberList(s.subscribers)
	s.mu.Unlock()

	if changed {
		r.fanOut(key, checksum, subs)
	}
}

// ServiceKeysMatching returns every currently-registered service key whose
// namespace/group/name satisfies pattern, used to build a fuzzy watcher's
// initial snapshot at registration time.
func (r *Registry) ServiceKeysMatching(pattern FuzzyWatchPattern) []types.ServiceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ServiceKey
	for key := range r.services {
		if pattern.Matches(key.Namespace, key.Group, key.Name) {
			out = append(out, key)
		}
	}
	return out
}

// Deregister removes an instance if present, fanning out on change.
func (r *Registry) Deregister(key types.ServiceKey, ik types.InstanceKey) {
	s := r.serviceFor(key)

	s.mu.Lock()
	_, existed := s.instances[ik]
	if !existed {
		s.mu.Unlock()
		return
	}
	delete(s.instances, ik)
	s.recomputeChecksum()
	checksum := s.checksum
	subs := subscriberList(s.subscribers)
	s.mu.Unlock()

	r.fanOut(key, checksum, subs)
}

func subscriberList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (r *Registry) fanOut(key types.ServiceKey, checksum string, directSubs []string) {
	if r.push == nil {
		return
	}
	seen := make(map[string]struct{}, len(directSubs))
	for _, id := range directSubs {
		seen[id] = struct{}{}
		r.push(id, PushTypeNotifySubscriber, key, checksum)
	}
	if r.fuzzy == nil {
		return
	}
	for _, id := range r.fuzzy.GetWatchersForService(key.Namespace, key.Group, key.Name) {
		if _, ok := seen[id]; ok {
			continue
		}
		r.push(id, PushTypeFuzzyWatchChangeNotify, key, checksum)
	}
}

// QueryResult is the response shape for GetService.
type QueryResult struct {
	Instances                  []*types.Instance
	Checksum                   string
	ReachedProtectionThreshold bool
}

// GetService returns the instances matching clustersFilter (a CSV of
// cluster names; empty means all clusters). When healthyOnly is set and the
// healthy fraction is at or above the service's protect threshold, unhealthy
// instances are omitted; below threshold every instance is returned with
// ReachedProtectionThreshold set (I: "below threshold" is strict, per spec).
func (r *Registry) GetService(key types.ServiceKey, clustersFilter string, healthyOnly bool) QueryResult {
	s := r.serviceFor(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var clusters map[string]struct{}
	if clustersFilter != "" {
		clusters = make(map[string]struct{})
		for _, c := range strings.Split(clustersFilter, ",") {
			clusters[strings.TrimSpace(c)] = struct{}{}
		}
	}

	var matched []*types.Instance
	for _, inst := range s.instances {
		if clusters != nil {
			if _, ok := clusters[inst.ClusterName]; !ok {
				continue
			}
		}
		matched = append(matched, inst)
	}

	healthyCount := 0
	for _, inst := range matched {
		if inst.Healthy {
			healthyCount++
		}
	}
	fraction := 1.0
	if len(matched) > 0 {
		fraction = float64(healthyCount) / float64(len(matched))
	}
	belowThreshold := fraction < s.protectThresh

	if !healthyOnly || belowThreshold {
		return QueryResult{
			Instances:                  matched,
			Checksum:                   s.checksum,
			ReachedProtectionThreshold: healthyOnly && belowThreshold,
		}
	}

	var healthy []*types.Instance
	for _, inst := range matched {
		if inst.Healthy {
			healthy = append(healthy, inst)
		}
	}
	return QueryResult{Instances: healthy, Checksum: s.checksum}
}

// Subscribe adds connectionID to the service's subscriber set and returns
// the current snapshot for the immediate reply.
func (r *Registry) Subscribe(connectionID string, key types.ServiceKey, clustersFilter string) QueryResult {
	s := r.serviceFor(key)
	s.mu.Lock()
	s.subscribers[connectionID] = struct{}{}
	s.mu.Unlock()
	return r.GetService(key, clustersFilter, false)
}

// Unsubscribe removes connectionID from the service's subscriber set.
func (r *Registry) Unsubscribe(connectionID string, key types.ServiceKey) {
	s := r.serviceFor(key)
	s.mu.Lock()
	delete(s.subscribers, connectionID)
	s.mu.Unlock()
}

// UnsubscribeAll removes connectionID from every service's subscriber set.
// Called on connection teardown.
func (r *Registry) UnsubscribeAll(connectionID string) {
	r.mu.RLock()
	services := make([]*service, 0, len(r.services))
	for _, s := range r.services {
		services = append(services, s)
	}
	r.mu.RUnlock()

	for _, s := range services {
		s.mu.Lock()
		delete(s.subscribers, connectionID)
		s.mu.Unlock()
	}
}

// Heartbeat refreshes LastHeartbeat for an ephemeral instance and, if it was
// previously unhealthy, marks it healthy and fans out.
func (r *Registry) Heartbeat(key types.ServiceKey, ik types.InstanceKey) bool {
	s := r.serviceFor(key)

	s.mu.Lock()
	inst, ok := s.instances[ik]
	if !ok {
		s.mu.Unlock()
		return false
	}
	inst.LastHeartbeat = r.clock.Now()
	becameHealthy := !inst.Healthy
	if becameHealthy {
		inst.Healthy = true
		s.recomputeChecksum()
	}
	checksum := s.checksum
	subs := subscriberList(s.subscribers)
	s.mu.Unlock()

	if becameHealthy {
		r.fanOut(key, checksum, subs)
	}
	return true
}

// DeregisterConnectionInstances removes every ephemeral instance owned by
// connectionID across all services, used during connection teardown.
func (r *Registry) DeregisterConnectionInstances(connectionID string) {
	r.mu.RLock()
	snapshot := make(map[types.ServiceKey]*service, len(r.services))
	for k, s := range r.services {
		snapshot[k] = s
	}
	r.mu.RUnlock()

	for key, s := range snapshot {
		s.mu.RLock()
		var toRemove []types.InstanceKey
		for ik, inst := range s.instances {
			if inst.Ephemeral && inst.OwnerConn == connectionID {
				toRemove = append(toRemove, ik)
			}
		}
		s.mu.RUnlock()

		for _, ik := range toRemove {
			r.Deregister(key, ik)
		}
	}
}
