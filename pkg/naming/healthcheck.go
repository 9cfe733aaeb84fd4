package naming

import (
	"sync"
	"time"

	"github.com/nacosd/nacosd/pkg/log"
	"github.com/nacosd/nacosd/pkg/metrics"
	"github.com/nacosd/nacosd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HealthReaper runs the two cooperative passes described in 4.D.1: an
// unhealthy pass that flips healthy=false once an ephemeral instance's
// heartbeat goes stale, and an expired pass that removes it once the
// (longer) delete timeout elapses. Persistent instances are never
// considered, since they carry no heartbeat.
type HealthReaper struct {
	registry *Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	period  time.Duration
}

// NewHealthReaper creates a reaper ticking every period (default 5000ms).
func NewHealthReaper(registry *Registry, period time.Duration) *HealthReaper {
	if period <= 0 {
		period = 5 * time.Second
	}
	return &HealthReaper{
		registry: registry,
		logger:   log.WithComponent("naming-healthcheck"),
		period:   period,
	}
}

// Start begins the reaper loop in a background goroutine.
func (h *HealthReaper) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.mu.Unlock()

	go h.run()
}

// Stop halts the reaper loop.
func (h *HealthReaper) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	close(h.stopCh)
	h.running = false
}

func (h *HealthReaper) run() {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-h.stopCh:
			return
		}
	}
}

// tick runs one unhealthy pass followed by one expired pass over every
// service, holding each service's lock only for the duration of its own
// scan so readers never observe a partially-updated instance map. Services
// are independent of each other, so the per-service work fans out across
// an errgroup instead of a sequential loop.
func (h *HealthReaper) tick() {
	now := h.registry.clock.Now()

	h.registry.mu.RLock()
	services := make(map[types.ServiceKey]*service, len(h.registry.services))
	for k, s := range h.registry.services {
		services[k] = s
	}
	h.registry.mu.RUnlock()

	var g errgroup.Group
	for key, s := range services {
		key, s := key, s
		g.Go(func() error {
			h.unhealthyPass(key, s, now)
			h.expiredPass(key, s, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *HealthReaper) unhealthyPass(key types.ServiceKey, s *service, now time.Time) {
	s.mu.Lock()
	var changed bool
	for _, inst := range s.instances {
		if !inst.Ephemeral || !inst.Healthy {
			continue
		}
		timeout := time.Duration(inst.HeartbeatMs) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Duration(types.DefaultHeartbeatTimeoutMs) * time.Millisecond
		}
		if now.Sub(inst.LastHeartbeat) >= timeout {
			inst.Healthy = false
			changed = true
		}
	}
	if changed {
		s.recomputeChecksum()
	}
	checksum := s.checksum
	subs := subscriberList(s.subscribers)
	s.mu.Unlock()

	if changed {
		h.registry.fanOut(key, checksum, subs)
	}
}

func (h *HealthReaper) expiredPass(key types.ServiceKey, s *service, now time.Time) {
	s.mu.Lock()
	var removed []types.InstanceKey
	for ik, inst := range s.instances {
		if !inst.Ephemeral {
			continue
		}
		timeout := time.Duration(inst.DeleteMs) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Duration(types.DefaultDeleteTimeoutMs) * time.Millisecond
		}
		if now.Sub(inst.LastHeartbeat) >= timeout {
			removed = append(removed, ik)
		}
	}
	for _, ik := range removed {
		delete(s.instances, ik)
	}
	if len(removed) > 0 {
		s.recomputeChecksum()
	}
	checksum := s.checksum
	subs := subscriberList(s.subscribers)
	s.mu.Unlock()

	if len(removed) > 0 {
		metrics.InstancesReapedTotal.Add(float64(len(removed)))
		h.registry.fanOut(key, checksum, subs)
		h.logger.Debug().Str("service", key.Key()).Int("removed", len(removed)).Msg("reaped expired instances")
	}
}
