package lockservice

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nacosd/nacosd/pkg/consensus"
	"github.com/nacosd/nacosd/pkg/log"
	"github.com/nacosd/nacosd/pkg/metrics"
	"github.com/nacosd/nacosd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ExpiryReaper runs the ~1000ms expire-check pass described in 4.E: on the
// leader only, it proposes a LockExpire command for every key whose
// expires_at has passed. Followers never independently expire a lock —
// proposing from a non-leader would simply fail in Manager.apply and is
// skipped here to avoid the wasted round trip.
type ExpiryReaper struct {
	mgr    *Manager
	node   *consensus.Node
	logger zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	period  time.Duration
}

// NewExpiryReaper creates a reaper ticking every period (default 1000ms).
func NewExpiryReaper(mgr *Manager, node *consensus.Node, period time.Duration) *ExpiryReaper {
	if period <= 0 {
		period = 1000 * time.Millisecond
	}
	return &ExpiryReaper{
		mgr:    mgr,
		node:   node,
		logger: log.WithComponent("lockservice-expiry"),
		period: period,
	}
}

// Start begins the reaper loop in a background goroutine.
func (r *ExpiryReaper) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	go r.run()
}

// Stop halts the reaper loop.
func (r *ExpiryReaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}

func (r *ExpiryReaper) run() {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.stopCh:
			return
		}
	}
}

// tick lists every lock once, then proposes a LockExpire command for each
// expired key. The proposals are independent of each other, so they fan out
// across an errgroup instead of a sequential loop.
func (r *ExpiryReaper) tick() {
	if !r.node.IsLeader() {
		return
	}

	locks, err := r.node.Store().ListLocks()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list locks for expiry pass")
		return
	}

	now := r.mgr.clock.NowMillis()
	var g errgroup.Group
	for _, l := range locks {
		l := l
		if l.State != types.LockLocked || l.ExpiresAtMs > now {
			continue
		}
		g.Go(func() error {
			r.expireOne(l.Key, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *ExpiryReaper) expireOne(key string, now int64) {
	data, err := json.Marshal(consensus.LockForceReleaseData{Key: key, NowMs: now})
	if err != nil {
		return
	}

	if _, err := r.node.Apply(consensus.Command{Op: consensus.OpLockExpire, Data: data}); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to propose lock expiry")
		return
	}
	metrics.LocksExpiredTotal.Inc()
}
