package session

import (
	"context"
	"sync"
	"time"
)

// sweeper is a single dedicated goroutine that periodically probes every
// locally-registered session and evicts the ones that no longer answer
// alive. Grounded on newHub in github.com/tinode/chat, which likewise runs
// its own maintenance loop (hub.run) on one goroutine rather than spawning
// per-topic timers.
type sweeper struct {
	mgr      *Manager
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSweeper(mgr *Manager, interval time.Duration) *sweeper {
	return &sweeper{mgr: mgr, interval: interval}
}

func (sw *sweeper) start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return
	}
	sw.running = true
	sw.stopCh = make(chan struct{})
	sw.doneCh = make(chan struct{})
	go sw.run(sw.stopCh, sw.doneCh)
}

func (sw *sweeper) stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	stopCh, doneCh := sw.stopCh, sw.doneCh
	sw.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (sw *sweeper) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.sweepOnce(context.Background())
		case <-stopCh:
			return
		}
	}
}

func (sw *sweeper) sweepOnce(ctx context.Context) {
	sw.mgr.registry.rangeRefs(func(_ string, rf *ref) bool {
		s := rf.snapshotLoaded()
		if s == nil {
			return true
		}
		alive, err := s.IsAliveAsync(ctx)
		if err != nil {
			sw.mgr.log.WithError(err).WithField("device", s.DeviceID()).
				Warn("sweeper: liveness probe failed, skipping")
			return true
		}
		if !alive {
			_, _ = rf.evict(ctx, s)
		}
		return true
	})
}
