package dispatch

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/dispatch/internal/db"
)

// FiftyFifty rotates through the queue's destinations, skipping any that are
// down. The cursor starts at -1 so a fresh instance begins its rotation at
// the tail of the list.
type FiftyFifty struct {
	manager *QueueManager
	queue   *db.PrintQueue

	mu     sync.Mutex
	dests  []*db.Destination
	cursor int
}

func NewFiftyFifty(m *QueueManager, queue *db.PrintQueue) LoadBalancer {
	return &FiftyFifty{manager: m, queue: queue, cursor: -1}
}

func (f *FiftyFifty) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dests = nil
}

func (f *FiftyFifty) refresh(ctx context.Context) {
	dests, err := f.manager.store.ReadDestinations(ctx, f.queue.Destinations)
	if err != nil {
		log.WithError(err).WithField("queue", f.queue.Name).Error("failed to load destinations")
		return
	}
	f.dests = dests
}

func (f *FiftyFifty) ProcessJob(ctx context.Context, job *db.PrintJob) *Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dests == nil {
		f.refresh(ctx)
	}

	// Must be checked before the cyclic scan: with every destination down
	// the rotation would never terminate.
	if !anyUp(f.dests) {
		log.WithFields(log.Fields{"queue": f.queue.Name, "job": job.ID}).
			Warn("rejecting job, no destination is up")
		return nil
	}

	n := len(f.dests)
	start := ((f.cursor % n) + n) % n
	for i := 0; i < n; i++ {
		d := f.dests[(start+i)%n]
		if !d.Up {
			continue
		}
		f.cursor = (start + i + 1) % n
		return &Assignment{
			DestinationID: d.ID,
			Eta:           f.eta(ctx, d, job),
		}
	}
	return nil
}

func (f *FiftyFifty) eta(ctx context.Context, d *db.Destination, job *db.PrintJob) int64 {
	base := f.manager.ETA(ctx, d.ID)
	if now := time.Now().UnixMilli(); now > base {
		base = now
	}
	return base + etaIncrement(job.Pages, d.PagesPerMinute)
}

func anyUp(dests []*db.Destination) bool {
	for _, d := range dests {
		if d.Up {
			return true
		}
	}
	return false
}
