package dispatch

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/dispatch/internal/db"
)

// LeastLoaded sends each job to the up destination with the smallest
// outstanding ETA.
type LeastLoaded struct {
	manager *QueueManager
	queue   *db.PrintQueue

	mu    sync.Mutex
	dests []*db.Destination
}

func NewLeastLoaded(m *QueueManager, queue *db.PrintQueue) LoadBalancer {
	return &LeastLoaded{manager: m, queue: queue}
}

func (l *LeastLoaded) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dests = nil
}

func (l *LeastLoaded) ProcessJob(ctx context.Context, job *db.PrintJob) *Assignment {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dests == nil {
		dests, err := l.manager.store.ReadDestinations(ctx, l.queue.Destinations)
		if err != nil {
			log.WithError(err).WithField("queue", l.queue.Name).Error("failed to load destinations")
			return nil
		}
		l.dests = dests
	}

	var best *db.Destination
	var bestEta int64
	for _, d := range l.dests {
		if !d.Up {
			continue
		}
		eta := l.manager.ETA(ctx, d.ID)
		if best == nil || eta < bestEta {
			best = d
			bestEta = eta
		}
	}
	if best == nil {
		log.WithFields(log.Fields{"queue": l.queue.Name, "job": job.ID}).
			Warn("rejecting job, no destination is up")
		return nil
	}

	if now := time.Now().UnixMilli(); now > bestEta {
		bestEta = now
	}
	return &Assignment{
		DestinationID: best.ID,
		Eta:           bestEta + etaIncrement(job.Pages, best.PagesPerMinute),
	}
}
