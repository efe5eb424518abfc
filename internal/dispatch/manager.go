package dispatch

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/dispatch/internal/db"
)

// QueueManager owns one load balancer per queue, constructed lazily and
// cached for the life of the process. Destination assignment is serialized
// per queue so ETA accumulation on a shared destination stays correct.
type QueueManager struct {
	store      *db.Store
	strategies map[string]Factory

	mu     sync.Mutex
	queues map[string]*managedQueue
}

type managedQueue struct {
	mu       sync.Mutex
	balancer LoadBalancer
}

func NewQueueManager(store *db.Store, strategies map[string]Factory) *QueueManager {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	return &QueueManager{
		store:      store,
		strategies: strategies,
		queues:     make(map[string]*managedQueue),
	}
}

// queueFor returns the managed queue, building its balancer on first access.
// Construction happens under the manager lock so concurrent first access
// cannot create duplicates.
func (m *QueueManager) queueFor(ctx context.Context, name string) (*managedQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mq, ok := m.queues[name]; ok {
		return mq, nil
	}

	cfg, err := m.store.ReadQueue(ctx, name)
	if err != nil {
		return nil, err
	}

	factory, ok := m.strategies[cfg.Strategy]
	if !ok {
		log.WithFields(log.Fields{"queue": name, "strategy": cfg.Strategy}).
			Warn("unknown load-balancer strategy, using default")
		factory = m.strategies[DefaultStrategy]
	}

	mq := &managedQueue{balancer: factory(m, cfg)}
	m.queues[name] = mq
	return mq, nil
}

// AssignDestination routes the job through its queue's balancer and persists
// the outcome. Destination and ETA land in one transactional write, so no
// reader ever sees one without the other; a rejected job is marked failed
// with the invalid-destination reason in the same way.
func (m *QueueManager) AssignDestination(ctx context.Context, jobID string) (*db.PrintJob, error) {
	job, err := m.store.ReadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return job, nil
	}

	mq, err := m.queueFor(ctx, job.Queue)
	if err != nil {
		return nil, err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	assignment := mq.balancer.ProcessJob(ctx, job)

	return m.store.UpdateJob(ctx, jobID, func(j *db.PrintJob) error {
		if j.Terminal() {
			return nil
		}
		if assignment == nil {
			now := time.Now()
			j.Failed = &now
			j.Error = db.FailInvalidDestination
			return nil
		}
		j.Destination = &assignment.DestinationID
		j.Eta = assignment.Eta
		return nil
	})
}

// ETA returns the largest outstanding ETA for a destination, or 0 when the
// query fails. It never returns an error.
func (m *QueueManager) ETA(ctx context.Context, destinationID int64) int64 {
	eta, err := m.store.GetMaxEtaForDestination(ctx, destinationID)
	if err != nil {
		log.WithError(err).WithField("destination", destinationID).Warn("max eta query failed")
		return 0
	}
	return eta
}

// InvalidateAll flushes every balancer's cached destination list. Called
// after a destination's status changes.
func (m *QueueManager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mq := range m.queues {
		mq.balancer.Invalidate()
	}
}
