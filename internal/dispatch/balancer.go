// Package dispatch routes analyzed jobs onto physical destinations. Each
// queue owns one load-balancer instance; strategies are resolved by name
// through a factory map injected into the QueueManager.
package dispatch

import (
	"context"
	"math"

	"github.com/orrn/dispatch/internal/db"
)

// Assignment is a balancer decision: the chosen destination and the
// estimated completion time in unix milliseconds.
type Assignment struct {
	DestinationID int64
	Eta           int64
}

// LoadBalancer picks a destination for one job. Callers must serialize
// ProcessJob per queue; the QueueManager holds a queue lock around it.
type LoadBalancer interface {
	// ProcessJob returns nil when no destination can take the job.
	ProcessJob(ctx context.Context, job *db.PrintJob) *Assignment
	// Invalidate drops the cached destination list; the next ProcessJob
	// call reloads it from the store.
	Invalidate()
}

// Factory builds a balancer for one queue.
type Factory func(m *QueueManager, queue *db.PrintQueue) LoadBalancer

const DefaultStrategy = "fiftyfifty"

// DefaultStrategies returns the built-in strategy set.
func DefaultStrategies() map[string]Factory {
	return map[string]Factory{
		"fiftyfifty":  NewFiftyFifty,
		"leastloaded": NewLeastLoaded,
	}
}

// etaIncrement is the print duration estimate for a job at a destination,
// rounded up to whole milliseconds.
func etaIncrement(pages int, pagesPerMinute float64) int64 {
	if pagesPerMinute <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(pages) / pagesPerMinute * 60000))
}
