package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/dispatch/internal/db"
)

func seedJob(t *testing.T, store *db.Store, id, queue string, pages int) *db.PrintJob {
	t.Helper()
	job := &db.PrintJob{ID: id, Queue: queue, Username: "jdoe", FileName: "thesis.pdf"}
	require.NoError(t, store.CreateJob(context.Background(), job))
	_, err := store.UpdateJob(context.Background(), id, func(j *db.PrintJob) error {
		j.Pages = pages
		return nil
	})
	require.NoError(t, err)
	return job
}

func TestAssignDestinationSetsDestinationAndEtaTogether(t *testing.T) {
	store := newTestStore(t)
	dest := seedDestination(t, store, "lab-a", true, 10)
	seedQueue(t, store, "lab", "fiftyfifty", dest.ID)
	seedJob(t, store, "j1", "lab", 5)

	qm := NewQueueManager(store, nil)
	job, err := qm.AssignDestination(context.Background(), "j1")
	require.NoError(t, err)

	require.NotNil(t, job.Destination)
	assert.Equal(t, dest.ID, *job.Destination)
	assert.Greater(t, job.Eta, int64(0))

	persisted, err := store.ReadJob(context.Background(), "j1")
	require.NoError(t, err)
	require.NotNil(t, persisted.Destination)
	assert.Equal(t, dest.ID, *persisted.Destination)
	assert.Equal(t, job.Eta, persisted.Eta)
	assert.Nil(t, persisted.Failed)
}

func TestAssignDestinationAllDownFailsJob(t *testing.T) {
	store := newTestStore(t)
	dest := seedDestination(t, store, "lab-a", false, 10)
	seedQueue(t, store, "lab", "fiftyfifty", dest.ID)
	seedJob(t, store, "j1", "lab", 5)

	qm := NewQueueManager(store, nil)
	job, err := qm.AssignDestination(context.Background(), "j1")
	require.NoError(t, err)

	assert.Nil(t, job.Destination)
	require.NotNil(t, job.Failed)
	assert.Equal(t, db.FailInvalidDestination, job.Error)
}

func TestAssignDestinationUnknownStrategyFallsBack(t *testing.T) {
	store := newTestStore(t)
	dest := seedDestination(t, store, "lab-a", true, 10)
	seedQueue(t, store, "lab", "weighted-dice", dest.ID)
	seedJob(t, store, "j1", "lab", 5)

	qm := NewQueueManager(store, nil)
	job, err := qm.AssignDestination(context.Background(), "j1")
	require.NoError(t, err)
	require.NotNil(t, job.Destination)
	assert.Equal(t, dest.ID, *job.Destination)
}

func TestAssignDestinationUnknownQueue(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "j1", "ghost", 5)

	qm := NewQueueManager(store, nil)
	_, err := qm.AssignDestination(context.Background(), "j1")
	assert.ErrorIs(t, err, db.ErrQueueNotFound)
}

func TestAssignDestinationTerminalJobUntouched(t *testing.T) {
	store := newTestStore(t)
	dest := seedDestination(t, store, "lab-a", true, 10)
	seedQueue(t, store, "lab", "fiftyfifty", dest.ID)
	seedJob(t, store, "j1", "lab", 5)

	now := time.Now()
	_, err := store.UpdateJob(context.Background(), "j1", func(j *db.PrintJob) error {
		j.Failed = &now
		j.Error = db.FailTimeout
		return nil
	})
	require.NoError(t, err)

	qm := NewQueueManager(store, nil)
	job, err := qm.AssignDestination(context.Background(), "j1")
	require.NoError(t, err)
	assert.Nil(t, job.Destination)
	assert.Equal(t, db.FailTimeout, job.Error)
}

func TestManagerReusesBalancerPerQueue(t *testing.T) {
	store := newTestStore(t)
	dest := seedDestination(t, store, "lab-a", true, 10)
	seedQueue(t, store, "lab", "fiftyfifty", dest.ID)

	qm := NewQueueManager(store, nil)
	first, err := qm.queueFor(context.Background(), "lab")
	require.NoError(t, err)
	second, err := qm.queueFor(context.Background(), "lab")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestEtaNeverFails(t *testing.T) {
	store := newTestStore(t)
	qm := NewQueueManager(store, nil)

	// Destination with no assigned jobs reports zero.
	assert.Equal(t, int64(0), qm.ETA(context.Background(), 12345))
}
