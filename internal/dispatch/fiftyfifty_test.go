package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/dispatch/internal/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedDestination(t *testing.T, store *db.Store, name string, up bool, ppm float64) *db.Destination {
	t.Helper()
	d := &db.Destination{Name: name, Up: up, PagesPerMinute: ppm}
	require.NoError(t, store.CreateDestination(context.Background(), d))
	return d
}

func seedQueue(t *testing.T, store *db.Store, name, strategy string, destIDs ...int64) *db.PrintQueue {
	t.Helper()
	q := &db.PrintQueue{Name: name, DisplayName: name, Destinations: destIDs, Strategy: strategy}
	require.NoError(t, store.CreateQueue(context.Background(), q))
	return q
}

func TestFiftyFiftyRoundRobin(t *testing.T) {
	store := newTestStore(t)
	d0 := seedDestination(t, store, "lab-a", true, 10)
	d1 := seedDestination(t, store, "lab-b", true, 10)
	queue := seedQueue(t, store, "lab", "fiftyfifty", d0.ID, d1.ID)

	qm := NewQueueManager(store, nil)
	lb := NewFiftyFifty(qm, queue)
	job := &db.PrintJob{ID: "j1", Queue: "lab", Pages: 1}

	var picks []int64
	for i := 0; i < 3; i++ {
		asg := lb.ProcessJob(context.Background(), job)
		require.NotNil(t, asg)
		picks = append(picks, asg.DestinationID)
	}

	// Fresh balancer starts its rotation at the tail of the list.
	assert.Equal(t, []int64{d1.ID, d0.ID, d1.ID}, picks)
}

func TestFiftyFiftyNeverRepeatsConsecutively(t *testing.T) {
	store := newTestStore(t)
	var ids []int64
	for _, name := range []string{"a", "b", "c"} {
		ids = append(ids, seedDestination(t, store, name, true, 10).ID)
	}
	queue := seedQueue(t, store, "lab", "fiftyfifty", ids...)

	lb := NewFiftyFifty(NewQueueManager(store, nil), queue)
	job := &db.PrintJob{ID: "j1", Pages: 1}

	var prev int64 = -1
	seen := make(map[int64]int)
	for i := 0; i < 9; i++ {
		asg := lb.ProcessJob(context.Background(), job)
		require.NotNil(t, asg)
		assert.NotEqual(t, prev, asg.DestinationID)
		prev = asg.DestinationID
		seen[asg.DestinationID]++
	}
	for _, id := range ids {
		assert.Equal(t, 3, seen[id], "destinations should cycle with period 3")
	}
}

func TestFiftyFiftyAllDown(t *testing.T) {
	store := newTestStore(t)
	d0 := seedDestination(t, store, "lab-a", false, 10)
	d1 := seedDestination(t, store, "lab-b", false, 10)
	queue := seedQueue(t, store, "lab", "fiftyfifty", d0.ID, d1.ID)

	lb := NewFiftyFifty(NewQueueManager(store, nil), queue)
	job := &db.PrintJob{ID: "j1", Pages: 1}

	for i := 0; i < 3; i++ {
		assert.Nil(t, lb.ProcessJob(context.Background(), job))
	}
}

func TestFiftyFiftyEmptyDestinationList(t *testing.T) {
	store := newTestStore(t)
	queue := seedQueue(t, store, "lab", "fiftyfifty")

	lb := NewFiftyFifty(NewQueueManager(store, nil), queue)
	assert.Nil(t, lb.ProcessJob(context.Background(), &db.PrintJob{ID: "j1"}))
}

func TestFiftyFiftySkipsDownDestination(t *testing.T) {
	store := newTestStore(t)
	d0 := seedDestination(t, store, "lab-a", true, 10)
	d1 := seedDestination(t, store, "lab-b", true, 10)
	queue := seedQueue(t, store, "lab", "fiftyfifty", d0.ID, d1.ID)

	lb := NewFiftyFifty(NewQueueManager(store, nil), queue)
	job := &db.PrintJob{ID: "j1", Pages: 1}

	first := lb.ProcessJob(context.Background(), job)
	require.NotNil(t, first)
	assert.Equal(t, d1.ID, first.DestinationID)

	require.NoError(t, store.UpdateDestinationStatus(context.Background(), d1.ID, false, "paper jam", "jdoe"))
	lb.Invalidate()

	for i := 0; i < 4; i++ {
		asg := lb.ProcessJob(context.Background(), job)
		require.NotNil(t, asg)
		assert.Equal(t, d0.ID, asg.DestinationID)
	}
}

func TestFiftyFiftyEtaAccumulates(t *testing.T) {
	store := newTestStore(t)
	dest := seedDestination(t, store, "lab-a", true, 10)
	queue := seedQueue(t, store, "lab", "fiftyfifty", dest.ID)

	// An outstanding job already assigned to the destination, finishing
	// well in the future.
	pending := time.Now().Add(10 * time.Minute).UnixMilli()
	existing := &db.PrintJob{ID: "existing", Queue: "lab", Username: "jdoe"}
	require.NoError(t, store.CreateJob(context.Background(), existing))
	_, err := store.UpdateJob(context.Background(), "existing", func(j *db.PrintJob) error {
		j.Destination = &dest.ID
		j.Eta = pending
		return nil
	})
	require.NoError(t, err)

	lb := NewFiftyFifty(NewQueueManager(store, nil), queue)
	asg := lb.ProcessJob(context.Background(), &db.PrintJob{ID: "j1", Pages: 10})
	require.NotNil(t, asg)

	// 10 pages at 10 pages/minute stacked on top of the outstanding ETA.
	assert.Equal(t, pending+60000, asg.Eta)
}

func TestFiftyFiftyEtaFromNowWhenIdle(t *testing.T) {
	store := newTestStore(t)
	dest := seedDestination(t, store, "lab-a", true, 20)
	queue := seedQueue(t, store, "lab", "fiftyfifty", dest.ID)

	before := time.Now().UnixMilli()
	lb := NewFiftyFifty(NewQueueManager(store, nil), queue)
	asg := lb.ProcessJob(context.Background(), &db.PrintJob{ID: "j1", Pages: 10})
	require.NotNil(t, asg)

	// 10 pages at 20 pages/minute is 30s on top of roughly now.
	assert.GreaterOrEqual(t, asg.Eta, before+30000)
	assert.Less(t, asg.Eta, before+40000)
}

func TestLeastLoadedPrefersIdleDestination(t *testing.T) {
	store := newTestStore(t)
	busy := seedDestination(t, store, "lab-a", true, 10)
	idle := seedDestination(t, store, "lab-b", true, 10)
	queue := seedQueue(t, store, "lab", "leastloaded", busy.ID, idle.ID)

	existing := &db.PrintJob{ID: "existing", Queue: "lab", Username: "jdoe"}
	require.NoError(t, store.CreateJob(context.Background(), existing))
	_, err := store.UpdateJob(context.Background(), "existing", func(j *db.PrintJob) error {
		j.Destination = &busy.ID
		j.Eta = time.Now().Add(time.Hour).UnixMilli()
		return nil
	})
	require.NoError(t, err)

	lb := NewLeastLoaded(NewQueueManager(store, nil), queue)
	asg := lb.ProcessJob(context.Background(), &db.PrintJob{ID: "j1", Pages: 1})
	require.NotNil(t, asg)
	assert.Equal(t, idle.ID, asg.DestinationID)
}

func TestLeastLoadedAllDown(t *testing.T) {
	store := newTestStore(t)
	d := seedDestination(t, store, "lab-a", false, 10)
	queue := seedQueue(t, store, "lab", "leastloaded", d.ID)

	lb := NewLeastLoaded(NewQueueManager(store, nil), queue)
	assert.Nil(t, lb.ProcessJob(context.Background(), &db.PrintJob{ID: "j1"}))
}
