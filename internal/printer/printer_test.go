package printer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/dispatch/internal/analyze"
	"github.com/orrn/dispatch/internal/config"
	"github.com/orrn/dispatch/internal/db"
	"github.com/orrn/dispatch/internal/dispatch"
	"github.com/orrn/dispatch/internal/identity"
	"github.com/orrn/dispatch/internal/quota"
)

const monoPage = " 0.00000  0.00000  0.00000  0.10000 CMYK OK"
const colorPage = " 0.06841  0.41734  0.17687  0.04558 CMYK OK"

type stubRunner struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (r *stubRunner) Run(ctx context.Context, file string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines, r.err
}

type stubTransfer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (t *stubTransfer) Send(ctx context.Context, dest *db.Destination, file string, debug bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, dest.Name)
	return nil
}

func (t *stubTransfer) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type harness struct {
	store    *db.Store
	printer  *Printer
	runner   *stubRunner
	transfer *stubTransfer
	dest     *db.Destination
}

func newHarness(t *testing.T, mutate func(cfg *config.SpoolConfig)) *harness {
	t.Helper()

	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dest := &db.Destination{Name: "lab-a", Up: true, PagesPerMinute: 20}
	require.NoError(t, store.CreateDestination(context.Background(), dest))
	queue := &db.PrintQueue{Name: "lab", Destinations: []int64{dest.ID}, Strategy: "fiftyfifty"}
	require.NoError(t, store.CreateQueue(context.Background(), queue))

	year := time.Now().Year()
	require.NoError(t, store.CreateUser(context.Background(), &db.User{
		Username:     "jdoe",
		Role:         "student",
		ColorEnabled: false,
		Groups:       []string{"students"},
		Semesters:    []string{"fall-" + strconv.Itoa(year), "spring-" + strconv.Itoa(year)},
	}))

	cfg := config.SpoolConfig{
		Dir:            t.TempDir(),
		Workers:        5,
		MaxPagesPerJob: 100,
		JobTimeout:     30 * time.Minute,
		RetainData:     time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	runner := &stubRunner{lines: []string{monoPage}}
	transfer := &stubTransfer{}
	counter := quota.NewCounter(store, config.QuotaConfig{
		PagesPerSemester:    250,
		PagesPerSemesterOld: 1000,
		TierBoundaryYear:    2021,
		CutoffYear:          2012,
		EligibleGroups:      []string{"students"},
	})

	p := New(store, analyze.NewAnalyzer(runner), identity.NewDBResolver(store),
		counter, dispatch.NewQueueManager(store, nil), transfer, cfg)
	t.Cleanup(p.Stop)

	return &harness{store: store, printer: p, runner: runner, transfer: transfer, dest: dest}
}

func (h *harness) newJob(t *testing.T, id string) *db.PrintJob {
	t.Helper()
	job := &db.PrintJob{ID: id, Queue: "lab", Username: "jdoe", FileName: "thesis.pdf"}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func (h *harness) submit(t *testing.T, id string) {
	t.Helper()
	h.newJob(t, id)
	accepted, msg := h.printer.Print(context.Background(), id, strings.NewReader("%!PS document"), false)
	require.True(t, accepted, msg)
}

func (h *harness) waitTerminal(t *testing.T, id string) *db.PrintJob {
	t.Helper()
	var job *db.PrintJob
	require.Eventually(t, func() bool {
		var err error
		job, err = h.store.ReadJob(context.Background(), id)
		return err == nil && job.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestPipelinePrintsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "j1")

	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Printed, "job should be printed, got %q", job.Error)
	assert.Nil(t, job.Failed)
	assert.Equal(t, 1, job.Pages)
	assert.Equal(t, 0, job.ColorPages)
	require.NotNil(t, job.Destination)
	assert.Equal(t, h.dest.ID, *job.Destination)
	assert.Greater(t, job.Eta, int64(0))
	assert.NotNil(t, job.Received)
	assert.NotNil(t, job.Processed)
	assert.NotNil(t, job.DeleteDataOn)
	assert.Equal(t, 1, h.transfer.sentCount())

	// The compressed upload survives until the retention sweep; the
	// decompressed temp must already be gone.
	require.NotNil(t, job.FilePath)
	_, err := os.Stat(*job.FilePath)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(filepath.Dir(*job.FilePath), "j1.ps"))
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestPipelineColorDisabled(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.lines = []string{colorPage}
	h.submit(t, "j1")

	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Failed)
	assert.Equal(t, db.FailColorDisabled, job.Error)
	assert.Equal(t, 0, h.transfer.sentCount())
}

func TestPipelineInsufficientQuota(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.CreateUser(context.Background(), &db.User{
		Username:  "broke",
		Role:      "student",
		Groups:    []string{"students"},
		Semesters: []string{"summer-2024"},
	}))

	job := &db.PrintJob{ID: "j1", Queue: "lab", Username: "broke", FileName: "doc.pdf"}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	accepted, _ := h.printer.Print(context.Background(), "j1", strings.NewReader("doc"), false)
	require.True(t, accepted)

	got := h.waitTerminal(t, "j1")
	require.NotNil(t, got.Failed)
	assert.Equal(t, db.FailInsufficientQuota, got.Error)
}

func TestPipelineTooManyPages(t *testing.T) {
	h := newHarness(t, func(cfg *config.SpoolConfig) {
		cfg.MaxPagesPerJob = 2
	})
	h.runner.lines = []string{monoPage, monoPage, monoPage}
	h.submit(t, "j1")

	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Failed)
	assert.Equal(t, db.FailTooManyPages, job.Error)
}

func TestPipelineNoDestinationUp(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.UpdateDestinationStatus(context.Background(), h.dest.ID, false, "toner", "ops"))
	h.submit(t, "j1")

	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Failed)
	assert.Equal(t, db.FailInvalidDestination, job.Error)
	assert.Nil(t, job.Destination)
}

func TestPipelineTransferFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.transfer.err = errors.New("connection refused")
	h.submit(t, "j1")

	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Failed)
	assert.Equal(t, db.FailTransfer, job.Error)
}

func TestPipelineAnalysisLaunchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.err = errors.New("exec: file not found")
	h.submit(t, "j1")

	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Failed)
	assert.Equal(t, db.FailInternal, job.Error)
}

func TestPipelineBlankDocumentPrints(t *testing.T) {
	// Zero matching records is a valid analysis; the job proceeds with a
	// page count of zero and prints nothing but still runs the pipeline.
	h := newHarness(t, nil)
	h.runner.lines = []string{"GPL Ghostscript banner"}
	h.submit(t, "j1")

	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Printed, "empty documents are not an error")
	assert.Equal(t, 0, job.Pages)
}

func TestPipelineUnknownUser(t *testing.T) {
	h := newHarness(t, nil)
	job := &db.PrintJob{ID: "j1", Queue: "lab", Username: "ghost", FileName: "doc.pdf"}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	accepted, _ := h.printer.Print(context.Background(), "j1", strings.NewReader("doc"), false)
	require.True(t, accepted)

	got := h.waitTerminal(t, "j1")
	require.NotNil(t, got.Failed)
	assert.Equal(t, db.FailInternal, got.Error)
}

func TestCancelCompletedJobIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "j1")
	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Printed)

	h.printer.Cancel("j1")
	h.printer.Cancel("j1")

	after, err := h.store.ReadJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.NotNil(t, after.Printed)
	assert.Nil(t, after.Failed)
}

func TestCancelUnknownJobIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	h.printer.Cancel("never-submitted")
}

func TestTerminalJobRejectsPipelineMutation(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "j1")
	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Printed)

	h.printer.markFailed("j1", db.FailInternal)

	after, err := h.store.ReadJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.NotNil(t, after.Printed)
	assert.Nil(t, after.Failed)
	assert.Empty(t, after.Error)
	assert.Equal(t, job.Pages, after.Pages)
}

func TestRefundTogglesAfterPrinted(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "j1")
	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Printed)

	updated, err := h.store.UpdateJob(context.Background(), "j1", func(j *db.PrintJob) error {
		j.Refunded = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Refunded)
	assert.NotNil(t, updated.Printed)
}

func TestClearOldJobsMarksTimedOut(t *testing.T) {
	h := newHarness(t, func(cfg *config.SpoolConfig) {
		cfg.JobTimeout = time.Nanosecond
	})
	// Created but never uploaded: stuck before analysis.
	h.newJob(t, "stale")

	h.printer.ClearOldJobs(context.Background())

	job, err := h.store.ReadJob(context.Background(), "stale")
	require.NoError(t, err)
	require.NotNil(t, job.Failed)
	assert.Equal(t, db.FailTimeout, job.Error)
}

func TestClearOldJobsSkipsFinishedJobs(t *testing.T) {
	h := newHarness(t, func(cfg *config.SpoolConfig) {
		cfg.JobTimeout = time.Nanosecond
	})
	h.submit(t, "done")
	job := h.waitTerminal(t, "done")
	require.NotNil(t, job.Printed)

	h.printer.ClearOldJobs(context.Background())

	after, err := h.store.ReadJob(context.Background(), "done")
	require.NoError(t, err)
	assert.NotNil(t, after.Printed)
	assert.Nil(t, after.Failed)
}

func TestPurgeExpiredDataRemovesSpoolFile(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, "j1")
	job := h.waitTerminal(t, "j1")
	require.NotNil(t, job.Printed)
	require.NotNil(t, job.FilePath)
	path := *job.FilePath

	past := time.Now().Add(-time.Minute)
	_, err := h.store.UpdateJob(context.Background(), "j1", func(j *db.PrintJob) error {
		j.DeleteDataOn = &past
		return nil
	})
	require.NoError(t, err)

	h.printer.PurgeExpiredData(context.Background())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	after, err := h.store.ReadJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Nil(t, after.FilePath)

	// Running the purge again must not trip over the missing file.
	h.printer.PurgeExpiredData(context.Background())
}

func TestPrintRejectsUnknownJob(t *testing.T) {
	h := newHarness(t, nil)
	accepted, _ := h.printer.Print(context.Background(), "ghost", strings.NewReader("doc"), false)
	assert.False(t, accepted)
}

func TestWorkerPoolBounds(t *testing.T) {
	p := newWorkerPool(1)
	defer p.stop()
	assert.Equal(t, cap(p.tasks), admissionDepth)

	done := make(chan struct{})
	require.NoError(t, p.submit("a", func(ctx context.Context) { <-done }))
	require.ErrorIs(t, p.submit("a", func(ctx context.Context) {}), ErrAlreadyQueued)
	close(done)
}
