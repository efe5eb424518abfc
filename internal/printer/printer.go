// Package printer orchestrates the end-to-end print pipeline: ingest,
// decompress, analyze, validate, dispatch and transfer, on top of a bounded
// worker pool.
package printer

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/dispatch/internal/analyze"
	"github.com/orrn/dispatch/internal/config"
	"github.com/orrn/dispatch/internal/db"
	"github.com/orrn/dispatch/internal/dispatch"
	"github.com/orrn/dispatch/internal/identity"
	"github.com/orrn/dispatch/internal/quota"
)

// Notifier receives terminal job events. Implementations must not block.
type Notifier interface {
	JobPrinted(job *db.PrintJob)
	JobFailed(job *db.PrintJob)
}

type Printer struct {
	store    *db.Store
	analyzer *analyze.Analyzer
	resolver identity.Resolver
	quota    *quota.Counter
	queues   *dispatch.QueueManager
	transfer Transfer
	cfg      config.SpoolConfig
	pool     *workerPool
	events   Notifier
	sweepMu  sync.Mutex
}

func New(store *db.Store, analyzer *analyze.Analyzer, resolver identity.Resolver,
	counter *quota.Counter, queues *dispatch.QueueManager, transfer Transfer,
	cfg config.SpoolConfig) *Printer {

	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	return &Printer{
		store:    store,
		analyzer: analyzer,
		resolver: resolver,
		quota:    counter,
		queues:   queues,
		transfer: transfer,
		cfg:      cfg,
		pool:     newWorkerPool(cfg.Workers),
	}
}

// SetNotifier registers a sink for terminal job events. Call before the
// first job is submitted.
func (p *Printer) SetNotifier(n Notifier) {
	p.events = n
}

// Stop drains the worker pool. In-flight external processes may still run
// to completion in the background.
func (p *Printer) Stop() {
	p.pool.stop()
}

// Print ingests the uploaded payload for an existing job and schedules its
// processing pipeline. The return values reflect submission only; pipeline
// outcomes land on the job record asynchronously.
func (p *Printer) Print(ctx context.Context, jobID string, r io.Reader, debug bool) (bool, string) {
	path := filepath.Join(p.cfg.Dir, jobID+".gz")

	// The path is persisted before any byte is written so a crash mid-write
	// still leaves enough state behind to clean the file up.
	if _, err := p.store.UpdateJob(ctx, jobID, func(j *db.PrintJob) error {
		if j.Terminal() {
			return fmt.Errorf("job %s already finished", jobID)
		}
		j.FilePath = &path
		return nil
	}); err != nil {
		log.WithError(err).WithField("job", jobID).Error("could not record upload path")
		return false, "could not accept upload"
	}

	if err := p.receive(path, r); err != nil {
		log.WithError(err).WithField("job", jobID).Error("upload failed")
		os.Remove(path)
		p.markFailed(jobID, db.FailInternal, func(j *db.PrintJob) {
			j.FilePath = nil
		})
		return false, "upload failed"
	}

	now := time.Now()
	if _, err := p.store.UpdateJob(ctx, jobID, func(j *db.PrintJob) error {
		j.Received = &now
		return nil
	}); err != nil {
		log.WithError(err).WithField("job", jobID).Error("could not record receipt")
		os.Remove(path)
		p.markFailed(jobID, db.FailInternal, func(j *db.PrintJob) {
			j.FilePath = nil
		})
		return false, "could not accept upload"
	}

	if err := p.pool.submit(jobID, func(taskCtx context.Context) {
		p.process(taskCtx, jobID, debug)
	}); err != nil {
		log.WithError(err).WithField("job", jobID).Error("could not submit job")
		os.Remove(path)
		p.markFailed(jobID, db.FailInternal, func(j *db.PrintJob) {
			j.FilePath = nil
		})
		return false, "print service is overloaded"
	}

	return true, "job accepted"
}

// receive stream-copies the payload into a gzip-compressed spool file.
func (p *Printer) receive(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	gz := gzip.NewWriter(f)
	if _, err := io.Copy(gz, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to copy payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush spool file: %w", err)
	}
	return f.Close()
}

// process runs pipeline stages for one job, strictly in order. Failures are
// terminal for the job and never propagate out of the task.
func (p *Printer) process(ctx context.Context, jobID string, debug bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"job": jobID, "panic": r}).Error("print pipeline panicked")
			p.markFailed(jobID, db.FailInternal)
		}
	}()

	logger := log.WithField("job", jobID)

	job, err := p.store.ReadJob(ctx, jobID)
	if err != nil {
		logger.WithError(err).Error("could not load job")
		return
	}
	if job.Terminal() || job.FilePath == nil {
		return
	}

	raw := filepath.Join(p.cfg.Dir, jobID+".ps")
	if err := decompress(*job.FilePath, raw); err != nil {
		logger.WithError(err).Error("decompress failed")
		p.markFailed(jobID, db.FailInternal)
		return
	}
	// The decompressed temp file goes away on every exit path; the
	// compressed upload stays until the retention sweep removes it.
	defer os.Remove(raw)

	if ctx.Err() != nil {
		return
	}

	result, err := p.analyzer.Analyze(ctx, raw)
	if err != nil {
		logger.WithError(err).Error("page analysis failed")
		p.markFailed(jobID, db.FailInternal)
		return
	}

	now := time.Now()
	if _, err := p.store.UpdateJob(context.Background(), jobID, func(j *db.PrintJob) error {
		if j.Terminal() {
			return fmt.Errorf("job %s already finished", jobID)
		}
		j.Pages = result.Pages
		j.ColorPages = result.ColorPages
		j.Processed = &now
		return nil
	}); err != nil {
		logger.WithError(err).Error("could not record analysis")
		return
	}

	user, err := p.resolver.Resolve(ctx, job.Username)
	if err != nil {
		// A user the identity layer cannot resolve is fatal for the job,
		// not a retryable condition.
		logger.WithError(err).WithField("user", job.Username).Error("could not resolve job owner")
		p.markFailed(jobID, db.FailInternal)
		return
	}

	if reason := p.validate(ctx, logger, user, result); reason != "" {
		p.markFailed(jobID, reason)
		return
	}

	if ctx.Err() != nil {
		return
	}

	job, err = p.queues.AssignDestination(ctx, jobID)
	if err != nil {
		logger.WithError(err).Error("destination assignment failed")
		p.markFailed(jobID, db.FailInvalidDestination)
		return
	}
	if job.Destination == nil {
		// The queue manager already marked the job failed.
		logger.Warn("no destination available")
		return
	}

	dest, err := p.store.ReadDestination(ctx, *job.Destination)
	if err != nil {
		logger.WithError(err).Error("assigned destination vanished")
		p.markFailed(jobID, db.FailInvalidDestination)
		return
	}

	if err := p.transfer.Send(ctx, dest, raw, debug); err != nil {
		logger.WithError(err).WithField("destination", dest.Name).Error("transfer failed")
		p.markFailed(jobID, db.FailTransfer)
		return
	}

	now = time.Now()
	deleteOn := now.Add(p.cfg.RetainData)
	job, err = p.store.UpdateJob(context.Background(), jobID, func(j *db.PrintJob) error {
		if j.Terminal() {
			return fmt.Errorf("job %s already finished", jobID)
		}
		j.Printed = &now
		if p.cfg.RetainData > 0 {
			j.DeleteDataOn = &deleteOn
		}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("could not record completion")
		return
	}

	if p.events != nil {
		p.events.JobPrinted(job)
	}

	logger.WithFields(log.Fields{
		"destination": dest.Name,
		"pages":       result.Pages,
		"color_pages": result.ColorPages,
	}).Info("job printed")
}

// validate returns the failure reason for the first check the job misses,
// or "" when the job may be dispatched. Checks run in a fixed order: color
// permission, quota, then job size.
func (p *Printer) validate(ctx context.Context, logger *log.Entry, user *identity.Profile, result analyze.Analysis) string {
	if result.ColorPages > 0 && !user.ColorEnabled {
		return db.FailColorDisabled
	}

	snapshot, err := p.quota.QuotaData(ctx, user)
	if err != nil {
		logger.WithError(err).Error("quota lookup failed")
		return db.FailInternal
	}
	if snapshot.Quota < quota.JobCost(result.Pages, result.ColorPages) {
		return db.FailInsufficientQuota
	}

	if p.cfg.MaxPagesPerJob > 0 && result.Pages > p.cfg.MaxPagesPerJob {
		return db.FailTooManyPages
	}

	return ""
}

// markFailed records a terminal failure. Jobs that already reached a
// terminal state are left untouched. The write deliberately ignores the
// task context: a cancelled pipeline must still be able to record failure.
func (p *Printer) markFailed(jobID, reason string, extra ...func(*db.PrintJob)) {
	var changed bool
	job, err := p.store.UpdateJob(context.Background(), jobID, func(j *db.PrintJob) error {
		if j.Terminal() {
			return nil
		}
		changed = true
		now := time.Now()
		j.Failed = &now
		j.Error = reason
		if p.cfg.RetainData > 0 && j.FilePath != nil {
			deleteOn := now.Add(p.cfg.RetainData)
			j.DeleteDataOn = &deleteOn
		}
		for _, fn := range extra {
			fn(j)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("job", jobID).Error("could not mark job failed")
		return
	}
	if changed && p.events != nil {
		p.events.JobFailed(job)
	}
}

// Cancel removes the job's pipeline task and interrupts it if still
// running. Cancelling a finished or unknown job is a safe no-op.
func (p *Printer) Cancel(jobID string) {
	if p.pool.cancelJob(jobID) {
		log.WithField("job", jobID).Info("job cancelled")
	}
}

// ClearOldJobs fails jobs that never made it through analysis within the
// job timeout and tears down any task still registered for them. The sweep
// is serialized against itself; individual job failures are logged and do
// not abort the batch.
func (p *Printer) ClearOldJobs(ctx context.Context) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	jobs, err := p.store.GetOldJobs(ctx, p.cfg.JobTimeout)
	if err != nil {
		log.WithError(err).Error("sweep query failed")
		return
	}

	for _, job := range jobs {
		if err := p.expireJob(job); err != nil {
			log.WithError(err).WithField("job", job.ID).Error("could not expire job")
		}
	}
}

func (p *Printer) expireJob(job *db.PrintJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("expire panicked: %v", r)
		}
	}()

	p.pool.cancelJob(job.ID)

	_, err = p.store.UpdateJob(context.Background(), job.ID, func(j *db.PrintJob) error {
		if j.Terminal() {
			return nil
		}
		now := time.Now()
		j.Failed = &now
		j.Error = db.FailTimeout
		if p.cfg.RetainData > 0 && j.FilePath != nil {
			deleteOn := now.Add(p.cfg.RetainData)
			j.DeleteDataOn = &deleteOn
		}
		return nil
	})
	return err
}

// PurgeExpiredData deletes spool files whose retention window has passed
// and clears the stored path. Deletes are idempotent; a file already gone
// is not an error.
func (p *Printer) PurgeExpiredData(ctx context.Context) {
	jobs, err := p.store.GetPurgeableJobs(ctx)
	if err != nil {
		log.WithError(err).Error("purge query failed")
		return
	}

	for _, job := range jobs {
		if job.FilePath != nil {
			if err := os.Remove(*job.FilePath); err != nil && !os.IsNotExist(err) {
				log.WithError(err).WithField("job", job.ID).Error("could not delete spool file")
				continue
			}
		}
		if _, err := p.store.UpdateJob(ctx, job.ID, func(j *db.PrintJob) error {
			j.FilePath = nil
			return nil
		}); err != nil {
			log.WithError(err).WithField("job", job.ID).Error("could not clear spool path")
		}
	}
}

func decompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open spool file: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read spool file: %w", err)
	}
	defer gz.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to decompress: %w", err)
	}
	return out.Close()
}
