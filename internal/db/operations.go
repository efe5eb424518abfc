package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrQueueNotFound       = errors.New("queue not found")
	ErrDestinationNotFound = errors.New("destination not found")
	ErrUserNotFound        = errors.New("user not found")
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*PrintJob, error) {
	j := &PrintJob{}
	var filePath sql.NullString
	var received, processed, printed, failed, deleteDataOn sql.NullTime
	var destination sql.NullInt64

	err := row.Scan(
		&j.ID, &j.Queue, &j.Username, &j.FileName, &filePath,
		&received, &processed, &printed, &failed, &deleteDataOn,
		&j.Pages, &j.ColorPages, &destination, &j.Eta, &j.Refunded,
		&j.Error, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if filePath.Valid {
		j.FilePath = &filePath.String
	}
	if received.Valid {
		j.Received = &received.Time
	}
	if processed.Valid {
		j.Processed = &processed.Time
	}
	if printed.Valid {
		j.Printed = &printed.Time
	}
	if failed.Valid {
		j.Failed = &failed.Time
	}
	if deleteDataOn.Valid {
		j.DeleteDataOn = &deleteDataOn.Time
	}
	if destination.Valid {
		j.Destination = &destination.Int64
	}

	return j, nil
}

func jobArgs(j *PrintJob) []any {
	var filePath any
	if j.FilePath != nil {
		filePath = *j.FilePath
	}
	var destination any
	if j.Destination != nil {
		destination = *j.Destination
	}
	timeArg := func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return *t
	}
	return []any{
		filePath, timeArg(j.Received), timeArg(j.Processed), timeArg(j.Printed),
		timeArg(j.Failed), timeArg(j.DeleteDataOn), j.Pages, j.ColorPages,
		destination, j.Eta, j.Refunded, j.Error, j.ID,
	}
}

func (s *Store) CreateJob(ctx context.Context, j *PrintJob) error {
	_, err := s.db.ExecContext(ctx, insertJob, j.ID, j.Queue, j.Username, j.FileName)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) ReadJob(ctx context.Context, id string) (*PrintJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, getJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	return j, nil
}

// UpdateJob performs a transactional read-modify-write on one job row. The
// mutator sees the current row and edits it in place; the whole row is
// written back before the transaction commits, so concurrent readers observe
// the mutation as a single transition.
func (s *Store) UpdateJob(ctx context.Context, id string, mutate func(*PrintJob) error) (*PrintJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, getJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	if err := mutate(j); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, updateJob, jobArgs(j)...); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}

	return j, nil
}

func (s *Store) ListJobsByUser(ctx context.Context, username string, limit, offset int) ([]*PrintJob, error) {
	rows, err := s.db.QueryContext(ctx, listJobsByUser, username, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*PrintJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetOldJobs returns jobs that never finished analysis and are older than
// the given threshold.
func (s *Store) GetOldJobs(ctx context.Context, threshold time.Duration) ([]*PrintJob, error) {
	cutoff := time.Now().Add(-threshold)
	rows, err := s.db.QueryContext(ctx, getOldJobs, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query old jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*PrintJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetPurgeableJobs returns jobs whose upload retention window has passed and
// whose file is still on disk.
func (s *Store) GetPurgeableJobs(ctx context.Context) ([]*PrintJob, error) {
	rows, err := s.db.QueryContext(ctx, getPurgeableJobs, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query purgeable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*PrintJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetMaxEtaForDestination returns the largest ETA among jobs still assigned
// to the destination, or 0 when none are.
func (s *Store) GetMaxEtaForDestination(ctx context.Context, destinationID int64) (int64, error) {
	var eta int64
	err := s.db.QueryRowContext(ctx, getMaxEtaForDestination, destinationID).Scan(&eta)
	if err != nil {
		return 0, fmt.Errorf("failed to query max eta: %w", err)
	}
	return eta, nil
}

// SumPrintedCost totals the page cost of the user's completed jobs, skipping
// refunded ones. A color page costs two extra pages on top of its base page.
func (s *Store) SumPrintedCost(ctx context.Context, username string) (int, error) {
	var cost int
	err := s.db.QueryRowContext(ctx, sumPrintedCost, username).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("failed to sum printed cost: %w", err)
	}
	return cost, nil
}

func (s *Store) CreateQueue(ctx context.Context, q *PrintQueue) error {
	destJSON, err := json.Marshal(q.Destinations)
	if err != nil {
		return fmt.Errorf("failed to serialize destinations: %w", err)
	}
	result, err := s.db.ExecContext(ctx, insertQueue, q.Name, q.DisplayName, string(destJSON), q.Strategy)
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get queue id: %w", err)
	}
	q.ID = id
	return nil
}

func scanQueue(row rowScanner) (*PrintQueue, error) {
	q := &PrintQueue{}
	var destJSON string
	if err := row.Scan(&q.ID, &q.Name, &q.DisplayName, &destJSON, &q.Strategy, &q.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(destJSON), &q.Destinations); err != nil {
		return nil, fmt.Errorf("failed to parse queue destinations: %w", err)
	}
	return q, nil
}

func (s *Store) ReadQueue(ctx context.Context, name string) (*PrintQueue, error) {
	q, err := scanQueue(s.db.QueryRowContext(ctx, getQueueByName, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return q, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*PrintQueue, error) {
	rows, err := s.db.QueryContext(ctx, listQueues)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var queues []*PrintQueue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (s *Store) CreateDestination(ctx context.Context, d *Destination) error {
	result, err := s.db.ExecContext(ctx, insertDestination,
		d.Name, d.Up, d.PagesPerMinute,
		d.TransferPath, d.TransferDomain, d.TransferUser, d.TransferPassword)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get destination id: %w", err)
	}
	d.ID = id
	return nil
}

func scanDestination(row rowScanner) (*Destination, error) {
	d := &Destination{}
	err := row.Scan(
		&d.ID, &d.Name, &d.Up, &d.PagesPerMinute, &d.DownReason, &d.DownReporter,
		&d.TransferPath, &d.TransferDomain, &d.TransferUser, &d.TransferPassword,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) ReadDestination(ctx context.Context, id int64) (*Destination, error) {
	d, err := scanDestination(s.db.QueryRowContext(ctx, getDestinationByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDestinationNotFound
		}
		return nil, fmt.Errorf("failed to read destination: %w", err)
	}
	return d, nil
}

// ReadDestinations resolves the given ids, preserving order. Unknown ids are
// skipped so a stale queue config cannot break assignment.
func (s *Store) ReadDestinations(ctx context.Context, ids []int64) ([]*Destination, error) {
	dests := make([]*Destination, 0, len(ids))
	for _, id := range ids {
		d, err := s.ReadDestination(ctx, id)
		if err != nil {
			if errors.Is(err, ErrDestinationNotFound) {
				continue
			}
			return nil, err
		}
		dests = append(dests, d)
	}
	return dests, nil
}

func (s *Store) ListDestinations(ctx context.Context) ([]*Destination, error) {
	rows, err := s.db.QueryContext(ctx, listDestinations)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer rows.Close()

	var dests []*Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

// UpdateDestinationStatus flips the up flag and records the down ticket.
// Bringing a destination up clears the ticket.
func (s *Store) UpdateDestinationStatus(ctx context.Context, id int64, up bool, reason, reporter string) error {
	if up {
		reason = ""
		reporter = ""
	}
	result, err := s.db.ExecContext(ctx, updateDestinationStatus, up, reason, reporter, id)
	if err != nil {
		return fmt.Errorf("failed to update destination status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrDestinationNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	groupsJSON, err := json.Marshal(u.Groups)
	if err != nil {
		return fmt.Errorf("failed to serialize groups: %w", err)
	}
	semestersJSON, err := json.Marshal(u.Semesters)
	if err != nil {
		return fmt.Errorf("failed to serialize semesters: %w", err)
	}
	result, err := s.db.ExecContext(ctx, insertUser,
		u.Username, u.Role, u.ColorEnabled, string(groupsJSON), string(semestersJSON))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user id: %w", err)
	}
	u.ID = id
	return nil
}

func (s *Store) ReadUser(ctx context.Context, username string) (*User, error) {
	u := &User{}
	var groupsJSON, semestersJSON string
	err := s.db.QueryRowContext(ctx, getUserByName, username).Scan(
		&u.ID, &u.Username, &u.Role, &u.ColorEnabled, &groupsJSON, &semestersJSON, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	if err := json.Unmarshal([]byte(groupsJSON), &u.Groups); err != nil {
		return nil, fmt.Errorf("failed to parse user groups: %w", err)
	}
	if err := json.Unmarshal([]byte(semestersJSON), &u.Semesters); err != nil {
		return nil, fmt.Errorf("failed to parse user semesters: %w", err)
	}
	return u, nil
}
