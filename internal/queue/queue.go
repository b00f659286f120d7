// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

// Package queue is the durable job queue driving event fan-out. Jobs are
// persisted in the same BadgerDB as the primary store, so an enqueue that
// follows an event insert is exactly as durable as the insert itself.
//
// Each lane is an independent FIFO ordered by priority, then by earliest
// run time. Failed jobs are retried with backoff up to a per-job attempt
// budget; jobs whose worker crashed mid-claim are returned to the ready
// set by the watchdog.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
)

// Key prefixes inside the shared BadgerDB keyspace.
const (
	prefixJob    = "q:job:"
	prefixReady  = "q:ready:"
	prefixActive = "q:active:"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Handler processes a claimed job. A nil return completes the job; an
// error schedules a retry or, once attempts are exhausted, fails it.
type Handler func(ctx context.Context, job *Job) error

// Options controls a single enqueue.
type Options struct {
	Priority         string
	MaxAttempts      int
	Backoff          string
	BackoffBase      time.Duration
	RemoveOnComplete bool

	// Delay postpones the first claim.
	Delay time.Duration
}

// OptionsFromLane derives enqueue options from a lane configuration.
func OptionsFromLane(lane config.LaneConfig) Options {
	return Options{
		Priority:         lane.Priority,
		MaxAttempts:      lane.MaxAttempts,
		Backoff:          lane.Backoff,
		BackoffBase:      lane.BackoffBase,
		RemoveOnComplete: lane.RemoveOnComplete,
	}
}

// Queue is a durable, lane-partitioned job queue on BadgerDB.
type Queue struct {
	db  *badger.DB
	cfg config.QueueConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	wakes  map[string]chan struct{}
	closed bool
}

// New creates a queue on the shared database and starts the stuck-job
// watchdog. Workers start when Process is called per lane.
func New(db *badger.DB, cfg config.QueueConfig) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		db:     db,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		wakes:  make(map[string]chan struct{}),
	}

	q.wg.Add(1)
	go q.watchdog()

	return q
}

// Enqueue persists a job on a lane. The job is durable once Enqueue
// returns: a crash immediately after still replays it on restart.
func (q *Queue) Enqueue(ctx context.Context, lane string, payload interface{}, opts Options) (*Job, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}

	rank, err := priorityRank(opts.Priority)
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", opts.MaxAttempts)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:               uuid.New().String(),
		Lane:             lane,
		Payload:          data,
		Priority:         opts.Priority,
		State:            StateQueued,
		MaxAttempts:      opts.MaxAttempts,
		Backoff:          opts.Backoff,
		BackoffBase:      opts.BackoffBase,
		RemoveOnComplete: opts.RemoveOnComplete,
		RunAt:            now.Add(opts.Delay),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := writeJob(txn, job); err != nil {
			return err
		}
		return txn.Set(readyKey(job, rank), []byte(job.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue on %s: %w", lane, err)
	}

	metrics.QueueJobsEnqueued.WithLabelValues(lane, opts.Priority).Inc()
	q.wake(lane)
	return job, nil
}

// Process starts a worker pool draining a lane. Call once per lane.
func (q *Queue) Process(lane string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(lane, handler)
	}
}

// Depth counts queued jobs on a lane, including not-yet-due retries.
func (q *Queue) Depth(lane string) (int, error) {
	if err := q.guard(); err != nil {
		return 0, err
	}

	var n int
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixReady + lane + ":")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Job loads a job record by id.
func (q *Queue) Job(id string) (*Job, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}

	var job Job
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixJob + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("job %s not found", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Close stops the watchdog and all workers, waiting for in-flight handlers.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Queue) guard() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// wake nudges one idle worker on a lane. The channel is buffered with one
// slot; a lane that is already signaled needs no second nudge.
func (q *Queue) wake(lane string) {
	q.mu.Lock()
	ch, ok := q.wakes[lane]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wakes[lane] = ch
	}
	q.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Queue) wakeChan(lane string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.wakes[lane]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wakes[lane] = ch
	}
	return ch
}

func (q *Queue) worker(lane string, handler Handler) {
	defer q.wg.Done()

	wake := q.wakeChan(lane)
	poll := q.cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	for {
		job, err := q.claim(lane)
		if err != nil {
			logging.Error().Err(err).Str("lane", lane).Msg("Job claim failed")
		}
		if job != nil {
			q.run(lane, job, handler)
			continue
		}

		select {
		case <-q.ctx.Done():
			return
		case <-wake:
		case <-time.After(poll):
		}
	}
}

func (q *Queue) run(lane string, job *Job, handler Handler) {
	start := time.Now()
	err := handler(q.ctx, job)
	metrics.QueueHandlerDuration.WithLabelValues(lane).Observe(time.Since(start).Seconds())

	if err == nil {
		q.complete(job)
		return
	}
	q.fail(job, err)
}

// claim atomically moves the first due ready job to the active set.
// Returns nil when no job is due. Losing a claim race to another worker
// shows up as badger.ErrConflict and is retried against the next snapshot.
func (q *Queue) claim(lane string) (*Job, error) {
	for {
		select {
		case <-q.ctx.Done():
			return nil, nil
		default:
		}

		var claimed *Job
		err := q.db.Update(func(txn *badger.Txn) error {
			key, id, ok, err := firstDue(txn, lane, time.Now().UTC())
			if err != nil || !ok {
				return err
			}

			job, err := readJob(txn, id)
			if err != nil {
				return err
			}

			if err := txn.Delete(key); err != nil {
				return err
			}

			now := time.Now().UTC()
			job.State = StateActive
			job.Attempts++
			job.StartedAt = now
			job.UpdatedAt = now
			if err := writeJob(txn, job); err != nil {
				return err
			}
			if err := txn.Set(activeKey(lane, job.ID), []byte(job.ID)); err != nil {
				return err
			}
			claimed = job
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
}

func (q *Queue) complete(job *Job) {
	err := q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(activeKey(job.Lane, job.ID)); err != nil {
			return err
		}
		if job.RemoveOnComplete {
			return txn.Delete([]byte(prefixJob + job.ID))
		}
		job.State = StateComplete
		job.UpdatedAt = time.Now().UTC()
		return writeJob(txn, job)
	})
	if err != nil {
		logging.Error().Err(err).Str("job_id", job.ID).Msg("Job completion write failed")
		return
	}
	metrics.QueueJobsCompleted.WithLabelValues(job.Lane, StateComplete).Inc()
}

func (q *Queue) fail(job *Job, cause error) {
	retry := job.Attempts < job.MaxAttempts
	delay := job.retryDelay()

	err := q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(activeKey(job.Lane, job.ID)); err != nil {
			return err
		}

		now := time.Now().UTC()
		job.LastError = cause.Error()
		job.UpdatedAt = now

		if !retry {
			job.State = StateFailed
			return writeJob(txn, job)
		}

		job.State = StateQueued
		job.RunAt = now.Add(delay)
		job.StartedAt = time.Time{}
		if err := writeJob(txn, job); err != nil {
			return err
		}
		rank, err := priorityRank(job.Priority)
		if err != nil {
			return err
		}
		return txn.Set(readyKey(job, rank), []byte(job.ID))
	})
	if err != nil {
		logging.Error().Err(err).Str("job_id", job.ID).Msg("Job failure write failed")
		return
	}

	if retry {
		metrics.QueueJobRetries.WithLabelValues(job.Lane).Inc()
		logging.Warn().
			Err(cause).
			Str("lane", job.Lane).
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Dur("retry_in", delay).
			Msg("Job failed, retrying")
		return
	}

	metrics.QueueJobsCompleted.WithLabelValues(job.Lane, StateFailed).Inc()
	logging.Error().
		Err(cause).
		Str("lane", job.Lane).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Msg("Job failed permanently")
}

// watchdog periodically returns jobs whose claim outlived the stuck
// timeout to the ready set. Covers workers that crashed mid-handler.
func (q *Queue) watchdog() {
	defer q.wg.Done()

	interval := q.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if err := q.requeueStuck(); err != nil {
				logging.Error().Err(err).Msg("Stuck job scan failed")
			}
		}
	}
}

func (q *Queue) requeueStuck() error {
	timeout := q.cfg.StuckTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	cutoff := time.Now().UTC().Add(-timeout)

	var stuck []string
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixActive)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := readJob(txn, string(id))
			if err != nil {
				continue
			}
			if job.StartedAt.Before(cutoff) {
				stuck = append(stuck, job.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range stuck {
		if err := q.requeueJob(id); err != nil {
			logging.Error().Err(err).Str("job_id", id).Msg("Stuck job requeue failed")
		}
	}
	return nil
}

func (q *Queue) requeueJob(id string) error {
	var lane string
	err := q.db.Update(func(txn *badger.Txn) error {
		job, err := readJob(txn, id)
		if err != nil {
			return err
		}
		// Re-check under the transaction; the worker may have finished
		// between the scan and now.
		if job.State != StateActive {
			return nil
		}

		now := time.Now().UTC()
		if err := txn.Delete(activeKey(job.Lane, job.ID)); err != nil {
			return err
		}
		job.State = StateQueued
		job.RunAt = now
		job.StartedAt = time.Time{}
		job.UpdatedAt = now
		if err := writeJob(txn, job); err != nil {
			return err
		}
		rank, err := priorityRank(job.Priority)
		if err != nil {
			return err
		}
		if err := txn.Set(readyKey(job, rank), []byte(job.ID)); err != nil {
			return err
		}
		lane = job.Lane
		return nil
	})
	if err != nil {
		return err
	}
	if lane != "" {
		metrics.QueueJobsRequeuedStuck.WithLabelValues(lane).Inc()
		logging.Warn().Str("lane", lane).Str("job_id", id).Msg("Requeued stuck job")
		q.wake(lane)
	}
	return nil
}

// readyKey sorts by lane, then priority rank, then run time, then id.
func readyKey(job *Job, rank byte) []byte {
	return []byte(prefixReady + job.Lane + ":" + string(rank) +
		fmt.Sprintf("%020d", job.RunAt.UnixNano()) + ":" + job.ID)
}

func activeKey(lane, id string) []byte {
	return []byte(prefixActive + lane + ":" + id)
}

// firstDue scans the lane's ready keys in priority order and returns the
// first job whose run time has passed. Delayed retries of a higher
// priority sort before due jobs of a lower one, so the scan skips
// not-yet-due keys instead of stopping.
func firstDue(txn *badger.Txn, lane string, now time.Time) ([]byte, string, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixReady + lane + ":")
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		runAt, id, err := parseReadyKey(key, lane)
		if err != nil {
			return nil, "", false, err
		}
		if runAt.After(now) {
			continue
		}
		return key, id, true, nil
	}
	return nil, "", false, nil
}

func parseReadyKey(key []byte, lane string) (time.Time, string, error) {
	rest := strings.TrimPrefix(string(key), prefixReady+lane+":")
	// rest = <rank><20-digit nanos>:<id>
	if len(rest) < 22 || rest[21] != ':' {
		return time.Time{}, "", fmt.Errorf("malformed ready key %q", key)
	}
	nanos, err := strconv.ParseInt(rest[1:21], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed ready key %q: %w", key, err)
	}
	return time.Unix(0, nanos).UTC(), rest[22:], nil
}

func readJob(txn *badger.Txn, id string) (*Job, error) {
	item, err := txn.Get([]byte(prefixJob + id))
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var job Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func writeJob(txn *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return txn.Set([]byte(prefixJob+job.ID), data)
}
