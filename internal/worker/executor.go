// Package worker provides a sharded executor that runs jobs in FIFO order per
// key while letting different keys run in parallel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/metrics"
)

var (
	// ErrExecutorClosed is returned by Submit after Stop.
	ErrExecutorClosed = errors.New("executor closed")
	// ErrQueueFull is returned when a shard stays full past the enqueue timeout.
	ErrQueueFull = errors.New("shard queue full")
)

// Job is a unit of work. Its error is logged; the executor never retries.
type Job func(ctx context.Context) error

// Config tunes the executor. Zero values pick defaults.
type Config struct {
	Shards         int
	QueueSize      int
	EnqueueTimeout time.Duration
}

type queuedJob struct {
	ctx  context.Context
	name string
	job  Job
}

// Executor dispatches jobs to shard goroutines by a stable hash of their key.
type Executor struct {
	cfg    Config
	queues []chan queuedJob
	logger *logrus.Entry

	done   chan struct{}
	closed uint32
	wg     sync.WaitGroup
}

// NewExecutor starts cfg.Shards workers.
func NewExecutor(cfg Config, logger *logrus.Entry) *Executor {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Component("worker")
	}

	e := &Executor{
		cfg:    cfg,
		queues: make([]chan queuedJob, cfg.Shards),
		logger: logger,
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.Shards; i++ {
		ch := make(chan queuedJob, cfg.QueueSize)
		e.queues[i] = ch
		e.wg.Add(1)
		go e.run(i, ch)
	}

	return e
}

// Submit enqueues job on the shard for key. Jobs submitted for the same key
// run in submission order.
func (e *Executor) Submit(ctx context.Context, key int64, name string, job Job) error {
	if e == nil {
		return errors.New("executor is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if job == nil {
		return errors.New("job is required")
	}
	if atomic.LoadUint32(&e.closed) == 1 {
		return ErrExecutorClosed
	}
	select {
	case <-e.done:
		return ErrExecutorClosed
	default:
	}

	shard := e.shardFor(key)
	ch := e.queues[shard]

	timer := time.NewTimer(e.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case ch <- queuedJob{ctx: ctx, name: name, job: job}:
		metrics.WorkerQueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(ch)))
		return nil
	case <-e.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("shard %d (%d/%d): %w", shard, len(ch), cap(ch), ErrQueueFull)
	}
}

// Barrier waits until every job submitted for key before the call has run.
func (e *Executor) Barrier(ctx context.Context, key int64) error {
	reached := make(chan struct{})
	if err := e.Submit(ctx, key, "barrier", func(context.Context) error {
		close(reached)
		return nil
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-reached:
		return nil
	}
}

// Stop rejects new jobs, drains queued ones and waits for the workers. It is
// idempotent.
func (e *Executor) Stop() {
	if e == nil || !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return
	}

	e.logger.WithFields(logging.Fields{
		"event":  "worker_stopping",
		"shards": e.cfg.Shards,
	}).Info("draining worker shards")

	close(e.done)
	e.wg.Wait()

	e.logger.WithField("event", "worker_stopped").Info("worker shards drained")
}

func (e *Executor) run(idx int, ch <-chan queuedJob) {
	defer e.wg.Done()
	label := strconv.Itoa(idx)

	for {
		select {
		case qj := <-ch:
			e.execute(label, qj)
			metrics.WorkerQueueDepth.WithLabelValues(label).Set(float64(len(ch)))
		case <-e.done:
			for {
				select {
				case qj := <-ch:
					e.execute(label, qj)
				default:
					metrics.WorkerQueueDepth.WithLabelValues(label).Set(0)
					return
				}
			}
		}
	}
}

func (e *Executor) execute(shard string, qj queuedJob) {
	if qj.job == nil {
		return
	}

	// Queued jobs still run during drain; only jobs whose caller gave up are
	// skipped.
	if err := qj.ctx.Err(); err != nil && !e.draining() {
		metrics.WorkerJobsTotal.WithLabelValues(shard, "skipped").Inc()
		e.logger.WithFields(logging.Fields{
			"event": "worker_job_skipped",
			"job":   qj.name,
		}).WithError(err).Debug("job context done before run")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerJobsTotal.WithLabelValues(shard, "panic").Inc()
			e.logger.WithFields(logging.Fields{
				"event": "worker_job_panic",
				"job":   qj.name,
				"panic": fmt.Sprint(r),
			}).Error("job panicked")
		}
	}()

	if err := qj.job(qj.ctx); err != nil {
		metrics.WorkerJobsTotal.WithLabelValues(shard, "error").Inc()
		e.logger.WithFields(logging.Fields{
			"event": "worker_job_failed",
			"job":   qj.name,
		}).WithError(err).Warn("job returned error")
		return
	}

	metrics.WorkerJobsTotal.WithLabelValues(shard, "ok").Inc()
}

func (e *Executor) draining() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Executor) shardFor(key int64) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(key, 10)))
	return int(h.Sum32() % uint32(e.cfg.Shards))
}
