package inbound

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicsync/syncd/internal/remote"
)

// Task is one unit of clinic-side propagation work.
type Task func(ctx context.Context) error

// TaskRunner decouples event receipt from propagation. The service only
// needs Dispatch; tests plug in a synchronous runner.
type TaskRunner interface {
	Dispatch(ctx context.Context, name string, task Task)
}

// retryDelays is the backoff ladder for transient propagation failures.
var retryDelays = []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute}

type queued struct {
	name string
	task Task
}

// Dispatcher runs propagation tasks on a bounded in-process queue. Transient
// and rate-limit failures walk the retry ladder; validation failures stop
// immediately and leave the mirror row pending. When the queue is full the
// task runs synchronously so no event is dropped.
type Dispatcher struct {
	queue   chan queued
	workers int
	wg      sync.WaitGroup
	log     zerolog.Logger
	delays  []time.Duration
}

// NewDispatcher builds a dispatcher with the given worker count and queue
// capacity.
func NewDispatcher(workers, queueSize int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		queue:   make(chan queued, queueSize),
		workers: workers,
		log:     logger.With().Str("component", "dispatcher").Logger(),
		delays:  retryDelays,
	}
}

// Start launches the workers. They drain the queue until Stop is called,
// then exit; ctx bounds the tasks themselves.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for q := range d.queue {
				d.execute(ctx, q)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (d *Dispatcher) Stop() {
	close(d.queue)
	d.wg.Wait()
}

// Dispatch enqueues a task, falling back to synchronous execution when the
// queue is saturated.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, task Task) {
	select {
	case d.queue <- queued{name: name, task: task}:
	default:
		d.log.Warn().Str("task", name).Msg("dispatch queue full, running task synchronously")
		d.execute(ctx, queued{name: name, task: task})
	}
}

func (d *Dispatcher) execute(ctx context.Context, q queued) {
	var err error
	for attempt := 0; ; attempt++ {
		err = q.task(ctx)
		if err == nil {
			d.log.Debug().Str("task", q.name).Int("attempt", attempt+1).Msg("propagation task completed")
			return
		}
		if !remote.Retryable(err) {
			d.log.Error().Err(err).Str("task", q.name).Msg("propagation task failed permanently, record left pending")
			return
		}
		if attempt >= len(d.delays) {
			d.log.Warn().Err(err).Str("task", q.name).Msg("propagation retries exhausted, record left pending")
			return
		}
		d.log.Warn().Err(err).Str("task", q.name).Dur("backoff", d.delays[attempt]).Msg("propagation task failed, retrying")
		select {
		case <-ctx.Done():
			d.log.Warn().Str("task", q.name).Msg("propagation abandoned, shutting down")
			return
		case <-time.After(d.delays[attempt]):
		}
	}
}

// SyncRunner executes tasks inline. Used by the one-shot CLI paths and by
// tests.
type SyncRunner struct{}

func (SyncRunner) Dispatch(ctx context.Context, name string, task Task) {
	_ = task(ctx)
}
