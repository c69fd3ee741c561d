// Package scheduler runs delayed callbacks with at-least-once delivery and
// periodic sweeps. Tasks are persisted before they are acknowledged, claimed
// with an expiring claim, and retried with backoff until they succeed or run
// out of attempts.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/retry"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/scheduler")

// ErrUnknownKind is returned when scheduling a kind with no handler.
var ErrUnknownKind = errors.New("no handler registered for task kind")

// Handler processes one task payload. Returning an error schedules a retry.
type Handler func(ctx context.Context, payload json.RawMessage) error

// TaskStore persists tasks.
type TaskStore interface {
	InsertTask(ctx context.Context, t *store.Task) error
	ClaimDueTasks(ctx context.Context, now time.Time, claimFor time.Duration, limit int) ([]store.Task, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id, errMsg string, retryAt time.Time) error
}

// Scheduler owns the task queue and the cron loop.
type Scheduler struct {
	store       TaskStore
	cron        *cron.Cron
	now         func() time.Time
	claimFor    time.Duration
	batch       int
	maxAttempts int
	backoff     retry.Policy
	immediate   bool

	mu       sync.RWMutex
	handlers map[string]Handler
	running  sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithBatch sets how many tasks one RunDue pass claims.
func WithBatch(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithMaxAttempts sets the attempts a task gets before it is marked dead.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithImmediateDispatch makes zero-delay tasks run right away in the
// background instead of waiting for the next sweep.
func WithImmediateDispatch() Option {
	return func(s *Scheduler) { s.immediate = true }
}

// New creates a scheduler. Cron specs use the standard 5-field format or
// descriptors such as "@every 1m".
func New(st TaskStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       st,
		cron:        cron.New(),
		now:         func() time.Time { return time.Now().UTC() },
		claimFor:    2 * time.Minute,
		batch:       50,
		maxAttempts: 5,
		backoff: retry.Policy{
			BaseDelay:  30 * time.Second,
			Multiplier: 2,
			Jitter:     0.1,
			MaxDelay:   30 * time.Minute,
		},
		handlers: make(map[string]Handler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds a handler to a task kind. Registering twice replaces it.
func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Scheduler) handler(kind string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// Schedule persists a task due after delay and returns its id. The payload
// is JSON-encoded.
func (s *Scheduler) Schedule(ctx context.Context, kind string, payload any, delay time.Duration) (string, error) {
	if _, ok := s.handler(kind); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	t := &store.Task{
		ID:          "task_" + uuid.New().String()[:12],
		Kind:        kind,
		Payload:     raw,
		DueAt:       s.now().Add(delay),
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.InsertTask(ctx, t); err != nil {
		return "", err
	}
	log.Debug().Str("task_id", t.ID).Str("kind", kind).Dur("delay", delay).Msg("task_scheduled")

	if s.immediate && delay <= 0 {
		go func() {
			if _, err := s.RunDue(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("immediate_dispatch_failed")
			}
		}()
	}
	return t.ID, nil
}

// RunDue claims due tasks and runs their handlers. It returns how many tasks
// were processed. Concurrent calls are serialized.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	s.running.Lock()
	defer s.running.Unlock()

	ctx, span := tracer.Start(ctx, "scheduler.run_due")
	defer span.End()

	tasks, err := s.store.ClaimDueTasks(ctx, s.now(), s.claimFor, s.batch)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		s.dispatch(ctx, t)
	}
	span.SetAttributes(attribute.Int("scheduler.processed", len(tasks)))
	return len(tasks), nil
}

func (s *Scheduler) dispatch(ctx context.Context, t store.Task) {
	ctx, span := tracer.Start(ctx, "scheduler.dispatch",
		trace.WithAttributes(
			attribute.String("task.kind", t.Kind),
			attribute.String("task.id", t.ID),
			attribute.Int("task.attempt", t.Attempts),
		))
	defer span.End()

	h, ok := s.handler(t.Kind)
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownKind, t.Kind)
	} else {
		err = runHandler(ctx, h, t.Payload)
	}

	if err == nil {
		if cerr := s.store.CompleteTask(ctx, t.ID); cerr != nil {
			log.Error().Err(cerr).Str("task_id", t.ID).Msg("task_complete_failed")
		}
		return
	}

	span.RecordError(err)
	var retryAt time.Time
	if ok && t.Attempts < t.MaxAttempts {
		retryAt = s.now().Add(retry.Backoff(s.backoff, t.Attempts, 0.5))
	}
	ev := log.Warn()
	if retryAt.IsZero() {
		ev = log.Error()
	}
	ev.Err(err).Str("task_id", t.ID).Str("kind", t.Kind).Int("attempt", t.Attempts).
		Bool("dead", retryAt.IsZero()).Msg("task_failed")
	if ferr := s.store.FailTask(ctx, t.ID, err.Error(), retryAt); ferr != nil {
		log.Error().Err(ferr).Str("task_id", t.ID).Msg("task_fail_record_failed")
	}
}

func runHandler(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

// AddSweep registers a periodic job. Each run gets its own timeout.
func (s *Scheduler) AddSweep(spec, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("sweep", name).Msg("sweep_failed")
		}
	})
	if err != nil {
		return fmt.Errorf("registering sweep %s (%q): %w", name, spec, err)
	}
	return nil
}

// AddDueTaskSweep registers RunDue as a periodic job.
func (s *Scheduler) AddDueTaskSweep(spec string) error {
	return s.AddSweep(spec, "due_tasks", time.Minute, func(ctx context.Context) error {
		n, err := s.RunDue(ctx)
		if n > 0 {
			log.Debug().Int("processed", n).Msg("due_tasks_swept")
		}
		return err
	})
}

// Start begins executing registered sweeps.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for running sweeps to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered sweeps.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
