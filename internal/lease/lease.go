// Package lease is the single-flight controller over durable turns. Every
// mutation goes through the store's compare-and-swap on the transition
// version, so at most one worker holds an active lease on a turn.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/lease")

// DefaultDuration covers one model round trip plus tool calls.
const DefaultDuration = 3 * time.Minute

// ReasonLeaseExpired is the failure reason of recovered stale turns.
const ReasonLeaseExpired = "lease_expired"

var (
	// ErrConflict means the expected version is stale: another worker moved first.
	ErrConflict = errors.New("lease conflict: transition version changed")
	// ErrLeaseHeld means an unexpired lease is owned by someone else.
	ErrLeaseHeld = errors.New("lease held by another worker")
	// ErrTokenMismatch means the caller does not hold the lease.
	ErrTokenMismatch = errors.New("lease token mismatch")
	// ErrTerminal means the turn already completed, failed or was cancelled.
	ErrTerminal = errors.New("turn is in a terminal state")
	// ErrInvalidState is returned for a release target that is not allowed.
	ErrInvalidState = errors.New("invalid next state")
)

// TurnStore is the persistence the manager needs.
type TurnStore interface {
	GetTurn(ctx context.Context, id string) (*store.Turn, error)
	CompareAndSwapTurn(ctx context.Context, id string, expected int64, u store.TurnUpdate) (int64, error)
	AppendTransition(ctx context.Context, tr store.Transition) error
	ListTurnsBySession(ctx context.Context, sessionID string, states ...store.TurnState) ([]store.Turn, error)
}

// Lease is a granted exclusivity window.
type Lease struct {
	TurnID    string
	Owner     string
	Token     string
	ExpiresAt time.Time
	// Version is the transition version after the grant; pass it to the next call.
	Version int64
}

// Manager grants, extends and settles leases.
type Manager struct {
	store    TurnStore
	duration time.Duration
	now      func() time.Time
	newToken func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDuration sets the default lease duration.
func WithDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.duration = d
		}
	}
}

// NewManager creates a lease manager.
func NewManager(st TurnStore, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		duration: DefaultDuration,
		now:      time.Now,
		newToken: func() string { return "lease_" + uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Duration returns the default lease duration.
func (m *Manager) Duration() time.Duration { return m.duration }

// Get returns the current turn.
func (m *Manager) Get(ctx context.Context, turnID string) (*store.Turn, error) {
	return m.store.GetTurn(ctx, turnID)
}

// Acquire grants a lease on a queued, suspended, or expired-running turn. It
// fails with ErrLeaseHeld if an unexpired lease exists and ErrConflict if
// expectedVersion is stale. d <= 0 uses the default duration.
func (m *Manager) Acquire(ctx context.Context, turnID string, expectedVersion int64, owner string, d time.Duration) (*Lease, error) {
	ctx, span := tracer.Start(ctx, "lease.acquire",
		trace.WithAttributes(
			attribute.String("turn.id", turnID),
			attribute.Int64("turn.expected_version", expectedVersion),
			attribute.String("lease.owner", owner),
		))
	defer span.End()

	turn, err := m.store.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if turn.State.Terminal() {
		return nil, fmt.Errorf("acquire %s (%s): %w", turnID, turn.State, ErrTerminal)
	}
	if turn.Version != expectedVersion {
		return nil, fmt.Errorf("acquire %s: expected v%d, stored v%d: %w", turnID, expectedVersion, turn.Version, ErrConflict)
	}
	now := m.now()
	if turn.HasActiveLease(now) {
		return nil, fmt.Errorf("acquire %s: owner %s until %s: %w", turnID, turn.LeaseOwner, turn.LeaseExpiresAt.Format(time.RFC3339), ErrLeaseHeld)
	}

	if d <= 0 {
		d = m.duration
	}
	l := &Lease{TurnID: turnID, Owner: owner, Token: m.newToken(), ExpiresAt: now.Add(d)}
	v, err := m.store.CompareAndSwapTurn(ctx, turnID, expectedVersion, store.TurnUpdate{
		State:          store.TurnRunning,
		LeaseOwner:     owner,
		LeaseToken:     l.Token,
		LeaseExpiresAt: l.ExpiresAt,
	})
	if err != nil {
		span.RecordError(err)
		return nil, casError("acquire", turnID, err)
	}
	l.Version = v
	m.edge(ctx, turnID, turn.State, store.TurnRunning, v, "lease_acquired", map[string]string{"owner": owner})
	return l, nil
}

// Heartbeat extends the lease held by token. Ownership does not change.
func (m *Manager) Heartbeat(ctx context.Context, turnID string, expectedVersion int64, token string, d time.Duration) (*Lease, error) {
	ctx, span := tracer.Start(ctx, "lease.heartbeat", trace.WithAttributes(attribute.String("turn.id", turnID)))
	defer span.End()

	turn, err := m.holder(ctx, turnID, expectedVersion, token)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		d = m.duration
	}
	expires := m.now().Add(d)
	v, err := m.store.CompareAndSwapTurn(ctx, turnID, expectedVersion, store.TurnUpdate{
		State:          turn.State,
		LeaseOwner:     turn.LeaseOwner,
		LeaseToken:     token,
		LeaseExpiresAt: expires,
	})
	if err != nil {
		return nil, casError("heartbeat", turnID, err)
	}
	return &Lease{TurnID: turnID, Owner: turn.LeaseOwner, Token: token, ExpiresAt: expires, Version: v}, nil
}

// Release settles the lease into completed, cancelled or suspended.
func (m *Manager) Release(ctx context.Context, turnID string, expectedVersion int64, token string, next store.TurnState) (int64, error) {
	ctx, span := tracer.Start(ctx, "lease.release",
		trace.WithAttributes(attribute.String("turn.id", turnID), attribute.String("turn.next_state", string(next))))
	defer span.End()

	switch next {
	case store.TurnCompleted, store.TurnCancelled, store.TurnSuspended:
	default:
		return 0, fmt.Errorf("release to %q: %w", next, ErrInvalidState)
	}
	turn, err := m.holder(ctx, turnID, expectedVersion, token)
	if err != nil {
		return 0, err
	}
	v, err := m.store.CompareAndSwapTurn(ctx, turnID, expectedVersion, store.TurnUpdate{State: next})
	if err != nil {
		return 0, casError("release", turnID, err)
	}
	m.edge(ctx, turnID, turn.State, next, v, "lease_released", nil)
	return v, nil
}

// Fail moves the turn to failed. With a token the caller must hold the lease;
// without one the turn must not carry an active lease.
func (m *Manager) Fail(ctx context.Context, turnID string, expectedVersion int64, token, reason string) (int64, error) {
	ctx, span := tracer.Start(ctx, "lease.fail",
		trace.WithAttributes(attribute.String("turn.id", turnID), attribute.String("turn.failure_reason", reason)))
	defer span.End()

	turn, err := m.store.GetTurn(ctx, turnID)
	if err != nil {
		return 0, err
	}
	if turn.State.Terminal() {
		return 0, fmt.Errorf("fail %s (%s): %w", turnID, turn.State, ErrTerminal)
	}
	if turn.Version != expectedVersion {
		return 0, fmt.Errorf("fail %s: %w", turnID, ErrConflict)
	}
	if token != "" && token != turn.LeaseToken {
		return 0, fmt.Errorf("fail %s: %w", turnID, ErrTokenMismatch)
	}
	if token == "" && turn.HasActiveLease(m.now()) {
		return 0, fmt.Errorf("fail %s: %w", turnID, ErrLeaseHeld)
	}
	v, err := m.store.CompareAndSwapTurn(ctx, turnID, expectedVersion, store.TurnUpdate{
		State:         store.TurnFailed,
		FailureReason: reason,
	})
	if err != nil {
		return 0, casError("fail", turnID, err)
	}
	m.edge(ctx, turnID, turn.State, store.TurnFailed, v, "lease_failed", map[string]string{"reason": reason})
	return v, nil
}

// RecoverStale fails the session's running turns whose lease has expired and
// returns them. Races with a live heartbeat lose cleanly on the version check.
func (m *Manager) RecoverStale(ctx context.Context, sessionID string) ([]store.Turn, error) {
	running, err := m.store.ListTurnsBySession(ctx, sessionID, store.TurnRunning)
	if err != nil {
		return nil, err
	}
	var recovered []store.Turn
	for _, t := range running {
		if t.HasActiveLease(m.now()) {
			continue
		}
		if _, err := m.Fail(ctx, t.ID, t.Version, "", ReasonLeaseExpired); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrTerminal) || errors.Is(err, ErrLeaseHeld) {
				continue
			}
			return recovered, err
		}
		log.Warn().
			Str("session_id", sessionID).
			Str("turn_id", t.ID).
			Str("lease_owner", t.LeaseOwner).
			Msg("stale_turn_recovered")
		recovered = append(recovered, t)
	}
	return recovered, nil
}

func (m *Manager) holder(ctx context.Context, turnID string, expectedVersion int64, token string) (*store.Turn, error) {
	turn, err := m.store.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if turn.State.Terminal() {
		return nil, fmt.Errorf("turn %s (%s): %w", turnID, turn.State, ErrTerminal)
	}
	if turn.Version != expectedVersion {
		return nil, fmt.Errorf("turn %s: expected v%d, stored v%d: %w", turnID, expectedVersion, turn.Version, ErrConflict)
	}
	if token == "" || token != turn.LeaseToken {
		return nil, fmt.Errorf("turn %s: %w", turnID, ErrTokenMismatch)
	}
	return turn, nil
}

func (m *Manager) edge(ctx context.Context, turnID string, from, to store.TurnState, v int64, checkpoint string, meta map[string]string) {
	if err := m.store.AppendTransition(ctx, store.Transition{
		TurnID: turnID, From: from, To: to, Version: v, Checkpoint: checkpoint, Metadata: meta,
	}); err != nil {
		log.Warn().Err(err).Str("turn_id", turnID).Msg("transition_append_failed")
	}
}

func casError(op, turnID string, err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return fmt.Errorf("%s %s: %w", op, turnID, ErrConflict)
	}
	return fmt.Errorf("%s %s: %w", op, turnID, err)
}
