package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct {
	status int
	hint   time.Duration
}

func (e *statusErr) Error() string              { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatus() int            { return e.status }
func (e *statusErr) RetryAfter() time.Duration { return e.hint }

type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	// r=0.5 puts jitter at zero
	assert.Equal(t, time.Second, Backoff(p, 1, 0.5))
	assert.Equal(t, 4*time.Second, Backoff(p, 2, 0.5))
	assert.Equal(t, 16*time.Second, Backoff(p, 3, 0.5))
	assert.Equal(t, 30*time.Second, Backoff(p, 4, 0.5))

	low := Backoff(p, 1, 0)
	high := Backoff(p, 1, 0.999)
	assert.Equal(t, 900*time.Millisecond, low)
	assert.InDelta(t, float64(1100*time.Millisecond), float64(high), float64(time.Millisecond))
	assert.LessOrEqual(t, Backoff(p, 10, 0.999), 30*time.Second)
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	rs := &recordingSleep{}
	ex := New(DefaultPolicy(), WithSleep(rs.sleep), WithRand(func() float64 { return 0.5 }))

	calls := 0
	err := ex.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return &statusErr{status: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, rs.delays)
}

func TestDo_NonRetryablePropagatesImmediately(t *testing.T) {
	rs := &recordingSleep{}
	ex := New(DefaultPolicy(), WithSleep(rs.sleep))

	calls := 0
	want := &statusErr{status: 400}
	err := ex.Do(context.Background(), func(context.Context, int) error {
		calls++
		return want
	})
	assert.Same(t, want, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rs.delays)
}

func TestDo_ExhaustedWrapsLastError(t *testing.T) {
	rs := &recordingSleep{}
	ex := New(DefaultPolicy(), WithSleep(rs.sleep))

	calls := 0
	err := ex.Do(context.Background(), func(context.Context, int) error {
		calls++
		return &statusErr{status: 429}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rs.delays, 2)

	var se *statusErr
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 429, se.status)
	assert.Contains(t, err.Error(), "exhausted after 3 attempts")
}

func TestDo_HonorsRetryAfterHint(t *testing.T) {
	rs := &recordingSleep{}
	ex := New(DefaultPolicy(), WithSleep(rs.sleep), WithRand(func() float64 { return 0.5 }))

	_ = ex.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt == 1 {
			return &statusErr{status: 429, hint: 7 * time.Second}
		}
		if attempt == 2 {
			return &statusErr{status: 429, hint: time.Hour}
		}
		return nil
	})
	require.Len(t, rs.delays, 2)
	assert.Equal(t, 7*time.Second, rs.delays[0])
	assert.Equal(t, 30*time.Second, rs.delays[1], "hint is capped at MaxDelay")
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := New(DefaultPolicy(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := ex.Do(ctx, func(context.Context, int) error {
		calls++
		return &statusErr{status: 500}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "aborted")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &statusErr{status: 429}, true},
		{"500", &statusErr{status: 500}, true},
		{"502", &statusErr{status: 502}, true},
		{"503", &statusErr{status: 503}, true},
		{"504", &statusErr{status: 504}, true},
		{"401", &statusErr{status: 401}, false},
		{"400", &statusErr{status: 400}, false},
		{"501", &statusErr{status: 501}, false},
		{"wrapped 503", fmt.Errorf("call: %w", &statusErr{status: 503}), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"econnrefused", errors.New("ECONNREFUSED"), true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("model refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
