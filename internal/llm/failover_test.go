package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voundbrand/vc83-com-sub003/internal/retry"
)

// scriptedProvider answers per (model, api key) pair.
type scriptedProvider struct {
	mu    sync.Mutex
	calls []string
	fn    func(model, key string) (*Response, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, req *Request) (*Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Model+"/"+req.APIKey)
	p.mu.Unlock()
	return p.fn(req.Model, req.APIKey)
}

type memHealth struct {
	failures  map[string]int
	successes map[string]int
}

func newMemHealth() *memHealth {
	return &memHealth{failures: map[string]int{}, successes: map[string]int{}}
}

func (h *memHealth) RecordFailure(_ context.Context, id string, now time.Time) (int, time.Time, error) {
	prior := h.failures[id]
	h.failures[id]++
	return h.failures[id], now.Add(CooldownFor(prior)), nil
}

func (h *memHealth) RecordSuccess(_ context.Context, id string) error {
	h.successes[id]++
	h.failures[id] = 0
	return nil
}

func noSleepRetry() *retry.Executor {
	return retry.New(retry.DefaultPolicy(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func buildReq(string) *Request {
	return &Request{Messages: []Message{{Role: "user", Content: "hi"}}}
}

func TestFailover_RateLimitedModelFallsThroughToNextModel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := &scriptedProvider{fn: func(model, _ string) (*Response, error) {
		if model == "m1" {
			return nil, &APIError{StatusCode: 429, Message: "rate limited"}
		}
		return &Response{Content: "ok from " + model, Usage: Usage{TotalTokens: 12}}, nil
	}}
	health := newMemHealth()
	f := NewFailover(provider, health, WithRetryExecutor(noSleepRetry()), WithClock(func() time.Time { return now }))

	profiles := ResolveAuthProfiles(AuthInputs{
		Profiles: []AuthProfile{
			{ID: "p1", APIKey: "k1", Priority: 1, CooldownUntil: now.Add(10 * time.Minute)},
			{ID: "p2", APIKey: "k2", Priority: 2},
		},
		Now: now,
	})
	require.Equal(t, []string{"p2"}, profileIDs(profiles))

	res, err := f.Execute(context.Background(), []string{"m1", "m2"}, profiles, buildReq)
	require.NoError(t, err)
	assert.Equal(t, "m2", res.ModelID)
	assert.Equal(t, "p2", res.ProfileID)
	assert.Equal(t, "ok from m2", res.Response.Content)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, 429, res.Attempts[0].Status)
	assert.Equal(t, ClassRotatable, res.Attempts[0].Class)

	assert.Equal(t, 0, health.failures["p1"], "p1 was never attempted")
	assert.Equal(t, 1, health.successes["p2"])
	for _, c := range provider.calls {
		assert.NotContains(t, c, "k1")
	}
	// 429 is retried by the executor before rotating
	assert.Equal(t, []string{"m1/k2", "m1/k2", "m1/k2", "m2/k2"}, provider.calls)
}

func TestFailover_RotatesProfilesOnAuthError(t *testing.T) {
	provider := &scriptedProvider{fn: func(_, key string) (*Response, error) {
		if key == "bad" {
			return nil, &APIError{StatusCode: 401, Message: "invalid api key"}
		}
		return &Response{Content: "ok"}, nil
	}}
	health := newMemHealth()
	f := NewFailover(provider, health, WithRetryExecutor(noSleepRetry()))

	res, err := f.Execute(context.Background(), []string{"m1"}, []AuthProfile{
		{ID: "a", APIKey: "bad"},
		{ID: "b", APIKey: "good"},
	}, buildReq)
	require.NoError(t, err)
	assert.Equal(t, "b", res.ProfileID)
	assert.Equal(t, 1, health.failures["a"])
	assert.Equal(t, []string{"m1/bad", "m1/good"}, provider.calls, "401 is not retried")
}

func TestFailover_ModelErrorSkipsRemainingProfiles(t *testing.T) {
	provider := &scriptedProvider{fn: func(model, _ string) (*Response, error) {
		if model == "gone" {
			return nil, &APIError{StatusCode: 404, Message: "model not found"}
		}
		return &Response{Content: "ok"}, nil
	}}
	health := newMemHealth()
	f := NewFailover(provider, health, WithRetryExecutor(noSleepRetry()))

	res, err := f.Execute(context.Background(), []string{"gone", "m2"}, []AuthProfile{
		{ID: "a", APIKey: "ka"},
		{ID: "b", APIKey: "kb"},
	}, buildReq)
	require.NoError(t, err)
	assert.Equal(t, "m2", res.ModelID)
	assert.Equal(t, "a", res.ProfileID)
	assert.Equal(t, []string{"gone/ka", "m2/ka"}, provider.calls)
	assert.Zero(t, health.failures["a"], "a missing model does not cool the profile down")
	assert.Zero(t, health.failures["b"])
	assert.Equal(t, 1, health.successes["a"])
}

func TestFailover_AllCandidatesFail(t *testing.T) {
	provider := &scriptedProvider{fn: func(string, string) (*Response, error) {
		return nil, &APIError{StatusCode: 400, Message: "bad request"}
	}}
	f := NewFailover(provider, nil, WithRetryExecutor(noSleepRetry()))

	res, err := f.Execute(context.Background(), []string{"m1", "m2"}, []AuthProfile{{ID: "a", APIKey: "ka"}}, buildReq)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllCandidatesFailed)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Len(t, res.Attempts, 2)
}

func TestFailover_NoCandidates(t *testing.T) {
	f := NewFailover(&scriptedProvider{}, nil)
	_, err := f.Execute(context.Background(), nil, []AuthProfile{{ID: "a", APIKey: "k"}}, buildReq)
	assert.ErrorIs(t, err, ErrNoCandidates)
	_, err = f.Execute(context.Background(), []string{"m1"}, nil, buildReq)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestIsRotatable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"401", &APIError{StatusCode: 401}, true},
		{"402", &APIError{StatusCode: 402}, true},
		{"403", &APIError{StatusCode: 403}, true},
		{"429", &APIError{StatusCode: 429}, true},
		{"503", &APIError{StatusCode: 503}, true},
		{"400", &APIError{StatusCode: 400, Message: "bad"}, false},
		{"404", &APIError{StatusCode: 404, Message: "model not found"}, false},
		{"quota message", errors.New("You exceeded your current quota"), true},
		{"network", errors.New("dial tcp: connection refused"), true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("context length exceeded"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRotatable(tt.err))
		})
	}
}
