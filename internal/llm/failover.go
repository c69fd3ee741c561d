package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/retry"
)

// ProfileHealth persists auth profile failure counts and cooldowns.
type ProfileHealth interface {
	RecordFailure(ctx context.Context, profileID string, now time.Time) (failures int, cooldownUntil time.Time, err error)
	RecordSuccess(ctx context.Context, profileID string) error
}

// Attempt is one (model, profile) try inside a failover run.
type Attempt struct {
	ModelID    string `json:"model_id"`
	ProfileID  string `json:"profile_id"`
	Status     int    `json:"status,omitempty"`
	Class      string `json:"class,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// FailoverResult is the winning response plus the attempts that led to it.
type FailoverResult struct {
	Response      *Response
	ModelID       string
	ProfileID     string
	BillingSource string
	Attempts      []Attempt
}

// Failover runs the nested model x profile loop around a Provider.
type Failover struct {
	provider Provider
	retry    *retry.Executor
	health   ProfileHealth
	now      func() time.Time
}

// FailoverOption configures a Failover.
type FailoverOption func(*Failover)

// WithRetryExecutor replaces the per-attempt retry executor.
func WithRetryExecutor(ex *retry.Executor) FailoverOption {
	return func(f *Failover) { f.retry = ex }
}

// WithClock replaces the clock used for cooldown bookkeeping.
func WithClock(now func() time.Time) FailoverOption {
	return func(f *Failover) { f.now = now }
}

// NewFailover creates a failover executor. health may be nil.
func NewFailover(provider Provider, health ProfileHealth, opts ...FailoverOption) *Failover {
	f := &Failover{
		provider: provider,
		retry:    retry.New(retry.DefaultPolicy()),
		health:   health,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Execute tries each model with each auth profile until one call succeeds.
// Rotatable errors put the profile in cooldown and move to the next profile;
// other errors abandon the model. build returns the request for a model and
// must not set APIKey.
func (f *Failover) Execute(ctx context.Context, models []string, profiles []AuthProfile, build func(model string) *Request) (*FailoverResult, error) {
	ctx, span := tracer.Start(ctx, "llm.failover",
		trace.WithAttributes(
			attribute.Int("llm.model_candidates", len(models)),
			attribute.Int("llm.profile_candidates", len(profiles)),
		))
	defer span.End()

	if len(models) == 0 || len(profiles) == 0 {
		span.RecordError(ErrNoCandidates)
		return &FailoverResult{}, ErrNoCandidates
	}

	result := &FailoverResult{}
	var lastErr error
	for _, model := range models {
	profileLoop:
		for _, profile := range profiles {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			req := build(model)
			req.Model = model
			req.APIKey = profile.APIKey

			started := time.Now()
			resp, err := f.attempt(ctx, req, profile.ID)
			att := Attempt{ModelID: model, ProfileID: profile.ID, DurationMS: time.Since(started).Milliseconds()}

			if err == nil {
				result.Attempts = append(result.Attempts, att)
				result.Response = resp
				result.ModelID = model
				result.ProfileID = profile.ID
				result.BillingSource = profile.BillingSource
				recordAttempt(ctx, model, profile.ID, "success")
				recordTokens(ctx, model, resp.Usage.TotalTokens)
				if f.health != nil {
					if herr := f.health.RecordSuccess(ctx, profile.ID); herr != nil {
						log.Warn().Err(herr).Str("profile_id", profile.ID).Msg("profile_health_update_failed")
					}
				}
				span.SetAttributes(
					tkotel.GenAIRequestModel.String(model),
					tkotel.LLMProfileID.String(profile.ID),
					tkotel.LLMAttempts.Int(len(result.Attempts)),
				)
				return result, nil
			}

			lastErr = err
			att.Status = StatusOf(err)
			att.Class = Classify(err)
			att.Error = err.Error()
			result.Attempts = append(result.Attempts, att)
			recordAttempt(ctx, model, profile.ID, att.Class)

			log.Warn().
				Str("model_id", model).
				Str("profile_id", profile.ID).
				Int("status", att.Status).
				Str("class", att.Class).
				Err(err).
				Msg("model_candidate_failed")

			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			switch att.Class {
			case ClassCancelled:
				return result, err
			case ClassRotatable:
				f.cooldown(ctx, profile.ID)
				continue
			default:
				break profileLoop
			}
		}
	}

	span.RecordError(lastErr)
	return result, fmt.Errorf("%w after %d attempts: %w", ErrAllCandidatesFailed, len(result.Attempts), lastErr)
}

func (f *Failover) attempt(ctx context.Context, req *Request, profileID string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.attempt",
		trace.WithAttributes(
			tkotel.GenAIRequestModel.String(req.Model),
			tkotel.LLMProfileID.String(profileID),
		))
	defer span.End()

	var resp *Response
	err := f.retry.Do(ctx, func(ctx context.Context, _ int) error {
		r, err := f.provider.Generate(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("provider returned nil response")
	}
	return resp, nil
}

func (f *Failover) cooldown(ctx context.Context, profileID string) {
	if f.health == nil {
		return
	}
	failures, until, err := f.health.RecordFailure(ctx, profileID, f.now())
	if err != nil {
		log.Warn().Err(err).Str("profile_id", profileID).Msg("profile_health_update_failed")
		return
	}
	log.Info().
		Str("profile_id", profileID).
		Int("failure_count", failures).
		Time("cooldown_until", until).
		Msg("auth_profile_cooldown")
}
