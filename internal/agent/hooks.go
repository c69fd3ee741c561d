package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HookPoint identifies where in the turn pipeline a hook fires.
type HookPoint string

const (
	HookPreModel    HookPoint = "pre_model"
	HookPostModel   HookPoint = "post_model"
	HookPreTool     HookPoint = "pre_tool"
	HookPostTool    HookPoint = "post_tool"
	HookTurnSettled HookPoint = "turn_settled"
)

// Hook is the interface for all pipeline hooks.
type Hook interface {
	Point() HookPoint
	Execute(ctx context.Context, data *HookData) (*HookResult, error)
}

// HookData provides context to hook implementations.
type HookData struct {
	OrgID         string          `json:"org_id"`
	AgentID       string          `json:"agent_id"`
	SessionID     string          `json:"session_id"`
	TurnID        string          `json:"turn_id"`
	CorrelationID string          `json:"correlation_id"`
	Stage         HookPoint       `json:"stage"`
	Payload       json.RawMessage `json:"payload"`
}

// HookResult controls pipeline flow after hook execution. Continue=false at
// pre_model cancels the turn and at pre_tool rejects the tool call; other
// points ignore it.
type HookResult struct {
	Continue bool            `json:"continue"`
	Modified json.RawMessage `json:"modified,omitempty"`
}

// HookConfig is one configured hook.
type HookConfig struct {
	Type string `yaml:"type" mapstructure:"type"` // "webhook"
	URL  string `yaml:"url" mapstructure:"url"`
	On   string `yaml:"on" mapstructure:"on"` // "ok" | "error" | "all"
}

// HookRegistry manages registered hooks for each pipeline stage.
type HookRegistry struct {
	hooks map[HookPoint][]Hook
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		hooks: make(map[HookPoint][]Hook),
	}
}

// Register adds a hook at the specified pipeline point.
func (r *HookRegistry) Register(hook Hook) {
	r.hooks[hook.Point()] = append(r.hooks[hook.Point()], hook)
}

// Len returns the number of registered hooks.
func (r *HookRegistry) Len() int {
	n := 0
	for _, hs := range r.hooks {
		n += len(hs)
	}
	return n
}

// Execute runs all hooks for a given pipeline point.
// Hook failures do not abort the pipeline.
func (r *HookRegistry) Execute(ctx context.Context, point HookPoint, data *HookData) (*HookResult, error) {
	ctx, span := tracer.Start(ctx, "hooks.execute",
		trace.WithAttributes(
			attribute.String("hook_point", string(point)),
			attribute.String("org_id", data.OrgID),
		))
	defer span.End()

	hooks, ok := r.hooks[point]
	if !ok || len(hooks) == 0 {
		return &HookResult{Continue: true}, nil
	}

	data.Stage = point
	for _, hook := range hooks {
		result, err := hook.Execute(ctx, data)
		if err != nil {
			log.Warn().Err(err).Str("hook_point", string(point)).Msg("hook_execution_failed")
			continue
		}
		if result != nil && !result.Continue {
			span.SetAttributes(attribute.Bool("hook_aborted", true))
			return result, nil
		}
		if result != nil && result.Modified != nil {
			data.Payload = result.Modified
		}
	}

	return &HookResult{Continue: true}, nil
}

// WebhookHook sends HTTP POST to a configured URL.
type WebhookHook struct {
	point  HookPoint
	url    string
	filter string
	client *http.Client
}

// NewWebhookHook creates a webhook hook from config.
func NewWebhookHook(point HookPoint, config HookConfig) *WebhookHook {
	return &WebhookHook{
		point:  point,
		url:    config.URL,
		filter: config.On,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Point returns the pipeline point this hook is registered at.
func (h *WebhookHook) Point() HookPoint { return h.point }

// statusFromPayload reads "status": "ok"|"error" from the payload; payloads
// without it count as ok.
func statusFromPayload(payload json.RawMessage) string {
	var m struct {
		Status string `json:"status"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &m) != nil || m.Status == "" {
		return "ok"
	}
	return m.Status
}

func (h *WebhookHook) shouldDeliver(status string) bool {
	switch h.filter {
	case "", "all":
		return true
	default:
		return h.filter == status
	}
}

// Execute sends the hook data as JSON POST to the configured URL. Delivery
// errors are logged; a webhook never stops the pipeline.
func (h *WebhookHook) Execute(ctx context.Context, data *HookData) (*HookResult, error) {
	if h.url == "" || !h.shouldDeliver(statusFromPayload(data.Payload)) {
		return &HookResult{Continue: true}, nil
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling hook data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Turnkeeper-Hook", string(h.point))

	// URL comes from operator config, not from inbound traffic.
	resp, err := h.client.Do(req) // #nosec G107
	if err != nil {
		log.Warn().Err(err).Str("url", h.url).Msg("webhook_delivery_failed")
		return &HookResult{Continue: true}, nil
	}
	defer resp.Body.Close()

	log.Debug().Int("status", resp.StatusCode).Str("url", h.url).Msg("webhook_delivered")
	return &HookResult{Continue: true}, nil
}

// LoadHooksFromConfig creates hooks keyed by hook point name.
func LoadHooksFromConfig(hooksConfig map[string][]HookConfig) *HookRegistry {
	registry := NewHookRegistry()

	for pointStr, configs := range hooksConfig {
		point := HookPoint(pointStr)
		for _, config := range configs {
			if config.URL == "" {
				continue
			}
			switch config.Type {
			case "webhook", "":
				registry.Register(NewWebhookHook(point, config))
			default:
				log.Warn().Str("type", config.Type).Msg("unknown_hook_type")
			}
		}
	}

	return registry
}
