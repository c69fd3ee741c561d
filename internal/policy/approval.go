package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const approvalModule = "rego/approval.rego"

// Tool-call decisions.
const (
	DecisionExecute          = "execute"
	DecisionApprovalRequired = "approval_required"
	DecisionBlocked          = "blocked"
)

// ToolCallInput is what the approval policy sees for one tool call.
type ToolCallInput struct {
	OrgID    string         `json:"org_id"`
	AgentID  string         `json:"agent_id"`
	Tool     string         `json:"tool"`
	ReadOnly bool           `json:"read_only"`
	Autonomy string         `json:"autonomy"`
	Args     map[string]any `json:"args,omitempty"`
}

// Decision is the approval verdict for a tool call.
type Decision struct {
	Action        string   `json:"action"`
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// ApprovalEngine gates tool calls by autonomy level and approval lists
// using embedded OPA.
type ApprovalEngine struct {
	policy   *Policy
	prepared rego.PreparedEvalQuery
}

// NewApprovalEngine compiles the embedded approval policy against pol.
func NewApprovalEngine(ctx context.Context, pol *Policy) (*ApprovalEngine, error) {
	ctx, span := tracer.Start(ctx, "policy.approval.new")
	defer span.End()

	data, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}
	content, err := embeddedPolicies.ReadFile(approvalModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", approvalModule, err)
	}

	r := rego.New(
		rego.Query("decision = data.turnkeeper.approval.decision; reasons = data.turnkeeper.approval.reasons"),
		rego.Module(approvalModule, string(content)),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"policy": data})),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("preparing Rego policy %s: %w", approvalModule, err)
	}
	return &ApprovalEngine{policy: pol, prepared: prepared}, nil
}

// Decide evaluates one tool call.
func (e *ApprovalEngine) Decide(ctx context.Context, in ToolCallInput) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.approval.decide",
		trace.WithAttributes(
			attribute.String("tool.name", in.Tool),
			attribute.String("agent.autonomy", in.Autonomy),
		))
	defer span.End()

	input, err := toInterfaceMap(in)
	if err != nil {
		return nil, err
	}
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating approval policy: %w", err)
	}

	d := &Decision{Action: DecisionExecute, PolicyVersion: e.policy.VersionTag}
	if len(rs) > 0 {
		if action, ok := rs[0].Bindings["decision"].(string); ok {
			d.Action = action
		}
		if raw, ok := rs[0].Bindings["reasons"].([]interface{}); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					d.Reasons = append(d.Reasons, s)
				}
			}
			sort.Strings(d.Reasons)
		}
	}
	span.SetAttributes(attribute.String("policy.decision", d.Action))
	return d, nil
}

func policyToData(pol *Policy) (map[string]interface{}, error) {
	return toInterfaceMap(pol)
}

func toInterfaceMap(v any) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
