package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/toolscope"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/policy")

// ErrInvalidPolicy wraps every semantic validation failure.
var ErrInvalidPolicy = errors.New("invalid runtime policy")

// ResolvePathUnderBase resolves path relative to baseDir and returns an absolute path
// that is guaranteed to be under baseDir. Prevents path traversal when path is user-controlled.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	pathAbs, err := filepath.Abs(filepath.Clean(full))
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// Load reads and validates a runtime policy file. An empty baseDir means the
// directory of path itself, so absolute operator paths are accepted as is.
func Load(ctx context.Context, path, baseDir string) (*Policy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	if baseDir == "" {
		baseDir = filepath.Dir(path)
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}
	pol, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", safePath, err)
	}
	span.SetAttributes(attribute.String("policy.version_tag", pol.VersionTag))
	log.Debug().Str("path", safePath).Str("version_tag", pol.VersionTag).
		Int("orgs", len(pol.Orgs)).Int("agents", len(pol.Agents)).Msg("runtime_policy_loaded")
	return pol, nil
}

// Parse validates content against the schema, decodes it and checks the
// cross-field rules the schema cannot express.
func Parse(content []byte) (*Policy, error) {
	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	var pol Policy
	if err := yaml.Unmarshal(content, &pol); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	pol.ComputeHash(content)
	applyDefaults(&pol)
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	return &pol, nil
}

func applyDefaults(p *Policy) {
	if p.Tools == nil {
		p.Tools = map[string]ToolMeta{}
	}
	if _, ok := p.Tools[toolscope.UniversalTool]; !ok {
		p.Tools[toolscope.UniversalTool] = ToolMeta{ReadOnly: true}
	}
	if p.Platform.SafeFallbackModel == "" && len(p.Platform.EnabledModels) > 0 {
		p.Platform.SafeFallbackModel = p.Platform.EnabledModels[0]
	}
}

// Validate checks references between sections.
func (p *Policy) Validate() error {
	enabled := make(map[string]bool, len(p.Platform.EnabledModels))
	for _, m := range p.Platform.EnabledModels {
		enabled[m] = true
	}
	var errs []error
	check := func(where, model string) {
		if model != "" && !enabled[model] {
			errs = append(errs, fmt.Errorf("%s: model %q is not platform-enabled", where, model))
		}
	}
	check("platform.default_model", p.Platform.DefaultModel)
	check("platform.safe_fallback_model", p.Platform.SafeFallbackModel)
	for id, org := range p.Orgs {
		check("orgs."+id+".default_model", org.DefaultModel)
	}
	for id, a := range p.Agents {
		if a.OrgID == "" {
			errs = append(errs, fmt.Errorf("agents.%s: org_id is required", id))
		}
		check("agents."+id+".primary_model", a.PrimaryModel)
		if a.Profile != "" && p.Presets != nil {
			if _, ok := p.Presets[a.Profile]; !ok {
				errs = append(errs, fmt.Errorf("agents.%s: unknown profile %q", id, a.Profile))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}
