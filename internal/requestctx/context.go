// Package requestctx carries request-scoped values set by the HTTP auth
// middleware: the organization the API key belongs to and the operator name.
package requestctx

import "context"

type contextKey struct{ name string }

var (
	orgIDKey    = &contextKey{"org_id"}
	operatorKey = &contextKey{"operator"}
)

// SetOrgID stores the org id in the context.
func SetOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDKey, orgID)
}

// OrgID returns the org id from context, or "" if not set.
func OrgID(ctx context.Context) string {
	v, _ := ctx.Value(orgIDKey).(string)
	return v
}

// SetOperator stores the name of the human operator acting on the request.
func SetOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// Operator returns the operator from context, or "" if not set.
func Operator(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}
