package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetOrgID_and_OrgID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, OrgID(ctx))

	ctx2 := SetOrgID(ctx, "org_acme")
	assert.Equal(t, "org_acme", OrgID(ctx2))
	assert.Empty(t, OrgID(ctx))

	ctx3 := SetOrgID(ctx2, "org_other")
	assert.Equal(t, "org_other", OrgID(ctx3))
	assert.Equal(t, "org_acme", OrgID(ctx2))
}

func TestOperatorIsIndependentOfOrg(t *testing.T) {
	ctx := SetOperator(SetOrgID(context.Background(), "org_acme"), "dana")
	assert.Equal(t, "dana", Operator(ctx))
	assert.Equal(t, "org_acme", OrgID(ctx))
	assert.Empty(t, Operator(SetOrgID(context.Background(), "org_acme")))
}
