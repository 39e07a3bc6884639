package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/ir"
)

func TestRefreshNoDrift(t *testing.T) {
	eng, _ := testEngine()
	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{"name": "app"}),
	}})

	drifted, err := eng.RefreshState(context.Background(), state)
	require.NoError(t, err)
	assert.Zero(t, drifted)
	assert.Len(t, state.Resources, 1)
}

func TestRefreshDetectsDrift(t *testing.T) {
	eng, np := testEngine()
	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{"name": "app"}),
	}})
	entry := state.Find("null:resource.app")

	// Mutate the external object behind the tool's back.
	np.Put("null:resource", entry.ID, map[string]any{"name": "renamed"})

	drifted, err := eng.RefreshState(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, drifted)
	assert.Equal(t, "renamed", entry.Outputs["name"])
}

func TestRefreshRemovesVanishedResources(t *testing.T) {
	eng, np := testEngine()
	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{"name": "app"}),
		nullRes("other", map[string]any{"name": "other"}),
	}})

	np.Forget(state.Find("null:resource.app").ID)

	drifted, err := eng.RefreshState(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, drifted)
	assert.Nil(t, state.Find("null:resource.app"))
	assert.NotNil(t, state.Find("null:resource.other"))
}

func TestImportResource(t *testing.T) {
	eng, np := testEngine()
	np.Put("null:resource", "ext-42", map[string]any{"name": "legacy"})

	state := emptyState()
	entry, err := eng.ImportResource(context.Background(), state, "null:resource.legacy", "ext-42")
	require.NoError(t, err)

	assert.Equal(t, "ext-42", entry.ID)
	assert.Equal(t, "legacy", entry.Inputs["name"])
	assert.NotEmpty(t, entry.Fingerprint)
	require.NotNil(t, state.Find("null:resource.legacy"))

	// A follow-up plan with matching configuration is a no-op.
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("legacy", map[string]any{"name": "legacy"}),
	}}
	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestImportAlreadyManaged(t *testing.T) {
	eng, np := testEngine()
	np.Put("null:resource", "ext-42", map[string]any{"name": "legacy"})

	state := emptyState()
	_, err := eng.ImportResource(context.Background(), state, "null:resource.legacy", "ext-42")
	require.NoError(t, err)

	_, err = eng.ImportResource(context.Background(), state, "null:resource.legacy", "ext-42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already managed")
}

func TestImportUnknownExternalID(t *testing.T) {
	eng, _ := testEngine()
	_, err := eng.ImportResource(context.Background(), emptyState(), "null:resource.ghost", "nope")
	require.Error(t, err)
}

func TestProviderForType(t *testing.T) {
	assert.Equal(t, "aws", ProviderForType("aws:S3.Bucket"))
	assert.Equal(t, "null", ProviderForType("null:resource"))
	assert.Equal(t, "null", ProviderForType("null_resource"))
}

func TestResolveProperties(t *testing.T) {
	state := &ir.State{Version: 1, Resources: []*ir.ResourceState{
		{
			Type: "null:resource", Name: "db", ID: "null-1",
			Outputs: map[string]any{"id": "null-1", "endpoint": "db.internal:5432"},
		},
	}}

	props := map[string]any{
		"conn":    "ptr://null:resource/db/endpoint",
		"literal": "unchanged",
		"nested":  map[string]any{"id": "ptr://null:resource/db/id"},
		"list":    []any{"ptr://null:resource/db/id"},
		"missing": "ptr://null:resource/nope/id",
	}

	resolved := resolveProperties(nil, state, "", props).(map[string]any)
	assert.Equal(t, "db.internal:5432", resolved["conn"])
	assert.Equal(t, "unchanged", resolved["literal"])
	assert.Equal(t, "null-1", resolved["nested"].(map[string]any)["id"])
	assert.Equal(t, "null-1", resolved["list"].([]any)[0])
	assert.Equal(t, "ptr://null:resource/nope/id", resolved["missing"],
		"unresolvable references keep their raw form")
}

func TestResolvePropertiesModuleScope(t *testing.T) {
	cfg := &ir.Config{Modules: []*ir.Module{
		{
			Name:    "network",
			Outputs: map[string]any{"vpc_id": "ptr://null:resource/vpc/id"},
		},
		{
			Name:   "app",
			Inputs: map[string]any{"net": "ptr://module/network/vpc_id", "region": "eu-west-1"},
		},
	}}
	state := &ir.State{Version: 1, Resources: []*ir.ResourceState{
		{Type: "null:resource", Name: "vpc", Module: "network", ID: "vpc-9",
			Outputs: map[string]any{"id": "vpc-9"}},
	}}

	resolved, ok := resolveRefValue(cfg, state, "app", "ptr://input/net", nil)
	require.True(t, ok)
	assert.Equal(t, "vpc-9", resolved)

	literal, ok := resolveRefValue(cfg, state, "app", "ptr://input/region", nil)
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", literal)
}
