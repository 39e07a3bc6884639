package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/ir"
)

func emptyState() *ir.State {
	return &ir.State{Version: 1}
}

func changeActions(plan *ir.Plan) map[string]string {
	actions := make(map[string]string)
	for _, c := range plan.Changes {
		actions[c.Address] = c.Action
	}
	return actions
}

func TestPlanCreatesInDependencyOrder(t *testing.T) {
	eng, _ := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("web", map[string]any{
			"name": "web",
			"db":   "ptr://null:resource/db/id",
		}),
		nullRes("db", map[string]any{"name": "db"}),
	}}

	plan, err := eng.CreatePlan(context.Background(), cfg, emptyState())
	require.NoError(t, err)

	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "null:resource.db", plan.Changes[0].Address)
	assert.Equal(t, "null:resource.web", plan.Changes[1].Address)
	assert.Equal(t, ir.ActionCreate, plan.Changes[0].Action)
	assert.Equal(t, 2, plan.Summary.Create)

	diff := plan.Changes[0].Diff["name"]
	require.NotNil(t, diff)
	assert.Equal(t, "create", diff.Action)
	assert.Equal(t, "db", diff.After)
	assert.Nil(t, diff.Before)
}

func TestPlanIdempotentAfterApply(t *testing.T) {
	eng, _ := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("db", map[string]any{"name": "db"}),
		nullRes("web", map[string]any{
			"name": "web",
			"db":   "ptr://null:resource/db/id",
		}),
	}}

	state := emptyState()
	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	state, _, err = eng.ApplyPlan(context.Background(), cfg, plan, state)
	require.NoError(t, err)

	replan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)
	assert.Empty(t, replan.Changes, "a second plan over unchanged config is all no-ops")
	assert.Equal(t, 2, replan.Summary.NoOp)
}

func TestPlanValueChangeIsUpdate(t *testing.T) {
	eng, _ := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{"name": "app", "value": "v2"}),
	}}
	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{"name": "app", "value": "v1"}),
	}})

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	change := plan.Changes[0]
	assert.Equal(t, ir.ActionUpdate, change.Action)
	assert.Equal(t, 1, plan.Summary.Update)

	diff := change.Diff["value"]
	require.NotNil(t, diff)
	assert.Equal(t, "v1", diff.Before)
	assert.Equal(t, "v2", diff.After)
	assert.False(t, diff.ForcesReplacement)
	_, ok := change.Diff["name"]
	assert.False(t, ok, "unchanged attributes stay out of the diff")
}

func TestPlanTriggersForceReplacement(t *testing.T) {
	eng, _ := testEngine()
	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{
			"name":     "app",
			"triggers": map[string]any{"rev": "1"},
		}),
	}})
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{
			"name":     "app",
			"triggers": map[string]any{"rev": "2"},
		}),
	}}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionReplace, plan.Changes[0].Action)
	assert.Equal(t, 1, plan.Summary.Replace)
	assert.True(t, plan.Changes[0].Diff["triggers"].ForcesReplacement)
}

func TestPlanTaintedIsReplace(t *testing.T) {
	eng, _ := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{"name": "app"}),
	}}
	state := appliedState(t, eng, cfg)
	state.Resources[0].Tainted = true

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionReplace, plan.Changes[0].Action)
}

func TestPlanPreventDestroyBlocksReplace(t *testing.T) {
	eng, _ := testEngine()
	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{
			"name":     "app",
			"triggers": map[string]any{"rev": "1"},
		}),
	}})

	guarded := nullRes("app", map[string]any{
		"name":     "app",
		"triggers": map[string]any{"rev": "2"},
	})
	guarded.Lifecycle = &ir.Lifecycle{PreventDestroy: true}
	cfg := &ir.Config{Resources: []*ir.Resource{guarded}}

	_, err := eng.CreatePlan(context.Background(), cfg, state)
	var blocked *DestructionBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "null:resource.app", blocked.Address)
	assert.Contains(t, blocked.Error(), "prevent_destroy")
}

func TestPlanIgnoreChangesSuppressesDrift(t *testing.T) {
	eng, _ := testEngine()
	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{"name": "app", "value": "v1"}),
	}})

	res := nullRes("app", map[string]any{"name": "app", "value": "v2"})
	res.Lifecycle = &ir.Lifecycle{IgnoreChanges: []string{"value"}}
	cfg := &ir.Config{Resources: []*ir.Resource{res}}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestPlanOrphanedEntriesAreDestroyed(t *testing.T) {
	eng, _ := testEngine()
	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		nullRes("base", map[string]any{"name": "base"}),
		nullRes("extra", map[string]any{
			"name": "extra",
			"dep":  "ptr://null:resource/base/id",
		}),
	}})

	// Only base remains in configuration.
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("base", map[string]any{"name": "base"}),
	}}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	change := plan.Changes[0]
	assert.Equal(t, "null:resource.extra", change.Address)
	assert.Equal(t, ir.ActionDelete, change.Action)
	assert.Equal(t, 1, plan.Summary.Delete)
	assert.Equal(t, "delete", change.Diff["name"].Action)
	assert.Equal(t, "extra", change.Diff["name"].Before)
}

func TestPlanForEachKeyRemoval(t *testing.T) {
	eng, _ := testEngine()

	buckets := func(keys ...string) *ir.Resource {
		fe := make(map[string]any)
		for _, k := range keys {
			fe[k] = k
		}
		r := nullRes("bucket", map[string]any{"name": "bucket-${each.key}"})
		r.ForEach = fe
		return r
	}

	state := appliedState(t, eng, &ir.Config{Resources: []*ir.Resource{
		buckets("audit", "logs", "tmp"),
	}})

	cfg := &ir.Config{Resources: []*ir.Resource{buckets("audit", "logs")}}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	actions := changeActions(plan)
	require.Len(t, actions, 1, "removing one key touches exactly that instance")
	assert.Equal(t, ir.ActionDelete, actions[`null:resource.bucket["tmp"]`])
	assert.Equal(t, 2, plan.Summary.NoOp)
}

func TestPlanPendingDependencyForcesUpdate(t *testing.T) {
	eng, np := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("db", map[string]any{"name": "db"}),
		nullRes("web", map[string]any{
			"name": "web",
			"db":   "ptr://null:resource/db/id",
		}),
	}}
	state := appliedState(t, eng, cfg)

	// The db instance vanished outside of the tool. Its entry is removed
	// (say, via state rm), so the plan re-creates it, and web's reference
	// now points at a value this same plan will produce.
	np.Forget(state.Find("null:resource.db").ID)
	state.Remove("null:resource.db")

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	actions := changeActions(plan)
	assert.Equal(t, ir.ActionCreate, actions["null:resource.db"])
	assert.Equal(t, ir.ActionUpdate, actions["null:resource.web"],
		"a reference to a resource re-created this run is pending, never equal to the prior value")
}

func TestPlanTargetsPullTransitiveDeps(t *testing.T) {
	eng, _ := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("a", map[string]any{"name": "a"}),
		nullRes("b", map[string]any{"name": "b", "dep": "ptr://null:resource/a/id"}),
		nullRes("c", map[string]any{"name": "c", "dep": "ptr://null:resource/b/id"}),
		nullRes("d", map[string]any{"name": "d"}),
	}}

	plan, err := eng.CreatePlanWithTargets(context.Background(), cfg, emptyState(), []string{"null:resource.c"})
	require.NoError(t, err)

	actions := changeActions(plan)
	assert.Len(t, actions, 3)
	assert.Equal(t, ir.ActionCreate, actions["null:resource.a"])
	assert.Equal(t, ir.ActionCreate, actions["null:resource.b"])
	assert.Equal(t, ir.ActionCreate, actions["null:resource.c"])
	assert.NotContains(t, actions, "null:resource.d")
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestPlanSensitiveDiff(t *testing.T) {
	eng, _ := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{{
		Type:       "null:secret",
		Name:       "token",
		Provider:   "null",
		Properties: map[string]any{"value": "hunter2"},
	}}}

	plan, err := eng.CreatePlan(context.Background(), cfg, emptyState())
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	diff := plan.Changes[0].Diff["value"]
	require.NotNil(t, diff)
	assert.True(t, diff.Sensitive)
}

func TestPlanMetadata(t *testing.T) {
	eng, _ := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("app", map[string]any{"name": "app"}),
	}}

	plan, err := eng.CreatePlan(context.Background(), cfg, emptyState())
	require.NoError(t, err)
	require.NotNil(t, plan.Metadata)
	assert.NotEmpty(t, plan.Metadata.ConfigHash)
	assert.Nil(t, plan.Metadata.PriorStateHash, "no prior state hash for an empty state")

	state := appliedState(t, eng, cfg)
	plan, err = eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)
	require.NotNil(t, plan.Metadata.PriorStateHash)
	assert.NotEmpty(t, *plan.Metadata.PriorStateHash)
}

func TestCreateDestroyPlanOrder(t *testing.T) {
	eng, _ := testEngine()
	cfg := &ir.Config{Resources: []*ir.Resource{
		nullRes("db", map[string]any{"name": "db"}),
		nullRes("web", map[string]any{
			"name": "web",
			"db":   "ptr://null:resource/db/id",
		}),
	}}
	state := appliedState(t, eng, cfg)

	plan, err := eng.CreateDestroyPlan(context.Background(), cfg, state)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "null:resource.web", plan.Changes[0].Address,
		"dependents are destroyed before their dependencies")
	assert.Equal(t, "null:resource.db", plan.Changes[1].Address)
	assert.Equal(t, ir.ActionDelete, plan.Changes[0].Action)
	assert.Equal(t, 2, plan.Summary.Delete)
}

func TestCreateDestroyPlanHonorsPreventDestroy(t *testing.T) {
	eng, _ := testEngine()
	res := nullRes("app", map[string]any{"name": "app"})
	cfg := &ir.Config{Resources: []*ir.Resource{res}}
	state := appliedState(t, eng, cfg)

	res.Lifecycle = &ir.Lifecycle{PreventDestroy: true}
	_, err := eng.CreateDestroyPlan(context.Background(), cfg, state)
	var blocked *DestructionBlockedError
	require.ErrorAs(t, err, &blocked)
}

// appliedState runs a plan over empty state and applies it, returning the
// resulting state.
func appliedState(t *testing.T, eng *Engine, cfg *ir.Config) *ir.State {
	t.Helper()
	state := emptyState()
	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)
	state, _, err = eng.ApplyPlan(context.Background(), cfg, plan, state)
	require.NoError(t, err)
	return state
}
