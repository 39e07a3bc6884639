package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/pkg/provider"
)

// CreatePlan generates an execution plan by diffing desired configuration
// against current state. For identical (config, state) pairs the result is
// identical: resources are visited in deterministic topological order and
// diff keys are sorted.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	return e.CreatePlanWithTargets(ctx, cfg, state, nil)
}

// CreatePlanWithTargets generates a plan filtered to specific resource
// addresses. Targets pull in their transitive dependencies. If targets is
// nil or empty, all resources are planned.
func (e *Engine) CreatePlanWithTargets(ctx context.Context, cfg *ir.Config, state *ir.State, targets []string) (*ir.Plan, error) {
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_resources", len(state.Resources), "targets", len(targets))

	if err := e.loadProviders(cfg, state); err != nil {
		return nil, err
	}

	resources := Expand(cfg.Resources)

	graph, err := BuildGraph(cfg, resources)
	if err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			ConfigHash: hashJSON(resources),
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: cfg.Outputs,
	}
	if len(state.Resources) > 0 {
		h := hashJSON(state.Resources)
		plan.Metadata.PriorStateHash = &h
	}

	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		stateMap[res.Address().String()] = res
	}

	configByAddr := make(map[string]*ir.Resource)
	for _, res := range resources {
		configByAddr[res.Address().String()] = res
	}

	// Targets include their transitive dependencies so a targeted resource
	// is never applied before what it depends on.
	var targetSet map[string]bool
	if len(targets) > 0 {
		targetSet = make(map[string]bool)
		for _, t := range targets {
			targetSet[t] = true
			for _, dep := range graph.TransitiveDeps(t) {
				targetSet[dep] = true
			}
		}
	}

	// decided records the action chosen per address, in topological order,
	// so a reference to a not-yet-created dependency is recognized as a
	// pending value rather than compared against stale state.
	decided := make(map[string]string)

	for _, addr := range graph.CreationOrder() {
		res, ok := configByAddr[addr]
		if !ok {
			continue
		}

		if targetSet != nil && !targetSet[addr] {
			decided[addr] = ir.ActionNoOp
			plan.Summary.NoOp++
			continue
		}

		action, diff, err := e.diffResource(cfg, state, res, stateMap[addr], configByAddr, decided)
		if err != nil {
			return nil, err
		}
		decided[addr] = action

		if action == ir.ActionNoOp {
			plan.Summary.NoOp++
			continue
		}

		change := &ir.ResourceChange{
			Address: addr,
			Action:  action,
			Desired: res,
			Diff:    diff,
		}
		if prior := stateMap[addr]; prior != nil {
			change.Prior = &ir.Resource{
				Type:       prior.Type,
				Name:       prior.Name,
				Module:     prior.Module,
				Provider:   prior.Provider,
				Properties: prior.Inputs,
			}
		}
		plan.Changes = append(plan.Changes, change)

		switch action {
		case ir.ActionCreate:
			plan.Summary.Create++
		case ir.ActionUpdate:
			plan.Summary.Update++
		case ir.ActionReplace:
			plan.Summary.Replace++
		}
	}

	// Orphaned entries: present in state, absent from configuration. Never
	// silently dropped; each becomes an explicit destroy, ordered by the
	// reverse of the dependency order recorded in state.
	var orphans []*ir.ResourceState
	for _, res := range state.Resources {
		if _, ok := configByAddr[res.Address().String()]; !ok {
			orphans = append(orphans, res)
		}
	}
	if len(orphans) > 0 {
		stateGraph, err := BuildStateGraph(orphans)
		if err != nil {
			return nil, err
		}
		for _, addr := range stateGraph.DestructionOrder() {
			res := stateMap[addr]
			if res == nil {
				continue
			}
			if targetSet != nil && !targetSet[addr] {
				continue
			}
			plan.Changes = append(plan.Changes, &ir.ResourceChange{
				Address: addr,
				Action:  ir.ActionDelete,
				Prior: &ir.Resource{
					Type:       res.Type,
					Name:       res.Name,
					Module:     res.Module,
					Provider:   res.Provider,
					Properties: res.Inputs,
				},
				Diff: buildDeleteDiff(res.Inputs),
			})
			plan.Summary.Delete++
		}
	}

	return plan, nil
}

// CreateDestroyPlan plans the deletion of every resource in state, in
// reverse dependency order. The configuration is consulted only for
// lifecycle: destroying a resource marked preventDestroy is refused.
func (e *Engine) CreateDestroyPlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	logging.Debug("creating destroy plan", "state_resources", len(state.Resources))

	if err := e.loadProviders(cfg, state); err != nil {
		return nil, err
	}

	configByAddr := make(map[string]*ir.Resource)
	for _, res := range Expand(cfg.Resources) {
		configByAddr[res.Address().String()] = res
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			ConfigHash: hashJSON([]*ir.Resource{}),
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
	}
	if len(state.Resources) > 0 {
		h := hashJSON(state.Resources)
		plan.Metadata.PriorStateHash = &h
	}

	stateGraph, err := BuildStateGraph(state.Resources)
	if err != nil {
		return nil, err
	}

	for _, addr := range stateGraph.DestructionOrder() {
		entry := state.Find(addr)
		if entry == nil {
			continue
		}
		if res := configByAddr[addr]; res != nil {
			if err := checkDestroyAllowed(res, ir.ActionDelete); err != nil {
				return nil, err
			}
		}
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  ir.ActionDelete,
			Prior: &ir.Resource{
				Type:       entry.Type,
				Name:       entry.Name,
				Module:     entry.Module,
				Provider:   entry.Provider,
				Properties: entry.Inputs,
			},
			Diff: buildDeleteDiff(entry.Inputs),
		})
		plan.Summary.Delete++
	}

	return plan, nil
}

// diffResource decides the action for one resource and builds its
// attribute diff. prior may be nil (resource not yet in state).
func (e *Engine) diffResource(cfg *ir.Config, state *ir.State, res *ir.Resource, prior *ir.ResourceState, byAddr map[string]*ir.Resource, decided map[string]string) (string, map[string]*ir.PropertyDiff, error) {
	addr := res.Address().String()

	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return "", nil, err
	}
	sch, err := prov.Schema(res.Address().Type)
	if err != nil {
		return "", nil, fmt.Errorf("schema lookup failed for %s: %w", addr, err)
	}

	desired := ir.Normalize(res.Properties)

	if prior == nil {
		return ir.ActionCreate, buildCreateDiff(desired, sch), nil
	}

	if prior.Tainted {
		if err := checkDestroyAllowed(res, ir.ActionReplace); err != nil {
			return "", nil, err
		}
		return ir.ActionReplace, buildReplaceDiff(prior.Inputs, desired, sch), nil
	}

	ignore := make(map[string]bool)
	if res.Lifecycle != nil {
		for _, attr := range res.Lifecycle.IgnoreChanges {
			ignore[attr] = true
		}
	}

	diff := make(map[string]*ir.PropertyDiff)
	replace := false

	for _, key := range unionKeys(desired, prior.Inputs) {
		if ignore[key] {
			// Excluded from diffing regardless of drift; the stored value
			// is kept.
			continue
		}

		desiredVal, inDesired := desired[key]
		priorVal, changed := e.priorValueFor(cfg, res, prior, key, byAddr, decided)

		switch {
		case !inDesired:
			diff[key] = &ir.PropertyDiff{
				Before:            priorVal,
				Sensitive:         sch.IsSensitive(key),
				ForcesReplacement: sch.ForcesReplacement(key),
				Action:            "delete",
			}
		case changed || !e.attrEqual(cfg, state, res, desiredVal, priorVal):
			diff[key] = &ir.PropertyDiff{
				Before:            priorVal,
				After:             desiredVal,
				Sensitive:         sch.IsSensitive(key),
				ForcesReplacement: sch.ForcesReplacement(key),
				Action:            "update",
			}
		default:
			continue
		}
		if sch.ForcesReplacement(key) {
			replace = true
		}
	}

	if len(diff) == 0 {
		return ir.ActionNoOp, nil, nil
	}
	if replace {
		if err := checkDestroyAllowed(res, ir.ActionReplace); err != nil {
			return "", nil, err
		}
		return ir.ActionReplace, diff, nil
	}
	return ir.ActionUpdate, diff, nil
}

// priorValueFor returns the effective prior value for a config attribute:
// the refreshed provider-reported value when present (so drift surfaces),
// the recorded input otherwise. The bool reports a forced change: the
// desired value references a dependency that this same plan creates or
// replaces, so the value is pending and cannot equal the prior one.
func (e *Engine) priorValueFor(cfg *ir.Config, res *ir.Resource, prior *ir.ResourceState, key string, byAddr map[string]*ir.Resource, decided map[string]string) (any, bool) {
	var priorVal any
	if v, ok := prior.Outputs[key]; ok {
		priorVal = v
	} else {
		priorVal = prior.Inputs[key]
	}

	desiredVal, ok := ir.Normalize(res.Properties)[key]
	if !ok {
		return priorVal, false
	}
	for _, ref := range ir.FromAny(desiredVal).Refs() {
		depAddr, err := resolveRefAddr(cfg, byAddr, res.Module, res.Address().String(), ref, nil)
		if err != nil || depAddr == "" {
			continue
		}
		switch decided[depAddr] {
		case ir.ActionCreate, ir.ActionReplace:
			return priorVal, true
		}
	}
	return priorVal, false
}

// attrEqual compares a desired attribute value against the prior one,
// resolving references through state first so a reference that still points
// at the same live value does not show as a change.
func (e *Engine) attrEqual(cfg *ir.Config, state *ir.State, res *ir.Resource, desired, prior any) bool {
	resolved := resolveProperties(cfg, state, res.Module, desired)
	if ir.Equal(resolved, prior) {
		return true
	}
	// The stored input may itself hold the unresolved reference form.
	return ir.Equal(desired, prior)
}

func checkDestroyAllowed(res *ir.Resource, action string) error {
	if res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
		return &DestructionBlockedError{Address: res.Address().String(), Action: action}
	}
	return nil
}

func buildCreateDiff(props map[string]any, sch *provider.Schema) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			After:     v,
			Sensitive: sch.IsSensitive(k),
			Action:    "create",
		}
	}
	return diff
}

func buildReplaceDiff(prior, desired map[string]any, sch *provider.Schema) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for _, k := range unionKeys(desired, prior) {
		diff[k] = &ir.PropertyDiff{
			Before:            prior[k],
			After:             desired[k],
			Sensitive:         sch.IsSensitive(k),
			ForcesReplacement: sch.ForcesReplacement(k),
			Action:            "update",
		}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			Before: v,
			Action: "delete",
		}
	}
	return diff
}

func unionKeys(a, b map[string]any) []string {
	set := make(map[string]bool)
	for k := range a {
		set[k] = true
	}
	for k := range b {
		set[k] = true
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) loadProviders(cfg *ir.Config, state *ir.State) error {
	for _, res := range cfg.Resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}
	for _, res := range state.Resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}
	return nil
}

func hashJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
