package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/pkg/provider"
)

// DefaultParallelism bounds concurrent resource operations during apply.
const DefaultParallelism = 10

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// Per-address outcome statuses.
const (
	OutcomeApplied   = "applied"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped" // a dependency failed
	OutcomeCancelled = "cancelled"
)

// ApplyResult is the outcome of one planned action.
type ApplyResult struct {
	Address  string
	Action   string
	Status   string
	Err      error
	Duration time.Duration
}

// ApplyPlan executes a plan and returns the updated state together with a
// per-address outcome list. State reflects exactly the subset of actions
// whose external calls confirmed completion; a failed or skipped action
// leaves its entry untouched.
func (e *Engine) ApplyPlan(ctx context.Context, cfg *ir.Config, plan *ir.Plan, state *ir.State) (*ir.State, []ApplyResult, error) {
	return e.ApplyPlanWithCallback(ctx, cfg, plan, state, nil)
}

// ApplyPlanWithCallback executes a plan with progress event callbacks.
//
// Actions run concurrently up to the configured parallelism, and an action
// starts only once everything it depends on has completed successfully. A
// failure marks the whole dependent subtree skipped; independent subtrees
// keep running. Cancellation stops actions that have not started;
// in-flight external calls run to completion so no resource is left in an
// undefined half-applied shape.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, cfg *ir.Config, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, []ApplyResult, error) {
	var mu sync.Mutex // guards state mutation

	emit := func(event ApplyEvent) {
		if callback != nil {
			callback(event)
		}
	}

	byAddr := make(map[string]*ir.Resource)
	for _, res := range Expand(cfg.Resources) {
		byAddr[res.Address().String()] = res
	}

	// Replaces carry their own destroy, so only orphan deletes run in the
	// second phase.
	var createUpdates, deletes []*ir.ResourceChange
	for _, change := range plan.Changes {
		if change.Action == ir.ActionDelete {
			deletes = append(deletes, change)
		} else {
			createUpdates = append(createUpdates, change)
		}
	}

	var results []ApplyResult

	forward := e.runPhase(ctx, cfg, byAddr, createUpdates, changeDeps(cfg, byAddr, createUpdates), state, &mu, emit)
	results = append(results, forward...)

	backward := e.runPhase(ctx, cfg, byAddr, deletes, deleteDeps(state, deletes), state, &mu, emit)
	results = append(results, backward...)

	if outputs, ok := resolveProperties(cfg, state, "", ir.Normalize(plan.Outputs)).(map[string]any); ok {
		state.Outputs = outputs
	}

	var errs []error
	for _, r := range results {
		if r.Status == OutcomeFailed {
			errs = append(errs, fmt.Errorf("%s: %w", r.Address, r.Err))
		}
	}
	if len(errs) > 0 {
		return state, results, fmt.Errorf("%d resource(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return state, results, nil
}

// changeDeps computes, for each change, the set of other changes it must
// wait for: explicit dependsOn entries plus implicit references, restricted
// to addresses that are themselves changing this apply.
func changeDeps(cfg *ir.Config, byAddr map[string]*ir.Resource, changes []*ir.ResourceChange) map[string]map[string]bool {
	inPhase := make(map[string]bool, len(changes))
	for _, c := range changes {
		inPhase[c.Address] = true
	}

	deps := make(map[string]map[string]bool, len(changes))
	for _, c := range changes {
		deps[c.Address] = make(map[string]bool)
		if c.Desired == nil {
			continue
		}
		for _, d := range c.Desired.DependsOn {
			if inPhase[d] {
				deps[c.Address][d] = true
			}
		}
		for _, ref := range ir.CollectRefs(c.Desired.Properties) {
			depAddr, err := resolveRefAddr(cfg, byAddr, c.Desired.Module, c.Address, ref, nil)
			if err != nil || depAddr == "" {
				continue
			}
			if inPhase[depAddr] {
				deps[c.Address][depAddr] = true
			}
		}
	}
	return deps
}

// deleteDeps orders destroys in reverse dependency order: the delete of a
// dependency waits for the deletes of everything that depended on it.
func deleteDeps(state *ir.State, changes []*ir.ResourceChange) map[string]map[string]bool {
	inPhase := make(map[string]bool, len(changes))
	for _, c := range changes {
		inPhase[c.Address] = true
	}

	deps := make(map[string]map[string]bool, len(changes))
	for _, c := range changes {
		deps[c.Address] = make(map[string]bool)
	}
	for _, c := range changes {
		entry := state.Find(c.Address)
		if entry == nil {
			continue
		}
		for _, d := range entry.Dependencies {
			if inPhase[d] {
				// c depends on d, so d's delete waits for c's delete.
				deps[d][c.Address] = true
			}
		}
	}
	return deps
}

// runPhase executes one batch of changes concurrently with dependency
// tracking. Adapted cond-var scheme: each change runs in its own goroutine,
// waits until its dependencies completed (or one failed, in which case it
// is skipped), then takes a semaphore slot and executes.
func (e *Engine) runPhase(ctx context.Context, cfg *ir.Config, byAddr map[string]*ir.Resource, changes []*ir.ResourceChange, deps map[string]map[string]bool, state *ir.State, mu *sync.Mutex, emit func(ApplyEvent)) []ApplyResult {
	if len(changes) == 0 {
		return nil
	}

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	trackMu := sync.Mutex{}
	trackCond := sync.NewCond(&trackMu)

	// Wake waiters when the context is cancelled so they can observe it.
	stopWake := context.AfterFunc(ctx, trackCond.Broadcast)
	defer stopWake()

	results := make([]ApplyResult, len(changes))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, change := range changes {
		wg.Add(1)
		go func(i int, c *ir.ResourceChange) {
			defer wg.Done()

			trackMu.Lock()
			for {
				if ctx.Err() != nil {
					results[i] = ApplyResult{Address: c.Address, Action: c.Action, Status: OutcomeCancelled, Err: ctx.Err()}
					failed[c.Address] = true
					trackMu.Unlock()
					trackCond.Broadcast()
					return
				}
				allReady := true
				depFailed := false
				for dep := range deps[c.Address] {
					if failed[dep] {
						depFailed = true
						break
					}
					if !completed[dep] {
						allReady = false
						break
					}
				}
				if depFailed {
					// Halt only this dependent subtree.
					results[i] = ApplyResult{Address: c.Address, Action: c.Action, Status: OutcomeSkipped}
					failed[c.Address] = true
					trackMu.Unlock()
					emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped"})
					trackCond.Broadcast()
					return
				}
				if allReady {
					break
				}
				trackCond.Wait()
			}
			trackMu.Unlock()

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "started"})

			err := e.applyChange(ctx, cfg, byAddr, c, state, mu)
			duration := time.Since(start)

			trackMu.Lock()
			if err != nil {
				results[i] = ApplyResult{Address: c.Address, Action: c.Action, Status: OutcomeFailed, Err: err, Duration: duration}
				failed[c.Address] = true
			} else {
				results[i] = ApplyResult{Address: c.Address, Action: c.Action, Status: OutcomeApplied, Duration: duration}
				completed[c.Address] = true
			}
			trackMu.Unlock()
			trackCond.Broadcast()

			if err != nil {
				emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "failed", Duration: duration, Error: err})
			} else {
				emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "completed", Duration: duration})
			}
		}(i, change)
	}

	wg.Wait()
	return results
}

// applyChange executes a single planned action through the resource's
// provider and commits the result into state. State is only touched after
// the external call confirmed completion.
func (e *Engine) applyChange(ctx context.Context, cfg *ir.Config, byAddr map[string]*ir.Resource, change *ir.ResourceChange, state *ir.State, mu *sync.Mutex) error {
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	var timeout time.Duration
	if change.Desired != nil && change.Desired.Timeout != "" {
		if d, err := time.ParseDuration(change.Desired.Timeout); err == nil {
			timeout = d
		}
	}
	// Session cancellation is observed only between actions, in runPhase. An
	// action that already started runs to completion on its own timeout, so
	// the external call is never aborted with the resource half-applied.
	ctx, cancel := WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	res := change.Desired
	provName := "null"
	resType := "null_resource"
	switch {
	case res != nil:
		provName = res.Provider
		resType = res.Address().Type
	case change.Prior != nil:
		provName = change.Prior.Provider
		resType = change.Prior.Address().Type
	}

	prov, err := e.registry.Get(provName)
	if err != nil {
		return fmt.Errorf("provider not found: %s", provName)
	}

	retryPolicy := DefaultRetryPolicy()

	switch change.Action {
	case ir.ActionCreate:
		attrs, id, err := e.createInstance(ctx, cfg, prov, res, state, mu, retryPolicy)
		if err != nil {
			return err
		}
		tainted := false
		if perr := e.runProvisioners(ctx, res, "create", id, attrs); perr != nil {
			// The resource exists; record it tainted so the next plan
			// replaces it, and surface the hook failure.
			tainted = true
			err = perr
		}
		mu.Lock()
		e.writeEntry(cfg, byAddr, state, res, id, attrs, tainted)
		mu.Unlock()
		return err

	case ir.ActionUpdate:
		entry := lockedFind(state, mu, addr)
		if entry == nil {
			return fmt.Errorf("no state entry for %s", addr)
		}
		mu.Lock()
		resolved := resolveProperties(cfg, state, res.Module, ir.Normalize(res.Properties)).(map[string]any)
		mu.Unlock()

		var attrs map[string]any
		err := RetryWithBackoff(ctx, retryPolicy, func() error {
			var uerr error
			attrs, uerr = prov.Update(ctx, resType, entry.ID, resolved)
			return uerr
		}, IsTransientError)
		if err != nil {
			return fmt.Errorf("update failed for %s: %w", addr, err)
		}
		tainted := false
		if perr := e.runProvisioners(ctx, res, "update", entry.ID, attrs); perr != nil {
			tainted = true
			err = perr
		}
		mu.Lock()
		e.writeEntry(cfg, byAddr, state, res, entry.ID, attrs, tainted)
		mu.Unlock()
		return err

	case ir.ActionReplace:
		return e.replaceInstance(ctx, cfg, byAddr, prov, change, state, mu, retryPolicy)

	case ir.ActionDelete:
		entry := lockedFind(state, mu, addr)
		if entry == nil {
			return nil // already gone
		}
		err := RetryWithBackoff(ctx, retryPolicy, func() error {
			derr := prov.Delete(ctx, resType, entry.ID)
			if errors.Is(derr, provider.ErrNotFound) {
				return nil
			}
			return derr
		}, IsTransientError)
		if err != nil {
			return fmt.Errorf("delete failed for %s: %w", addr, err)
		}
		mu.Lock()
		state.Remove(addr)
		mu.Unlock()
		return nil
	}

	return fmt.Errorf("unknown action %q for %s", change.Action, addr)
}

// replaceInstance destroys and re-creates a resource. With
// createBeforeDestroy the new instance is created and confirmed first, so at
// every instant at least one instance exists; dependents resolve references
// against the already-updated entry. Without it, the old instance is
// destroyed first and the address is briefly empty, as requested.
func (e *Engine) replaceInstance(ctx context.Context, cfg *ir.Config, byAddr map[string]*ir.Resource, prov provider.Interface, change *ir.ResourceChange, state *ir.State, mu *sync.Mutex, policy *RetryPolicy) error {
	addr := change.Address
	res := change.Desired
	resType := res.Address().Type

	entry := lockedFind(state, mu, addr)
	if entry == nil {
		return fmt.Errorf("no state entry for %s", addr)
	}
	oldID := entry.ID

	destroyOld := func() error {
		return RetryWithBackoff(ctx, policy, func() error {
			derr := prov.Delete(ctx, resType, oldID)
			if errors.Is(derr, provider.ErrNotFound) {
				return nil
			}
			return derr
		}, IsTransientError)
	}

	if res.CreateBeforeDestroy() {
		attrs, newID, err := e.createInstance(ctx, cfg, prov, res, state, mu, policy)
		if err != nil {
			return fmt.Errorf("replace (create phase) failed for %s: %w", addr, err)
		}
		tainted := false
		var perr error
		if perr = e.runProvisioners(ctx, res, "create", newID, attrs); perr != nil {
			tainted = true
		}
		mu.Lock()
		e.writeEntry(cfg, byAddr, state, res, newID, attrs, tainted)
		mu.Unlock()
		if err := destroyOld(); err != nil {
			return fmt.Errorf("replace (destroy phase) failed for %s: %w", addr, err)
		}
		return perr
	}

	if err := destroyOld(); err != nil {
		return fmt.Errorf("replace (destroy phase) failed for %s: %w", addr, err)
	}
	mu.Lock()
	state.Remove(addr)
	mu.Unlock()

	attrs, newID, err := e.createInstance(ctx, cfg, prov, res, state, mu, policy)
	if err != nil {
		return fmt.Errorf("replace (create phase) failed for %s: %w", addr, err)
	}
	tainted := false
	var perr error
	if perr = e.runProvisioners(ctx, res, "create", newID, attrs); perr != nil {
		tainted = true
	}
	mu.Lock()
	e.writeEntry(cfg, byAddr, state, res, newID, attrs, tainted)
	mu.Unlock()
	return perr
}

// createInstance calls the provider's Create with resolved attributes.
func (e *Engine) createInstance(ctx context.Context, cfg *ir.Config, prov provider.Interface, res *ir.Resource, state *ir.State, mu *sync.Mutex, policy *RetryPolicy) (map[string]any, string, error) {
	mu.Lock()
	resolved := resolveProperties(cfg, state, res.Module, ir.Normalize(res.Properties)).(map[string]any)
	mu.Unlock()

	var id string
	var attrs map[string]any
	err := RetryWithBackoff(ctx, policy, func() error {
		var cerr error
		id, attrs, cerr = prov.Create(ctx, res.Address().Type, resolved)
		return cerr
	}, IsTransientError)
	if err != nil {
		return nil, "", fmt.Errorf("create failed for %s: %w", res.Address().String(), err)
	}
	return attrs, id, nil
}

// writeEntry inserts or replaces the state entry for res. Callers hold mu.
func (e *Engine) writeEntry(cfg *ir.Config, byAddr map[string]*ir.Resource, state *ir.State, res *ir.Resource, id string, attrs map[string]any, tainted bool) {
	addr := res.Address()
	inputs := ir.Normalize(res.Properties)

	var sensitive []string
	if prov, err := e.registry.Get(res.Provider); err == nil {
		if sch, err := prov.Schema(addr.Type); err == nil {
			sensitive = sch.SensitiveNames()
		}
	}

	var depAddrs []string
	seen := make(map[string]bool)
	for _, d := range res.DependsOn {
		if !seen[d] {
			seen[d] = true
			depAddrs = append(depAddrs, d)
		}
	}
	for _, ref := range ir.CollectRefs(res.Properties) {
		depAddr, err := resolveRefAddr(cfg, byAddr, res.Module, addr.String(), ref, nil)
		if err != nil || depAddr == "" || seen[depAddr] {
			continue
		}
		seen[depAddr] = true
		depAddrs = append(depAddrs, depAddr)
	}

	entry := &ir.ResourceState{
		Module:       res.Module,
		Type:         addr.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		ID:           id,
		Inputs:       inputs,
		InputsHash:   ir.Fingerprint(inputs),
		Outputs:      ir.Normalize(attrs),
		Fingerprint:  ir.Fingerprint(attrs),
		Sensitive:    sensitive,
		Dependencies: depAddrs,
		Tainted:      tainted,
	}

	if existing := state.Find(addr.String()); existing != nil {
		*existing = *entry
		return
	}
	state.Resources = append(state.Resources, entry)
}

func lockedFind(state *ir.State, mu *sync.Mutex, addr string) *ir.ResourceState {
	mu.Lock()
	defer mu.Unlock()
	return state.Find(addr)
}
