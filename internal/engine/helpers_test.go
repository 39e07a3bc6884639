package engine

import (
	"context"
	"sync"
	"time"

	registry "github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/pkg/provider"
	"github.com/stackform-io/stackform/providers/null"
)

// testEngine builds an engine backed by a single shared in-memory provider
// instance, so tests can inspect and pre-seed the simulated external system.
func testEngine() (*Engine, *null.Provider) {
	np := null.New()
	reg := registry.NewRegistry()
	reg.Register("null", func() provider.Interface { return np })
	return NewEngine(reg), np
}

// recordingProvider wraps the in-memory provider and logs the order of
// external calls. Failures and create latency can be injected per resource
// name.
type recordingProvider struct {
	*null.Provider

	mu          sync.Mutex
	ops         []string
	failCreate  map[string]error
	failDelete  map[string]error
	delayCreate map[string]time.Duration
}

func newRecordingProvider() *recordingProvider {
	return &recordingProvider{
		Provider:    null.New(),
		failCreate:  make(map[string]error),
		failDelete:  make(map[string]error),
		delayCreate: make(map[string]time.Duration),
	}
}

func recordingEngine() (*Engine, *recordingProvider) {
	rp := newRecordingProvider()
	reg := registry.NewRegistry()
	reg.Register("null", func() provider.Interface { return rp })
	return NewEngine(reg), rp
}

func (r *recordingProvider) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingProvider) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recordingProvider) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	name, _ := attrs["name"].(string)
	r.mu.Lock()
	ferr := r.failCreate[name]
	delay := r.delayCreate[name]
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if ferr != nil {
		r.record("create-failed:" + name)
		return "", nil, ferr
	}
	r.record("create:" + name)
	return r.Provider.Create(ctx, resourceType, attrs)
}

// gatedProvider blocks Create until the test releases it, signalling when
// the call is underway. It honors context cancellation while blocked, so a
// forced mid-call abort would be visible as an error.
type gatedProvider struct {
	*null.Provider

	started chan struct{}
	release chan struct{}
}

func gatedEngine() (*Engine, *gatedProvider) {
	gp := &gatedProvider{
		Provider: null.New(),
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	reg := registry.NewRegistry()
	reg.Register("null", func() provider.Interface { return gp })
	return NewEngine(reg), gp
}

func (g *gatedProvider) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
	return g.Provider.Create(ctx, resourceType, attrs)
}

func (r *recordingProvider) Delete(ctx context.Context, resourceType, id string) error {
	r.mu.Lock()
	ferr := r.failDelete[id]
	r.mu.Unlock()
	if ferr != nil {
		r.record("delete-failed:" + id)
		return ferr
	}
	r.record("delete:" + id)
	return r.Provider.Delete(ctx, resourceType, id)
}
