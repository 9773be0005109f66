package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkesani1/stockclerk-sub001/eventbus"
)

type fakeRegistry struct {
	mu          sync.Mutex
	registered  map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: map[string]bool{}}
}

func (r *fakeRegistry) Register(ctx context.Context, instanceID, tenantID, hostPort string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[tenantID] = true
	return nil
}
func (r *fakeRegistry) Deregister(ctx context.Context, instanceID, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registered, tenantID)
	return nil
}
func (r *fakeRegistry) Discover(ctx context.Context, tenantID string) ([]string, error) { return nil, nil }
func (r *fakeRegistry) HealthCheck(instanceID, tenantID string) error                   { return nil }

func listOf(ids ...string) ListTenantsFunc {
	return func(ctx context.Context) ([]string, error) { return ids, nil }
}

func TestOrchestratorStartsAndStopsWorkersAsTenantSetChanges(t *testing.T) {
	var started, stopped atomic.Int32
	run := func(ctx context.Context, w *Worker) error {
		started.Add(1)
		<-ctx.Done()
		stopped.Add(1)
		return nil
	}

	bus := eventbus.New(nil)
	o := New(run, newFakeRegistry(), bus, nil, nil)
	o.tenantPollInterval = 20 * time.Millisecond
	o.healthCheckInterval = time.Hour // don't let heartbeat checks interfere with this test

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tenants atomic.Value
	tenants.Store([]string{"tenant-1"})
	list := func(ctx context.Context) ([]string, error) {
		return tenants.Load().([]string), nil
	}

	go o.Run(ctx, list)

	deadline := time.Now().Add(time.Second)
	for started.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if started.Load() != 1 {
		t.Fatalf("expected tenant-1's worker to start, started=%d", started.Load())
	}

	tenants.Store([]string{})
	deadline = time.Now().Add(time.Second)
	for stopped.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stopped.Load() != 1 {
		t.Fatalf("expected tenant-1's worker to be stopped after removal from the tenant set, stopped=%d", stopped.Load())
	}
}

func TestOrchestratorRestartsOnCrash(t *testing.T) {
	var attempts atomic.Int32
	run := func(ctx context.Context, w *Worker) error {
		n := attempts.Add(1)
		if n == 1 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	}

	bus := eventbus.New(nil)
	o := New(run, newFakeRegistry(), bus, nil, nil)
	o.healthCheckInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go o.Run(ctx, listOf("tenant-1"))

	deadline := time.Now().Add(2 * time.Second)
	for attempts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if attempts.Load() < 2 {
		t.Fatalf("expected the worker to be restarted after crashing, attempts=%d", attempts.Load())
	}
}

func TestCheckHeartbeatsForceKillsAfterTwoMisses(t *testing.T) {
	block := make(chan struct{})
	var cancelled atomic.Bool
	run := func(ctx context.Context, w *Worker) error {
		<-ctx.Done()
		cancelled.Store(true)
		close(block)
		return nil
	}

	bus := eventbus.New(nil)
	o := New(run, newFakeRegistry(), bus, nil, nil)
	o.healthCheckInterval = time.Millisecond // a heartbeat older than 1ms counts as missed

	o.startTenant(context.Background(), "tenant-1")
	time.Sleep(5 * time.Millisecond) // let the start-up heartbeat go stale; run never beats again

	o.checkHeartbeats() // first miss: degraded, no cancel
	if cancelled.Load() {
		t.Fatal("expected the first missed heartbeat to only degrade the worker, not kill it")
	}

	o.checkHeartbeats() // second consecutive miss: force-kill
	select {
	case <-block:
	case <-time.After(time.Second):
		t.Fatal("expected the worker's context to be cancelled after two missed heartbeats")
	}
}
