package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetward/spotfleet/internal/auditlog"
	"github.com/fleetward/spotfleet/internal/donesignal"
	"github.com/fleetward/spotfleet/internal/registry"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

type fakeAdapter struct {
	spotcloud.Adapter
	requests  []spotcloud.SpotRequest
	instances []spotcloud.Instance

	setupFails   map[string]bool
	tagged       map[string]string
	terminated   []string
	listRequestsCalls int
}

func (f *fakeAdapter) ListSpotRequests(ctx context.Context) ([]spotcloud.SpotRequest, error) {
	f.listRequestsCalls++
	return f.requests, nil
}

func (f *fakeAdapter) ListInstances(ctx context.Context) ([]spotcloud.Instance, error) {
	return f.instances, nil
}

func (f *fakeAdapter) AddTag(ctx context.Context, resourceID, key, value string) error {
	if f.tagged == nil {
		f.tagged = make(map[string]string)
	}
	f.tagged[resourceID] = value
	return nil
}

func (f *fakeAdapter) Terminate(ctx context.Context, ids []string) error {
	f.terminated = append(f.terminated, ids...)
	return nil
}

type fakeInstanceManager struct {
	failFor map[string]bool
}

func (f *fakeInstanceManager) SetupRequired() bool      { return true }
func (f *fakeInstanceManager) RequiredUtility() float64 { return 1 }
func (f *fakeInstanceManager) Setup(ctx context.Context, inst spotcloud.Instance, utility float64) error {
	if f.failFor[inst.ID] {
		return errors.New("setup failed")
	}
	return nil
}
func (f *fakeInstanceManager) Teardown(ctx context.Context, inst spotcloud.Instance) error { return nil }

func types() []spotcloud.InstanceTypeSpec {
	return []spotcloud.InstanceTypeSpec{{InstanceType: "m3.large", Utility: 1}}
}

func TestPairPleaseSetup_MatchesRunningUntaggedInstance(t *testing.T) {
	requests := []spotcloud.SpotRequest{{ID: "req-1", InstanceID: "i-1"}}
	instances := []spotcloud.Instance{
		{ID: "i-1", InstanceType: "m3.large", State: "running", Tags: map[string]string{}},
	}
	pairs := pairPleaseSetup(requests, instances)
	if len(pairs) != 1 {
		t.Fatalf("len(pairs) = %d, want 1", len(pairs))
	}
}

func TestPairPleaseSetup_SkipsAlreadyTagged(t *testing.T) {
	requests := []spotcloud.SpotRequest{{ID: "req-1", InstanceID: "i-1"}}
	instances := []spotcloud.Instance{
		{ID: "i-1", InstanceType: "m3.large", State: "running", Tags: map[string]string{"Name": "fleet-a (running)"}},
	}
	pairs := pairPleaseSetup(requests, instances)
	if len(pairs) != 0 {
		t.Fatalf("len(pairs) = %d, want 0", len(pairs))
	}
}

func TestPairPleaseSetup_SkipsNonRunning(t *testing.T) {
	requests := []spotcloud.SpotRequest{{ID: "req-1", InstanceID: "i-1"}}
	instances := []spotcloud.Instance{
		{ID: "i-1", InstanceType: "m3.large", State: "pending", Tags: map[string]string{}},
	}
	pairs := pairPleaseSetup(requests, instances)
	if len(pairs) != 0 {
		t.Fatalf("len(pairs) = %d, want 0", len(pairs))
	}
}

func TestRun_SuccessfulSetupTagsInstanceAndRemovesFromRegistry(t *testing.T) {
	adapter := &fakeAdapter{
		requests: []spotcloud.SpotRequest{{ID: "req-1", InstanceID: "i-1", StatusCode: "fulfilled"}},
		instances: []spotcloud.Instance{
			{ID: "i-1", InstanceType: "m3.large", State: "running", Tags: map[string]string{}},
		},
	}
	im := &fakeInstanceManager{}
	reg := registry.New()
	reg.Insert(spotcloud.SpotRequest{ID: "req-1", CreateTime: time.Now()})
	done := &donesignal.Signal{}
	done.Fire()
	audit := auditlog.New(10)

	w := New(adapter, im, reg, done, audit, "fleet-a", time.Minute, types())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if adapter.tagged["i-1"] != "fleet-a (running)" {
		t.Errorf("tagged[i-1] = %q, want %q", adapter.tagged["i-1"], "fleet-a (running)")
	}
	if reg.Len() != 0 {
		t.Errorf("registry should be empty after setup success, got %d", reg.Len())
	}
	events := audit.Recent(10)
	if len(events) == 0 || events[0].Action != "setup" || events[0].Target != "i-1" {
		t.Errorf("expected a setup audit event for i-1, got %+v", events)
	}
}

func TestRun_SetupFailureStartsDeadlineAndDoesNotTerminateImmediately(t *testing.T) {
	adapter := &fakeAdapter{
		requests: []spotcloud.SpotRequest{{ID: "req-1", InstanceID: "i-1", StatusCode: "fulfilled"}},
		instances: []spotcloud.Instance{
			{ID: "i-1", InstanceType: "m3.large", State: "running", Tags: map[string]string{}},
		},
	}
	im := &fakeInstanceManager{failFor: map[string]bool{"i-1": true}}
	reg := registry.New()
	reg.Insert(spotcloud.SpotRequest{ID: "req-1", CreateTime: time.Now()})
	done := &donesignal.Signal{}

	w := New(adapter, im, reg, done, auditlog.New(10), "fleet-a", time.Minute, types())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if len(adapter.terminated) != 0 {
		t.Errorf("instance should not be terminated before the setup deadline elapses, got %v", adapter.terminated)
	}
	if _, ok := w.deadlines["i-1"]; !ok {
		t.Error("expected a setup deadline to be recorded for i-1")
	}
}

func TestRun_SetupDeadlineExceededForcesTermination(t *testing.T) {
	adapter := &fakeAdapter{
		requests: []spotcloud.SpotRequest{{ID: "req-1", InstanceID: "i-1", StatusCode: "fulfilled"}},
		instances: []spotcloud.Instance{
			{ID: "i-1", InstanceType: "m3.large", State: "running", Tags: map[string]string{}},
		},
	}
	im := &fakeInstanceManager{failFor: map[string]bool{"i-1": true}}
	reg := registry.New()
	reg.Insert(spotcloud.SpotRequest{ID: "req-1", CreateTime: time.Now()})
	done := &donesignal.Signal{}

	w := New(adapter, im, reg, done, auditlog.New(10), "fleet-a", time.Minute, types())
	w.deadlines["i-1"] = time.Now().Add(-time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if len(adapter.terminated) != 1 || adapter.terminated[0] != "i-1" {
		t.Fatalf("terminated = %v, want [i-1]", adapter.terminated)
	}
	if reg.Len() != 0 {
		t.Errorf("registry entry should be removed after forced termination, got %d", reg.Len())
	}
	if _, ok := w.deadlines["i-1"]; ok {
		t.Error("deadline should be cleared after forced termination")
	}
}

func TestRun_ExitsWhenQuiescentAndDoneSignalFired(t *testing.T) {
	adapter := &fakeAdapter{}
	im := &fakeInstanceManager{}
	reg := registry.New()
	done := &donesignal.Signal{}
	done.Fire()

	w := New(adapter, im, reg, done, auditlog.New(10), "fleet-a", time.Minute, types())

	finished := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit promptly once quiescent")
	}
}

func TestPendingFrom_FiltersByStatus(t *testing.T) {
	requests := []spotcloud.SpotRequest{
		{ID: "req-1", StatusCode: "pending-evaluation"},
		{ID: "req-2", StatusCode: "fulfilled"},
	}
	pending := pendingFrom(requests)
	if len(pending) != 1 || pending[0].ID != "req-1" {
		t.Fatalf("pendingFrom = %v, want only req-1", pending)
	}
}
