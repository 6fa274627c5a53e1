package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/fleetward/spotfleet/internal/auditlog"
	"github.com/fleetward/spotfleet/internal/donesignal"
	"github.com/fleetward/spotfleet/internal/registry"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

type fakeReconcilerAdapter struct {
	spotcloud.Adapter
	spotRequests []spotcloud.SpotRequest
	instances    []spotcloud.Instance

	submitted   []submittedBid
	cancelled   []string
	terminated  []string
}

func (f *fakeReconcilerAdapter) ListSpotRequests(ctx context.Context) ([]spotcloud.SpotRequest, error) {
	return f.spotRequests, nil
}

func (f *fakeReconcilerAdapter) ListInstances(ctx context.Context) ([]spotcloud.Instance, error) {
	return f.instances, nil
}

func (f *fakeReconcilerAdapter) RequestSpot(ctx context.Context, bid float64, zone, instanceType string, spec spotcloud.LaunchSpec) ([]spotcloud.SpotRequest, error) {
	f.submitted = append(f.submitted, submittedBid{bid: bid, zone: zone, instanceType: instanceType})
	return []spotcloud.SpotRequest{{ID: "new-req", Price: bid, InstanceType: instanceType}}, nil
}

func (f *fakeReconcilerAdapter) CancelSpot(ctx context.Context, ids []string) error {
	f.cancelled = append(f.cancelled, ids...)
	return nil
}

func (f *fakeReconcilerAdapter) Terminate(ctx context.Context, ids []string) error {
	f.terminated = append(f.terminated, ids...)
	return nil
}

type fakeInstanceManager struct {
	teardownCalls int
}

func (f *fakeInstanceManager) SetupRequired() bool       { return false }
func (f *fakeInstanceManager) RequiredUtility() float64  { return 0 }
func (f *fakeInstanceManager) Setup(ctx context.Context, inst spotcloud.Instance, utility float64) error {
	return nil
}
func (f *fakeInstanceManager) Teardown(ctx context.Context, inst spotcloud.Instance) error {
	f.teardownCalls++
	return nil
}

func flatCandidate(instanceType string, utility, price80 float64) spotcloud.Candidate {
	cp := price80
	return spotcloud.Candidate{
		Zone:         "us-east-1a",
		Type:         spotcloud.InstanceTypeSpec{InstanceType: instanceType, Utility: utility},
		Price80:      price80,
		MaxPrice:     price80,
		CurrentPrice: &cp,
		AllPrice:     []float64{price80},
	}
}

// Scenario 1: cold start, empty fleet, one candidate, required_utility=2.
func TestUpdateSpotRequests_ColdStart_SubmitsWithinBudget(t *testing.T) {
	adapter := &fakeReconcilerAdapter{}
	reg := registry.New()
	im := &fakeInstanceManager{}
	candidates := []spotcloud.Candidate{flatCandidate("m3.large", 1, 0.10)}

	audit := auditlog.New(10)
	r := New(adapter, im, reg, audit, "fleet-a", 1.00, 1e9, 0.50, spotcloud.LaunchSpec{})

	done := &donesignal.Signal{}
	result, err := r.UpdateSpotRequests(context.Background(), 2, candidates, done)
	if err != nil {
		t.Fatalf("UpdateSpotRequests: %v", err)
	}
	if !done.Fired() {
		t.Error("done signal was not fired")
	}
	if len(adapter.submitted) != 2 {
		t.Fatalf("submitted %d requests, want 2", len(adapter.submitted))
	}
	total := 0.0
	for _, s := range adapter.submitted {
		if s.bid < 0.10 {
			t.Errorf("bid %v below price_80 0.10", s.bid)
		}
		total += s.bid
	}
	if total > 1.00 {
		t.Errorf("total bid %v exceeds budget 1.00", total)
	}
	if result.CandidateCount != 1 {
		t.Errorf("result.CandidateCount = %d, want 1", result.CandidateCount)
	}
	if result.RemainingBudget != 1.00-total {
		t.Errorf("result.RemainingBudget = %v, want %v", result.RemainingBudget, 1.00-total)
	}
	if result.Alert != "" {
		t.Errorf("result.Alert = %q, want empty (fully funded)", result.Alert)
	}
	events := audit.Recent(10)
	if len(events) != 2 {
		t.Fatalf("audit recorded %d events, want 2 (one per submitted request)", len(events))
	}
	for _, e := range events {
		if e.Action != "add_instances" {
			t.Errorf("audit event action = %q, want add_instances", e.Action)
		}
	}
}

// Scenario 2: active requests already exceed budget.
func TestUpdateSpotRequests_OverBudget_CancelsAndSheds(t *testing.T) {
	adapter := &fakeReconcilerAdapter{
		spotRequests: []spotcloud.SpotRequest{
			{ID: "req-1", Price: 0.60, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-1", Tags: map[string]string{}},
			{ID: "req-2", Price: 0.60, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-2", Tags: map[string]string{}},
		},
		instances: []spotcloud.Instance{
			{ID: "i-1", InstanceType: "m3.large", State: "running", SpotInstanceRequestID: "req-1", Tags: map[string]string{"Name": "fleet-a (running)"}},
			{ID: "i-2", InstanceType: "m3.large", State: "running", SpotInstanceRequestID: "req-2", Tags: map[string]string{"Name": "fleet-a (running)"}},
		},
	}
	reg := registry.New()
	im := &fakeInstanceManager{}
	candidates := []spotcloud.Candidate{flatCandidate("m3.large", 1, 0.60)}

	r := New(adapter, im, reg, auditlog.New(10), "fleet-a", 1.00, 1e9, 0.50, spotcloud.LaunchSpec{})

	done := &donesignal.Signal{}
	if _, err := r.UpdateSpotRequests(context.Background(), 2, candidates, done); err != nil {
		t.Fatalf("UpdateSpotRequests: %v", err)
	}
	if len(adapter.cancelled) == 0 {
		t.Error("expected save_money to cancel managed spot requests")
	}
	if len(adapter.terminated) == 0 {
		t.Error("expected save_money to terminate at least one running instance")
	}
}

// Scenario 3: surplus utility with running instances of equal utility.
func TestUpdateSpotRequests_SurplusUtility_RemovesExactlyOne(t *testing.T) {
	adapter := &fakeReconcilerAdapter{
		spotRequests: []spotcloud.SpotRequest{
			{ID: "req-1", Price: 0.10, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-1", Tags: map[string]string{}},
			{ID: "req-2", Price: 0.10, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-2", Tags: map[string]string{}},
			{ID: "req-3", Price: 0.10, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-3", Tags: map[string]string{}},
		},
		instances: []spotcloud.Instance{
			{ID: "i-1", InstanceType: "m3.large", State: "running", SpotInstanceRequestID: "req-1", Tags: map[string]string{"Name": "fleet-a (running)"}},
			{ID: "i-2", InstanceType: "m3.large", State: "running", SpotInstanceRequestID: "req-2", Tags: map[string]string{"Name": "fleet-a (running)"}},
			{ID: "i-3", InstanceType: "m3.large", State: "running", SpotInstanceRequestID: "req-3", Tags: map[string]string{"Name": "fleet-a (running)"}},
		},
	}
	reg := registry.New()
	reg.Insert(spotcloud.SpotRequest{ID: "untouched", CreateTime: time.Now()})
	im := &fakeInstanceManager{}
	candidates := []spotcloud.Candidate{flatCandidate("m3.large", 1, 0.10)}

	r := New(adapter, im, reg, auditlog.New(10), "fleet-a", 1.00, 1e9, 0.50, spotcloud.LaunchSpec{})

	done := &donesignal.Signal{}
	if _, err := r.UpdateSpotRequests(context.Background(), 2, candidates, done); err != nil {
		t.Fatalf("UpdateSpotRequests: %v", err)
	}
	if len(adapter.terminated) != 1 {
		t.Fatalf("terminated %d instances, want exactly 1", len(adapter.terminated))
	}
	if reg.Len() != 1 {
		t.Errorf("registry should be untouched by remove_instances, len = %d", reg.Len())
	}
}

// Scenario 5: no candidate is affordable under the configured cap.
func TestUpdateSpotRequests_NoCandidatesUnderCap_SubmitsNothing(t *testing.T) {
	adapter := &fakeReconcilerAdapter{}
	reg := registry.New()
	im := &fakeInstanceManager{}
	candidates := []spotcloud.Candidate{flatCandidate("m3.large", 1, 5.00)} // price_80 far above max_utility_price*utility

	r := New(adapter, im, reg, auditlog.New(10), "fleet-a", 1.00, 1e9, 0.50, spotcloud.LaunchSpec{})

	done := &donesignal.Signal{}
	if _, err := r.UpdateSpotRequests(context.Background(), 2, candidates, done); err != nil {
		t.Fatalf("UpdateSpotRequests: %v", err)
	}
	if len(adapter.submitted) != 0 {
		t.Fatalf("submitted %d requests, want 0", len(adapter.submitted))
	}
	if !done.Fired() {
		t.Error("done signal should still fire when nothing could be funded")
	}
}
