// Package watcher implements the life-cycle watcher (spec §4.7): a
// background activity that pairs newly-running instances with their spot
// requests, drives post-boot setup through the external InstanceManager,
// enforces a setup deadline, and signals quiescence once nothing remains
// pending and the reconciler has finished its pass.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetward/spotfleet/internal/auditlog"
	"github.com/fleetward/spotfleet/internal/donesignal"
	"github.com/fleetward/spotfleet/internal/fleet"
	"github.com/fleetward/spotfleet/internal/metrics"
	"github.com/fleetward/spotfleet/internal/registry"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

const (
	setupDeadline      = 5 * time.Minute
	refreshThreshold   = 5 * time.Second
	pollInterval       = 10 * time.Second
	registryGCHeadroom = 2 * time.Minute
)

// Watcher pairs running instances with pending spot requests and drives
// them through setup.
type Watcher struct {
	adapter         spotcloud.Adapter
	instanceManager spotcloud.InstanceManager
	registry        *registry.Registry
	done            *donesignal.Signal
	audit           *auditlog.Log

	namePrefix  string
	runInterval time.Duration
	types       []spotcloud.InstanceTypeSpec

	deadlines map[string]time.Time
}

func New(adapter spotcloud.Adapter, instanceManager spotcloud.InstanceManager, reg *registry.Registry, done *donesignal.Signal, audit *auditlog.Log, namePrefix string, runInterval time.Duration, types []spotcloud.InstanceTypeSpec) *Watcher {
	return &Watcher{
		adapter:         adapter,
		instanceManager: instanceManager,
		registry:        reg,
		done:            done,
		audit:           audit,
		namePrefix:      namePrefix,
		runInterval:     runInterval,
		types:           types,
		deadlines:       make(map[string]time.Time),
	}
}

// Run loops until ctx is cancelled or quiescence is reached: no pending
// requests, no open setup deadlines, and the reconciler's done signal has
// fired at least once.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		requests, instances, err := w.snapshot(ctx)
		lastGet := time.Now()
		if err != nil {
			slog.Warn("watcher: snapshot failed, retrying next pass", "error", err)
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		for _, pair := range pairPleaseSetup(requests, instances) {
			w.processSetup(ctx, pair)
		}

		if time.Since(lastGet) > refreshThreshold {
			if refreshed, err := w.adapter.ListSpotRequests(ctx); err == nil {
				requests = fleet.ManagedSpotRequests(refreshed, w.namePrefix)
			} else {
				slog.Warn("watcher: refreshing spot request snapshot failed", "error", err)
			}
		}

		pending := pendingFrom(requests)
		if w.done.Fired() {
			w.registry.GC(time.Now(), w.runInterval+registryGCHeadroom)
			pending = append(pending, w.registry.All()...)
		}
		metrics.PendingSpotRequests.Set(float64(len(pending)))
		metrics.RegistrySize.Set(float64(w.registry.Len()))

		if len(pending) == 0 && len(w.deadlines) == 0 && w.done.Fired() {
			slog.Info("watcher: no more pending requests")
			return
		}
		if len(pending) > 0 {
			slog.Debug("watcher: pending requests remain", "count", len(pending))
		}

		if !w.sleep(ctx) {
			return
		}
	}
}

func (w *Watcher) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(pollInterval):
		return true
	}
}

func (w *Watcher) snapshot(ctx context.Context) ([]spotcloud.SpotRequest, []spotcloud.Instance, error) {
	requests, err := w.adapter.ListSpotRequests(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing spot requests: %w", err)
	}
	instances, err := w.adapter.ListInstances(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing instances: %w", err)
	}
	return fleet.ManagedSpotRequests(requests, w.namePrefix), instances, nil
}

type setupPair struct {
	request  spotcloud.SpotRequest
	instance spotcloud.Instance
}

// pairPleaseSetup finds (instance, request) pairs where the request has
// been fulfilled by a running instance that has not yet been tagged as
// set up.
func pairPleaseSetup(requests []spotcloud.SpotRequest, instances []spotcloud.Instance) []setupPair {
	byID := make(map[string]spotcloud.Instance, len(instances))
	for _, inst := range instances {
		byID[inst.ID] = inst
	}

	var pairs []setupPair
	for _, req := range requests {
		if req.InstanceID == "" {
			continue
		}
		inst, ok := byID[req.InstanceID]
		if !ok || inst.State != "running" {
			continue
		}
		if inst.Tags["Name"] != "" {
			continue
		}
		pairs = append(pairs, setupPair{request: req, instance: inst})
	}
	return pairs
}

func (w *Watcher) processSetup(ctx context.Context, pair setupPair) {
	typeSpec, ok := firstMatchingType(w.types, pair.instance.InstanceType)
	if !ok {
		slog.Warn("watcher: no utility table entry for instance type, skipping setup",
			"instanceType", pair.instance.InstanceType, "instance", pair.instance.ID)
		return
	}

	if err := w.instanceManager.Setup(ctx, pair.instance, typeSpec.Utility); err == nil {
		if tagErr := w.adapter.AddTag(ctx, pair.instance.ID, "Name", w.namePrefix+" (running)"); tagErr != nil {
			slog.Warn("watcher: tagging instance after setup failed", "instance", pair.instance.ID, "error", tagErr)
		}
		w.registry.Remove(pair.request.ID)
		delete(w.deadlines, pair.instance.ID)
		w.audit.Record("setup", pair.instance.ID, fmt.Sprintf("instanceType=%s utility=%.4f", pair.instance.InstanceType, typeSpec.Utility))
		return
	} else {
		w.handleSetupFailure(ctx, pair, err)
	}
}

func (w *Watcher) handleSetupFailure(ctx context.Context, pair setupPair, setupErr error) {
	now := time.Now()
	metrics.SetupFailuresTotal.Inc()
	deadline, exists := w.deadlines[pair.instance.ID]
	if !exists {
		w.deadlines[pair.instance.ID] = now.Add(setupDeadline)
		w.audit.Record("setup_failed", pair.instance.ID, setupErr.Error())
		slog.Warn("watcher: setup failed, setup deadline started", "instance", pair.instance.ID, "error", setupErr)
		return
	}

	if now.After(deadline) {
		if termErr := w.adapter.Terminate(ctx, []string{pair.instance.ID}); termErr != nil {
			slog.Error("watcher: forced termination after setup deadline failed", "instance", pair.instance.ID, "error", termErr)
		} else {
			metrics.InstancesTerminatedTotal.WithLabelValues("setup_deadline").Inc()
		}
		w.registry.Remove(pair.request.ID)
		delete(w.deadlines, pair.instance.ID)
		metrics.SetupDeadlineExceededTotal.Inc()
		w.audit.Record("force_terminate", pair.instance.ID, "setup deadline exceeded")
		slog.Warn("watcher: setup deadline exceeded, instance terminated", "instance", pair.instance.ID)
		return
	}

	slog.Warn("watcher: setup failed, retrying", "instance", pair.instance.ID, "error", setupErr)
}

func pendingFrom(requests []spotcloud.SpotRequest) []spotcloud.SpotRequest {
	var pending []spotcloud.SpotRequest
	for _, r := range requests {
		if spotcloud.IsPending(r.StatusCode) {
			pending = append(pending, r)
		}
	}
	return pending
}

func firstMatchingType(types []spotcloud.InstanceTypeSpec, instanceType string) (spotcloud.InstanceTypeSpec, bool) {
	for _, t := range types {
		if t.InstanceType == instanceType {
			return t, true
		}
	}
	return spotcloud.InstanceTypeSpec{}, false
}
