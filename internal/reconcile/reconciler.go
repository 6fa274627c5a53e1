// Package reconcile implements the budget-aware control step (spec §4.5):
// compare desired utility to current, then issue add/remove/save-money
// actions while respecting the hourly budget cap.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetward/spotfleet/internal/auditlog"
	"github.com/fleetward/spotfleet/internal/donesignal"
	"github.com/fleetward/spotfleet/internal/fleet"
	"github.com/fleetward/spotfleet/internal/metrics"
	"github.com/fleetward/spotfleet/internal/registry"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

// maxAcceptableError bounds the greedy overshoot search in remove_instances
// (spec §4.5): acceptable_error ranges over [0, 8).
const maxAcceptableError = 8

// Result summarizes one reconciliation pass for the status server: the
// budget picture and utility delta the pass ended on, plus an operator
// alert if the requested utility could not be fully funded.
type Result struct {
	UsedBudgetUSD   float64
	RemainingBudget float64
	CurrentUtility  float64
	NetNewUtility   float64
	CandidateCount  int
	Alert           string
}

// Reconciler runs one reconciliation pass per program invocation.
type Reconciler struct {
	adapter         spotcloud.Adapter
	instanceManager spotcloud.InstanceManager
	planner         *Planner
	audit           *auditlog.Log
	namePrefix      string
	budget          float64
	maxNewUtility   float64
}

func New(adapter spotcloud.Adapter, instanceManager spotcloud.InstanceManager, reg *registry.Registry, audit *auditlog.Log, namePrefix string, budget, maxNewUtility, maxUtilityPrice float64, launchSpec spotcloud.LaunchSpec) *Reconciler {
	return &Reconciler{
		adapter:         adapter,
		instanceManager: instanceManager,
		planner:         NewPlanner(adapter, reg, audit, maxUtilityPrice, launchSpec),
		audit:           audit,
		namePrefix:      namePrefix,
		budget:          budget,
		maxNewUtility:   maxNewUtility,
	}
}

// UpdateSpotRequests is the reconciler's single entry point. It always fires
// done exactly once before returning, even on error, so the life-cycle
// watcher can observe the exit gate regardless of outcome. The returned
// Result feeds the status server's /status endpoint.
func (r *Reconciler) UpdateSpotRequests(ctx context.Context, utilityRequired float64, candidates []spotcloud.Candidate, done *donesignal.Signal) (Result, error) {
	defer done.Fire()
	defer metrics.ReconcileRunsTotal.Inc()

	requests, err := r.adapter.ListSpotRequests(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing spot requests: %w", err)
	}
	instances, err := r.adapter.ListInstances(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing instances: %w", err)
	}

	inv, err := fleet.Snapshot(requests, instances, candidates, r.namePrefix)
	if err != nil {
		return Result{}, fmt.Errorf("building fleet inventory: %w", err)
	}

	typeByName := make(map[string]spotcloud.InstanceTypeSpec, len(candidates))
	for _, c := range candidates {
		typeByName[c.Type.InstanceType] = c.Type
	}

	var usedBudget, currentUtility float64
	for _, req := range inv.SpotRequests {
		if !spotcloud.IsRunning(req.StatusCode) && !spotcloud.IsPending(req.StatusCode) {
			continue
		}
		slog.Debug("spotfleet: active spot request", "id", req.ID, "instanceType", req.InstanceType, "price", req.Price)
		t := typeByName[req.InstanceType]
		usedBudget += req.Price - t.Discount
		currentUtility += t.Utility
	}

	remainingBudget := r.budget - usedBudget
	netNewUtility := utilityRequired - currentUtility

	if remainingBudget < 0 {
		remainingBudget, netNewUtility, err = r.saveMoney(ctx, inv, remainingBudget, netNewUtility)
		if err != nil {
			return Result{}, fmt.Errorf("save_money: %w", err)
		}
	}

	if netNewUtility <= 0 {
		netNewUtility, err = r.removeInstances(ctx, inv, netNewUtility)
		if err != nil {
			return Result{}, fmt.Errorf("remove_instances: %w", err)
		}
	} else {
		if netNewUtility > r.maxNewUtility {
			netNewUtility = r.maxNewUtility
		}
		netNewUtility, remainingBudget, err = r.planner.Plan(ctx, candidates, netNewUtility, remainingBudget)
		if err != nil {
			return Result{}, fmt.Errorf("add_instances: %w", err)
		}
	}

	result := Result{
		UsedBudgetUSD:   usedBudget,
		RemainingBudget: remainingBudget,
		CurrentUtility:  currentUtility,
		NetNewUtility:   netNewUtility,
		CandidateCount:  len(candidates),
	}
	if netNewUtility > 0 {
		result.Alert = fmt.Sprintf("could not fully fund requested utility, deficit=%.4f", netNewUtility)
		slog.Warn("spotfleet: could not fully fund requested utility", "deficit", netNewUtility)
	}

	metrics.ReconcileBudgetUSD.Set(remainingBudget)
	metrics.ReconcileNetNewUtility.Set(netNewUtility)
	return result, nil
}

// saveMoney cancels every managed spot request and sheds running instances,
// in inventory order, until the budget is restored.
func (r *Reconciler) saveMoney(ctx context.Context, inv fleet.Inventory, remainingBudget, netNewUtility float64) (float64, float64, error) {
	cancelIDs := make([]string, 0, len(inv.SpotRequests))
	for _, req := range inv.SpotRequests {
		cancelIDs = append(cancelIDs, req.ID)
	}

	var shutdown []spotcloud.ManagedInstance
	for _, inst := range inv.Instances {
		if remainingBudget >= 0 {
			break
		}
		price := inst.Markup.Price80
		if price <= 0 && inst.Markup.CurrentPrice != nil {
			price = *inst.Markup.CurrentPrice
		}
		shutdown = append(shutdown, inst)
		remainingBudget += price
		netNewUtility += inst.Markup.Type.Utility
	}

	if err := r.teardownAndTerminate(ctx, shutdown); err != nil {
		return remainingBudget, netNewUtility, err
	}
	metrics.InstancesTerminatedTotal.WithLabelValues("save_money").Add(float64(len(shutdown)))
	for _, inst := range shutdown {
		r.audit.Record("save_money", inst.ID, fmt.Sprintf("terminated, utility=%.4f", inst.Markup.Type.Utility))
	}
	if err := r.adapter.CancelSpot(ctx, cancelIDs); err != nil {
		slog.Warn("spotfleet: save_money: canceling spot requests failed", "error", err)
	}
	metrics.SpotRequestsCancelledTotal.Add(float64(len(cancelIDs)))
	for _, id := range cancelIDs {
		r.audit.Record("save_money_cancel", id, "spot request cancelled to restore budget")
	}

	return remainingBudget, netNewUtility, nil
}

// removeInstances sheds the smallest set of running instances whose summed
// utility covers the deficit, searching increasing tolerated overshoot.
func (r *Reconciler) removeInstances(ctx context.Context, inv fleet.Inventory, netNewUtility float64) (float64, error) {
	deficit := -netNewUtility
	if deficit <= 0 {
		return netNewUtility, nil
	}

	var chosen []spotcloud.ManagedInstance
	for acceptableError := 0; acceptableError < maxAcceptableError; acceptableError++ {
		if set := greedyCover(inv.Instances, deficit, float64(acceptableError)); set != nil {
			chosen = set
			break
		}
	}
	if chosen == nil {
		return netNewUtility, nil
	}

	if err := r.teardownAndTerminate(ctx, chosen); err != nil {
		return netNewUtility, err
	}
	metrics.InstancesTerminatedTotal.WithLabelValues("remove_instances").Add(float64(len(chosen)))
	for _, inst := range chosen {
		r.audit.Record("remove_instances", inst.ID, fmt.Sprintf("terminated, utility=%.4f", inst.Markup.Type.Utility))
	}

	requestIDs := make([]string, 0, len(chosen))
	for _, inst := range chosen {
		if inst.SpotInstanceRequestID != "" {
			requestIDs = append(requestIDs, inst.SpotInstanceRequestID)
		}
	}
	if err := r.adapter.CancelSpot(ctx, requestIDs); err != nil {
		slog.Warn("spotfleet: remove_instances: canceling spot requests failed", "error", err)
	}

	removedUtility := 0.0
	for _, inst := range chosen {
		removedUtility += inst.Markup.Type.Utility
	}
	return netNewUtility + removedUtility, nil
}

// greedyCover walks instances in inventory order, accepting any instance
// whose utility does not exceed the remaining deficit plus acceptableError,
// until the deficit is covered. Returns nil if the deficit cannot be
// covered this way.
func greedyCover(instances []spotcloud.ManagedInstance, deficit, acceptableError float64) []spotcloud.ManagedInstance {
	var chosen []spotcloud.ManagedInstance
	remaining := deficit
	for _, inst := range instances {
		if remaining <= 0 {
			break
		}
		utility := inst.Markup.Type.Utility
		if utility <= remaining+acceptableError {
			chosen = append(chosen, inst)
			remaining -= utility
		}
	}
	if remaining > 0 {
		return nil
	}
	return chosen
}

// teardownAndTerminate invokes the external InstanceManager's teardown for
// each instance (logging but not aborting on per-instance failure) and then
// terminates the whole batch.
func (r *Reconciler) teardownAndTerminate(ctx context.Context, instances []spotcloud.ManagedInstance) error {
	if len(instances) == 0 {
		return nil
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		if err := r.instanceManager.Teardown(ctx, inst.Instance); err != nil {
			slog.Warn("spotfleet: teardown failed", "instance", inst.ID, "error", err)
		}
		ids = append(ids, inst.ID)
	}
	if err := r.adapter.Terminate(ctx, ids); err != nil {
		return fmt.Errorf("terminating instances: %w", err)
	}
	return nil
}
