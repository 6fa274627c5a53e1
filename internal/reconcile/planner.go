package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/fleetward/spotfleet/internal/auditlog"
	"github.com/fleetward/spotfleet/internal/metrics"
	"github.com/fleetward/spotfleet/internal/registry"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

// Planner implements add_instances (spec §4.6): for each candidate in ranked
// order, compute a bid ladder for the remaining utility delta and submit
// spot requests within budget.
type Planner struct {
	adapter         spotcloud.Adapter
	registry        *registry.Registry
	audit           *auditlog.Log
	maxUtilityPrice float64
	launchSpec      spotcloud.LaunchSpec
}

func NewPlanner(adapter spotcloud.Adapter, reg *registry.Registry, audit *auditlog.Log, maxUtilityPrice float64, launchSpec spotcloud.LaunchSpec) *Planner {
	return &Planner{
		adapter:         adapter,
		registry:        reg,
		audit:           audit,
		maxUtilityPrice: maxUtilityPrice,
		launchSpec:      launchSpec,
	}
}

// Plan walks candidates best-estimated-value first, submitting spot requests
// until netNewUtility is satisfied or no more candidates qualify. It returns
// the residual utility and budget.
func (p *Planner) Plan(ctx context.Context, candidates []spotcloud.Candidate, netNewUtility, remainingBudget float64) (float64, float64, error) {
	for _, c := range candidates {
		if netNewUtility <= 0 {
			break
		}
		if c.CurrentPrice == nil {
			continue
		}

		typeUtility := c.Type.Utility
		priceCeiling := typeUtility * p.maxUtilityPrice
		maxBid := priceCeiling
		if c.HigherPrice != nil && *c.HigherPrice < maxBid {
			maxBid = *c.HigherPrice
		}
		minBid := c.Price80
		if minBid > maxBid {
			continue
		}

		num := int(math.Round(netNewUtility / typeUtility))
		var priceInterval float64
		switch {
		case num <= 0:
			continue
		case num == 1:
			raised := math.Max(*c.CurrentPrice*1.10, minBid)
			if raised > maxBid {
				raised = maxBid
			}
			if raised < minBid {
				raised = minBid
			}
			if raised > priceCeiling {
				raised = priceCeiling
			}
			minBid = raised
			priceInterval = 0
		default:
			priceInterval = math.Min(minBid/10, (maxBid-minBid)/float64(num-1))
		}

		for i := 0; i < num; i++ {
			if netNewUtility <= 0 {
				break
			}
			bid := minBid + float64(i)*priceInterval
			if bid < *c.CurrentPrice || bid > remainingBudget {
				continue
			}

			submitted, err := p.adapter.RequestSpot(ctx, bid, c.Zone, c.Type.InstanceType, p.launchSpec)
			if err != nil {
				slog.Warn("spotfleet: spot request submission failed",
					"zone", c.Zone, "instanceType", c.Type.InstanceType, "bid", bid, "error", err)
				continue
			}
			for _, req := range submitted {
				p.registry.Insert(req)
				p.audit.Record("add_instances", req.ID, fmt.Sprintf("zone=%s instanceType=%s bid=%.4f", c.Zone, c.Type.InstanceType, bid))
			}
			metrics.SpotRequestsSubmittedTotal.WithLabelValues(c.Zone, c.Type.InstanceType).Add(float64(len(submitted)))
			metrics.RegistrySize.Set(float64(p.registry.Len()))
			netNewUtility -= typeUtility * float64(len(submitted))
			remainingBudget -= bid * float64(len(submitted))
		}
	}
	return netNewUtility, remainingBudget, nil
}
