// Package pricing builds the ranked Candidate list the reconciler and bid
// planner consume: a freshness probe that pulls incremental spot-price
// history into the price store, followed by a pure, deterministic rollup
// over the in-memory sample set (spec §4.2). The rollup is nested loops over
// sorted samples, not a declarative query, by design.
package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fleetward/spotfleet/internal/metrics"
	"github.com/fleetward/spotfleet/internal/pricestore"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

const (
	lookbackWindow   = 7 * 24 * time.Hour
	aggregationHours = 24
	maxFetchPages    = 50
)

// Aggregator holds the collaborators and tunables needed to refresh and roll
// up spot-price history.
type Aggregator struct {
	adapter spotcloud.Adapter
	store   *pricestore.Store

	zone                      string // "" fetches across all zones
	bidPercentile             float64
	legacyHigherPriceOrdering bool
}

func New(adapter spotcloud.Adapter, store *pricestore.Store, zone string, bidPercentile float64, legacyHigherPriceOrdering bool) *Aggregator {
	return &Aggregator{
		adapter:                   adapter,
		store:                     store,
		zone:                      zone,
		bidPercentile:             bidPercentile,
		legacyHigherPriceOrdering: legacyHigherPriceOrdering,
	}
}

// Refresh performs the freshness probe: for each configured instance type it
// fetches price history from the later of the newest stored sample or a
// 7-day floor, inserts the results into the store, and persists. A fetch
// failure for one instance type aborts the whole refresh with a recoverable
// error; partial progress already inserted into the in-memory set is kept
// but not saved.
func (a *Aggregator) Refresh(ctx context.Context, types []spotcloud.InstanceTypeSpec, now time.Time) error {
	floor := now.Add(-lookbackWindow)

	for _, t := range types {
		start := a.latestTimestamp(t.InstanceType)
		if start.Before(floor) {
			start = floor
		}

		nextToken := ""
		for page := 0; page < maxFetchPages; page++ {
			samples, next, err := a.adapter.GetSpotPriceHistory(ctx, a.zone, t.InstanceType, start, nextToken)
			if err != nil {
				metrics.PriceHistoryFetchTotal.WithLabelValues(t.InstanceType, "error").Inc()
				return fmt.Errorf("fetching spot price history for %s: %w", t.InstanceType, err)
			}
			metrics.PriceHistoryFetchTotal.WithLabelValues(t.InstanceType, "ok").Inc()
			a.store.Add(samples)
			if next == "" {
				break
			}
			nextToken = next
		}
	}

	if err := a.store.Save(); err != nil {
		return fmt.Errorf("persisting price store: %w", err)
	}
	return nil
}

func (a *Aggregator) latestTimestamp(instanceType string) time.Time {
	var latest time.Time
	for _, s := range a.store.All() {
		if s.InstanceType != instanceType {
			continue
		}
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	return latest
}

type seriesKey struct {
	zone         string
	instanceType string
}

// BuildCandidates computes the ranked Candidate list purely from the price
// store's current contents; it performs no I/O and is safe to call
// repeatedly without changing its result (P4 aggregation idempotence), as
// long as the underlying sample set and now are unchanged.
func (a *Aggregator) BuildCandidates(types []spotcloud.InstanceTypeSpec, now time.Time) []spotcloud.Candidate {
	typeByName := make(map[string]spotcloud.InstanceTypeSpec, len(types))
	for _, t := range types {
		typeByName[t.InstanceType] = t
	}

	hourFloor := now.Truncate(time.Hour)
	windowStart := hourFloor.Add(-aggregationHours * time.Hour)

	series := make(map[seriesKey][]spotcloud.PriceSample)
	for _, s := range a.store.All() {
		if _, known := typeByName[s.InstanceType]; !known {
			continue
		}
		if !s.Timestamp.After(windowStart) {
			continue
		}
		k := seriesKey{zone: s.Zone, instanceType: s.InstanceType}
		series[k] = append(series[k], s)
	}

	// Sort keys for a deterministic iteration/emission order.
	keys := make([]seriesKey, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].zone != keys[j].zone {
			return keys[i].zone < keys[j].zone
		}
		return keys[i].instanceType < keys[j].instanceType
	})

	var candidates []spotcloud.Candidate
	for _, k := range keys {
		samples := series[k]
		sort.Slice(samples, func(i, j int) bool {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		})

		points := hourlyPoints(k, samples, windowStart, hourFloor, now)
		if len(points) == 0 {
			continue
		}

		chronological := make([]float64, len(points))
		for i, p := range points {
			chronological[i] = p.MaxPrice
		}
		ascending := append([]float64(nil), chronological...)
		sort.Float64s(ascending)

		price80 := percentile(ascending, a.bidPercentile)
		maxPrice := ascending[len(ascending)-1]
		currentPrice := points[len(points)-1].CurrentPrice

		var higherPrice *float64
		if a.legacyHigherPriceOrdering {
			higherPrice = higherPriceFirstObserved(chronological, price80)
		} else {
			higherPrice = higherPriceMin(ascending, price80)
		}

		typeSpec := typeByName[k.instanceType]
		if price80 == 0 {
			continue
		}

		cp := currentPrice
		candidates = append(candidates, spotcloud.Candidate{
			Zone:           k.zone,
			Type:           typeSpec,
			Price80:        price80,
			MaxPrice:       maxPrice,
			CurrentPrice:   &cp,
			AllPrice:       ascending,
			EstimatedValue: typeSpec.Utility / price80,
			HigherPrice:    higherPrice,
		})
		metrics.CandidatePrice80.WithLabelValues(k.zone, k.instanceType).Set(price80)
		metrics.CandidateEstimatedValue.WithLabelValues(k.zone, k.instanceType).Set(typeSpec.Utility / price80)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].EstimatedValue != candidates[j].EstimatedValue {
			return candidates[i].EstimatedValue > candidates[j].EstimatedValue
		}
		if candidates[i].Zone != candidates[j].Zone {
			return candidates[i].Zone < candidates[j].Zone
		}
		return candidates[i].Type.InstanceType < candidates[j].Type.InstanceType
	})

	return candidates
}

// hourlyPoints derives the per-hour-bucket maxima for one (zone, type)
// series. Each sample is considered active over [timestamp, next sample's
// timestamp), with the last sample's interval extended through now.
func hourlyPoints(k seriesKey, samples []spotcloud.PriceSample, windowStart, hourFloor, now time.Time) []spotcloud.HourlyPricePoint {
	type bucket struct {
		max   float64
		count int
		seen  bool
	}
	buckets := make(map[time.Time]*bucket)
	var order []time.Time

	for b := windowStart; b.Before(hourFloor); b = b.Add(time.Hour) {
		buckets[b] = &bucket{}
		order = append(order, b)
	}

	currentPrice := samples[len(samples)-1].Price

	for i, s := range samples {
		intervalEnd := now
		if i+1 < len(samples) {
			intervalEnd = samples[i+1].Timestamp
		}
		for _, b := range order {
			bucketEnd := b.Add(time.Hour)
			if s.Timestamp.Before(bucketEnd) && intervalEnd.After(b) {
				bk := buckets[b]
				if !bk.seen || s.Price > bk.max {
					bk.max = s.Price
				}
				bk.seen = true
				bk.count++
			}
		}
	}

	var points []spotcloud.HourlyPricePoint
	for _, b := range order {
		bk := buckets[b]
		if !bk.seen {
			continue
		}
		points = append(points, spotcloud.HourlyPricePoint{
			Zone:         k.zone,
			InstanceType: k.instanceType,
			Hour:         b,
			MaxPrice:     bk.max,
			Count:        bk.count,
			CurrentPrice: currentPrice,
		})
	}
	return points
}
