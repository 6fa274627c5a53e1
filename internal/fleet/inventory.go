// Package fleet derives the managed-resource view the reconciler and watcher
// act on: which spot requests and running instances belong to this fleet,
// and running instances joined with their pricing markup.
package fleet

import (
	"fmt"
	"sort"

	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

// Inventory is a point-in-time snapshot of the managed fleet.
type Inventory struct {
	SpotRequests []spotcloud.SpotRequest
	Instances    []spotcloud.ManagedInstance
}

// Snapshot lists managed spot requests and running managed instances,
// joining instances with their Candidate markup by instance type. A running
// managed instance whose instance type has no matching candidate is a fatal
// configuration error (spec §3 invariant I1).
func Snapshot(requests []spotcloud.SpotRequest, instances []spotcloud.Instance, candidates []spotcloud.Candidate, namePrefix string) (Inventory, error) {
	managedRequests := ManagedSpotRequests(requests, namePrefix)

	byType := make(map[string]*spotcloud.Candidate, len(candidates))
	for i := range candidates {
		c := candidates[i]
		if _, exists := byType[c.Type.InstanceType]; !exists {
			byType[c.Type.InstanceType] = &c
		}
	}

	var managedInstances []spotcloud.ManagedInstance
	for _, inst := range instances {
		if inst.State != "running" {
			continue
		}
		if !hasManagedName(inst.Tags, namePrefix) {
			continue
		}
		markup, ok := byType[inst.InstanceType]
		if !ok {
			return Inventory{}, fmt.Errorf("managed running instance %s has instance type %q with no matching candidate", inst.ID, inst.InstanceType)
		}
		managedInstances = append(managedInstances, spotcloud.ManagedInstance{
			Instance: inst,
			Markup:   markup,
		})
	}

	sort.SliceStable(managedInstances, func(i, j int) bool {
		a, b := managedInstances[i].Markup, managedInstances[j].Markup
		if a.Type.Utility != b.Type.Utility {
			return a.Type.Utility > b.Type.Utility
		}
		return a.EstimatedValue < b.EstimatedValue
	})

	return Inventory{SpotRequests: managedRequests, Instances: managedInstances}, nil
}

// ManagedSpotRequests returns every request whose Name tag is absent, empty,
// or begins with namePrefix.
func ManagedSpotRequests(requests []spotcloud.SpotRequest, namePrefix string) []spotcloud.SpotRequest {
	var out []spotcloud.SpotRequest
	for _, r := range requests {
		if r.IsManaged(namePrefix) {
			out = append(out, r)
		}
	}
	return out
}

func hasManagedName(tags map[string]string, namePrefix string) bool {
	name, ok := tags["Name"]
	if !ok || name == "" {
		return false // a running instance with no Name tag was never set up by this fleet
	}
	return len(name) >= len(namePrefix) && name[:len(namePrefix)] == namePrefix
}
