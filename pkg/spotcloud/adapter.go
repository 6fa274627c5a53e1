package spotcloud

import (
	"context"
	"time"
)

// Adapter is the abstract cloud surface (spec §4.3/§6): spot price history,
// spot request lifecycle, instance listing/termination, and tagging. All
// operations are synchronous from the caller's perspective and may block on
// network I/O or fail with a transient error.
type Adapter interface {
	// GetSpotPriceHistory is paginated; callers loop passing the returned
	// NextToken until it is empty.
	GetSpotPriceHistory(ctx context.Context, zone, instanceType string, start time.Time, nextToken string) (samples []PriceSample, next string, err error)

	// RequestSpot submits a spot request at bid for zoneGroup/instanceType
	// using spec, and tags each returned request with the fleet name.
	RequestSpot(ctx context.Context, bid float64, zoneGroup, instanceType string, spec LaunchSpec) ([]SpotRequest, error)

	CancelSpot(ctx context.Context, requestIDs []string) error
	Terminate(ctx context.Context, instanceIDs []string) error

	ListSpotRequests(ctx context.Context) ([]SpotRequest, error)
	ListInstances(ctx context.Context) ([]Instance, error)

	AddTag(ctx context.Context, resourceID, key, value string) error

	// SubnetZone resolves the availability zone a subnet lives in, used to
	// select which network interfaces belong in a given zone group's launch
	// spec.
	SubnetZone(ctx context.Context, subnetID string) (string, error)
}

// InstanceManager is the external per-instance post-boot setup collaborator
// (spec §6). It is injected; this repo only depends on the interface.
type InstanceManager interface {
	SetupRequired() bool
	RequiredUtility() float64
	Setup(ctx context.Context, inst Instance, utility float64) error
	Teardown(ctx context.Context, inst Instance) error
}
