// Package spotcloud defines the data model and cloud-adapter contract shared
// across the pricing engine, the reconciler, and the life-cycle watcher. It
// holds no AWS-specific code; internal/awsadapter implements Adapter against
// the AWS SDK.
package spotcloud

import "time"

// PriceSample is a single observed spot-price data point. Samples are
// value-equal by the tuple of all fields; the price store deduplicates on
// this equality.
type PriceSample struct {
	Zone                string    `json:"availability_zone"`
	InstanceType        string    `json:"instance_type"`
	Price               float64   `json:"price"`
	ProductDescription  string    `json:"product_description"`
	Region              string    `json:"region"`
	Timestamp           time.Time `json:"timestamp"`
}

// Key returns the value-equality key used for deduplication in the price store.
func (s PriceSample) Key() PriceSample {
	return PriceSample{
		Zone:               s.Zone,
		InstanceType:       s.InstanceType,
		Price:              s.Price,
		ProductDescription: s.ProductDescription,
		Region:             s.Region,
		Timestamp:          s.Timestamp,
	}
}

// InstanceTypeSpec is static, operator-configured per-type data. The set of
// known instance types is closed and fixed for the lifetime of a run.
type InstanceTypeSpec struct {
	InstanceType string
	Utility      float64
	Discount     float64
}

// HourlyPricePoint is the per-(zone, type, hour) derivation the aggregator
// builds before rolling up into a Candidate.
type HourlyPricePoint struct {
	Zone         string
	InstanceType string
	Hour         time.Time
	MaxPrice     float64
	Count        int
	CurrentPrice float64
}

// Candidate is a (zone, instance-type) pairing annotated with the derived
// pricing statistics the reconciler and bid planner consume.
type Candidate struct {
	Zone           string
	Type           InstanceTypeSpec
	Price80        float64
	MaxPrice       float64
	CurrentPrice   *float64 // nil when the series has no samples in-window
	AllPrice       []float64 // ascending
	EstimatedValue float64
	HigherPrice    *float64 // nil when no observed price exceeds Price80
}

// Status code vocabularies (spec §6). Unknown codes are inert: neither
// pending nor running.
var (
	PendingStatusCodes = map[string]bool{
		"pending-evaluation":   true,
		"pending-fulfillment":  true,
		"az-group-constraint":  true,
		"price-too-low":        true,
	}
	RunningStatusCodes = map[string]bool{
		"fulfilled":                          true,
		"request-canceled-and-instance-running": true,
	}
	TerminatedStatusCodes = map[string]bool{
		"capacity-oversubscribed":                       true,
		"capacity-not-available":                        true,
		"instance-terminated-capacity-oversubscribed":   true,
		"bad-parameters":                                true,
	}
	RetryStatusCodes = map[string]bool{
		"instance-terminated-by-price":  true,
		"bad-parameters":                true,
		"canceled-before-fulfillment":   true,
		"instance-terminated-by-user":   true,
	}
)

func IsPending(code string) bool  { return PendingStatusCodes[code] }
func IsRunning(code string) bool  { return RunningStatusCodes[code] }

// SpotRequest is a managed spot request as projected from the cloud adapter.
type SpotRequest struct {
	ID                 string
	Price              float64
	InstanceType       string
	StatusCode         string
	InstanceID         string // empty until fulfilled
	CreateTime         time.Time
	Tags               map[string]string
}

// IsManaged reports whether the request's Name tag is empty or begins with
// prefix, per spec §3 SpotRequest invariant.
func (r SpotRequest) IsManaged(prefix string) bool {
	name, ok := r.Tags["Name"]
	if !ok || name == "" {
		return true
	}
	return hasPrefix(name, prefix)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Instance is the raw per-instance projection the cloud adapter returns,
// before joining in pricing markup.
type Instance struct {
	ID                   string
	InstanceType         string
	State                string
	SpotInstanceRequestID string
	Tags                 map[string]string
}

// ManagedInstance joins a running Instance with its Candidate markup by
// instance type (spec §3 invariant I1: every managed running instance maps
// to exactly one candidate).
type ManagedInstance struct {
	Instance
	Markup *Candidate
}

// LaunchSpec is the base launch-specification template (spec §6
// ec2.request). The bid planner hands it unchanged to the adapter's
// RequestSpot, which keeps only the network interfaces in the bid's zone.
type LaunchSpec struct {
	NetworkInterfaces []NetworkInterfaceSpec
	Expiration        time.Duration // 0 means "no valid_until"
}

type NetworkInterfaceSpec struct {
	SubnetID               string
	DeviceIndex            int
	AssociatePublicIP      bool
	Groups                 []string
}

// EphemeralDiskCount resolves the number of ephemeral disks a launch should
// attach for an instance type. The table itself is external per spec §1/§6;
// callers inject a lookup (e.g. a closure over a config-loaded map).
type EphemeralDiskCount func(instanceType string) int
