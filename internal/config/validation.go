package config

import (
	"fmt"
	"strings"
)

// ValidationError collects multiple validation errors, matching the
// teacher's accumulate-then-report pattern.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Add(msg string) {
	e.Errors = append(e.Errors, msg)
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the config for the constraints spec §6/§3 require.
func (c *Config) Validate() error {
	ve := &ValidationError{}

	if c.AWS.Region == "" {
		ve.Add("aws.region is required")
	}
	if c.Budget <= 0 {
		ve.Add("budget must be > 0")
	}
	if c.MaxUtilityPrice <= 0 {
		ve.Add("max_utility_price must be > 0")
	}
	if c.BidPercentile < 0 || c.BidPercentile > 100 {
		ve.Add("bid_percentile must be between 0 and 100")
	}
	if c.PriceFile == "" {
		ve.Add("price_file is required")
	}
	if c.RunInterval <= 0 {
		ve.Add("run_interval must be > 0")
	}
	if len(c.Utility) == 0 {
		ve.Add("utility must list at least one instance type")
	}
	seen := make(map[string]bool, len(c.Utility))
	for _, u := range c.Utility {
		if u.InstanceType == "" {
			ve.Add("utility entries must set instance_type")
			continue
		}
		if seen[u.InstanceType] {
			ve.Add(fmt.Sprintf("utility lists %q more than once", u.InstanceType))
		}
		seen[u.InstanceType] = true
		if u.Utility <= 0 {
			ve.Add(fmt.Sprintf("utility[%s].utility must be > 0", u.InstanceType))
		}
		if u.Discount != nil && *u.Discount < 0 {
			ve.Add(fmt.Sprintf("utility[%s].discount must be >= 0", u.InstanceType))
		}
	}
	if c.EC2.Instance.Name == "" {
		ve.Add("ec2.instance.name is required")
	}
	if len(c.EC2.Request.NetworkInterfaces) == 0 {
		ve.Add("ec2.request.network_interfaces must not be empty")
	}
	switch c.Debug.Format {
	case "", "json", "text":
	default:
		ve.Add(fmt.Sprintf("debug.format %q must be json or text", c.Debug.Format))
	}
	if c.HTTPServer.Enabled && (c.HTTPServer.Port < 1 || c.HTTPServer.Port > 65535) {
		ve.Add("httpServer.port must be between 1 and 65535")
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// InstanceTypes returns the configured instance-type names in declaration
// order, for use with a cloud fetch fan-out.
func (c *Config) InstanceTypes() []string {
	out := make([]string, len(c.Utility))
	for i, u := range c.Utility {
		out[i] = u.InstanceType
	}
	return out
}
