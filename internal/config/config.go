// Package config loads and validates spotfleet's configuration tree (spec
// §6), following internal/config's yaml-over-defaults pattern: a typed
// struct, a DefaultConfig(), and a LoadFromFile() that unmarshals YAML onto
// the defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for spotfleet.
type Config struct {
	AWS              AWSConfig        `yaml:"aws"`
	AvailabilityZone string           `yaml:"availability_zone"`
	Budget           float64          `yaml:"budget"`
	MaxNewUtility    float64          `yaml:"max_new_utility"`
	MaxUtilityPrice  float64          `yaml:"max_utility_price"`
	BidPercentile    float64          `yaml:"bid_percentile"`
	PriceFile        string           `yaml:"price_file"`
	RunInterval      time.Duration    `yaml:"run_interval"`
	Utility          []UtilityConfig  `yaml:"utility"`
	EC2              EC2Config        `yaml:"ec2"`
	Instance         InstanceFactory  `yaml:"instance"`
	Debug            DebugConfig      `yaml:"debug"`
	Pricing          PricingConfig    `yaml:"pricing"`
	Database         DatabaseConfig   `yaml:"database"`
	HTTPServer       HTTPServerConfig `yaml:"httpServer"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"aws_access_key_id"`
	SecretAccessKey string `yaml:"aws_secret_access_key"`
}

// UtilityConfig is one entry of the operator-configured closed set of known
// instance types (spec §3 InstanceTypeSpec).
type UtilityConfig struct {
	InstanceType string   `yaml:"instance_type"`
	Utility      float64  `yaml:"utility"`
	Discount     *float64 `yaml:"discount"`
}

type EC2Config struct {
	Instance InstanceNameConfig `yaml:"instance"`
	Request  RequestTemplate    `yaml:"request"`
}

type InstanceNameConfig struct {
	Name string `yaml:"name"`
}

// RequestTemplate is the base launch-specification template (spec §6
// ec2.request), including an optional expiration duration.
type RequestTemplate struct {
	NetworkInterfaces []NetworkInterfaceConfig `yaml:"network_interfaces"`
	Expiration        time.Duration            `yaml:"expiration"`
}

type NetworkInterfaceConfig struct {
	SubnetID          string   `yaml:"subnet_id"`
	DeviceIndex       int      `yaml:"device_index"`
	AssociatePublicIP bool     `yaml:"associate_public_ip"`
	Groups            []string `yaml:"groups"`
}

// InstanceFactory names which InstanceManager implementation to construct;
// the concrete factories live outside this package (spec §6: "instance —
// factory reference for constructing the external InstanceManager").
type InstanceFactory struct {
	Type string                 `yaml:"type"`
	Args map[string]interface{} `yaml:"args"`
}

type DebugConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "text"
}

// PricingConfig carries the feature flag the Design Notes open question
// asks for (higher_price: min vs first-observed).
type PricingConfig struct {
	LegacyHigherPriceOrdering bool `yaml:"legacyHigherPriceOrdering"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retentionDays"`
}

type HTTPServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DefaultConfig returns a Config with sensible defaults, mirroring the
// teacher's DefaultConfig()/applyEnvOverrides split.
func DefaultConfig() *Config {
	cfg := &Config{
		AvailabilityZone: "",
		MaxNewUtility:    1e9,
		BidPercentile:    80,
		PriceFile:        "prices.json",
		RunInterval:      60 * time.Second,
		Debug: DebugConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Path:          "spotfleet-audit.db",
			RetentionDays: 90,
		},
		HTTPServer: HTTPServerConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8090,
		},
		Instance: InstanceFactory{Type: "noop"},
	}
	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides fills in empty credential fields from the standard AWS
// environment variables, the way the teacher's config pulls cloud/region
// hints from the environment when the file leaves them blank.
func (c *Config) applyEnvOverrides() {
	if c.AWS.Region == "" {
		if v := os.Getenv("AWS_REGION"); v != "" {
			c.AWS.Region = v
		} else if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" {
			c.AWS.Region = v
		}
	}
	if c.AWS.AccessKeyID == "" {
		c.AWS.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.AWS.SecretAccessKey == "" {
		c.AWS.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
}

// LoadFromFile loads config from a YAML file, overlaying on defaults.
// Unknown top-level keys are a startup error.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i := range cfg.Utility {
		if cfg.Utility[i].Discount == nil {
			zero := 0.0
			cfg.Utility[i].Discount = &zero
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}
