// Package instancemgr constructs the external spotcloud.InstanceManager
// collaborator from the configured factory (spec §6 "instance"). The core
// only depends on the interface; this package supplies a reference no-op
// implementation for configurations that don't need post-boot setup.
package instancemgr

import (
	"context"
	"fmt"

	"github.com/fleetward/spotfleet/internal/config"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

// Noop never requires setup; the watcher is never started for it.
type Noop struct{}

func (Noop) SetupRequired() bool      { return false }
func (Noop) RequiredUtility() float64 { return 0 }

func (Noop) Setup(ctx context.Context, inst spotcloud.Instance, u float64) error { return nil }
func (Noop) Teardown(ctx context.Context, inst spotcloud.Instance) error         { return nil }

// Build constructs an InstanceManager from the configured factory type.
// Unknown factory types are a startup error; operators embedding their own
// installer wire it in here by extending this switch.
func Build(factory config.InstanceFactory) (spotcloud.InstanceManager, error) {
	switch factory.Type {
	case "", "noop":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("instance: unknown factory type %q", factory.Type)
	}
}
