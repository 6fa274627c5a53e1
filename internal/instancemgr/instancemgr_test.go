package instancemgr

import (
	"context"
	"testing"

	"github.com/fleetward/spotfleet/internal/config"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		factory   config.InstanceFactory
		wantNoop  bool
		wantError bool
	}{
		{name: "empty type defaults to noop", factory: config.InstanceFactory{}, wantNoop: true},
		{name: "explicit noop", factory: config.InstanceFactory{Type: "noop"}, wantNoop: true},
		{name: "unknown type is an error", factory: config.InstanceFactory{Type: "ansible"}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im, err := Build(tt.factory)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected an error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if tt.wantNoop {
				if _, ok := im.(Noop); !ok {
					t.Fatalf("got %T, want Noop", im)
				}
			}
		})
	}
}

func TestNoop(t *testing.T) {
	var im spotcloud.InstanceManager = Noop{}
	if im.SetupRequired() {
		t.Error("SetupRequired should be false")
	}
	if im.RequiredUtility() != 0 {
		t.Error("RequiredUtility should be 0")
	}
	if err := im.Setup(context.Background(), spotcloud.Instance{}, 1); err != nil {
		t.Errorf("Setup: %v", err)
	}
	if err := im.Teardown(context.Background(), spotcloud.Instance{}); err != nil {
		t.Errorf("Teardown: %v", err)
	}
}
