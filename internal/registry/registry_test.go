package registry

import (
	"testing"
	"time"

	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

func TestInsertThenAll(t *testing.T) {
	r := New()
	r.Insert(spotcloud.SpotRequest{ID: "r1"})
	r.Insert(spotcloud.SpotRequest{ID: "r2"})

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Insert(spotcloud.SpotRequest{ID: "r1"})
	r.Remove("r1")

	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestGC_DropsEntriesOlderThanMaxAge(t *testing.T) {
	now := time.Now()
	r := New()
	r.Insert(spotcloud.SpotRequest{ID: "old", CreateTime: now.Add(-time.Hour)})
	r.Insert(spotcloud.SpotRequest{ID: "fresh", CreateTime: now.Add(-time.Minute)})

	r.GC(now, 10*time.Minute)

	remaining := r.All()
	if len(remaining) != 1 || remaining[0].ID != "fresh" {
		t.Fatalf("remaining after GC = %+v, want only fresh", remaining)
	}
}

func TestAll_ReturnsACopyNotTheInternalMap(t *testing.T) {
	r := New()
	r.Insert(spotcloud.SpotRequest{ID: "r1"})

	all := r.All()
	all[0].ID = "mutated"

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	again := r.All()
	if again[0].ID != "r1" {
		t.Errorf("internal state mutated via returned slice: %+v", again)
	}
}
