// Package pricestore persists the deduplicated set of observed spot-price
// samples to a single JSON file (spec §4.1). It never fails visibly: a
// missing file yields an empty set, and an unreadable or corrupt file yields
// an empty set and a logged warning.
package pricestore

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/fleetward/spotfleet/internal/metrics"
	"github.com/fleetward/spotfleet/pkg/spotcloud"
)

// Store holds the in-memory set of price samples for one run and knows how
// to load/persist it from/to a file.
type Store struct {
	path    string
	samples map[spotcloud.PriceSample]struct{}
}

// New returns a Store bound to path, with an empty sample set. Call Load to
// populate it from disk.
func New(path string) *Store {
	return &Store{
		path:    path,
		samples: make(map[spotcloud.PriceSample]struct{}),
	}
}

// Load reads the price file at the store's path, replacing the in-memory
// set. A missing file or one that fails to read or parse is not an error:
// the store is reset to empty. Read and parse failures are logged; a
// missing file is not.
func (s *Store) Load() {
	s.samples = make(map[spotcloud.PriceSample]struct{})

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("pricestore: failed to read price file, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var records []spotcloud.PriceSample
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("pricestore: failed to parse price file, starting empty", "path", s.path, "error", err)
		return
	}

	for _, r := range records {
		s.samples[r.Key()] = struct{}{}
	}
	metrics.PriceSamplesStored.Set(float64(len(s.samples)))
}

// Add inserts samples into the set, silently deduplicating by value
// equality. It returns the number of genuinely new samples.
func (s *Store) Add(samples []spotcloud.PriceSample) int {
	added := 0
	for _, sample := range samples {
		key := sample.Key()
		if _, exists := s.samples[key]; exists {
			continue
		}
		s.samples[key] = struct{}{}
		added++
	}
	metrics.PriceSamplesStored.Set(float64(len(s.samples)))
	return added
}

// All returns every sample currently held, in no particular order.
func (s *Store) All() []spotcloud.PriceSample {
	out := make([]spotcloud.PriceSample, 0, len(s.samples))
	for sample := range s.samples {
		out = append(out, sample)
	}
	return out
}

// Len reports the number of distinct samples held.
func (s *Store) Len() int {
	return len(s.samples)
}

// Save rewrites the price file with the full current set, pretty-printed.
// The write is a total rewrite; atomicity across readers is not required by
// the contract.
func (s *Store) Save() error {
	records := s.All()
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
