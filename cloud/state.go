package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// defaultSensorColor is used for sensors without a configured color
const defaultSensorColor = "#FF0000"

// StateTracker holds the latest raw and processed cloud per sensor for the
// HTTP endpoints, along with the job summaries that produced them.
type StateTracker struct {
	mu        sync.RWMutex
	raw       map[string]*Cloud
	processed map[string]*Cloud
	summaries map[string]Summary
	colors    map[string]string // sensor ID -> hex color
	cachePath string            // summaries cache file; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return NewStateTrackerWithCache("")
}

// NewStateTrackerWithCache creates a state tracker that persists summaries to
// cachePath. Summaries already in the file are loaded on creation; clouds are
// not persisted.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := &StateTracker{
		raw:       make(map[string]*Cloud),
		processed: make(map[string]*Cloud),
		summaries: make(map[string]Summary),
		colors:    make(map[string]string),
		cachePath: cachePath,
	}
	if cachePath != "" {
		if cached, err := LoadSummaries(cachePath); err == nil {
			st.summaries = cached
		}
	}
	return st
}

// SetColor sets the display color for a sensor
func (st *StateTracker) SetColor(sensorID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[sensorID] = hexColor
}

// Color returns the display color for a sensor
func (st *StateTracker) Color(sensorID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if c := st.colors[sensorID]; c != "" {
		return c
	}
	return defaultSensorColor
}

// UpdateRaw stores the latest decoded cloud for a sensor
func (st *StateTracker) UpdateRaw(sensorID string, c *Cloud) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.raw[sensorID] = c
}

// UpdateProcessed stores a pipeline result and its summary, then persists
// the summaries when a cache path is configured.
func (st *StateTracker) UpdateProcessed(sensorID string, c *Cloud, s Summary) {
	st.mu.Lock()
	if c != nil {
		st.processed[sensorID] = c
	}
	st.summaries[sensorID] = s
	snapshot := make(map[string]Summary, len(st.summaries))
	for k, v := range st.summaries {
		snapshot[k] = v
	}
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveSummaries(snapshot, cachePath); err != nil {
			log().Warnf("[STATE] saving summary cache: %v", err)
		}
	}
}

// Raw returns the latest decoded cloud for a sensor
func (st *StateTracker) Raw(sensorID string) (*Cloud, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	c, ok := st.raw[sensorID]
	return c, ok
}

// Processed returns the latest pipeline output for a sensor
func (st *StateTracker) Processed(sensorID string) (*Cloud, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	c, ok := st.processed[sensorID]
	return c, ok
}

// GetProcessed returns every sensor's processed cloud. Clouds are shared, not
// copied; pipeline stages never mutate their input.
func (st *StateTracker) GetProcessed() map[string]*Cloud {
	st.mu.RLock()
	defer st.mu.RUnlock()
	result := make(map[string]*Cloud, len(st.processed))
	for k, v := range st.processed {
		result[k] = v
	}
	return result
}

// Summary returns the latest job summary for a sensor
func (st *StateTracker) Summary(sensorID string) (Summary, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.summaries[sensorID]
	return s, ok
}

// Summaries returns the latest job summary of every sensor, ordered by sensor ID
func (st *StateTracker) Summaries() []Summary {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := lo.Keys(st.summaries)
	sort.Strings(ids)
	return lo.Map(ids, func(id string, _ int) Summary {
		return st.summaries[id]
	})
}

// SensorIDs returns the IDs of sensors with a processed cloud, sorted
func (st *StateTracker) SensorIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := lo.Keys(st.processed)
	sort.Strings(ids)
	return ids
}

// HasClouds returns true if at least one processed cloud is available
func (st *StateTracker) HasClouds() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.processed) > 0
}

// SaveSummaries writes summaries to disk as JSON
func SaveSummaries(summaries map[string]Summary, path string) error {
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summaries: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary cache: %w", err)
	}
	return nil
}

// LoadSummaries reads summaries written by SaveSummaries
func LoadSummaries(path string) (map[string]Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read summary cache: %w", err)
	}
	var summaries map[string]Summary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("unmarshal summary cache: %w", err)
	}
	if summaries == nil {
		summaries = make(map[string]Summary)
	}
	return summaries, nil
}
