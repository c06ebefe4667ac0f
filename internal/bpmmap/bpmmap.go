// Package bpmmap loads an optional BPM id to human-readable name map, used
// by fa-capture purely for display (spec §6 CLI).
package bpmmap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Map is a BPM id to name lookup.
type Map map[uint32]string

// Load reads a JSON-with-comments file of the form
// `{"0": "SR01C-DI-EBPM-01", ...}` into a Map.
func Load(path string) (Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bpm name map %s: %w", path, err)
	}

	standard, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bpm name map %s: %w", path, err)
	}

	var raw2 map[string]string
	if err := json.Unmarshal(standard, &raw2); err != nil {
		return nil, fmt.Errorf("failed to decode bpm name map %s: %w", path, err)
	}

	m := make(Map, len(raw2))
	for k, v := range raw2 {
		var id uint32
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid bpm id key %q in %s: %w", k, path, err)
		}
		m[id] = v
	}

	return m, nil
}

// Name returns the configured name for id, or a synthetic "bpm<id>" label
// if no map entry exists.
func (m Map) Name(id uint32) string {
	if name, ok := m[id]; ok {
		return name
	}
	return fmt.Sprintf("bpm%d", id)
}
