package runindex

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Marker is the run.json file written into every run-log directory when the
// run starts. Retention and discovery read it instead of parsing paths.
type Marker struct {
	RunID         string    `json:"run_id"`
	PipelineSlug  string    `json:"pipeline_slug"`
	Profile       string    `json:"profile,omitempty"`
	ManifestHash  string    `json:"manifest_hash,omitempty"`
	ManifestShort string    `json:"manifest_short,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
}

// WriteMarker writes m to path atomically.
func WriteMarker(path string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run marker: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// ReadMarker reads a run.json file.
func ReadMarker(path string) (Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("decode run marker %s: %w", path, err)
	}
	return m, nil
}
