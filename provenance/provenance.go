// Package provenance records what was persisted next to the output itself:
// the step definitions, the lineage key of the persisted entry, the group
// keys used and the source identity. A record is sufficient to reconstruct
// the lineage without replaying the step chain.
package provenance

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// FileName is the provenance file written into every saved run folder.
const FileName = "spikepipe_provenance.yaml"

// Step mirrors one step definition.
type Step struct {
	Name   string                 `yaml:"name"`
	Params map[string]interface{} `yaml:"params,omitempty"`
}

// Record captures everything needed to identify a persisted preprocessed
// recording.
type Record struct {
	Run          string          `yaml:"run"`
	Session      string          `yaml:"session"`
	Format       string          `yaml:"format"`
	OrigRunNames []string        `yaml:"orig_run_names,omitempty"`
	Steps        map[string]Step `yaml:"steps"`
	LineageKeys  []string        `yaml:"lineage"`
	GroupKeys    []string        `yaml:"group_keys"`
	PersistedKey string          `yaml:"persisted_key"`
	SavedAt      time.Time       `yaml:"saved_at"`
}

// Write marshals rec into dir.
func Write(fsys afero.Fs, dir string, rec Record) error {
	body, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling provenance for run %q: %w", rec.Run, err)
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fsys, filepath.Join(dir, FileName), body, 0o644)
}

// Read loads the provenance record saved in dir.
func Read(fsys afero.Fs, dir string) (Record, error) {
	path := filepath.Join(dir, FileName)
	body, err := afero.ReadFile(fsys, path)
	if err != nil {
		return Record{}, fmt.Errorf("reading provenance at %s: %w", path, err)
	}
	var rec Record
	if err := yaml.Unmarshal(body, &rec); err != nil {
		return Record{}, fmt.Errorf("parsing provenance at %s: %w", path, err)
	}
	return rec, nil
}
