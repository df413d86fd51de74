package steps

import (
	"sort"

	"github.com/spikepipe/spikepipe/recording"
)

// TransformFunc applies one processing step to a recording and returns the
// resulting recording.
type TransformFunc func(rec recording.Recording, params recording.Params) (recording.Recording, error)

// Registry maps supported step names to their transforms. It is passed into
// Apply explicitly so tests can substitute fakes without global state.
type Registry map[string]TransformFunc

// Names returns the registered step names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// canonical step names supported by the default registry.
var canonicalSteps = []string{
	"phase_shift",
	"bandpass_filter",
	"common_reference",
	"scale",
	"highpass_spatial_filter",
	"whiten",
}

// DefaultRegistry returns the registry of canonical step names, each
// delegating to the recording engine's named transform.
func DefaultRegistry() Registry {
	reg := make(Registry, len(canonicalSteps))
	for _, name := range canonicalSteps {
		name := name
		reg[name] = func(rec recording.Recording, params recording.Params) (recording.Recording, error) {
			return rec.Transform(name, params)
		}
	}
	return reg
}
