// Package config loads pipeline configurations: which steps to run with
// which parameters, and which sorter to use. Configurations are YAML
// documents, either stored alongside the tool as named built-ins or passed
// as a file path.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/spikepipe/spikepipe/recording"
	"github.com/spikepipe/spikepipe/steps"
)

// Config is one named pipeline configuration.
type Config struct {
	Preprocessing steps.Steps
	Sorting       Sorting
}

// Sorting configures the sorting stage.
type Sorting struct {
	Sorter string
	Params recording.Params
}

// builtin holds the named configurations shipped with the tool.
var builtin = map[string]Config{
	"default": {
		Preprocessing: steps.Steps{
			"1": {Name: "phase_shift"},
			"2": {Name: "bandpass_filter", Params: recording.Params{"freq_min": 300, "freq_max": 6000}},
			"3": {Name: "common_reference", Params: recording.Params{"operator": "median", "reference": "global"}},
		},
		Sorting: Sorting{Sorter: "kilosort2_5"},
	},
}

// Names returns the built-in configuration names.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load resolves pathOrName: a built-in name, or a path to a YAML file. The
// document may carry top-level "preprocessing" and "sorting" sections; a
// bare step mapping without the section level is also accepted.
func Load(fsys afero.Fs, pathOrName string) (Config, error) {
	if cfg, ok := builtin[pathOrName]; ok {
		return cfg, nil
	}

	v := viper.New()
	v.SetFs(fsys)
	v.SetConfigFile(pathOrName)
	if filepath.Ext(pathOrName) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf(
			"configuration %q is neither a built-in name %v nor a readable file: %w",
			pathOrName, Names(), err)
	}
	return parse(v, pathOrName)
}

func parse(v *viper.Viper, source string) (Config, error) {
	var cfg Config
	var err error

	raw := v.GetStringMap("preprocessing")
	if len(raw) == 0 {
		// Bare mapping: the whole document is the step mapping.
		raw = stepEntries(v.AllSettings())
	}
	cfg.Preprocessing, err = parseSteps(raw)
	if err != nil {
		return Config{}, fmt.Errorf("configuration %s: %w", source, err)
	}

	if sorting := v.GetStringMap("sorting"); len(sorting) > 0 {
		cfg.Sorting.Sorter, _ = sorting["sorter"].(string)
		if params, ok := sorting["params"].(map[string]interface{}); ok {
			cfg.Sorting.Params = recording.Params(params)
		}
	}
	return cfg, nil
}

// stepEntries filters a settings map down to numeral keys, so documents
// that mix a bare step mapping with unrelated keys fail parsing loudly
// later instead of being silently truncated.
func stepEntries(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		if strings.TrimLeft(key, "0123456789") == "" && key != "" {
			out[key] = value
		}
	}
	return out
}

// parseSteps converts the YAML step mapping, each entry a two-element list
// of step name and parameter mapping.
func parseSteps(raw map[string]interface{}) (steps.Steps, error) {
	defs := make(steps.Steps, len(raw))
	for key, value := range raw {
		entry, ok := value.([]interface{})
		if !ok || len(entry) == 0 || len(entry) > 2 {
			return nil, fmt.Errorf("step %q must be a [name, params] list, got %T", key, value)
		}
		name, ok := entry[0].(string)
		if !ok {
			return nil, fmt.Errorf("step %q: name must be a string, got %T", key, entry[0])
		}
		step := steps.Step{Name: name}
		if len(entry) == 2 && entry[1] != nil {
			params, ok := entry[1].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("step %q: params must be a mapping, got %T", key, entry[1])
			}
			step.Params = recording.Params(params)
		}
		defs[key] = step
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no preprocessing steps defined")
	}
	return defs, nil
}
