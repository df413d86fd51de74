package config_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikepipe/spikepipe/config"
)

func writeConfig(t *testing.T, body string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "configs/custom.yaml", []byte(body), 0o644))
	return fsys
}

func TestBuiltinDefault(t *testing.T) {
	assert.Equal(t, []string{"default"}, config.Names())

	cfg, err := config.Load(afero.NewMemMapFs(), "default")
	require.NoError(t, err)

	assert.Equal(t, []string{"phase_shift", "bandpass_filter", "common_reference"}, cfg.Preprocessing.Names())
	assert.Equal(t, "kilosort2_5", cfg.Sorting.Sorter)
}

func TestLoadFile(t *testing.T) {
	fsys := writeConfig(t, `
preprocessing:
  "1": [bandpass_filter, {freq_min: 300, freq_max: 6000}]
  "2": [common_reference]
sorting:
  sorter: mountainsort5
  params:
    detect_threshold: 5
`)

	cfg, err := config.Load(fsys, "configs/custom.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"bandpass_filter", "common_reference"}, cfg.Preprocessing.Names())
	assert.Equal(t, 300, cfg.Preprocessing["1"].Params["freq_min"])
	assert.Equal(t, "mountainsort5", cfg.Sorting.Sorter)
	assert.Equal(t, 5, cfg.Sorting.Params["detect_threshold"])
}

func TestLoadBareMapping(t *testing.T) {
	fsys := writeConfig(t, `
"1": [phase_shift]
"2": [bandpass_filter, {freq_min: 300}]
`)

	cfg, err := config.Load(fsys, "configs/custom.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"phase_shift", "bandpass_filter"}, cfg.Preprocessing.Names())
}

func TestLoadRejectsMalformedSteps(t *testing.T) {
	tests := []struct {
		description string
		body        string
	}{
		{
			description: "step is not a list",
			body:        "preprocessing:\n  \"1\": bandpass_filter\n",
		},
		{
			description: "name is not a string",
			body:        "preprocessing:\n  \"1\": [3, {}]\n",
		},
		{
			description: "params is not a mapping",
			body:        "preprocessing:\n  \"1\": [bandpass_filter, [300]]\n",
		},
		{
			description: "no steps at all",
			body:        "preprocessing: {}\n",
		},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			fsys := writeConfig(t, test.body)
			_, err := config.Load(fsys, "configs/custom.yaml")
			assert.Error(t, err)
		})
	}
}

func TestLoadUnknownNameOrPath(t *testing.T) {
	_, err := config.Load(afero.NewMemMapFs(), "no_such_config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default")
}
