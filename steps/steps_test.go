package steps_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikepipe/spikepipe/mock"
	"github.com/spikepipe/spikepipe/recording"
	"github.com/spikepipe/spikepipe/steps"
)

func TestApplyLineageKeys(t *testing.T) {
	base := mock.NewRecording(8, 1000, nil)

	lineage, err := steps.Apply(base, steps.DefaultRegistry(), steps.Steps{
		"1": {Name: "bandpass_filter", Params: recording.Params{"freq_min": 300}},
		"2": {Name: "common_reference"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"0-raw",
		"1-raw-bandpass_filter",
		"2-raw-bandpass_filter-common_reference",
	}, lineage.Keys())

	key, last := lineage.Last()
	assert.Equal(t, "2-raw-bandpass_filter-common_reference", key)
	assert.Equal(t, []string{"bandpass_filter", "common_reference"}, last.(*mock.Recording).History())

	// the untransformed input stays addressable
	assert.Same(t, recording.Recording(base), lineage["0-raw"])
	assert.Equal(t, 2, base.Counter().Transforms)
}

func TestApplyKeyOrderNotMapOrder(t *testing.T) {
	base := mock.NewRecording(8, 1000, nil)

	lineage, err := steps.Apply(base, steps.DefaultRegistry(), steps.Steps{
		"2": {Name: "common_reference"},
		"1": {Name: "bandpass_filter"},
		"3": {Name: "scale"},
	})
	require.NoError(t, err)

	_, last := lineage.Last()
	assert.Equal(t,
		[]string{"bandpass_filter", "common_reference", "scale"},
		last.(*mock.Recording).History(),
	)
}

func TestApplyOrderingValidation(t *testing.T) {
	tests := []struct {
		description string
		defs        steps.Steps
	}{
		{
			description: "empty",
			defs:        steps.Steps{},
		},
		{
			description: "does not start at 1",
			defs: steps.Steps{
				"2": {Name: "bandpass_filter"},
				"3": {Name: "common_reference"},
			},
		},
		{
			description: "gap between keys",
			defs: steps.Steps{
				"1": {Name: "bandpass_filter"},
				"3": {Name: "common_reference"},
			},
		},
		{
			description: "non-numeric key",
			defs: steps.Steps{
				"1":     {Name: "bandpass_filter"},
				"first": {Name: "common_reference"},
			},
		},
		{
			description: "zero key",
			defs: steps.Steps{
				"0": {Name: "bandpass_filter"},
				"1": {Name: "common_reference"},
			},
		},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			base := mock.NewRecording(8, 1000, nil)
			_, err := steps.Apply(base, steps.DefaultRegistry(), test.defs)

			var confErr *steps.ConfigurationError
			require.ErrorAs(t, err, &confErr)
			// validation failed before any engine work happened
			assert.Zero(t, base.Counter().Transforms)
		})
	}
}

func TestApplyUnknownStep(t *testing.T) {
	base := mock.NewRecording(8, 1000, nil)

	_, err := steps.Apply(base, steps.DefaultRegistry(), steps.Steps{
		"1": {Name: "bandpass_filter"},
		"2": {Name: "reticulate_splines"},
	})

	var unknownErr *steps.UnknownStepError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "reticulate_splines", unknownErr.Name)
	assert.Contains(t, unknownErr.Allowed, "bandpass_filter")
	assert.Zero(t, base.Counter().Transforms)
}

func TestStepsNames(t *testing.T) {
	defs := steps.Steps{
		"2": {Name: "common_reference"},
		"1": {Name: "phase_shift"},
	}
	assert.Equal(t, []string{"phase_shift", "common_reference"}, defs.Names())
}
