package batch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikepipe/spikepipe/batch"
)

func TestDispatchEnabled(t *testing.T) {
	assert.False(t, batch.Inline().Enabled())
	assert.True(t, batch.Defaults().Enabled())
	assert.True(t, batch.WithOptions(map[string]interface{}{"mem_gb": 60}).Enabled())
}

func TestProfileDefaults(t *testing.T) {
	profile, err := batch.Defaults().Profile()
	require.NoError(t, err)

	assert.Equal(t, 1, profile.Nodes)
	assert.Equal(t, 40, profile.MemGB)
	assert.Equal(t, 1440, profile.TimeoutMin)
	assert.Equal(t, 8, profile.CPUsPerTask)
	assert.Equal(t, 1, profile.TasksPerNode)
	assert.Equal(t, "cpu", profile.Partition)
	assert.False(t, profile.Wait)
	assert.NotEmpty(t, profile.EnvName)
}

func TestProfileEnvNameFromEnvironment(t *testing.T) {
	t.Setenv("SPIKEPIPE_ENV", "ephys-env")

	profile, err := batch.Defaults().Profile()
	require.NoError(t, err)
	assert.Equal(t, "ephys-env", profile.EnvName)
}

func TestProfileOverridesMergeOverDefaults(t *testing.T) {
	profile, err := batch.WithOptions(map[string]interface{}{
		"mem_gb":    120,
		"partition": "gpu",
		"gpus":      "gpu:1",
		"wait":      true,
	}).Profile()
	require.NoError(t, err)

	assert.Equal(t, 120, profile.MemGB)
	assert.Equal(t, "gpu", profile.Partition)
	assert.Equal(t, "gpu:1", profile.GPUs)
	assert.True(t, profile.Wait)
	// untouched keys keep their defaults
	assert.Equal(t, 1, profile.Nodes)
	assert.Equal(t, 1440, profile.TimeoutMin)
	assert.Equal(t, 8, profile.CPUsPerTask)
}

func TestProfileRejectsUnknownKey(t *testing.T) {
	_, err := batch.WithOptions(map[string]interface{}{"memory": 60}).Profile()

	var confErr *batch.ConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, "memory", confErr.Key)
	assert.Contains(t, confErr.Allowed, "mem_gb")
}

func TestProfileRejectsWrongTypes(t *testing.T) {
	tests := []struct {
		description string
		options     map[string]interface{}
	}{
		{description: "string for int", options: map[string]interface{}{"mem_gb": "lots"}},
		{description: "int for string", options: map[string]interface{}{"partition": 3}},
		{description: "string for bool", options: map[string]interface{}{"wait": "yes"}},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			_, err := batch.WithOptions(test.options).Profile()

			var confErr *batch.ConfigurationError
			require.ErrorAs(t, err, &confErr)
		})
	}
}
