package mock_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikepipe/spikepipe/mock"
	"github.com/spikepipe/spikepipe/recording"
)

func TestRecordingTransformHistory(t *testing.T) {
	rec := mock.NewRecording(8, 1000, nil)

	next, err := rec.Transform("bandpass_filter", recording.Params{"freq_min": 300})
	require.NoError(t, err)
	next, err = next.Transform("common_reference", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"bandpass_filter", "common_reference"}, next.(*mock.Recording).History())
	assert.Empty(t, rec.History(), "transforms never touch the receiver")
	assert.Equal(t, 2, rec.Counter().Transforms, "counter is shared across derived handles")
}

func TestRecordingSplitBy(t *testing.T) {
	rec := mock.NewRecording(8, 1000, []int{0, 1})

	subs, err := rec.SplitBy("group")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Len(t, subs[0].ChannelIDs(), 4)
	assert.Len(t, subs[1].ChannelIDs(), 4)

	_, err = rec.SplitBy("color")
	assert.Error(t, err)
}

func TestRecordingPersist(t *testing.T) {
	fsys := afero.NewMemMapFs()
	rec := mock.NewRecording(8, 1000, nil)

	require.NoError(t, rec.Persist(context.Background(), fsys, "out", recording.PersistOptions{Workers: 2}))

	body, err := afero.ReadFile(fsys, "out/traces.bin")
	require.NoError(t, err)
	assert.Contains(t, string(body), "samples: 1000")
	assert.Equal(t, 1, rec.Counter().Persists)
}

func TestEngineLoadDefaults(t *testing.T) {
	engine := &mock.Engine{}

	raw, sync, err := engine.Load("rawdata/run_001", recording.SpikeGLX)
	require.NoError(t, err)
	assert.Len(t, raw.ChannelIDs(), 8)
	assert.EqualValues(t, 1000, raw.NumSamples())
	require.NotNil(t, sync)
	assert.Len(t, sync.ChannelIDs(), 1)
	assert.Equal(t, 1, engine.Counter.Loads)
}

func TestEngineConcatenate(t *testing.T) {
	engine := &mock.Engine{}
	recs := []recording.Recording{
		mock.NewRecording(8, 1000, nil),
		mock.NewRecording(8, 500, nil),
	}

	out, err := engine.Concatenate(recs)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, out.NumSamples())

	_, err = engine.Concatenate([]recording.Recording{
		mock.NewRecording(8, 1000, nil),
		mock.NewRecording(8, 1000, nil).WithRate(10000),
	})
	assert.Error(t, err)
}
