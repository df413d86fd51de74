package sorting_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikepipe/spikepipe/batch"
	"github.com/spikepipe/spikepipe/log"
	"github.com/spikepipe/spikepipe/mock"
	"github.com/spikepipe/spikepipe/provenance"
	"github.com/spikepipe/spikepipe/reconcile"
	"github.com/spikepipe/spikepipe/sorting"
)

func TestResolveExecution(t *testing.T) {
	tests := []struct {
		description   string
		sorter        string
		containerised bool
		repoPath      string
		expected      sorting.Execution
	}{
		{
			description: "local sorter",
			sorter:      sorting.Mountainsort5,
			expected:    sorting.LocalExecution{},
		},
		{
			description:   "containerised sorter",
			sorter:        sorting.Kilosort25,
			containerised: true,
			expected:      sorting.ContainerExecution{Image: "spikeinterface/kilosort2_5-compiled-base"},
		},
		{
			description: "matlab sorter with repo",
			sorter:      sorting.Kilosort3,
			repoPath:    "/opt/kilosort3",
			expected:    sorting.MatlabExecution{RepoPath: "/opt/kilosort3"},
		},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			exec, err := sorting.ResolveExecution(test.sorter, test.containerised, test.repoPath)
			require.NoError(t, err)
			assert.Equal(t, test.expected, exec)
		})
	}
}

func TestResolveExecutionErrors(t *testing.T) {
	_, err := sorting.ResolveExecution("klustakwik", false, "")
	assert.ErrorContains(t, err, "not recognised")

	_, err = sorting.ResolveExecution(sorting.Kilosort25, false, "")
	assert.ErrorContains(t, err, "MATLAB")
}

func seedSavedRun(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "out/run_001/preprocessed/traces.bin", []byte("data"), 0o644))
	require.NoError(t, provenance.Write(fsys, "out/run_001", provenance.Record{
		Run:          "run_001",
		Session:      "ses-001",
		Format:       "spikeglx",
		GroupKeys:    []string{"grouped"},
		PersistedKey: "1-raw-bandpass_filter",
		SavedAt:      time.Now().UTC(),
	}))
	return fsys
}

func TestSort(t *testing.T) {
	fsys := seedSavedRun(t)
	backend := &mock.SorterBackend{Fs: fsys}
	r := sorting.NewRun(backend, "out/run_001", "run_001",
		sorting.WithFs(fsys), sorting.WithLogger(log.Silent()))

	handle, err := r.Sort(context.Background(), sorting.Options{
		Sorter: sorting.Mountainsort5,
		Policy: reconcile.FailIfExists,
	})
	require.NoError(t, err)
	assert.Nil(t, handle)

	require.Len(t, backend.Calls, 1)
	assert.Equal(t, "out/run_001/preprocessed", backend.Calls[0].PreprocessedDir)
	assert.Equal(t, "out/run_001/sorting", backend.Calls[0].OutputDir)
	assert.Equal(t, sorting.LocalExecution{}, backend.Calls[0].Exec)
}

func TestSortRequiresSavedPreprocessing(t *testing.T) {
	fsys := afero.NewMemMapFs()
	backend := &mock.SorterBackend{Fs: fsys}
	r := sorting.NewRun(backend, "out/run_001", "run_001",
		sorting.WithFs(fsys), sorting.WithLogger(log.Silent()))

	_, err := r.Sort(context.Background(), sorting.Options{
		Sorter: sorting.Mountainsort5,
		Policy: reconcile.Overwrite,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no saved preprocessed output")
	assert.Empty(t, backend.Calls)
}

func TestSortRequiresProvenance(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "out/run_001/preprocessed/traces.bin", []byte("data"), 0o644))
	backend := &mock.SorterBackend{Fs: fsys}
	r := sorting.NewRun(backend, "out/run_001", "run_001",
		sorting.WithFs(fsys), sorting.WithLogger(log.Silent()))

	_, err := r.Sort(context.Background(), sorting.Options{
		Sorter: sorting.Mountainsort5,
		Policy: reconcile.Overwrite,
	})
	require.Error(t, err)
	assert.Empty(t, backend.Calls)
}

func TestSortBoundaryIndependentOfPreprocessing(t *testing.T) {
	fsys := seedSavedRun(t)
	require.NoError(t, afero.WriteFile(fsys, "out/run_001/sorting/old.txt", []byte("old"), 0o644))
	backend := &mock.SorterBackend{Fs: fsys}
	r := sorting.NewRun(backend, "out/run_001", "run_001",
		sorting.WithFs(fsys), sorting.WithLogger(log.Silent()))

	t.Run("skip reuses sorting output", func(t *testing.T) {
		_, err := r.Sort(context.Background(), sorting.Options{
			Sorter: sorting.Mountainsort5,
			Policy: reconcile.SkipIfExists,
		})
		require.NoError(t, err)
		assert.Empty(t, backend.Calls, "sorter not invoked when output is reused")
	})

	t.Run("overwrite clears only sorting output", func(t *testing.T) {
		_, err := r.Sort(context.Background(), sorting.Options{
			Sorter: sorting.Mountainsort5,
			Policy: reconcile.Overwrite,
		})
		require.NoError(t, err)

		old, _ := afero.Exists(fsys, "out/run_001/sorting/old.txt")
		assert.False(t, old)
		preprocessed, _ := afero.Exists(fsys, "out/run_001/preprocessed/traces.bin")
		assert.True(t, preprocessed, "preprocessing output untouched")
	})
}

func TestSortDispatch(t *testing.T) {
	fsys := seedSavedRun(t)
	sched := &mock.Scheduler{RunJobs: true}
	d := batch.NewDispatcher(fsys, sched, log.Silent())
	backend := &mock.SorterBackend{Fs: fsys}
	r := sorting.NewRun(backend, "out/run_001", "run_001",
		sorting.WithFs(fsys), sorting.WithLogger(log.Silent()), sorting.WithDispatcher(d))

	handle, err := r.Sort(context.Background(), sorting.Options{
		Sorter: sorting.Mountainsort5,
		Policy: reconcile.FailIfExists,
		Batch:  batch.Defaults(),
	})
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.NoError(t, handle.Wait(context.Background()))

	assert.Len(t, sched.Requests(), 1)
	assert.Len(t, backend.Calls, 1)
}
