package mock

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/spikepipe/spikepipe/recording"
	"github.com/spikepipe/spikepipe/sorting"
)

// SortCall records one invocation of the sorter.
type SortCall struct {
	PreprocessedDir string
	OutputDir       string
	Exec            sorting.Execution
	Params          recording.Params
}

// SorterBackend is an in-memory sorting.Sorter. Each call is recorded and
// a marker file is written into the output folder so tests can observe
// layout.
type SorterBackend struct {
	Fs      afero.Fs
	Calls   []SortCall
	SortErr error
}

// Sort implements sorting.Sorter.
func (s *SorterBackend) Sort(ctx context.Context, preprocessedDir, outputDir string, exec sorting.Execution, params recording.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Calls = append(s.Calls, SortCall{
		PreprocessedDir: preprocessedDir,
		OutputDir:       outputDir,
		Exec:            exec,
		Params:          params,
	})
	if s.SortErr != nil {
		return s.SortErr
	}
	fsys := s.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fsys, filepath.Join(outputDir, "sorter_output.txt"), []byte("sorted\n"), 0o644)
}
