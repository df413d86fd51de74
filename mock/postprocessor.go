package mock

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/spikepipe/spikepipe/recording"
)

// ProcessCall records one invocation of the postprocessor.
type ProcessCall struct {
	SortingDir string
	OutputDir  string
	Analyses   []string
	Waveform   recording.Params
}

// PostprocessorBackend is an in-memory postprocess.Processor. Each call is
// recorded and a marker file per analysis is written into the output
// folder so tests can observe layout.
type PostprocessorBackend struct {
	Fs         afero.Fs
	Calls      []ProcessCall
	ProcessErr error
}

// Process implements postprocess.Processor.
func (p *PostprocessorBackend) Process(ctx context.Context, sortingDir, outputDir string, analyses []string, waveform recording.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.Calls = append(p.Calls, ProcessCall{
		SortingDir: sortingDir,
		OutputDir:  outputDir,
		Analyses:   analyses,
		Waveform:   waveform,
	})
	if p.ProcessErr != nil {
		return p.ProcessErr
	}
	fsys := p.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	for _, analysis := range analyses {
		if err := afero.WriteFile(fsys, filepath.Join(outputDir, analysis+".csv"), []byte(analysis+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}
