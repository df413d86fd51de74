// Package session orchestrates every run of one recording session through
// the pipeline: discovery of run folders, loading, optional concatenation,
// preprocessing, saving, sorting and postprocessing. The session is the
// unit a user works
// with; runs are rebuilt from scratch on every preprocess so earlier state
// can never leak into a new invocation.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/spikepipe/spikepipe/batch"
	"github.com/spikepipe/spikepipe/log"
	"github.com/spikepipe/spikepipe/postprocess"
	"github.com/spikepipe/spikepipe/recording"
	"github.com/spikepipe/spikepipe/run"
	"github.com/spikepipe/spikepipe/sorting"
	"github.com/spikepipe/spikepipe/steps"
)

// ephysFolder is the NeuroBlueprint datatype folder holding run folders
// inside a session folder.
const ephysFolder = "ephys"

// Session is one recording session of one subject.
type Session struct {
	engine recording.Engine
	fsys   afero.Fs
	logger *logrus.Logger
	disp   *batch.Dispatcher
	reg    steps.Registry

	subjectPath string
	name        string
	format      recording.Format
	runNames    []string // nil means all runs found on disk
	outputPath  string

	runs    []*run.Run
	handles []*batch.Handle
}

// Option configures a Session.
type Option func(*Session)

// WithFs overrides the filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(s *Session) { s.fsys = fsys }
}

// WithLogger overrides the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithDispatcher overrides the batch dispatcher passed to runs.
func WithDispatcher(d *batch.Dispatcher) Option {
	return func(s *Session) { s.disp = d }
}

// WithRegistry overrides the transform registry used for preprocessing.
func WithRegistry(reg steps.Registry) Option {
	return func(s *Session) { s.reg = reg }
}

// WithRunNames restricts the session to the named runs, in the given
// order. Each name must exist as a run folder.
func WithRunNames(names []string) Option {
	return func(s *Session) { s.runNames = names }
}

// WithOutputPath sets the session output folder explicitly instead of
// deriving it from a NeuroBlueprint layout.
func WithOutputPath(path string) Option {
	return func(s *Session) { s.outputPath = path }
}

// New builds a session rooted at subjectPath/name. Without an explicit
// output path the subject folder must sit inside a NeuroBlueprint
// "rawdata" root, and output goes to the matching derivatives folder.
func New(engine recording.Engine, subjectPath, name string, format recording.Format, opts ...Option) (*Session, error) {
	if _, err := recording.ParseFormat(string(format)); err != nil {
		return nil, err
	}

	s := &Session{
		engine:      engine,
		fsys:        afero.NewOsFs(),
		logger:      log.Default(),
		reg:         steps.DefaultRegistry(),
		subjectPath: subjectPath,
		name:        name,
		format:      format,
	}
	for _, opt := range opts {
		opt(s)
	}

	if isDir, err := afero.IsDir(s.fsys, subjectPath); err != nil || !isDir {
		return nil, fmt.Errorf("subject path %s is not a directory", subjectPath)
	}

	if s.outputPath == "" {
		derived, err := s.outputFromSubjectPath()
		if err != nil {
			return nil, err
		}
		s.outputPath = derived
	}

	if err := s.createRuns(); err != nil {
		return nil, err
	}
	return s, nil
}

// outputFromSubjectPath infers the NeuroBlueprint output folder: the
// derivatives tree mirroring the rawdata tree the subject lives in.
func (s *Session) outputFromSubjectPath() (string, error) {
	rawRoot := filepath.Dir(s.subjectPath)
	if filepath.Base(rawRoot) != "rawdata" {
		return "", fmt.Errorf(
			"cannot infer the output path from non-NeuroBlueprint folder structure "+
				"(expected rawdata/subject/session, got %s): pass the session output folder explicitly",
			s.subjectPath)
	}
	subject := filepath.Base(s.subjectPath)
	return filepath.Join(filepath.Dir(rawRoot), "derivatives", subject, s.name, ephysFolder), nil
}

// runsParent is the folder holding run folders: the session folder, or its
// ephys sub-folder when the layout is NeuroBlueprint.
func (s *Session) runsParent() (string, error) {
	sessionPath := filepath.Join(s.subjectPath, s.name)
	if isDir, err := afero.IsDir(s.fsys, sessionPath); err != nil || !isDir {
		return "", fmt.Errorf("session folder %s is not a directory", sessionPath)
	}
	ephys := filepath.Join(sessionPath, ephysFolder)
	if isDir, _ := afero.IsDir(s.fsys, ephys); isDir {
		return ephys, nil
	}
	return sessionPath, nil
}

// createRuns rebuilds the run list from the folders on disk, discarding
// whatever the previous list held.
func (s *Session) createRuns() error {
	parent, err := s.runsParent()
	if err != nil {
		return err
	}

	names, err := s.discoverRunNames(parent)
	if err != nil {
		return err
	}

	runs := make([]*run.Run, 0, len(names))
	for _, name := range names {
		opts := []run.Option{run.WithFs(s.fsys), run.WithLogger(s.logger)}
		if s.disp != nil {
			opts = append(opts, run.WithDispatcher(s.disp))
		}
		runs = append(runs, run.New(s.engine, parent, s.name, name, s.format, s.outputPath, opts...))
	}
	s.runs = runs
	s.handles = nil
	return nil
}

// discoverRunNames enumerates run folders. An explicit run-name list is
// validated against the folders found and its order is respected.
func (s *Session) discoverRunNames(parent string) ([]string, error) {
	entries, err := afero.ReadDir(s.fsys, parent)
	if err != nil {
		return nil, fmt.Errorf("listing run folders in %s: %w", parent, err)
	}
	found := make(map[string]bool, len(entries))
	all := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			found[entry.Name()] = true
			all = append(all, entry.Name())
		}
	}
	sort.Strings(all)

	if s.runNames == nil {
		if len(all) == 0 {
			return nil, fmt.Errorf("no run folders found in %s", parent)
		}
		return all, nil
	}
	for _, name := range s.runNames {
		if !found[name] {
			return nil, fmt.Errorf("run %q not found in %s, available runs: %v", name, parent, all)
		}
	}
	return append([]string{}, s.runNames...), nil
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// OutputPath returns the session output folder.
func (s *Session) OutputPath() string { return s.outputPath }

// RunNames returns the current run names in pipeline order. After
// concatenation this is the single concatenated run.
func (s *Session) RunNames() []string {
	names := make([]string, len(s.runs))
	for i, r := range s.runs {
		names[i] = r.Name()
	}
	return names
}

// LoadRawData attaches the raw recordings of every run. Preprocess does
// this itself; calling LoadRawData first is a cheap way to verify the data
// loads at all.
func (s *Session) LoadRawData() error {
	s.logger.WithFields(logrus.Fields{
		"session": s.name,
		"runs":    s.RunNames(),
	}).Info("loading raw data")
	for _, r := range s.runs {
		if r.State() != run.Unloaded {
			if err := r.Refresh(); err != nil {
				return err
			}
			continue
		}
		if err := r.Load(); err != nil {
			return err
		}
	}
	return nil
}

// Preprocess runs the step chain over every run. The run list is rebuilt
// from disk first, so repeated calls always start from raw data. With
// concatRuns the runs are joined into one before the chain is applied;
// with perShank the chain is applied independently per shank.
func (s *Session) Preprocess(defs steps.Steps, concatRuns, perShank bool) error {
	if err := s.createRuns(); err != nil {
		return err
	}
	for _, r := range s.runs {
		if err := r.Load(); err != nil {
			return err
		}
	}

	if concatRuns {
		if len(s.runs) == 1 {
			return fmt.Errorf("session %q: cannot concatenate, only one run found", s.name)
		}
		s.logger.WithFields(logrus.Fields{
			"session": s.name,
			"order":   s.RunNames(),
		}).Info("concatenating runs")
		concat, err := run.NewConcat(s.runs)
		if err != nil {
			return err
		}
		s.runs = []*run.Run{concat}
	}

	for _, r := range s.runs {
		if err := r.Preprocess(s.reg, defs, perShank); err != nil {
			return err
		}
	}
	return nil
}

// SavePreprocessed saves every run. With batch dispatch enabled each run
// becomes its own job; the returned handles (one per dispatched run) are
// also retained for Wait.
func (s *Session) SavePreprocessed(ctx context.Context, opts run.SaveOptions) ([]*batch.Handle, error) {
	handles := make([]*batch.Handle, 0, len(s.runs))
	for _, r := range s.runs {
		handle, err := r.Save(ctx, opts)
		if err != nil {
			return handles, err
		}
		if handle != nil {
			handles = append(handles, handle)
		}
	}
	s.handles = append(s.handles, handles...)
	return handles, nil
}

// Wait blocks until every outstanding dispatched job of this session has
// finished, returning the first error.
func (s *Session) Wait(ctx context.Context) error {
	err := batch.WaitAll(ctx, s.handles)
	s.handles = nil
	return err
}

// Sort runs the sorter over the saved preprocessed output of every run.
// Each run's sorting output is reconciled independently of preprocessing.
func (s *Session) Sort(ctx context.Context, backend sorting.Sorter, opts sorting.Options) error {
	for _, r := range s.runs {
		sortOpts := []sorting.Option{sorting.WithFs(s.fsys), sorting.WithLogger(s.logger)}
		if s.disp != nil {
			sortOpts = append(sortOpts, sorting.WithDispatcher(s.disp))
		}
		sr := sorting.NewRun(backend, r.OutputDir(), r.Name(), sortOpts...)
		handle, err := sr.Sort(ctx, opts)
		if err != nil {
			return err
		}
		if handle != nil {
			s.handles = append(s.handles, handle)
		}
	}
	return nil
}

// Postprocess derives analyses from the sorting output of every run. Each
// run's postprocessing output is reconciled independently of sorting.
func (s *Session) Postprocess(ctx context.Context, backend postprocess.Processor, opts postprocess.Options) error {
	for _, r := range s.runs {
		postOpts := []postprocess.Option{postprocess.WithFs(s.fsys), postprocess.WithLogger(s.logger)}
		if s.disp != nil {
			postOpts = append(postOpts, postprocess.WithDispatcher(s.disp))
		}
		pr := postprocess.NewRun(backend, r.OutputDir(), r.Name(), postOpts...)
		handle, err := pr.Postprocess(ctx, opts)
		if err != nil {
			return err
		}
		if handle != nil {
			s.handles = append(s.handles, handle)
		}
	}
	return nil
}
