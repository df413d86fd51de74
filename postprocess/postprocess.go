// Package postprocess derives analyses from sorting output: quality
// metrics per unit and unit locations on the electrode. Like sorting, the
// analysis engine is an external collaborator; this package owns input
// validation and the postprocessing output boundary.
package postprocess

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/spikepipe/spikepipe/batch"
	"github.com/spikepipe/spikepipe/log"
	"github.com/spikepipe/spikepipe/reconcile"
	"github.com/spikepipe/spikepipe/recording"
)

// outputFolder is the postprocessing output folder inside a run's output
// dir, next to preprocessed/ and sorting/.
const outputFolder = "postprocessing"

// Supported analysis names.
const (
	QualityMetrics = "quality_metrics"
	UnitLocations  = "unit_locations"
)

// Analyses returns all supported analysis names, the set that runs when
// none are named explicitly.
func Analyses() []string {
	return []string{QualityMetrics, UnitLocations}
}

// Processor is the external postprocessing collaborator. It extracts
// waveforms from the sorting output and writes the requested analyses
// under outputDir.
type Processor interface {
	Process(ctx context.Context, sortingDir, outputDir string, analyses []string, waveform recording.Params) error
}

// Options configure one postprocessing invocation.
type Options struct {
	// Analyses names the analyses to run. Empty runs all of them.
	Analyses []string
	// Waveform is forwarded to the waveform extraction without
	// interpretation.
	Waveform recording.Params
	// Policy decides what happens to pre-existing postprocessing output.
	// It is independent of the sorting policy: reusing sorting output
	// never touches postprocessing output and vice versa.
	Policy reconcile.Policy
	// Batch dispatches the postprocessing to an external scheduler.
	Batch batch.Dispatch
	// RemoteCommand is the CLI invocation equivalent to this
	// postprocessing, used by process-based schedulers.
	RemoteCommand []string
}

// Run postprocesses one sorted run.
type Run struct {
	backend Processor
	fsys    afero.Fs
	logger  *logrus.Logger
	disp    *batch.Dispatcher

	runDir string // the run's output dir holding sorting/
	name   string
}

// Option configures a postprocessing run.
type Option func(*Run)

// WithFs overrides the filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(r *Run) { r.fsys = fsys }
}

// WithLogger overrides the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Run) { r.logger = logger }
}

// WithDispatcher overrides the batch dispatcher.
func WithDispatcher(d *batch.Dispatcher) Option {
	return func(r *Run) { r.disp = d }
}

// NewRun builds a postprocessing run over the sorting output of run name
// at runDir.
func NewRun(backend Processor, runDir, name string, opts ...Option) *Run {
	r := &Run{
		backend: backend,
		fsys:    afero.NewOsFs(),
		logger:  log.Default(),
		runDir:  runDir,
		name:    name,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OutputDir is where postprocessing output is written.
func (r *Run) OutputDir() string { return filepath.Join(r.runDir, outputFolder) }

// postArgs adapts Options to the dispatcher's argument contract.
type postArgs struct {
	run  *Run
	opts Options
}

func (a postArgs) Disarm() batch.JobArgs {
	a.opts.Batch = batch.Inline()
	return a
}

func (a postArgs) CommandLine() []string {
	if len(a.opts.RemoteCommand) == 0 {
		return nil
	}
	cmdline := append([]string{}, a.opts.RemoteCommand...)
	return append(cmdline, "--batch=false")
}

// resolveAnalyses validates the requested analyses, defaulting to all of
// them when none are named.
func resolveAnalyses(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return Analyses(), nil
	}
	known := make(map[string]bool, len(Analyses()))
	for _, name := range Analyses() {
		known[name] = true
	}
	for _, name := range requested {
		if !known[name] {
			return nil, fmt.Errorf("analysis %q not recognised, must be one of %v", name, Analyses())
		}
	}
	return append([]string{}, requested...), nil
}

// Postprocess validates the sorting output, reconciles the postprocessing
// output folder and invokes the processor. With batch dispatch enabled the
// work is submitted to the scheduler instead and the handle returned.
func (r *Run) Postprocess(ctx context.Context, opts Options) (*batch.Handle, error) {
	analyses, err := resolveAnalyses(opts.Analyses)
	if err != nil {
		return nil, err
	}

	sortingDir := filepath.Join(r.runDir, "sorting")
	if exists, _ := afero.DirExists(r.fsys, sortingDir); !exists {
		return nil, fmt.Errorf(
			"run %q has no sorting output at %s: sort before postprocessing", r.name, sortingDir)
	}

	if opts.Batch.Enabled() {
		d := r.disp
		if d == nil {
			d = batch.NewDispatcher(r.fsys, &batch.LocalScheduler{Fs: r.fsys}, r.logger)
		}
		return d.Dispatch(ctx, opts.Batch, batch.Job{
			Name:    "postprocess-" + r.name,
			Args:    postArgs{run: r, opts: opts},
			LogRoot: r.OutputDir(),
			Func: func(ctx context.Context, args batch.JobArgs, logger *logrus.Logger) error {
				return args.(postArgs).run.process(ctx, args.(postArgs).opts, analyses, logger)
			},
		})
	}
	return nil, r.process(ctx, opts, analyses, r.logger)
}

func (r *Run) process(ctx context.Context, opts Options, analyses []string, logger *logrus.Logger) error {
	outDir := r.OutputDir()
	action, err := reconcile.Reconcile(r.fsys, outDir, opts.Policy)
	if err != nil {
		return err
	}
	if action == reconcile.Skip {
		logger.WithField("run", r.name).Info("postprocessing output exists, reusing")
		return nil
	}

	logger.WithFields(logrus.Fields{
		"run":      r.name,
		"analyses": analyses,
	}).Info("postprocessing")

	sortingDir := filepath.Join(r.runDir, "sorting")
	if err := r.backend.Process(ctx, sortingDir, outDir, analyses, opts.Waveform); err != nil {
		return fmt.Errorf("postprocessing run %q: %w", r.name, err)
	}
	return nil
}
