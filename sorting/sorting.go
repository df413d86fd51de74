// Package sorting runs a spike sorter over saved preprocessed output. The
// sorter itself is an external collaborator; this package owns validation
// of its inputs, the sorting output boundary and how the sorter is
// executed (locally, in a container, or through a MATLAB repository).
package sorting

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/spikepipe/spikepipe/batch"
	"github.com/spikepipe/spikepipe/log"
	"github.com/spikepipe/spikepipe/provenance"
	"github.com/spikepipe/spikepipe/reconcile"
	"github.com/spikepipe/spikepipe/recording"
)

// outputFolder is the sorting output folder inside a run's output dir.
const outputFolder = "sorting"

// Supported sorter names.
const (
	Kilosort25    = "kilosort2_5"
	Kilosort3     = "kilosort3"
	Mountainsort5 = "mountainsort5"
	SpykingCircus = "spykingcircus"
)

// Sorters returns all supported sorter names.
func Sorters() []string {
	return []string{Kilosort25, Kilosort3, Mountainsort5, SpykingCircus}
}

// matlabSorters need a MATLAB repository checkout when run outside a
// container.
var matlabSorters = map[string]bool{
	Kilosort25: true,
	Kilosort3:  true,
}

// containerImages maps sorter name to its published container image.
var containerImages = map[string]string{
	Kilosort25:    "spikeinterface/kilosort2_5-compiled-base",
	Kilosort3:     "spikeinterface/kilosort3-compiled-base",
	Mountainsort5: "spikeinterface/mountainsort5-base",
	SpykingCircus: "spikeinterface/spyking-circus-base",
}

// Execution describes how the sorter binary runs. It is a closed set,
// resolved exactly once per sorting invocation.
type Execution interface {
	isExecution()
	String() string
}

// LocalExecution runs the sorter directly in the current environment.
type LocalExecution struct{}

func (LocalExecution) isExecution()   {}
func (LocalExecution) String() string { return "local" }

// ContainerExecution runs the sorter inside the given image.
type ContainerExecution struct {
	Image string
}

func (ContainerExecution) isExecution()     {}
func (e ContainerExecution) String() string { return "container " + e.Image }

// MatlabExecution runs a MATLAB-based sorter from a repository checkout.
type MatlabExecution struct {
	RepoPath string
}

func (MatlabExecution) isExecution()     {}
func (e MatlabExecution) String() string { return "matlab " + e.RepoPath }

// ResolveExecution decides how the named sorter runs. Containerised
// sorters use their published image. MATLAB-based sorters run outside a
// container require repoPath; everything else runs locally.
func ResolveExecution(sorter string, containerised bool, repoPath string) (Execution, error) {
	image, known := containerImages[sorter]
	if !known {
		return nil, fmt.Errorf("sorter %q not recognised, must be one of %v", sorter, Sorters())
	}
	if containerised {
		return ContainerExecution{Image: image}, nil
	}
	if matlabSorters[sorter] {
		if repoPath == "" {
			return nil, fmt.Errorf(
				"sorter %q runs through MATLAB: pass the repository path or run it containerised", sorter)
		}
		return MatlabExecution{RepoPath: repoPath}, nil
	}
	return LocalExecution{}, nil
}

// Sorter is the external sorting collaborator.
type Sorter interface {
	// Sort reads saved preprocessed output from preprocessedDir and writes
	// sorter output under outputDir.
	Sort(ctx context.Context, preprocessedDir, outputDir string, exec Execution, params recording.Params) error
}

// Options configure one sorting invocation.
type Options struct {
	// Sorter names the sorter to run.
	Sorter string
	// Params are forwarded to the sorter without interpretation.
	Params recording.Params
	// Containerised runs the sorter in its published image.
	Containerised bool
	// RepoPath locates the MATLAB repository for MATLAB-based sorters.
	RepoPath string
	// Policy decides what happens to pre-existing sorting output. It is
	// independent of the preprocessing policy: skipping preprocessing
	// never touches sorting output and vice versa.
	Policy reconcile.Policy
	// Batch dispatches the sorting to an external scheduler.
	Batch batch.Dispatch
	// RemoteCommand is the CLI invocation equivalent to this sorting, used
	// by process-based schedulers.
	RemoteCommand []string
}

// Run sorts one saved run.
type Run struct {
	backend Sorter
	fsys    afero.Fs
	logger  *logrus.Logger
	disp    *batch.Dispatcher

	runDir string // the run's output dir holding preprocessed/ and sync/
	name   string
}

// Option configures a sorting run.
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

// NewRun builds a sorting run over the saved output of run name at runDir.
func NewRun(backend Sorter, runDir, name string, opts ...Option) *Run {
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

// OutputDir is where sorter output is written.
func (r *Run) OutputDir() string { return filepath.Join(r.runDir, outputFolder) }

// sortArgs adapts Options to the dispatcher's argument contract.
type sortArgs struct {
	run  *Run
	opts Options
}

func (a sortArgs) Disarm() batch.JobArgs {
	a.opts.Batch = batch.Inline()
	return a
}

func (a sortArgs) CommandLine() []string {
	if len(a.opts.RemoteCommand) == 0 {
		return nil
	}
	cmdline := append([]string{}, a.opts.RemoteCommand...)
	return append(cmdline, "--batch=false")
}

// Sort validates the saved preprocessed output, reconciles the sorting
// output folder and invokes the sorter. With batch dispatch enabled the
// work is submitted to the scheduler instead and the handle returned.
func (r *Run) Sort(ctx context.Context, opts Options) (*batch.Handle, error) {
	exec, err := ResolveExecution(opts.Sorter, opts.Containerised, opts.RepoPath)
	if err != nil {
		return nil, err
	}

	preprocessedDir := filepath.Join(r.runDir, "preprocessed")
	if exists, _ := afero.DirExists(r.fsys, preprocessedDir); !exists {
		return nil, fmt.Errorf(
			"run %q has no saved preprocessed output at %s: save preprocessing before sorting", r.name, preprocessedDir)
	}
	if _, err := provenance.Read(r.fsys, r.runDir); err != nil {
		return nil, fmt.Errorf("run %q: %w", r.name, err)
	}

	if opts.Batch.Enabled() {
		d := r.disp
		if d == nil {
			d = batch.NewDispatcher(r.fsys, &batch.LocalScheduler{Fs: r.fsys}, r.logger)
		}
		return d.Dispatch(ctx, opts.Batch, batch.Job{
			Name:    "sort-" + r.name,
			Args:    sortArgs{run: r, opts: opts},
			LogRoot: r.OutputDir(),
			Func: func(ctx context.Context, args batch.JobArgs, logger *logrus.Logger) error {
				return args.(sortArgs).run.sort(ctx, args.(sortArgs).opts, exec, logger)
			},
		})
	}
	return nil, r.sort(ctx, opts, exec, r.logger)
}

func (r *Run) sort(ctx context.Context, opts Options, exec Execution, logger *logrus.Logger) error {
	outDir := r.OutputDir()
	action, err := reconcile.Reconcile(r.fsys, outDir, opts.Policy)
	if err != nil {
		return err
	}
	if action == reconcile.Skip {
		logger.WithField("run", r.name).Info("sorting output exists, reusing")
		return nil
	}

	logger.WithFields(logrus.Fields{
		"run":       r.name,
		"sorter":    opts.Sorter,
		"execution": exec.String(),
	}).Info("sorting")

	preprocessedDir := filepath.Join(r.runDir, "preprocessed")
	if err := r.backend.Sort(ctx, preprocessedDir, outDir, exec, opts.Params); err != nil {
		return fmt.Errorf("sorting run %q with %s: %w", r.name, opts.Sorter, err)
	}
	return nil
}
