// Package run holds the per-run pipeline entity. A Run is one-shot: it is
// created fresh for every pipeline invocation, moves strictly forward
// through its lifecycle and is never mutated back into an earlier state.
// Rerunning means building a new Run, not rewinding an old one.
package run

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/spikepipe/spikepipe/batch"
	"github.com/spikepipe/spikepipe/log"
	"github.com/spikepipe/spikepipe/provenance"
	"github.com/spikepipe/spikepipe/reconcile"
	"github.com/spikepipe/spikepipe/recording"
	"github.com/spikepipe/spikepipe/split"
	"github.com/spikepipe/spikepipe/steps"
)

// ConcatName is the run name of a concatenated run. Its output folder sits
// next to ordinary run folders under the session output path.
const ConcatName = "concat_run"

// State is the lifecycle position of a Run. Transitions only move forward.
type State int

const (
	// Unloaded means no raw data has been read yet.
	Unloaded State = iota
	// Loaded means raw data and the sync channel are attached.
	Loaded
	// Preprocessed means the step chain has been applied.
	Preprocessed
	// Saved means the preprocessed output has been written (or reused).
	Saved
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Preprocessed:
		return "preprocessed"
	case Saved:
		return "saved"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LifecycleError reports an operation called in the wrong lifecycle state.
type LifecycleError struct {
	Run   string
	Op    string
	State State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("run %q: cannot %s while %s", e.Run, e.Op, e.State)
}

// Run is one run of one session: an identity on disk plus the in-memory
// recordings moving through the pipeline.
type Run struct {
	engine recording.Engine
	fsys   afero.Fs
	logger *logrus.Logger
	disp   *batch.Dispatcher

	parent     string // session input path containing the run folders
	session    string
	name       string
	format     recording.Format
	outputRoot string // session output path

	state        State
	raw          split.Grouping
	sync         recording.Recording
	preprocessed map[string]steps.Lineage
	stepDefs     steps.Steps
	persistedKey string

	concatenated bool
	origRunNames []string
}

// Option configures a Run.
type Option func(*Run)

// WithFs overrides the filesystem outputs are written to.
func WithFs(fsys afero.Fs) Option {
	return func(r *Run) { r.fsys = fsys }
}

// WithLogger overrides the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Run) { r.logger = logger }
}

// WithDispatcher overrides the batch dispatcher used by Save.
func WithDispatcher(d *batch.Dispatcher) Option {
	return func(r *Run) { r.disp = d }
}

// New builds an unloaded run. Raw data lives at parent/name; output is
// written under outputRoot/name.
func New(engine recording.Engine, parent, session, name string, format recording.Format, outputRoot string, opts ...Option) *Run {
	r := &Run{
		engine:       engine,
		fsys:         afero.NewOsFs(),
		logger:       log.Default(),
		parent:       parent,
		session:      session,
		name:         name,
		format:       format,
		outputRoot:   outputRoot,
		preprocessed: make(map[string]steps.Lineage),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the run name.
func (r *Run) Name() string { return r.name }

// State returns the current lifecycle state.
func (r *Run) State() State { return r.state }

// OutputDir is where this run's outputs are written.
func (r *Run) OutputDir() string { return filepath.Join(r.outputRoot, r.name) }

// Concatenated reports whether this run was built by NewConcat.
func (r *Run) Concatenated() bool { return r.concatenated }

// OrigRunNames returns the source run names of a concatenated run, nil
// otherwise.
func (r *Run) OrigRunNames() []string { return r.origRunNames }

// Sync returns the sync-channel recording, nil when the acquisition has
// none.
func (r *Run) Sync() recording.Recording { return r.sync }

// Raw returns the unsplit raw recording, nil before loading or after a
// per-shank split.
func (r *Run) Raw() recording.Recording { return r.raw[split.GroupedKey] }

// Lineage returns the preprocessed lineage for one group key.
func (r *Run) Lineage(groupKey string) (steps.Lineage, bool) {
	l, ok := r.preprocessed[groupKey]
	return l, ok
}

// GroupKeys returns the group keys in stable order. Before preprocessing
// this is the raw grouping; after, the preprocessed one (they match).
func (r *Run) GroupKeys() []string { return r.raw.Keys() }

// Load reads the raw recording and its sync channel. Loading twice is a
// lifecycle error; use Refresh to reload.
func (r *Run) Load() error {
	if r.concatenated {
		return fmt.Errorf("run %q: a concatenated run is built from already-loaded runs and cannot be loaded", r.name)
	}
	if r.state != Unloaded {
		return &LifecycleError{Run: r.name, Op: "load", State: r.state}
	}
	return r.load()
}

// Refresh discards everything held in memory and reloads the raw data.
func (r *Run) Refresh() error {
	if r.concatenated {
		return fmt.Errorf("run %q: a concatenated run cannot be refreshed", r.name)
	}
	r.state = Unloaded
	r.raw = nil
	r.sync = nil
	r.preprocessed = make(map[string]steps.Lineage)
	r.stepDefs = nil
	r.persistedKey = ""
	return r.load()
}

func (r *Run) load() error {
	raw, sync, err := r.engine.Load(filepath.Join(r.parent, r.name), r.format)
	if err != nil {
		return fmt.Errorf("loading run %q: %w", r.name, err)
	}
	r.raw = split.Grouped(raw)
	r.sync = sync
	r.state = Loaded
	r.logger.WithFields(logrus.Fields{
		"run":    r.name,
		"format": r.format,
	}).Info("raw data loaded")
	return nil
}

// SilenceSync zeroes the given sample periods on the sync channel. It must
// be called before preprocessing.
func (r *Run) SilenceSync(periods []recording.Period) error {
	if r.state != Loaded {
		return &LifecycleError{Run: r.name, Op: "silence sync channel", State: r.state}
	}
	if r.sync == nil {
		return fmt.Errorf("run %q has no sync channel", r.name)
	}
	silenced, err := r.sync.Silence(periods)
	if err != nil {
		return fmt.Errorf("silencing sync channel of run %q: %w", r.name, err)
	}
	r.sync = silenced
	return nil
}

// Preprocess applies the step chain, once. With perShank set the recording
// is first split by the group property and the chain applied independently
// per shank. All configuration validation happens before any engine call,
// and the run is mutated only after every group's chain succeeded: a
// failed call leaves the run loaded and retryable.
func (r *Run) Preprocess(reg steps.Registry, defs steps.Steps, perShank bool) error {
	switch {
	case r.state == Unloaded:
		return &LifecycleError{Run: r.name, Op: "preprocess", State: r.state}
	case r.state != Loaded:
		return &LifecycleError{Run: r.name, Op: "preprocess again", State: r.state}
	}

	if err := steps.Validate(reg, defs); err != nil {
		return fmt.Errorf("preprocessing run %q: %w", r.name, err)
	}

	grouping := r.raw
	if perShank {
		byShank, err := split.ByShank(r.raw[split.GroupedKey], r.name)
		if err != nil {
			return err
		}
		grouping = byShank
	}

	preprocessed := make(map[string]steps.Lineage, len(grouping))
	var persistedKey string
	for _, key := range grouping.Keys() {
		lineage, err := steps.Apply(grouping[key], reg, defs)
		if err != nil {
			return fmt.Errorf("preprocessing run %q group %q: %w", r.name, key, err)
		}
		preprocessed[key] = lineage
		persistedKey, _ = lineage.Last()
	}

	if perShank {
		r.logger.WithFields(logrus.Fields{
			"run":    r.name,
			"shanks": len(grouping),
		}).Info("split by shank")
	}
	r.raw = grouping
	r.preprocessed = preprocessed
	r.persistedKey = persistedKey
	r.stepDefs = defs
	r.state = Preprocessed
	r.logger.WithFields(logrus.Fields{
		"run":   r.name,
		"steps": defs.Names(),
	}).Info("preprocessed")
	return nil
}

// SaveOptions configure Save.
type SaveOptions struct {
	// Policy decides what happens to pre-existing output.
	Policy reconcile.Policy
	// Persist is forwarded to the engine when writing recordings.
	Persist recording.PersistOptions
	// Batch dispatches the save to an external scheduler instead of
	// running it inline.
	Batch batch.Dispatch
	// RemoteCommand is the CLI invocation equivalent to this save, used by
	// process-based schedulers. A dispatch-disabling flag is appended
	// automatically.
	RemoteCommand []string
}

// saveArgs adapts SaveOptions to the dispatcher's argument contract.
type saveArgs struct {
	run  *Run
	opts SaveOptions
}

func (a saveArgs) Disarm() batch.JobArgs {
	a.opts.Batch = batch.Inline()
	return a
}

func (a saveArgs) CommandLine() []string {
	if len(a.opts.RemoteCommand) == 0 {
		return nil
	}
	cmdline := append([]string{}, a.opts.RemoteCommand...)
	return append(cmdline, "--batch=false")
}

// Save persists the fully processed recording of every group, the sync
// channel and a provenance record under OutputDir. With batch dispatch
// enabled the save is submitted to the scheduler and the returned handle
// tracks it; inline saves return a nil handle. The run reaches Saved only
// once the save is known to have succeeded: inline on return, dispatched
// when the handle's Wait resolves without error.
func (r *Run) Save(ctx context.Context, opts SaveOptions) (*batch.Handle, error) {
	if r.state != Preprocessed {
		return nil, &LifecycleError{Run: r.name, Op: "save", State: r.state}
	}

	if opts.Batch.Enabled() {
		d := r.disp
		if d == nil {
			d = batch.NewDispatcher(r.fsys, &batch.LocalScheduler{Fs: r.fsys}, r.logger)
		}
		profile, err := opts.Batch.Profile()
		if err != nil {
			return nil, err
		}
		handle, err := d.Dispatch(ctx, opts.Batch, batch.Job{
			Name:    "save-preprocessed-" + r.name,
			Args:    saveArgs{run: r, opts: opts},
			LogRoot: r.OutputDir(),
			Func: func(ctx context.Context, args batch.JobArgs, logger *logrus.Logger) error {
				return args.(saveArgs).run.save(ctx, args.(saveArgs).opts, logger)
			},
		})
		if err != nil {
			return nil, err
		}
		if profile.Wait {
			// Dispatch already waited; a nil error means the job succeeded.
			r.state = Saved
			return handle, nil
		}
		return batch.NewHandle(handle.ID(), func(ctx context.Context) error {
			if err := handle.Wait(ctx); err != nil {
				return err
			}
			r.state = Saved
			return nil
		}), nil
	}

	if err := r.save(ctx, opts, r.logger); err != nil {
		return nil, err
	}
	r.state = Saved
	return nil, nil
}

func (r *Run) save(ctx context.Context, opts SaveOptions, logger *logrus.Logger) error {
	outDir := r.OutputDir()
	action, err := reconcile.Reconcile(r.fsys, outDir, opts.Policy)
	if err != nil {
		return err
	}
	if action == reconcile.Skip {
		logger.WithField("run", r.name).Info("output exists, reusing")
		return nil
	}

	groupKeys := r.raw.Keys()
	for _, key := range groupKeys {
		_, last := r.preprocessed[key].Last()
		dir := filepath.Join(outDir, "preprocessed")
		if key != split.GroupedKey {
			dir = filepath.Join(dir, key)
		}
		if err := last.Persist(ctx, r.fsys, dir, opts.Persist); err != nil {
			return fmt.Errorf("persisting run %q group %q: %w", r.name, key, err)
		}
	}

	if r.sync != nil {
		if err := r.sync.Persist(ctx, r.fsys, filepath.Join(outDir, "sync"), opts.Persist); err != nil {
			return fmt.Errorf("persisting sync channel of run %q: %w", r.name, err)
		}
	}

	rec := provenance.Record{
		Run:          r.name,
		Session:      r.session,
		Format:       string(r.format),
		OrigRunNames: r.origRunNames,
		Steps:        provenanceSteps(r.stepDefs),
		LineageKeys:  r.preprocessed[groupKeys[0]].Keys(),
		GroupKeys:    groupKeys,
		PersistedKey: r.persistedKey,
		SavedAt:      time.Now().UTC(),
	}
	if err := provenance.Write(r.fsys, outDir, rec); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"run":  r.name,
		"path": outDir,
	}).Info("preprocessed output saved")
	return nil
}

func provenanceSteps(defs steps.Steps) map[string]provenance.Step {
	out := make(map[string]provenance.Step, len(defs))
	for key, step := range defs {
		out[key] = provenance.Step{Name: step.Name, Params: step.Params}
	}
	return out
}

// NewConcat joins loaded runs end to end into a single run named
// ConcatName. Every input must be loaded, unsplit and not yet
// preprocessed; sampling rates and channel layouts must match. Caller
// order is preserved; a warning is logged when it differs from name
// order. The sync channel is concatenated only when every input has one.
func NewConcat(runs []*Run, opts ...Option) (*Run, error) {
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs to concatenate")
	}

	first := runs[0]
	out := &Run{
		engine:       first.engine,
		fsys:         first.fsys,
		logger:       first.logger,
		disp:         first.disp,
		parent:       first.parent,
		session:      first.session,
		name:         ConcatName,
		format:       first.format,
		outputRoot:   first.outputRoot,
		preprocessed: make(map[string]steps.Lineage),
		concatenated: true,
	}
	for _, opt := range opts {
		opt(out)
	}

	raws := make([]recording.Recording, 0, len(runs))
	syncs := make([]recording.Recording, 0, len(runs))
	names := make([]string, 0, len(runs))
	allSyncs := true
	for _, r := range runs {
		switch {
		case r.concatenated:
			return nil, fmt.Errorf("run %q is already a concatenation", r.name)
		case r.state == Unloaded:
			return nil, &LifecycleError{Run: r.name, Op: "concatenate", State: r.state}
		case r.state != Loaded:
			return nil, &LifecycleError{Run: r.name, Op: "concatenate after preprocessing", State: r.state}
		case r.raw.IsSplit():
			return nil, fmt.Errorf("run %q is split by shank and cannot be concatenated", r.name)
		}
		raws = append(raws, r.raw[split.GroupedKey])
		if r.sync == nil {
			allSyncs = false
		} else {
			syncs = append(syncs, r.sync)
		}
		names = append(names, r.name)
	}

	if err := checkConcatCompatible(raws, first.parent); err != nil {
		return nil, err
	}

	ordered := append([]string{}, names...)
	sort.Strings(ordered)
	if !equalStrings(names, ordered) {
		out.logger.WithField("order", names).Warn(
			"concatenating runs in an order that differs from their name order")
	}

	raw, err := first.engine.Concatenate(raws)
	if err != nil {
		return nil, fmt.Errorf("concatenating runs in %s: %w", first.parent, err)
	}
	out.raw = split.Grouped(raw)

	if allSyncs {
		sync, err := first.engine.Concatenate(syncs)
		if err != nil {
			return nil, fmt.Errorf("concatenating sync channels in %s: %w", first.parent, err)
		}
		out.sync = sync
	}

	out.origRunNames = names
	out.state = Loaded
	out.logger.WithFields(logrus.Fields{
		"runs": names,
		"sync": out.sync != nil,
	}).Info("runs concatenated")
	return out, nil
}

func checkConcatCompatible(raws []recording.Recording, parent string) error {
	rate := raws[0].SampleRate()
	channels := len(raws[0].ChannelIDs())
	for _, rec := range raws[1:] {
		if rec.SampleRate() != rate {
			return fmt.Errorf(
				"cannot concatenate recordings with different sampling frequencies, found in folder %s", parent)
		}
		if len(rec.ChannelIDs()) != channels {
			return fmt.Errorf(
				"cannot concatenate recordings with different channel organisation, found in folder %s", parent)
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
