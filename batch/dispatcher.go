package batch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/spikepipe/spikepipe/log"
)

// logFolder is the sub-folder of a job's log root holding one timestamped
// folder per dispatch. It ends in "_logs" so reconciliation preserves it.
const logFolder = "job_logs"

// JobArgs carries the arguments of a unit of work submitted to a scheduler.
//
// Disarm returns a copy with batch dispatch forced off. The dispatcher
// disarms every job once, before constructing the remote invocation; the
// submitted work can therefore never resubmit itself, regardless of what
// the original caller passed.
//
// CommandLine returns a CLI invocation equivalent to running the job with
// these (already disarmed) arguments. Process-based schedulers use it to
// build the remote command; in-process schedulers ignore it.
type JobArgs interface {
	Disarm() JobArgs
	CommandLine() []string
}

// JobFunc is the unit of work. It receives the disarmed arguments and a
// logger whose output the scheduler captures into the dispatch's log
// folder; everything the job reports must go through it.
type JobFunc func(ctx context.Context, args JobArgs, logger *logrus.Logger) error

// Job pairs a unit of work with its arguments and the root under which its
// logs are written.
type Job struct {
	Name    string
	Args    JobArgs
	Func    JobFunc
	LogRoot string
}

// SubmitRequest is what a scheduler receives: the resolved profile, the
// fresh log folder and the disarmed work. The scheduler provides the
// writer the job's output is captured to.
type SubmitRequest struct {
	Name    string
	Profile Profile
	LogDir  string
	Args    JobArgs
	Run     func(ctx context.Context, output io.Writer) error
}

// Handle identifies one outstanding job.
type Handle struct {
	id   string
	wait func(ctx context.Context) error
}

// NewHandle builds a handle. Schedulers provide the wait primitive.
func NewHandle(id string, wait func(ctx context.Context) error) *Handle {
	return &Handle{id: id, wait: wait}
}

// ID returns the scheduler-assigned job identifier.
func (h *Handle) ID() string { return h.id }

// Wait blocks until the job exits, returning its error.
func (h *Handle) Wait(ctx context.Context) error {
	if h == nil || h.wait == nil {
		return nil
	}
	return h.wait(ctx)
}

// Scheduler is the external batch scheduler.
type Scheduler interface {
	Submit(ctx context.Context, req SubmitRequest) (*Handle, error)
}

// Dispatcher submits jobs to a scheduler with the recursion guard applied.
type Dispatcher struct {
	fsys  afero.Fs
	sched Scheduler
	log   *logrus.Logger
}

// NewDispatcher builds a dispatcher. A nil logger is replaced with a
// silent one; a nil filesystem falls back to the OS filesystem.
func NewDispatcher(fsys afero.Fs, sched Scheduler, logger *logrus.Logger) *Dispatcher {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = log.Silent()
	}
	return &Dispatcher{fsys: fsys, sched: sched, log: logger}
}

// Dispatch resolves the resource profile, creates a fresh timestamped log
// folder under job.LogRoot, disarms the job's arguments and submits it.
// When the profile requests wait, Dispatch blocks until the job exits.
func (d *Dispatcher) Dispatch(ctx context.Context, dis Dispatch, job Job) (*Handle, error) {
	profile, err := dis.Profile()
	if err != nil {
		return nil, err
	}

	logDir, err := d.makeLogDir(job.LogRoot)
	if err != nil {
		return nil, err
	}

	// The single enforcement point of the recursion guard: the submitted
	// work only ever sees dispatch-disabled arguments.
	disarmed := job.Args.Disarm()

	req := SubmitRequest{
		Name:    job.Name,
		Profile: profile,
		LogDir:  logDir,
		Args:    disarmed,
		Run: func(ctx context.Context, output io.Writer) error {
			jobLog := logrus.New()
			jobLog.SetOutput(output)
			return job.Func(ctx, disarmed, jobLog)
		},
	}

	handle, err := d.sched.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submitting job %q: %w", job.Name, err)
	}
	d.log.WithFields(logrus.Fields{
		"job":  job.Name,
		"id":   handle.ID(),
		"logs": logDir,
	}).Info("batch job submitted")

	if profile.Wait {
		return handle, handle.Wait(ctx)
	}
	return handle, nil
}

func (d *Dispatcher) makeLogDir(logRoot string) (string, error) {
	name := time.Now().Format("2006-01-02_15-04-05")
	logDir := filepath.Join(logRoot, logFolder, name)
	if exists, _ := afero.Exists(d.fsys, logDir); exists {
		logDir = filepath.Join(logRoot, logFolder, name+"_"+xid.New().String())
	}
	if err := d.fsys.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("creating job log folder %s: %w", logDir, err)
	}
	return logDir, nil
}

// WaitAll blocks until every handle's job has exited, returning the first
// error. Nil handles (inline executions) are skipped.
func WaitAll(ctx context.Context, handles []*Handle) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		if h == nil {
			continue
		}
		h := h
		g.Go(func() error { return h.Wait(ctx) })
	}
	return g.Wait()
}
