package batch

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// LocalScheduler runs jobs in-process, one goroutine per job. It is the
// default scheduler: useful on machines without a batch system and in
// tests. Job output is captured to a log file in the dispatch's log folder
// while still being echoed to the caller-visible stream.
type LocalScheduler struct {
	// Fs is the filesystem log files are written to. Nil means the OS
	// filesystem.
	Fs afero.Fs
	// Echo receives a copy of the job log. Nil means os.Stderr.
	Echo io.Writer
}

// Submit implements Scheduler. The returned handle's Wait blocks until the
// job goroutine exits.
func (s *LocalScheduler) Submit(ctx context.Context, req SubmitRequest) (*Handle, error) {
	fsys := s.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	echo := s.Echo
	if echo == nil {
		echo = os.Stderr
	}

	file, err := fsys.OpenFile(filepath.Join(req.LogDir, "job.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	// everything the job writes lands in the log file and the caller's
	// stream alike
	output := io.MultiWriter(file, echo)
	jobLog := logrus.New()
	jobLog.SetOutput(output)

	id := xid.New().String()
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		defer file.Close()
		jobLog.WithField("job", req.Name).Infof("job %s started", id)
		runErr = req.Run(ctx, output)
		if runErr != nil {
			jobLog.WithField("job", req.Name).Errorf("job %s failed: %v", id, runErr)
			return
		}
		jobLog.WithField("job", req.Name).Infof("job %s finished", id)
	}()

	return NewHandle(id, func(ctx context.Context) error {
		select {
		case <-done:
			return runErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}), nil
}
