package batch

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// jobIDPattern matches sbatch's confirmation line.
var jobIDPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// SlurmScheduler submits jobs to SLURM via sbatch. Jobs must carry a
// command line: the work is re-executed as a fresh process on the
// allocated node, so an in-process closure cannot be shipped.
type SlurmScheduler struct {
	// Runner executes a command and returns its combined output. Nil means
	// exec on the local machine. Tests inject a fake.
	Runner func(ctx context.Context, name string, args ...string) ([]byte, error)
	// PollInterval is how often Wait polls the queue. Zero means 30s.
	PollInterval time.Duration
}

func (s *SlurmScheduler) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if s.Runner != nil {
		return s.Runner(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Submit implements Scheduler.
func (s *SlurmScheduler) Submit(ctx context.Context, req SubmitRequest) (*Handle, error) {
	cmdline := req.Args.CommandLine()
	if len(cmdline) == 0 {
		return nil, fmt.Errorf(
			"job %q cannot be submitted to SLURM: no equivalent command line is available, run it inline or provide a remote command", req.Name)
	}

	out, err := s.run(ctx, "sbatch", sbatchArgs(req, cmdline)...)
	if err != nil {
		return nil, fmt.Errorf("sbatch failed for job %q: %w: %s", req.Name, err, strings.TrimSpace(string(out)))
	}
	match := jobIDPattern.FindSubmatch(out)
	if match == nil {
		return nil, fmt.Errorf("sbatch output for job %q did not contain a job id: %s", req.Name, strings.TrimSpace(string(out)))
	}
	id := string(match[1])

	return NewHandle(id, func(ctx context.Context) error {
		return s.poll(ctx, id)
	}), nil
}

// sbatchArgs translates the resource profile into sbatch flags. Output and
// error streams land in the dispatch's log folder.
func sbatchArgs(req SubmitRequest, cmdline []string) []string {
	p := req.Profile
	args := []string{
		"--job-name=" + req.Name,
		"--output=" + filepath.Join(req.LogDir, "slurm-%j.out"),
		"--error=" + filepath.Join(req.LogDir, "slurm-%j.err"),
		fmt.Sprintf("--nodes=%d", p.Nodes),
		fmt.Sprintf("--mem=%dG", p.MemGB),
		fmt.Sprintf("--time=%d", p.TimeoutMin),
		fmt.Sprintf("--cpus-per-task=%d", p.CPUsPerTask),
		fmt.Sprintf("--ntasks-per-node=%d", p.TasksPerNode),
	}
	if p.Partition != "" {
		args = append(args, "--partition="+p.Partition)
	}
	if p.GPUs != "" {
		args = append(args, "--gres="+p.GPUs)
	}
	if p.Exclude != "" {
		args = append(args, "--exclude="+p.Exclude)
	}
	args = append(args,
		"--export=ALL,SPIKEPIPE_ENV="+p.EnvName,
		"--wrap="+strings.Join(cmdline, " "),
	)
	return args
}

// poll blocks until the job leaves the queue.
func (s *SlurmScheduler) poll(ctx context.Context, id string) error {
	interval := s.PollInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		out, err := s.run(ctx, "squeue", "--noheader", "--job", id)
		if err != nil {
			return fmt.Errorf("polling job %s: %w", id, err)
		}
		if strings.TrimSpace(string(out)) == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
