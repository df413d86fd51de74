package mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spikepipe/spikepipe/batch"
)

// Scheduler records every submission it receives. With RunJobs set it
// executes the submitted work synchronously, so handles resolve
// immediately; otherwise jobs are only recorded.
type Scheduler struct {
	mu        sync.Mutex
	requests  []batch.SubmitRequest
	RunJobs   bool
	SubmitErr error
	// JobOutput receives what the executed job writes. Nil discards it.
	JobOutput io.Writer
}

// Submit implements batch.Scheduler.
func (s *Scheduler) Submit(ctx context.Context, req batch.SubmitRequest) (*batch.Handle, error) {
	if s.SubmitErr != nil {
		return nil, s.SubmitErr
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	id := fmt.Sprintf("job-%d", len(s.requests))
	s.mu.Unlock()

	var runErr error
	if s.RunJobs {
		out := s.JobOutput
		if out == nil {
			out = io.Discard
		}
		runErr = req.Run(ctx, out)
	}
	return batch.NewHandle(id, func(context.Context) error { return runErr }), nil
}

// Requests returns a copy of all submissions so far.
func (s *Scheduler) Requests() []batch.SubmitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]batch.SubmitRequest, len(s.requests))
	copy(out, s.requests)
	return out
}
