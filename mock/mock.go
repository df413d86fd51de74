// Package mock provides in-memory stand-ins for the external collaborators:
// the recording-processing engine, recordings, the batch scheduler and the
// sorter backend. It is used across package tests.
package mock

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/spikepipe/spikepipe/recording"
)

const (
	defaultChannels   = 8
	defaultSamples    = 1000
	defaultSampleRate = 30000.0
)

// Counter tracks calls that reached the collaborator. It is shared by all
// recordings derived from the same base, so tests can assert that a failed
// validation performed no collaborator work at all.
type Counter struct {
	Loads      int
	Transforms int
	Splits     int
	Silences   int
	Persists   int
	Concats    int
}

// Recording is an in-memory recording.Recording. Transforms are recorded
// by name instead of being computed, which keeps the handle lazy in spirit:
// the only observable effect of a transform is a longer history.
type Recording struct {
	counter  *Counter
	channels []string
	rate     float64
	samples  int64
	groups   []int // distinct group values, nil when no group property
	history  []string
	silenced []recording.Period
}

// NewRecording creates a recording with the given shape. groups may be nil
// to model a recording without group metadata.
func NewRecording(channels int, samples int64, groups []int) *Recording {
	ids := make([]string, channels)
	for i := range ids {
		ids[i] = fmt.Sprintf("ch%d", i)
	}
	return &Recording{
		counter:  &Counter{},
		channels: ids,
		rate:     defaultSampleRate,
		samples:  samples,
		groups:   groups,
	}
}

// WithRate overrides the sampling rate.
func (r *Recording) WithRate(rate float64) *Recording {
	r.rate = rate
	return r
}

// Counter exposes the shared call counter.
func (r *Recording) Counter() *Counter { return r.counter }

// History returns the names of transforms applied so far, in order.
func (r *Recording) History() []string { return r.history }

// Silenced returns the periods zeroed on this handle.
func (r *Recording) Silenced() []recording.Period { return r.silenced }

// ChannelIDs implements recording.Recording.
func (r *Recording) ChannelIDs() []string { return r.channels }

// SampleRate implements recording.Recording.
func (r *Recording) SampleRate() float64 { return r.rate }

// NumSamples implements recording.Recording.
func (r *Recording) NumSamples() int64 { return r.samples }

// Groups implements recording.Recording.
func (r *Recording) Groups() ([]int, bool) {
	if r.groups == nil {
		return nil, false
	}
	return r.groups, true
}

// Transform implements recording.Recording. The returned handle shares the
// call counter with the receiver.
func (r *Recording) Transform(name string, _ recording.Params) (recording.Recording, error) {
	r.counter.Transforms++
	next := r.clone()
	next.history = append(append([]string{}, r.history...), name)
	return next, nil
}

// SplitBy implements recording.Recording. Channels are divided evenly
// between the distinct group values.
func (r *Recording) SplitBy(property string) (map[int]recording.Recording, error) {
	r.counter.Splits++
	if property != "group" || r.groups == nil {
		return nil, fmt.Errorf("recording has no property %q", property)
	}
	perGroup := len(r.channels) / len(r.groups)
	out := make(map[int]recording.Recording, len(r.groups))
	for i, value := range r.groups {
		sub := r.clone()
		sub.channels = r.channels[i*perGroup : (i+1)*perGroup]
		sub.groups = []int{value}
		out[value] = sub
	}
	return out, nil
}

// Silence implements recording.Recording.
func (r *Recording) Silence(periods []recording.Period) (recording.Recording, error) {
	r.counter.Silences++
	next := r.clone()
	next.silenced = append(append([]recording.Period{}, r.silenced...), periods...)
	return next, nil
}

// Persist implements recording.Recording. It writes a small trace file
// describing the handle, enough for tests to observe layout and content.
func (r *Recording) Persist(ctx context.Context, fsys afero.Fs, dir string, opts recording.PersistOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.counter.Persists++
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	body := fmt.Sprintf(
		"channels: %d\nsamples: %d\nrate: %g\nhistory: %v\nworkers: %d\n",
		len(r.channels), r.samples, r.rate, r.history, opts.Workers,
	)
	return afero.WriteFile(fsys, filepath.Join(dir, "traces.bin"), []byte(body), 0o644)
}

func (r *Recording) clone() *Recording {
	next := *r
	return &next
}

// Engine is an in-memory recording.Engine. By default every Load returns a
// deterministic recording; specific paths can be pre-seeded via Recordings
// and Syncs.
type Engine struct {
	Counter Counter

	// Recordings and Syncs pre-seed Load results per run path.
	Recordings map[string]*Recording
	Syncs      map[string]*Recording

	// Defaults used when a path is not pre-seeded.
	Channels int
	Samples  int64
	Groups   []int
	NoSync   bool

	LoadErr error
}

// Load implements recording.Engine.
func (e *Engine) Load(path string, _ recording.Format) (recording.Recording, recording.Recording, error) {
	e.Counter.Loads++
	if e.LoadErr != nil {
		return nil, nil, e.LoadErr
	}
	if rec, ok := e.Recordings[path]; ok {
		if sync, ok := e.Syncs[path]; ok {
			return rec, sync, nil
		}
		return rec, nil, nil
	}
	channels := e.Channels
	if channels == 0 {
		channels = defaultChannels
	}
	samples := e.Samples
	if samples == 0 {
		samples = defaultSamples
	}
	raw := NewRecording(channels, samples, e.Groups)
	if e.NoSync {
		return raw, nil, nil
	}
	return raw, NewRecording(1, samples, nil), nil
}

// Concatenate implements recording.Engine. Sample counts are summed;
// sampling rates must match.
func (e *Engine) Concatenate(recs []recording.Recording) (recording.Recording, error) {
	e.Counter.Concats++
	if len(recs) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	first, ok := recs[0].(*Recording)
	if !ok {
		return nil, fmt.Errorf("unexpected recording type %T", recs[0])
	}
	total := first.samples
	for _, rec := range recs[1:] {
		if rec.SampleRate() != first.rate {
			return nil, fmt.Errorf("sampling rates differ: %g vs %g", first.rate, rec.SampleRate())
		}
		total += rec.NumSamples()
	}
	out := first.clone()
	out.samples = total
	return out, nil
}
