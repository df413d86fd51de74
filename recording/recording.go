// Package recording defines the contract between the pipeline orchestrator
// and the external recording-processing engine. Recordings are opaque,
// lazily-evaluated multichannel time-series handles: every transform returns
// a new handle and no computation happens until samples are read or the
// recording is persisted. The orchestrator never forces materialisation
// itself.
package recording

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
)

// Format identifies the acquisition software a run was recorded with.
// It determines how the engine discovers and reads raw data.
type Format string

// Supported acquisition formats.
const (
	SpikeGLX  Format = "spikeglx"
	OpenEphys Format = "openephys"
)

// Formats returns all supported acquisition formats.
func Formats() []Format {
	return []Format{SpikeGLX, OpenEphys}
}

// ParseFormat validates a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats() {
		if Format(s) == f {
			return f, nil
		}
	}
	return "", fmt.Errorf("file format %q not recognised, must be one of %v", s, Formats())
}

// Params holds keyword parameters for a single transform, passed through
// to the engine without interpretation.
type Params map[string]interface{}

// Period is a half-open sample interval [Start, End) to be zeroed out
// by a silence transform.
type Period struct {
	Start int64
	End   int64
}

// PersistOptions control how the engine writes a recording to storage.
// Both values are passed through opaquely: chunking and worker pooling
// happen inside the engine, never in the orchestrator.
type PersistOptions struct {
	ChunkDuration time.Duration
	Workers       int
}

// Recording is a single lazily-evaluated recording handle.
//
// Implementations must be immutable-by-value: Transform, Silence and
// SplitBy return new handles and never modify the receiver.
type Recording interface {
	// ChannelIDs returns the ids of all channels in the recording.
	ChannelIDs() []string

	// SampleRate returns the sampling frequency in Hz.
	SampleRate() float64

	// NumSamples returns the total number of samples per channel.
	NumSamples() int64

	// Groups returns the distinct values of the "group" (shank) property,
	// or false if the recording carries no group metadata.
	Groups() ([]int, bool)

	// Transform applies a named processing step and returns the resulting
	// recording. The transform is lazy.
	Transform(name string, params Params) (Recording, error)

	// SplitBy partitions the recording by a channel property, one
	// sub-recording per distinct property value.
	SplitBy(property string) (map[int]Recording, error)

	// Silence returns a recording with the given sample periods zeroed.
	Silence(periods []Period) (Recording, error)

	// Persist forces evaluation and writes the recording under dir.
	Persist(ctx context.Context, fsys afero.Fs, dir string, opts PersistOptions) error
}

// Engine is the entry point into the recording-processing collaborator.
type Engine interface {
	// Load reads the raw recording and its sync-channel recording for one
	// run folder. The sync recording may be nil when the acquisition has
	// no sync channel.
	Load(path string, format Format) (raw Recording, sync Recording, err error)

	// Concatenate joins recordings end to end, in the given order.
	Concatenate(recs []Recording) (Recording, error)
}
