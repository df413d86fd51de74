// Package split partitions a recording into per-group (shank)
// sub-recordings. Every downstream structure is a Grouping: a mapping from
// group key to recording. Splitting happens exactly once per run, before
// the step chain is applied independently per group.
package split

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spikepipe/spikepipe/recording"
)

// GroupedKey is the single key used when a recording is not split by shank.
const GroupedKey = "grouped"

// shankKey builds the key for one group value.
func shankKey(value int) string {
	return fmt.Sprintf("shank_%d", value)
}

// NoGroupPropertyError is returned when shank-splitting is requested but the
// recording carries no group metadata.
type NoGroupPropertyError struct {
	Run string
}

func (e *NoGroupPropertyError) Error() string {
	return fmt.Sprintf("cannot split run %q by shank: recording has no 'group' property", e.Run)
}

// Grouping maps group key ("grouped", or "shank_{i}") to recording.
type Grouping map[string]recording.Recording

// Grouped wraps an unsplit recording into a single-entry grouping.
func Grouped(rec recording.Recording) Grouping {
	return Grouping{GroupedKey: rec}
}

// ByShank splits rec into one sub-recording per distinct group value.
// runName is used in the error when the recording has no group property.
func ByShank(rec recording.Recording, runName string) (Grouping, error) {
	if _, ok := rec.Groups(); !ok {
		return nil, &NoGroupPropertyError{Run: runName}
	}
	byValue, err := rec.SplitBy("group")
	if err != nil {
		return nil, fmt.Errorf("splitting run %q by shank: %w", runName, err)
	}
	g := make(Grouping, len(byValue))
	for value, sub := range byValue {
		g[shankKey(value)] = sub
	}
	return g, nil
}

// IsSplit reports whether the grouping holds per-shank recordings.
func (g Grouping) IsSplit() bool {
	if len(g) != 1 {
		return len(g) > 1
	}
	_, grouped := g[GroupedKey]
	return !grouped
}

// Keys returns the group keys in stable order, "grouped" first, shanks by
// ascending value.
func (g Grouping) Keys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == GroupedKey {
			return true
		}
		if keys[j] == GroupedKey {
			return false
		}
		return shankValue(keys[i]) < shankValue(keys[j])
	})
	return keys
}

func shankValue(key string) int {
	var v int
	fmt.Sscanf(strings.TrimPrefix(key, "shank_"), "%d", &v)
	return v
}
