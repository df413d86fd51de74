// Package steps applies an ordered chain of named processing steps to a
// base recording, producing a lineage of intermediate recordings. Each
// lineage entry is independently addressable and its key encodes the full
// ordered history of step names applied so far, so any intermediate
// artifact is self-describing without the step definitions at hand.
package steps

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spikepipe/spikepipe/recording"
)

// Step is one named processing step with its parameters.
type Step struct {
	Name   string
	Params recording.Params
}

// Steps maps a 1-based positional key, written as a numeral ("1", "2", ...),
// to the step to run at that position. Execution order follows the numeral
// ordering, not map iteration order.
type Steps map[string]Step

// Names returns the step names in execution order. Invalid orderings
// return the names of whatever keys parse, best effort.
func (s Steps) Names() []string {
	keys := s.sortedKeys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, s[k].Name)
	}
	return names
}

func (s Steps) sortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	return keys
}

// ConfigurationError reports a malformed step ordering. It is always
// returned before any transform runs.
type ConfigurationError struct {
	Keys   []string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid step ordering %v: %s", e.Keys, e.Reason)
}

// UnknownStepError reports a step name that does not resolve against the
// registry of supported transforms.
type UnknownStepError struct {
	Name    string
	Allowed []string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown step %q, allowed steps: %v", e.Name, e.Allowed)
}

// validate checks the positional keys: all positive integers, starting at 1,
// contiguous. It returns the keys in execution order.
func validate(s Steps) ([]string, error) {
	if len(s) == 0 {
		return nil, &ConfigurationError{Reason: "no steps defined"}
	}
	keys := s.sortedKeys()
	nums := make([]int, len(keys))
	for i, k := range keys {
		n, err := strconv.Atoi(k)
		if err != nil || n <= 0 {
			return nil, &ConfigurationError{Keys: keys, Reason: fmt.Sprintf("key %q is not a positive integer", k)}
		}
		nums[i] = n
	}
	if nums[0] != 1 {
		return nil, &ConfigurationError{Keys: keys, Reason: "keys must start at 1"}
	}
	for i := 1; i < len(nums); i++ {
		if nums[i] != nums[i-1]+1 {
			return nil, &ConfigurationError{
				Keys:   keys,
				Reason: fmt.Sprintf("keys must increase by 1, found gap between %d and %d", nums[i-1], nums[i]),
			}
		}
	}
	return keys, nil
}

// lineageKey builds the key for the entry at index idx given the cumulative
// step-name history ("raw" plus every applied step name).
func lineageKey(idx int, history []string) string {
	return fmt.Sprintf("%d-%s", idx, strings.Join(history, "-"))
}

// Lineage maps lineage key to recording. Keys are contiguous, starting at
// "0-raw" (the untransformed input) and increasing by exactly 1.
type Lineage map[string]recording.Recording

// Keys returns the lineage keys ordered by step index.
func (l Lineage) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return indexOf(keys[i]) < indexOf(keys[j])
	})
	return keys
}

// Last returns the entry with the maximum step index, i.e. the fully
// processed recording.
func (l Lineage) Last() (string, recording.Recording) {
	var lastKey string
	last := -1
	for k := range l {
		if n := indexOf(k); n > last {
			last = n
			lastKey = k
		}
	}
	return lastKey, l[lastKey]
}

func indexOf(key string) int {
	prefix, _, _ := strings.Cut(key, "-")
	n, _ := strconv.Atoi(prefix)
	return n
}

// Validate checks the step ordering and resolves every step name against
// reg, without touching any recording. Callers that combine the chain with
// other collaborator work run it up front so a malformed configuration
// fails before anything else happens.
func Validate(reg Registry, s Steps) error {
	keys, err := validate(s)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := reg[s[k].Name]; !ok {
			return &UnknownStepError{Name: s[k].Name, Allowed: reg.Names()}
		}
	}
	return nil
}

// Apply runs the step chain against base, resolving each step name in reg.
// All validation happens before the first transform: a malformed ordering
// or unknown name never reaches the recording engine. Transforms are lazy,
// so Apply performs no IO.
func Apply(base recording.Recording, reg Registry, s Steps) (Lineage, error) {
	if err := Validate(reg, s); err != nil {
		return nil, err
	}
	keys, _ := validate(s)

	history := []string{"raw"}
	lineage := Lineage{lineageKey(0, history): base}
	for i, k := range keys {
		step := s[k]
		prev := lineage[lineageKey(i, history)]
		next, err := reg[step.Name](prev, step.Params)
		if err != nil {
			return nil, fmt.Errorf("step %q (position %s): %w", step.Name, k, err)
		}
		history = append(history, step.Name)
		lineage[lineageKey(i+1, history)] = next
	}
	return lineage, nil
}
