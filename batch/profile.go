// Package batch dispatches units of work to an external batch scheduler.
// The orchestration layer stays single-threaded: dispatched jobs run as
// independent processes and coordinate only through the filesystem and the
// wait primitives here.
package batch

import (
	"fmt"
	"os"
	"sort"
)

// Dispatch describes whether and how a unit of work is sent to the
// scheduler: off (run inline), on with the default resource profile, or on
// with explicit overrides merged on top of the defaults.
type Dispatch struct {
	enabled bool
	options map[string]interface{}
}

// Inline disables dispatch: the work runs in the calling process.
func Inline() Dispatch { return Dispatch{} }

// Defaults enables dispatch with the default resource profile.
func Defaults() Dispatch { return Dispatch{enabled: true} }

// WithOptions enables dispatch with overrides merged over the defaults.
// Only the overridden keys change; all other defaults persist.
func WithOptions(options map[string]interface{}) Dispatch {
	return Dispatch{enabled: true, options: options}
}

// Enabled reports whether the work should be dispatched at all.
func (d Dispatch) Enabled() bool { return d.enabled }

// Profile is the resource profile of one batch job. Wait and EnvName are
// not scheduler resources: Wait blocks the calling process until the job
// finishes, EnvName names the execution environment inside the job.
type Profile struct {
	Nodes        int
	MemGB        int
	TimeoutMin   int
	CPUsPerTask  int
	TasksPerNode int
	Partition    string
	GPUs         string
	Exclude      string
	Wait         bool
	EnvName      string
}

// DefaultProfile returns the default resource profile. The environment
// name is detected from SPIKEPIPE_ENV, falling back to "spikepipe".
func DefaultProfile() Profile {
	env := os.Getenv("SPIKEPIPE_ENV")
	if env == "" {
		env = "spikepipe"
	}
	return Profile{
		Nodes:        1,
		MemGB:        40,
		TimeoutMin:   24 * 60,
		CPUsPerTask:  8,
		TasksPerNode: 1,
		Partition:    "cpu",
		EnvName:      env,
	}
}

// ConfigurationError reports an unknown or malformed resource-profile key.
type ConfigurationError struct {
	Key     string
	Reason  string
	Allowed []string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("batch option %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("unknown batch option %q, allowed options: %v", e.Key, e.Allowed)
}

// profileKeys is the fixed option key set.
var profileKeys = map[string]struct{}{
	"nodes":          {},
	"mem_gb":         {},
	"timeout_min":    {},
	"cpus_per_task":  {},
	"tasks_per_node": {},
	"partition":      {},
	"gpus":           {},
	"exclude":        {},
	"wait":           {},
	"env_name":       {},
}

func allowedKeys() []string {
	keys := make([]string, 0, len(profileKeys))
	for k := range profileKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Profile resolves the dispatch into a concrete resource profile: the
// defaults with any overrides applied. Unknown keys are rejected.
func (d Dispatch) Profile() (Profile, error) {
	p := DefaultProfile()
	for key, value := range d.options {
		if _, ok := profileKeys[key]; !ok {
			return Profile{}, &ConfigurationError{Key: key, Allowed: allowedKeys()}
		}
		if err := p.set(key, value); err != nil {
			return Profile{}, err
		}
	}
	return p, nil
}

func (p *Profile) set(key string, value interface{}) error {
	switch key {
	case "nodes":
		return setInt(&p.Nodes, key, value)
	case "mem_gb":
		return setInt(&p.MemGB, key, value)
	case "timeout_min":
		return setInt(&p.TimeoutMin, key, value)
	case "cpus_per_task":
		return setInt(&p.CPUsPerTask, key, value)
	case "tasks_per_node":
		return setInt(&p.TasksPerNode, key, value)
	case "partition":
		return setString(&p.Partition, key, value)
	case "gpus":
		return setString(&p.GPUs, key, value)
	case "exclude":
		return setString(&p.Exclude, key, value)
	case "env_name":
		return setString(&p.EnvName, key, value)
	case "wait":
		b, ok := value.(bool)
		if !ok {
			return &ConfigurationError{Key: key, Reason: fmt.Sprintf("expected bool, got %T", value)}
		}
		p.Wait = b
	}
	return nil
}

func setInt(dst *int, key string, value interface{}) error {
	switch v := value.(type) {
	case int:
		*dst = v
	case int64:
		*dst = int(v)
	case float64:
		*dst = int(v)
	default:
		return &ConfigurationError{Key: key, Reason: fmt.Sprintf("expected integer, got %T", value)}
	}
	return nil
}

func setString(dst *string, key string, value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return &ConfigurationError{Key: key, Reason: fmt.Sprintf("expected string, got %T", value)}
	}
	*dst = s
	return nil
}
