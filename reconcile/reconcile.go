// Package reconcile decides what to do with pre-existing output on disk.
// The same three-way policy is applied at the preprocessing, sorting and
// postprocessing boundaries, each with an independently specified policy:
// skipping existing preprocessing never deletes sorting output and vice
// versa.
package reconcile

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Policy governs pre-existing output. The string values are a stable wire
// contract.
type Policy string

const (
	// Overwrite deletes existing output, then proceeds.
	Overwrite Policy = "overwrite"
	// SkipIfExists short-circuits when output exists; the caller must not
	// write and must reuse the existing output for downstream stages.
	SkipIfExists Policy = "skip_if_exists"
	// FailIfExists raises an OutputExistsError when output exists.
	FailIfExists Policy = "fail_if_exists"
)

// Policies returns all valid policy values.
func Policies() []Policy {
	return []Policy{Overwrite, SkipIfExists, FailIfExists}
}

// ParsePolicy validates a user-supplied policy string.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range Policies() {
		if Policy(s) == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("existing-output policy %q not recognised, must be one of %v", s, Policies())
}

// Action is the reconciliation outcome for existing output.
type Action int

const (
	// Proceed means the caller may write to the path.
	Proceed Action = iota
	// Skip means existing output must be reused untouched.
	Skip
)

// OutputExistsError is returned under FailIfExists. It names the path and
// the exact settings needed to proceed.
type OutputExistsError struct {
	Path string
}

func (e *OutputExistsError) Error() string {
	return fmt.Sprintf(
		"output already exists at %s: set the existing-output policy to %q to delete it or %q to reuse it",
		e.Path, Overwrite, SkipIfExists,
	)
}

// logsSuffix marks scheduler log folders that survive an overwrite. Logs
// are kept forever for provenance.
const logsSuffix = "_logs"

// Reconcile applies policy to path. A folder holding nothing but *_logs
// sub-folders counts as absent: job logs are written before the job runs,
// and must not make the job see its own output folder as pre-existing.
// Reconcile performs no filesystem mutation except under Overwrite, where
// everything below path is deleted apart from any *_logs sub-folder.
func Reconcile(fsys afero.Fs, path string, policy Policy) (Action, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return Proceed, err
	}
	exists, err := hasOutput(fsys, path)
	if err != nil {
		return Proceed, fmt.Errorf("checking output path %s: %w", path, err)
	}
	if !exists {
		return Proceed, nil
	}

	switch policy {
	case SkipIfExists:
		return Skip, nil
	case FailIfExists:
		return Proceed, &OutputExistsError{Path: path}
	}

	if err := removeExceptLogs(fsys, path); err != nil {
		return Proceed, fmt.Errorf("deleting existing output at %s: %w", path, err)
	}
	return Proceed, nil
}

// hasOutput reports whether path holds anything beyond *_logs folders.
func hasOutput(fsys afero.Fs, path string) (bool, error) {
	exists, err := afero.Exists(fsys, path)
	if err != nil || !exists {
		return false, err
	}
	isDir, err := afero.IsDir(fsys, path)
	if err != nil {
		return false, err
	}
	if !isDir {
		return true, nil
	}
	entries, err := afero.ReadDir(fsys, path)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), logsSuffix) {
			return true, nil
		}
	}
	return false, nil
}

// removeExceptLogs deletes path and its contents, preserving any *_logs
// sub-folder. When nothing is preserved the folder itself is removed.
func removeExceptLogs(fsys afero.Fs, path string) error {
	isDir, err := afero.IsDir(fsys, path)
	if err != nil {
		return err
	}
	if !isDir {
		return fsys.Remove(path)
	}

	entries, err := afero.ReadDir(fsys, path)
	if err != nil {
		return err
	}
	kept := false
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), logsSuffix) {
			kept = true
			continue
		}
		if err := fsys.RemoveAll(filepath.Join(path, entry.Name())); err != nil {
			return err
		}
	}
	if !kept {
		return fsys.RemoveAll(path)
	}
	return nil
}
