// Package predicate implements stage completion predicates.
//
// A predicate is a pure check over a read-only view of the artifact tree. It
// never writes, so the executor can evaluate it before and after a stage
// action and tests can evaluate it against an in-memory filesystem.
package predicate

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Observation is what a predicate saw in the artifact tree.
type Observation struct {
	Satisfied bool
	Artifacts []Artifact
	Reason    string
}

// Artifact is one produced output: a file, a directory, or a counted set.
type Artifact struct {
	Path   string `json:"path"`
	Count  int    `json:"count"`
	Target int    `json:"target,omitempty"`
}

// Predicate decides whether a stage's goal is already met.
type Predicate interface {
	Check(fsys fs.FS) (Observation, error)
	Describe() string
}

// File is satisfied by a non-empty regular file.
func File(name string) Predicate {
	return fileCheck{name: name}
}

type fileCheck struct {
	name string
}

func (p fileCheck) Describe() string {
	return fmt.Sprintf("file %s exists", p.name)
}

func (p fileCheck) Check(fsys fs.FS) (Observation, error) {
	if !fs.ValidPath(p.name) {
		return Observation{}, fmt.Errorf("invalid artifact path %q", p.name)
	}
	info, err := fs.Stat(fsys, p.name)
	if errors.Is(err, fs.ErrNotExist) {
		return Observation{Reason: fmt.Sprintf("%s missing", p.name)}, nil
	}
	if err != nil {
		return Observation{}, err
	}
	if !info.Mode().IsRegular() {
		return Observation{Reason: fmt.Sprintf("%s is not a regular file", p.name)}, nil
	}
	if info.Size() == 0 {
		return Observation{Reason: fmt.Sprintf("%s is empty", p.name)}, nil
	}
	return Observation{
		Satisfied: true,
		Artifacts: []Artifact{{Path: p.name, Count: 1}},
	}, nil
}

// Dir is satisfied by a directory holding at least one entry.
func Dir(name string) Predicate {
	return dirCheck{name: name}
}

type dirCheck struct {
	name string
}

func (p dirCheck) Describe() string {
	return fmt.Sprintf("directory %s is populated", p.name)
}

func (p dirCheck) Check(fsys fs.FS) (Observation, error) {
	if !fs.ValidPath(p.name) {
		return Observation{}, fmt.Errorf("invalid artifact path %q", p.name)
	}
	entries, err := fs.ReadDir(fsys, p.name)
	if errors.Is(err, fs.ErrNotExist) {
		return Observation{Reason: fmt.Sprintf("%s missing", p.name)}, nil
	}
	if err != nil {
		return Observation{}, err
	}
	if len(entries) == 0 {
		return Observation{Reason: fmt.Sprintf("%s is empty", p.name)}, nil
	}
	return Observation{
		Satisfied: true,
		Artifacts: []Artifact{{Path: p.name, Count: len(entries)}},
	}, nil
}

// CountAtLeast is satisfied when pattern matches at least target non-empty files.
func CountAtLeast(pattern string, target int) Predicate {
	return countCheck{pattern: pattern, target: target}
}

type countCheck struct {
	pattern string
	target  int
}

func (p countCheck) Describe() string {
	return fmt.Sprintf("at least %d files match %s", p.target, p.pattern)
}

func (p countCheck) Check(fsys fs.FS) (Observation, error) {
	if p.target < 1 {
		return Observation{}, fmt.Errorf("count target for %s must be >= 1, got %d", p.pattern, p.target)
	}
	matches, err := fs.Glob(fsys, p.pattern)
	if err != nil {
		return Observation{}, fmt.Errorf("glob %s: %w", p.pattern, err)
	}

	count := 0
	for _, m := range matches {
		info, err := fs.Stat(fsys, m)
		if err != nil {
			return Observation{}, err
		}
		if info.Mode().IsRegular() && info.Size() > 0 {
			count++
		}
	}

	obs := Observation{
		Satisfied: count >= p.target,
		Artifacts: []Artifact{{Path: p.pattern, Count: count, Target: p.target}},
	}
	if !obs.Satisfied {
		obs.Reason = fmt.Sprintf("%d of %d files match %s", count, p.target, p.pattern)
	}
	return obs, nil
}

// All is satisfied only when every predicate is.
func All(preds ...Predicate) Predicate {
	return allCheck(preds)
}

type allCheck []Predicate

func (p allCheck) Describe() string {
	parts := make([]string, 0, len(p))
	for _, pred := range p {
		parts = append(parts, pred.Describe())
	}
	return strings.Join(parts, " and ")
}

func (p allCheck) Check(fsys fs.FS) (Observation, error) {
	if len(p) == 0 {
		return Observation{}, fmt.Errorf("empty predicate set")
	}
	out := Observation{Satisfied: true}
	var reasons []string
	for _, pred := range p {
		obs, err := pred.Check(fsys)
		if err != nil {
			return Observation{}, err
		}
		out.Artifacts = append(out.Artifacts, obs.Artifacts...)
		if !obs.Satisfied {
			out.Satisfied = false
			reasons = append(reasons, obs.Reason)
		}
	}
	if !out.Satisfied {
		out.Artifacts = nil
		out.Reason = strings.Join(reasons, "; ")
	}
	return out, nil
}
