package watch

import (
	"path/filepath"
	"strings"
)

// RuleSet decides which paths under a root are relevant.
// It is immutable after construction and safe for concurrent use.
type RuleSet struct {
	root       string
	ignoreDirs []string
	ignoreSet  map[string]struct{}
	suffixes   []string
}

// NewRuleSet builds a rule set rooted at root. A path is ignored when any of
// its directories (relative to root) is named in ignoreDirs, or when its file
// name ends in none of suffixes.
func NewRuleSet(root string, ignoreDirs, suffixes []string) *RuleSet {
	r := &RuleSet{
		root:       filepath.Clean(root),
		ignoreDirs: append([]string(nil), ignoreDirs...),
		ignoreSet:  make(map[string]struct{}, len(ignoreDirs)),
		suffixes:   append([]string(nil), suffixes...),
	}
	for _, d := range ignoreDirs {
		r.ignoreSet[d] = struct{}{}
	}
	return r
}

// Root returns the watched root.
func (r *RuleSet) Root() string { return r.root }

// IgnoreDirs returns a copy of the ignored directory names, in order.
func (r *RuleSet) IgnoreDirs() []string { return append([]string(nil), r.ignoreDirs...) }

// Suffixes returns a copy of the recognized source suffixes.
func (r *RuleSet) Suffixes() []string { return append([]string(nil), r.suffixes...) }

// Ignored reports whether a change to the file at path must not trigger a restart.
// Relative paths are taken relative to the root. Paths outside the root are ignored.
func (r *RuleSet) Ignored(path string) bool {
	parts, ok := r.split(path)
	if !ok || len(parts) == 0 {
		return true
	}
	for _, dir := range parts[:len(parts)-1] {
		if _, skip := r.ignoreSet[dir]; skip {
			return true
		}
	}
	return !r.hasSourceSuffix(parts[len(parts)-1])
}

// SkipDir reports whether the directory at path, or any directory above it
// up to the root, is ignored. The root itself is never skipped.
func (r *RuleSet) SkipDir(path string) bool {
	parts, ok := r.split(path)
	if !ok {
		return true
	}
	for _, dir := range parts {
		if _, skip := r.ignoreSet[dir]; skip {
			return true
		}
	}
	return false
}

func (r *RuleSet) hasSourceSuffix(name string) bool {
	for _, s := range r.suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// split returns the root-relative components of path.
func (r *RuleSet) split(path string) ([]string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.root, path)
	}
	rel, err := filepath.Rel(r.root, filepath.Clean(path))
	if err != nil {
		return nil, false
	}
	if rel == "." {
		return nil, true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, false
	}
	return strings.Split(rel, string(filepath.Separator)), true
}
