// Package patch applies model-proposed unified diffs to workspace
// files and validates the result before it lands.
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/codefionn/schmiede/internal/logger"
	"github.com/codefionn/schmiede/internal/policy"
)

// FileChange records what happened to one file.
type FileChange struct {
	Path    string `json:"path"`
	Created bool   `json:"created,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Bytes   int    `json:"bytes"`
}

// Apply applies a unified diff to content. Context and deleted lines
// must match the original; a mismatch rejects the whole diff instead of
// guessing.
func Apply(original, diffText string) (string, error) {
	if !strings.HasPrefix(diffText, "---") && !strings.HasPrefix(diffText, "diff ") {
		diffText = "--- a/file\n+++ b/file\n" + diffText
	}

	fileDiff, err := diff.ParseFileDiff([]byte(diffText))
	if err != nil {
		return "", fmt.Errorf("failed to parse unified diff: %w", err)
	}
	return applyHunks(original, fileDiff)
}

func applyHunks(original string, fileDiff *diff.FileDiff) (string, error) {
	originalLines := strings.Split(original, "\n")

	result := make([]string, 0, len(originalLines))
	currentOrigLine := 0

	for _, hunk := range fileDiff.Hunks {
		// New files carry a zero start line.
		hunkStartLine := int(hunk.OrigStartLine) - 1
		if hunkStartLine < 0 {
			hunkStartLine = 0
		}
		if hunkStartLine < currentOrigLine {
			return "", fmt.Errorf("hunks overlap at line %d", hunk.OrigStartLine)
		}
		for currentOrigLine < hunkStartLine && currentOrigLine < len(originalLines) {
			result = append(result, originalLines[currentOrigLine])
			currentOrigLine++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			if len(line) == 0 {
				continue
			}
			switch line[0] {
			case ' ':
				if currentOrigLine >= len(originalLines) {
					return "", fmt.Errorf("hunk at line %d runs past end of file", hunk.OrigStartLine)
				}
				if originalLines[currentOrigLine] != line[1:] {
					return "", fmt.Errorf("context mismatch at line %d: have %q, diff expects %q",
						currentOrigLine+1, originalLines[currentOrigLine], line[1:])
				}
				result = append(result, originalLines[currentOrigLine])
				currentOrigLine++
			case '-':
				if currentOrigLine >= len(originalLines) {
					return "", fmt.Errorf("hunk at line %d deletes past end of file", hunk.OrigStartLine)
				}
				if originalLines[currentOrigLine] != line[1:] {
					return "", fmt.Errorf("deletion mismatch at line %d: have %q, diff removes %q",
						currentOrigLine+1, originalLines[currentOrigLine], line[1:])
				}
				currentOrigLine++
			case '+':
				result = append(result, line[1:])
			case '\\':
				// "\ No newline at end of file"
			}
		}
	}

	for currentOrigLine < len(originalLines) {
		result = append(result, originalLines[currentOrigLine])
		currentOrigLine++
	}

	return strings.Join(result, "\n"), nil
}

// Applier applies multi-file diffs inside a set of writable roots and
// syntax-checks the results.
type Applier struct {
	workingDir    string
	writableRoots []string
	validator     *Validator
}

// NewApplier returns an applier confined to workingDir plus the extra
// writable roots.
func NewApplier(workingDir string, writableRoots []string) *Applier {
	return &Applier{
		workingDir:    workingDir,
		writableRoots: writableRoots,
		validator:     NewValidator(),
	}
}

// ApplyDiff parses a (possibly multi-file) unified diff, applies it and
// writes the results. Nothing is written unless every file applies and
// validates cleanly.
func (a *Applier) ApplyDiff(diffText string) ([]FileChange, error) {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(diffText))
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff: %w", err)
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("diff contains no files")
	}

	type stagedWrite struct {
		path    string
		content string
		change  FileChange
	}
	var staged []stagedWrite
	var deletions []string
	var changes []FileChange

	for _, fd := range fileDiffs {
		name, created, deleted := fileNames(fd)
		if name == "" {
			return nil, fmt.Errorf("diff entry has no usable file name")
		}

		path, err := a.confine(name)
		if err != nil {
			return nil, err
		}

		if deleted {
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("cannot delete %s: %w", name, err)
			}
			deletions = append(deletions, path)
			changes = append(changes, FileChange{Path: name, Deleted: true})
			continue
		}

		original := ""
		if !created {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("cannot read %s: %w", name, err)
			}
			original = string(data)
		} else if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("cannot create %s: file already exists", name)
		}

		updated, err := applyHunks(original, fd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		if result := a.validator.ValidateFile(name, updated); result != nil && !result.Valid {
			return nil, fmt.Errorf("%s: result has syntax errors: %s", name, result.Summary())
		}

		staged = append(staged, stagedWrite{
			path:    path,
			content: updated,
			change:  FileChange{Path: name, Created: created, Bytes: len(updated)},
		})
	}

	for _, w := range staged {
		if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
			return nil, fmt.Errorf("cannot create directory for %s: %w", w.change.Path, err)
		}
		if err := os.WriteFile(w.path, []byte(w.content), 0644); err != nil {
			return nil, fmt.Errorf("cannot write %s: %w", w.change.Path, err)
		}
		changes = append(changes, w.change)
		logger.Global().Info("patch: wrote %s (%d bytes)", w.change.Path, w.change.Bytes)
	}
	for _, path := range deletions {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("cannot delete %s: %w", path, err)
		}
	}

	return changes, nil
}

// confine canonicalizes a diff path and rejects anything outside the
// writable roots.
func (a *Applier) confine(name string) (string, error) {
	canon, err := policy.Canonicalize(a.workingDir, name)
	if err != nil {
		return "", fmt.Errorf("cannot resolve %s: %w", name, err)
	}

	roots := make([]string, 0, len(a.writableRoots)+1)
	if cwd, err := policy.Canonicalize("/", a.workingDir); err == nil {
		roots = append(roots, cwd)
	}
	for _, root := range a.writableRoots {
		if r, err := policy.Canonicalize(a.workingDir, root); err == nil {
			roots = append(roots, r)
		}
	}

	for _, root := range roots {
		if rel, err := filepath.Rel(root, canon); err == nil &&
			rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return canon, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the writable roots", name)
}

// fileNames extracts the target name plus creation and deletion flags
// from a parsed file diff.
func fileNames(fd *diff.FileDiff) (name string, created, deleted bool) {
	orig := strings.TrimPrefix(fd.OrigName, "a/")
	updated := strings.TrimPrefix(fd.NewName, "b/")

	switch {
	case fd.OrigName == "/dev/null":
		return updated, true, false
	case fd.NewName == "/dev/null":
		return orig, false, true
	case updated != "":
		return updated, false, false
	default:
		return orig, false, false
	}
}
