package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codefionn/schmiede/internal/policy"
)

const maxReadBytes = 256 * 1024

// ReadFileTool returns file contents from inside the readable roots.
type ReadFileTool struct {
	workingDir string
	roots      []string
}

// NewReadFileTool confines reads to workingDir plus the given roots.
func NewReadFileTool(workingDir string, readableRoots []string) *ReadFileTool {
	return &ReadFileTool{workingDir: workingDir, roots: readableRoots}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a text file. Paths are resolved relative to the working directory."
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"path": map[string]interface{}{
			"type":        "string",
			"description": "Path of the file to read",
		},
	}
}

func (t *ReadFileTool) Required() []string { return []string{"path"} }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("read_file requires a path argument")
	}

	canon, err := confinePath(t.workingDir, t.roots, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	data, err := os.ReadFile(canon)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}

	result := map[string]interface{}{
		"path":    path,
		"content": string(data),
	}
	if truncated {
		result["truncated"] = true
	}
	return result, nil
}

// ListDirTool lists directory entries inside the readable roots.
type ListDirTool struct {
	workingDir string
	roots      []string
}

// NewListDirTool confines listings to workingDir plus the given roots.
func NewListDirTool(workingDir string, readableRoots []string) *ListDirTool {
	return &ListDirTool{workingDir: workingDir, roots: readableRoots}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory. Paths are resolved relative to the working directory."
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"path": map[string]interface{}{
			"type":        "string",
			"description": "Path of the directory to list; defaults to the working directory",
		},
	}
}

func (t *ListDirTool) Required() []string { return nil }

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path := "."
	if raw, ok := args["path"].(string); ok && raw != "" {
		path = raw
	}

	canon, err := confinePath(t.workingDir, t.roots, path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(canon)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return map[string]interface{}{
		"path":    path,
		"entries": names,
	}, nil
}

// confinePath canonicalizes path and verifies it sits inside the
// working directory or one of the extra roots.
func confinePath(workingDir string, roots []string, path string) (string, error) {
	canon, err := policy.Canonicalize(workingDir, path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	allowed := make([]string, 0, len(roots)+1)
	if canonWD, err := policy.Canonicalize(workingDir, workingDir); err == nil {
		allowed = append(allowed, canonWD)
	}
	for _, root := range roots {
		if r, err := policy.Canonicalize(workingDir, root); err == nil {
			allowed = append(allowed, r)
		}
	}

	for _, root := range allowed {
		if rel, err := filepath.Rel(root, canon); err == nil &&
			rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return canon, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the readable roots", path)
}
