package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goyais/worker/internal/guard"
)

const contentPreviewLimit = 50000

// ReadFile implements the read_file built-in: guarded-resolve, read
// UTF-8, return a bounded content preview.
func ReadFile(pg *guard.PathGuard, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("read_file: path is required")
	}

	resolved, err := pg.Resolve(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read_file: %v", err))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read_file: %v", err))
	}

	content := string(data)
	preview := content
	if len(preview) > contentPreviewLimit {
		preview = preview[:contentPreviewLimit]
	}

	summary := fmt.Sprintf("%d bytes", len(data))
	out := fmt.Sprintf("path: %s\nsummary: %s\n\n%s", path, summary, preview)
	return NewResult(out)
}

// WriteFile implements the write_file built-in: guarded-resolve, create
// parent directories, write UTF-8, emit a modified diff descriptor.
func WriteFile(pg *guard.PathGuard, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, hasContent := args["content"].(string)
	if path == "" {
		return ErrorResult("write_file: path is required")
	}
	if !hasContent {
		return ErrorResult("write_file: content is required")
	}

	resolved, err := pg.Resolve(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("write_file: %v", err))
	}

	var before string
	kind := "created"
	if existing, err := os.ReadFile(resolved); err == nil {
		before = string(existing)
		kind = "modified"
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("write_file: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write_file: %v", err))
	}

	result := NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	return result.WithDiff(Diff{Path: path, Kind: kind, Before: before, After: content})
}

// ErrNotFound is surfaced when edit_file's old_text is not present.
var ErrNotFound = errors.New("edit_file: old_text not found")

// EditFile implements the edit_file built-in: replace the first
// occurrence of old_text with new_text, failing if not found.
func EditFile(pg *guard.PathGuard, args map[string]any) *Result {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if path == "" {
		return ErrorResult("edit_file: path is required")
	}
	if oldText == "" {
		return ErrorResult("edit_file: old_text is required")
	}

	resolved, err := pg.Resolve(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("edit_file: %v", err))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("edit_file: %v", err))
	}
	before := string(data)

	idx := strings.Index(before, oldText)
	if idx < 0 {
		return ErrorResult(ErrNotFound.Error())
	}
	after := before[:idx] + newText + before[idx+len(oldText):]

	if err := os.WriteFile(resolved, []byte(after), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("edit_file: %v", err))
	}

	result := NewResult(fmt.Sprintf("edited %s", path))
	return result.WithDiff(Diff{Path: path, Kind: "modified", Before: before, After: after})
}
