package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m4xw311/agentforge/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	ws *workspace
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Args: path (string)."
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) Result {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return Failure(errors.New("missing or invalid 'path' argument"))
	}

	onDisk, match := t.ws.resolve(path)
	hidden, err := t.ws.isHidden(match)
	if err != nil {
		return Failure(err)
	}
	if hidden {
		return Failure(errors.New("access denied: path '%s' is hidden", path))
	}

	content, err := os.ReadFile(onDisk)
	if err != nil {
		return Failure(errors.Wrapf(err, "failed to read file '%s'", path))
	}
	return Result{
		Success:  true,
		Output:   string(content),
		Metadata: map[string]any{"bytes": len(content)},
	}
}

// WriteFileTool creates or overwrites a file, creating parent directories.
type WriteFileTool struct {
	ws *workspace
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) Result {
	path, pathOk := stringArg(args, "path")
	content, contentOk := stringArg(args, "content")
	if !pathOk || !contentOk || path == "" {
		return Failure(errors.New("missing or invalid 'path' or 'content' arguments"))
	}

	onDisk, match := t.ws.resolve(path)
	hidden, err := t.ws.isHidden(match)
	if err != nil {
		return Failure(err)
	}
	if hidden {
		return Failure(errors.New("access denied: path '%s' is hidden", path))
	}
	readOnly, err := t.ws.isReadOnly(match)
	if err != nil {
		return Failure(err)
	}
	if readOnly {
		return Failure(errors.New("access denied: path '%s' is read-only", path))
	}

	if dir := filepath.Dir(onDisk); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Failure(errors.Wrapf(err, "failed to create directory for '%s'", path))
		}
	}
	if err := os.WriteFile(onDisk, []byte(content), 0644); err != nil {
		return Failure(errors.Wrapf(err, "failed to write to file '%s'", path))
	}
	return Result{
		Success:  true,
		Output:   fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path),
		Metadata: map[string]any{"bytes": len(content)},
	}
}
