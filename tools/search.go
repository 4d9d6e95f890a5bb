package tools

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentforge/errors"
)

// SearchFilesTool finds files by glob below a directory.
type SearchFilesTool struct {
	ws *workspace
}

func (t *SearchFilesTool) Name() string { return "search_files" }
func (t *SearchFilesTool) Description() string {
	return "Recursively finds files whose name matches a glob. Args: pattern (string), path (string, default \".\")."
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) Result {
	pattern, ok := stringArg(args, "pattern")
	if !ok || pattern == "" {
		return Failure(errors.New("missing or invalid 'pattern' argument"))
	}
	root, ok := stringArg(args, "path")
	if !ok || root == "" {
		root = "."
	}

	full := "**/" + strings.TrimPrefix(pattern, "/")
	if !doublestar.ValidatePattern(full) {
		return Failure(errors.New("invalid glob pattern '%s'", pattern))
	}

	onDisk, base := t.ws.resolve(root)
	matches, err := doublestar.Glob(os.DirFS(onDisk), full)
	if err != nil {
		return Failure(errors.Wrapf(err, "search in '%s' failed", root))
	}

	var visible []string
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return Failure(err)
		}
		rel := path.Join(base, m)
		if hidden, _ := t.ws.isHidden(rel); hidden {
			continue
		}
		visible = append(visible, rel)
	}
	return Result{
		Success:  true,
		Output:   strings.Join(visible, "\n"),
		Metadata: map[string]any{"count": len(visible)},
	}
}
