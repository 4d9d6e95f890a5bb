// Package tools is the single gateway through which agents cause side
// effects. Every capability is looked up by name, checked, executed and its
// outcome reported as a Result; failures never escape as panics or errors.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentforge/config"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/logging"
	"github.com/m4xw311/agentforge/metrics"
)

// Capability is a named side-effecting action.
type Capability interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) Result
}

// Authorizer is implemented by capabilities that can refuse to run in the
// current environment. Capabilities without it are always authorized.
type Authorizer interface {
	IsAuthorized() bool
}

// Result is the outcome of one invocation.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Failure builds an unsuccessful Result carrying err's message.
func Failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Gateway maps names to capabilities. Registration may race with execution.
type Gateway struct {
	mu    sync.RWMutex
	tools map[string]Capability

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logging.Component(l, "gateway") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New returns an empty gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		tools:  make(map[string]Capability),
		logger: logging.Discard(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// NewGateway returns a gateway with the built-in capabilities configured
// from cfg: read_file, write_file, bash and search_files.
func NewGateway(cfg *config.Config, opts ...Option) *Gateway {
	g := New(opts...)
	ws := newWorkspace(cfg)

	g.Register(&ReadFileTool{ws: ws})
	g.Register(&WriteFileTool{ws: ws})
	g.Register(&BashTool{
		allowed: cfg.AllowedCommands,
		workDir: ws.root,
		timeout: cfg.CommandTimeout,
	})
	g.Register(&SearchFilesTool{ws: ws})
	return g
}

// Register adds c, replacing any capability of the same name.
func (g *Gateway) Register(c Capability) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tools[c.Name()]; ok {
		g.logger.Warn("replacing capability", "tool", c.Name())
	}
	g.tools[c.Name()] = c
}

func (g *Gateway) Get(name string) (Capability, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.tools[name]
	return c, ok
}

// Execute runs the named capability. An unknown name or a refused
// authorization fails without side effects; a panicking capability is
// reported as a failed Result.
func (g *Gateway) Execute(ctx context.Context, name string, args map[string]any) (res Result) {
	start := time.Now()
	defer func() {
		g.metrics.RecordTool(name, res.Success)
		g.logger.Debug("tool executed",
			"tool", name, "success", res.Success, "duration", time.Since(start))
	}()

	c, ok := g.Get(name)
	if !ok {
		return Failure(errors.Wrapf(errors.ErrToolNotFound, "%s", name))
	}
	if a, ok := c.(Authorizer); ok && !a.IsAuthorized() {
		return Failure(errors.Wrapf(errors.ErrToolNotAuthorized, "%s", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	return invoke(ctx, c, args)
}

func invoke(ctx context.Context, c Capability, args map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failure(errors.New("capability %s panicked: %v", c.Name(), r))
		}
	}()
	return c.Execute(ctx, args)
}

// Describe lists the registered capabilities sorted by name.
func (g *Gateway) Describe() []Descriptor {
	g.mu.RLock()
	out := make([]Descriptor, 0, len(g.tools))
	for _, c := range g.tools {
		out = append(out, Descriptor{Name: c.Name(), Description: c.Description()})
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (g *Gateway) Names() []string {
	ds := g.Describe()
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return names
}

// stringArg fetches a string argument; ok is false when missing or not a string.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// workspace resolves tool paths against the working directory and applies
// the hidden and read-only glob lists.
type workspace struct {
	root     string
	hidden   []string
	readOnly []string
}

func newWorkspace(cfg *config.Config) *workspace {
	root := cfg.WorkDir
	if root == "" {
		root = "."
	}
	return &workspace{
		root:     root,
		hidden:   cfg.FilesystemAccess.Hidden,
		readOnly: cfg.FilesystemAccess.ReadOnly,
	}
}

// resolve returns the path to open on disk and the slash-separated form the
// glob lists are matched against.
func (w *workspace) resolve(path string) (onDisk, match string) {
	if filepath.IsAbs(path) {
		onDisk = filepath.Clean(path)
		match = onDisk
		if root, err := filepath.Abs(w.root); err == nil {
			if rel, err := filepath.Rel(root, onDisk); err == nil && !strings.HasPrefix(rel, "..") {
				match = rel
			}
		}
	} else {
		match = filepath.Clean(path)
		onDisk = filepath.Join(w.root, match)
	}
	return onDisk, filepath.ToSlash(match)
}

func (w *workspace) isHidden(match string) (bool, error) {
	return isPathRestricted(match, w.hidden)
}

func (w *workspace) isReadOnly(match string) (bool, error) {
	return isPathRestricted(match, w.readOnly)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
