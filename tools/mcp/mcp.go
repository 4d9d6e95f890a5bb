// Package mcp exposes the tools of external MCP servers as gateway
// capabilities named "<server>.<tool>".
package mcp

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/m4xw311/agentforge/config"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/logging"
	"github.com/m4xw311/agentforge/tools"
)

// session is the part of a client session the capabilities use.
type session interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// Client owns one MCP server subprocess.
type Client struct {
	Name string

	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	sess   session
	tools  []*Tool
	logger *slog.Logger
}

// Start launches command and discovers its tools.
func Start(ctx context.Context, name, command string, args []string, logger *slog.Logger) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agentforge", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}

	c := &Client{
		Name:   name,
		cmd:    cmd,
		conn:   conn,
		sess:   conn,
		logger: logging.Component(logger, "mcp").With("server", name),
	}
	if err := c.discover(ctx); err != nil {
		c.Stop()
		return nil, err
	}
	c.logger.Info("mcp server started", "tools", len(c.tools))
	return c, nil
}

func (c *Client) discover(ctx context.Context) error {
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := c.sess.ListTools(ctx, params)
		if err != nil {
			return errors.Wrapf(err, "failed to list tools from MCP server '%s'", c.Name)
		}
		for _, t := range list.Tools {
			c.tools = append(c.tools, &Tool{
				server:      c.Name,
				name:        t.Name,
				description: t.Description,
				sess:        c.sess,
			})
		}
		if list.NextCursor == "" {
			return nil
		}
		params.Cursor = list.NextCursor
	}
}

// Tools returns the discovered capabilities.
func (c *Client) Tools() []*Tool { return c.tools }

// Stop closes the session and kills the subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating mcp server")
		return c.cmd.Process.Kill()
	}
	return nil
}

// Tool is one remote tool. It implements tools.Capability.
type Tool struct {
	server      string
	name        string
	description string
	sess        session
}

func (t *Tool) Name() string { return t.server + "." + t.name }

func (t *Tool) Description() string { return t.description }

func (t *Tool) Execute(ctx context.Context, args map[string]any) tools.Result {
	res, err := t.sess.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.name,
		Arguments: args,
	})
	if err != nil {
		return tools.Failure(errors.Wrapf(err, "failed to call tool '%s'", t.Name()))
	}

	var out strings.Builder
	for _, c := range res.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			out.WriteString(text.Text)
		}
	}
	if res.IsError {
		return tools.Result{Success: false, Output: out.String(), Error: out.String()}
	}
	return tools.Result{Success: true, Output: out.String()}
}

// RegisterServers starts every configured server and registers its tools
// on gw. A server that fails to start is logged and skipped. The returned
// function stops all started servers.
func RegisterServers(ctx context.Context, gw *tools.Gateway, servers []config.MCPServer, logger *slog.Logger) func() {
	var started []*Client
	for _, s := range servers {
		c, err := Start(ctx, s.Name, s.Command, s.Args, logger)
		if err != nil {
			logging.Component(logger, "mcp").Warn("mcp server unavailable", "server", s.Name, "error", err)
			continue
		}
		for _, t := range c.Tools() {
			gw.Register(t)
		}
		started = append(started, c)
	}
	return func() {
		for _, c := range started {
			c.Stop()
		}
	}
}
