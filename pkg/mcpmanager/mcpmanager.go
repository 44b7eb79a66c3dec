// Package mcpmanager owns the name-keyed map of running MCP tool
// servers, started over stdio or SSE transports, and multiplexes tool
// calls by fully qualified name. Grounded on the
// teacher's pkg/tools/mcp/stdio.go (subprocess lifecycle) and
// pkg/tools/mcp/client.go (the initialize-with-retry wrapper around
// mark3labs/mcp-go's client package).
package mcpmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/tools"
)

// ToolNameSeparator joins a server name and a tool name into the fully
// qualified identifier the chat model sees, chosen
// because some models reject non-alphanumeric separators.
const ToolNameSeparator = "A-_-A"

// InnerServerName is the synthetic server name built-in tools are
// advertised under.
const InnerServerName = "inner"

// ServerConfig is one entry of the {mcpServers: {name: {...}}} shape.
type ServerConfig struct {
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CatalogConfig is the top-level shape a server's config JSON is
// wrapped in.
type CatalogConfig struct {
	McpServers map[string]ServerConfig `json:"mcpServers"`
}

// Tool is one tool advertised by a running server.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolResultPart is one typed content part of a tool call result.
type ToolResultPart struct {
	Type string // "text" | "image"
	Text string
	Data string // base64, when Type == "image"
	MIME string
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Content []ToolResultPart
	IsError bool
}

type handle struct {
	name   string
	client mcpclient.MCPClient
	cancel context.CancelFunc
}

// Manager owns every running server, keyed by name.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*handle
	appDir  string
}

// New returns an empty Manager. appDir is used to resolve relative
// executable paths ending in ".exe".
func New(appDir string) *Manager {
	return &Manager{servers: map[string]*handle{}, appDir: appDir}
}

// Run starts (or restarts) the single server named name, enforcing at
// most one server per config.
func (m *Manager) Run(ctx context.Context, name string, cfg ServerConfig) error {
	m.mu.Lock()
	if existing, ok := m.servers[name]; ok {
		existing.cancel()
		delete(m.servers, name)
	}
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	var cli mcpclient.MCPClient
	var err error
	if cfg.URL != "" {
		cli, err = mcpclient.NewSSEMCPClient(cfg.URL)
	} else {
		cli, err = newStdioClient(m.appDir, cfg)
	}
	if err != nil {
		cancel()
		return apperror.System(fmt.Sprintf("constructing mcp client for %q", name), err)
	}

	if err := startAndInitialize(runCtx, cli, name); err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	m.servers[name] = &handle{name: name, client: cli, cancel: cancel}
	m.mu.Unlock()

	return nil
}

// newStdioClient resolves known interpreter commands (uvx, npx, sh,
// bash) and ".exe" paths relative to appDir before spawning.
func newStdioClient(appDir string, cfg ServerConfig) (mcpclient.MCPClient, error) {
	command := resolveCommand(appDir, cfg.Command)

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	return mcpclient.NewStdioMCPClient(command, env, cfg.Args...)
}

func resolveCommand(appDir, command string) string {
	base := filepath.Base(command)
	switch base {
	case "npx":
		if runtime.GOOS == "windows" {
			return "npx.cmd"
		}
		return command
	case "uvx", "sh", "bash":
		return command
	}

	if strings.HasSuffix(strings.ToLower(command), ".exe") && !filepath.IsAbs(command) {
		return filepath.Join(appDir, command)
	}
	return command
}

// VerifyInterpreterInstalled runs "<bin> --version" to confirm an
// interpreter like uvx or npx is available before a server config that
// depends on it is accepted.
func VerifyInterpreterInstalled(ctx context.Context, bin string) error {
	cmd := exec.CommandContext(ctx, bin, "--version")
	if err := cmd.Run(); err != nil {
		return apperror.Business(fmt.Sprintf("%s is not installed or not on PATH", bin), err)
	}
	return nil
}

const maxInitRetries = 3

// startAndInitialize starts the transport then performs the MCP
// handshake, retrying when the server's async init races the
// notifications/initialized message (the same upstream quirk the
// teacher's client.go works around).
func startAndInitialize(ctx context.Context, cli mcpclient.MCPClient, name string) error {
	if starter, ok := cli.(interface{ Start(context.Context) error }); ok {
		if err := starter.Start(ctx); err != nil {
			return apperror.System(fmt.Sprintf("starting mcp server %q", name), err)
		}
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "fskb", Version: "1.0.0"}

	var lastErr error
	for attempt := 0; attempt <= maxInitRetries; attempt++ {
		_, err := cli.Initialize(ctx, req)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isInitNotificationSendError(err) {
			break
		}

		backoff := time.Duration(200*(attempt+1)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return apperror.System(fmt.Sprintf("initializing mcp server %q", name), ctx.Err())
		}
	}

	return apperror.System(fmt.Sprintf("initializing mcp server %q", name), lastErr)
}

func isInitNotificationSendError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "failed to send initialized notification")
}

// Stop cancels and drops the named server's handle.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.servers[name]
	if !ok {
		return apperror.ErrNotFound
	}
	h.cancel()
	_ = h.client.Close()
	delete(m.servers, name)
	return nil
}

// ListAllTools returns the tools one running server exposes.
func (m *Manager) ListAllTools(ctx context.Context, name string) ([]Tool, error) {
	m.mu.Lock()
	h, ok := m.servers[name]
	m.mu.Unlock()
	if !ok {
		return nil, apperror.ErrNotFound
	}

	resp, err := h.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, apperror.System(fmt.Sprintf("listing tools for %q", name), err)
	}

	out := make([]Tool, len(resp.Tools))
	for i, t := range resp.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		var asMap map[string]any
		_ = json.Unmarshal(schema, &asMap)
		out[i] = Tool{Name: t.Name, Description: t.Description, InputSchema: asMap}
	}
	return out, nil
}

// AllAdvertisedTools returns every running server's tools, fully
// qualified with
// "<server>A-_-A<tool>".
func (m *Manager) AllAdvertisedTools(ctx context.Context) []tools.Tool {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()

	var out []tools.Tool
	for _, name := range names {
		serverTools, err := m.ListAllTools(ctx, name)
		if err != nil {
			slog.Warn("failed to list tools for mcp server", "server", name, "error", err)
			continue
		}
		for _, t := range serverTools {
			out = append(out, tools.Tool{
				Type: tools.ToolTypeFunction,
				Function: &tools.FunctionDefinition{
					Name:        name + ToolNameSeparator + t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}
	return out
}

// CallTool invokes toolName on the named server with JSON-encoded
// arguments.
func (m *Manager) CallTool(ctx context.Context, name, toolName, argumentsJSON string) (ToolResult, error) {
	m.mu.Lock()
	h, ok := m.servers[name]
	m.mu.Unlock()
	if !ok {
		return ToolResult{}, apperror.ErrNotFound
	}

	var args map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return ToolResult{}, apperror.Business(fmt.Sprintf("invalid tool arguments: %v", err), err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	resp, err := h.client.CallTool(ctx, req)
	if err != nil {
		return ToolResult{}, apperror.System(fmt.Sprintf("calling tool %q on %q", toolName, name), err)
	}

	result := ToolResult{IsError: resp.IsError}
	for _, c := range resp.Content {
		switch part := c.(type) {
		case mcp.TextContent:
			result.Content = append(result.Content, ToolResultPart{Type: "text", Text: part.Text})
		case mcp.ImageContent:
			result.Content = append(result.Content, ToolResultPart{Type: "image", Data: part.Data, MIME: part.MIMEType})
		}
	}
	return result, nil
}

// SplitQualifiedName splits a fully qualified tool name on
// ToolNameSeparator into its server and tool components.
func SplitQualifiedName(qualified string) (server, tool string, ok bool) {
	parts := strings.SplitN(qualified, ToolNameSeparator, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PollCatalog periodically fetches the remote server catalog
// (/servers-<os>.json) and invokes onUpdate with the raw JSON body,
// until ctx is canceled.
func PollCatalog(ctx context.Context, client *http.Client, catalogURL string, interval time.Duration, onUpdate func(body []byte)) {
	url := strings.TrimSuffix(catalogURL, "/") + "/servers-" + runtime.GOOS + ".json"

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fetch := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			slog.Warn("failed to poll mcp server catalog", "url", url, "error", err)
			return
		}
		defer resp.Body.Close()

		var body strings.Builder
		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				body.Write(buf[:n])
			}
			if readErr != nil {
				break
			}
		}
		onUpdate([]byte(body.String()))
	}

	fetch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetch()
		}
	}
}
