package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/shlex"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codeyard/config"
	"github.com/isdmx/codeyard/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    *sandbox.Engine
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, engine *sandbox.Engine) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		engine: engine,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.base_image", cfg.Sandbox.BaseImage),
		zap.String("sandbox.temp_host_dir", cfg.Sandbox.TempHostDir),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.String("sandbox.network_mode", cfg.Sandbox.NetworkMode),
		zap.String("sandbox.container_user", cfg.Sandbox.ContainerUser),
		zap.Int("sandbox.command_timeout_ms", cfg.Sandbox.CommandTimeoutMs),
	)

	s.mcpServer = server.NewMCPServer("codeyard", "A secure sandbox execution server")

	s.registerRunCodeTool()
	s.registerSandboxTools()
	s.registerRepositoryTools()

	return s, nil
}

// registerRunCodeTool registers the one-shot run_code tool: session, staged
// files, container, command, artifacts, teardown in a single call.
func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.Tool{
		Name:        "run_code",
		Description: "Execute a command against staged files in a fresh isolated container, then tear everything down",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"files": map[string]any{
					"type":        "object",
					"description": "Map of relative file path to file content to stage read-only",
				},
				"command": map[string]any{
					"type":        "string",
					"description": "Command line to execute inside the container",
				},
				"image": map[string]any{
					"type":        "string",
					"description": "Container image (optional, defaults to the configured base image)",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Command timeout in milliseconds (optional)",
				},
			},
			Required: []string{"files", "command"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

// registerSandboxTools registers the persistent-sandbox lifecycle tools.
func (s *MCPServer) registerSandboxTools() {
	createTool := mcp.Tool{
		Name:        "create_sandbox",
		Description: "Create a session, stage files, and start an isolated container; returns ids for later calls",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"files": map[string]any{
					"type":        "object",
					"description": "Map of relative file path to file content to stage read-only",
				},
				"image": map[string]any{
					"type":        "string",
					"description": "Container image (optional, defaults to the configured base image)",
				},
			},
			Required: []string{"files"},
		},
	}
	s.mcpServer.AddTool(createTool, s.handleCreateSandbox)

	execTool := mcp.Tool{
		Name:        "execute_command",
		Description: "Execute a command inside a running sandbox container",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"container_id": map[string]any{
					"type":        "string",
					"description": "Container id returned by create_sandbox",
				},
				"command": map[string]any{
					"type":        "string",
					"description": "Command line to execute",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory inside the container (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Command timeout in milliseconds (optional)",
				},
			},
			Required: []string{"container_id", "command"},
		},
	}
	s.mcpServer.AddTool(execTool, s.handleExecuteCommand)

	toolTool := mcp.Tool{
		Name:        "run_tool",
		Description: "Run a registered analysis tool (linter, test runner) inside a sandbox container",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"tool": map[string]any{
					"type":        "string",
					"description": "Tool name, e.g. pylint or pytest",
				},
				"container_id": map[string]any{
					"type":        "string",
					"description": "Container id returned by create_sandbox",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory inside the container (optional)",
				},
			},
			Required: []string{"tool", "container_id"},
		},
	}
	s.mcpServer.AddTool(toolTool, s.handleRunTool)

	cleanupTool := mcp.Tool{
		Name:        "cleanup_sandbox",
		Description: "Tear down a sandbox container and/or a session directory",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"container_id": map[string]any{
					"type":        "string",
					"description": "Container id to remove (optional)",
				},
				"session_dir": map[string]any{
					"type":        "string",
					"description": "Session directory to remove (optional)",
				},
			},
		},
	}
	s.mcpServer.AddTool(cleanupTool, s.handleCleanupSandbox)
}

// registerRepositoryTools registers the repository inspection tools.
func (s *MCPServer) registerRepositoryTools() {
	cloneTool := mcp.Tool{
		Name:        "clone_repository",
		Description: "Clone an https repository into an isolated container for inspection",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Repository URL (https only)",
				},
				"branch": map[string]any{
					"type":        "string",
					"description": "Branch or tag to check out (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Clone timeout in milliseconds (optional)",
				},
			},
			Required: []string{"url"},
		},
	}
	s.mcpServer.AddTool(cloneTool, s.handleCloneRepository)

	listTool := mcp.Tool{
		Name:        "list_repository_files",
		Description: "List files under a path inside a cloned repository",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"container_id": map[string]any{
					"type":        "string",
					"description": "Container id returned by clone_repository",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to list (must be inside the clone)",
				},
			},
			Required: []string{"container_id", "path"},
		},
	}
	s.mcpServer.AddTool(listTool, s.handleListRepositoryFiles)

	readTool := mcp.Tool{
		Name:        "read_repository_file",
		Description: "Read one file from a cloned repository",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"container_id": map[string]any{
					"type":        "string",
					"description": "Container id returned by clone_repository",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "File to read (must be inside the clone)",
				},
			},
			Required: []string{"container_id", "path"},
		},
	}
	s.mcpServer.AddTool(readTool, s.handleReadRepositoryFile)
}

// handleRunCode handles the run_code tool
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	files, err := filesArgument(request)
	if err != nil {
		return nil, err
	}

	commandLine, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}
	argv, err := shlex.Split(commandLine)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("invalid command line: %q", commandLine)
	}

	image := request.GetString("image", "")
	timeout := time.Duration(request.GetInt("timeout_ms", 0)) * time.Millisecond

	s.logger.Info("run_code requested",
		zap.Int("files", len(files)),
		zap.Strings("command", argv))

	sessionDir, err := s.engine.CreateSession("run")
	if err != nil {
		return errorResult(err), nil
	}
	defer func() {
		if cleanupErr := s.engine.CleanupSessionDir(sessionDir); cleanupErr != nil {
			s.logger.Warn("session cleanup failed", zap.String("path", sessionDir), zap.Error(cleanupErr))
		}
	}()

	mounts, err := s.engine.PrepareFiles(sessionDir, files)
	if err != nil {
		return errorResult(err), nil
	}

	outputMount, err := s.engine.CreateOutputDir(sessionDir)
	if err != nil {
		return errorResult(err), nil
	}
	mounts = append(mounts, outputMount)

	containerID, err := s.engine.CreateAndStartContainer(ctx, image, mounts)
	if err != nil {
		return errorResult(err), nil
	}
	defer func() {
		if cleanupErr := s.engine.CleanupContainer(ctx, containerID); cleanupErr != nil {
			s.logger.Warn("container cleanup failed", zap.String("container", containerID), zap.Error(cleanupErr))
		}
	}()

	result, err := s.engine.ExecuteCommand(ctx, containerID, argv, sandbox.ExecOptions{Timeout: timeout})
	if err != nil {
		return errorResult(err), nil
	}

	artifacts, err := s.engine.CollectArtifacts(sessionDir, []string{"__pycache__", "*.pyc", ".pytest_cache", "node_modules"})
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"exit_code":     result.ExitCode,
		"stdout":        result.Stdout,
		"stderr":        result.Stderr,
		"duration_ms":   result.Duration.Milliseconds(),
		"artifacts_tar": base64.StdEncoding.EncodeToString(artifacts),
	})
}

// handleCreateSandbox handles the create_sandbox tool
func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	files, err := filesArgument(request)
	if err != nil {
		return nil, err
	}
	image := request.GetString("image", "")

	sessionDir, err := s.engine.CreateSession("sandbox")
	if err != nil {
		return errorResult(err), nil
	}

	mounts, err := s.engine.PrepareFiles(sessionDir, files)
	if err != nil {
		s.cleanupSession(sessionDir)
		return errorResult(err), nil
	}

	outputMount, err := s.engine.CreateOutputDir(sessionDir)
	if err != nil {
		s.cleanupSession(sessionDir)
		return errorResult(err), nil
	}
	mounts = append(mounts, outputMount)

	containerID, err := s.engine.CreateAndStartContainer(ctx, image, mounts)
	if err != nil {
		s.cleanupSession(sessionDir)
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"container_id": containerID,
		"session_dir":  sessionDir,
		"workdir":      sandbox.ContainerWorkspaceDir,
	})
}

// handleExecuteCommand handles the execute_command tool
func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	containerID, err := request.RequireString("container_id")
	if err != nil {
		return nil, fmt.Errorf("container_id parameter is required: %w", err)
	}
	commandLine, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}
	argv, err := shlex.Split(commandLine)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("invalid command line: %q", commandLine)
	}

	opts := sandbox.ExecOptions{
		Timeout: time.Duration(request.GetInt("timeout_ms", 0)) * time.Millisecond,
		Workdir: request.GetString("workdir", ""),
	}

	result, err := s.engine.ExecuteCommand(ctx, containerID, argv, opts)
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"exit_code":   result.ExitCode,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

// handleRunTool handles the run_tool tool
func (s *MCPServer) handleRunTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolName, err := request.RequireString("tool")
	if err != nil {
		return nil, fmt.Errorf("tool parameter is required: %w", err)
	}
	containerID, err := request.RequireString("container_id")
	if err != nil {
		return nil, fmt.Errorf("container_id parameter is required: %w", err)
	}
	workdir := request.GetString("workdir", sandbox.ContainerWorkspaceDir)

	result, err := s.engine.RunTool(ctx, toolName, containerID, workdir)
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"tool":        toolName,
		"exit_code":   result.ExitCode,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

// handleCleanupSandbox handles the cleanup_sandbox tool
func (s *MCPServer) handleCleanupSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	containerID := request.GetString("container_id", "")
	sessionDir := request.GetString("session_dir", "")

	if containerID == "" && sessionDir == "" {
		return nil, fmt.Errorf("at least one of container_id or session_dir is required")
	}

	if containerID != "" {
		if err := s.engine.CleanupContainer(ctx, containerID); err != nil {
			return errorResult(err), nil
		}
	}
	if sessionDir != "" {
		if err := s.engine.CleanupSessionDir(sessionDir); err != nil {
			return errorResult(err), nil
		}
	}

	return jsonResult(map[string]any{"cleaned": true})
}

// handleCloneRepository handles the clone_repository tool
func (s *MCPServer) handleCloneRepository(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := request.RequireString("url")
	if err != nil {
		return nil, fmt.Errorf("url parameter is required: %w", err)
	}

	opts := sandbox.CloneOptions{
		Branch:  request.GetString("branch", ""),
		Timeout: time.Duration(request.GetInt("timeout_ms", 0)) * time.Millisecond,
	}

	handle, err := s.engine.CloneRepository(ctx, url, opts)
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"container_id": handle.ContainerID,
		"clone_path":   handle.ClonePath,
		"url":          handle.URL,
		"branch":       handle.Branch,
	})
}

// handleListRepositoryFiles handles the list_repository_files tool
func (s *MCPServer) handleListRepositoryFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	containerID, err := request.RequireString("container_id")
	if err != nil {
		return nil, fmt.Errorf("container_id parameter is required: %w", err)
	}
	path, err := request.RequireString("path")
	if err != nil {
		return nil, fmt.Errorf("path parameter is required: %w", err)
	}

	files, err := s.engine.ListRepositoryFiles(ctx, containerID, path)
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{"files": files})
}

// handleReadRepositoryFile handles the read_repository_file tool
func (s *MCPServer) handleReadRepositoryFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	containerID, err := request.RequireString("container_id")
	if err != nil {
		return nil, fmt.Errorf("container_id parameter is required: %w", err)
	}
	path, err := request.RequireString("path")
	if err != nil {
		return nil, fmt.Errorf("path parameter is required: %w", err)
	}

	content, err := s.engine.ReadRepositoryFile(ctx, containerID, path)
	if err != nil {
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{"content": content})
}

func (s *MCPServer) cleanupSession(sessionDir string) {
	if err := s.engine.CleanupSessionDir(sessionDir); err != nil {
		s.logger.Warn("session cleanup failed", zap.String("path", sessionDir), zap.Error(err))
	}
}

// filesArgument extracts the files map from a tool request.
func filesArgument(request mcp.CallToolRequest) (map[string][]byte, error) {
	raw, ok := request.GetArguments()["files"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("files parameter is required and must be an object")
	}

	files := make(map[string][]byte, len(raw))
	for rel, content := range raw {
		text, ok := content.(string)
		if !ok {
			return nil, fmt.Errorf("file %q content must be a string", rel)
		}
		files[rel] = []byte(text)
	}
	return files, nil
}

// jsonResult renders a successful tool response.
func jsonResult(payload map[string]any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// errorResult renders an engine failure as a tool error, keeping the error
// kind visible so the orchestrator can decide whether to retry.
func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: fmt.Sprintf("operation failed: %v", err)},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
