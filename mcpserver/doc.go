// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox engine to the orchestrator as a
// set of MCP tools: one-shot code execution, persistent sandbox lifecycle,
// command execution, analysis tools, and repository inspection. It uses the
// mark3labs/mcp-go library to handle the protocol details.
package mcpserver
