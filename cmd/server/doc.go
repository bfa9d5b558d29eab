// Package main is the entry point for the Codeyard MCP server.
//
// Codeyard implements a secure Model Context Protocol (MCP) server that
// executes untrusted code inside hardened, resource-limited containers. The
// server stages caller files into per-session scratch directories with path
// traversal protection, runs commands with timeout semantics, supports
// repository inspection through constrained clone containers, and tears
// every sandbox down on shutdown.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
