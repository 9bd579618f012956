// Package mcpserver exposes the trust engine over the Model Context
// Protocol so security operators can inspect and act on sessions from
// MCP-capable tooling.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with all trust engine tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("sentinel", "1.0.0")
	h := NewHandlers(NewSentinelClient(cfg))

	s.AddTool(ToolGetSessionTrust, h.HandleGetSessionTrust)
	s.AddTool(ToolListSessionSignals, h.HandleListSessionSignals)
	s.AddTool(ToolListSessionChallenges, h.HandleListSessionChallenges)
	s.AddTool(ToolMarkFalsePositive, h.HandleMarkFalsePositive)
	s.AddTool(ToolGetUserPolicy, h.HandleGetUserPolicy)
	s.AddTool(ToolIngestThreatIndicator, h.HandleIngestThreatIndicator)
	s.AddTool(ToolRescoreSession, h.HandleRescoreSession)
	s.AddTool(ToolTerminateSession, h.HandleTerminateSession)

	return s
}
