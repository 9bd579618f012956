package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool definitions for the trust engine MCP server.

var ToolGetSessionTrust = mcp.NewTool("get_session_trust",
	mcp.WithDescription("Get the current trust document for a session: composite score, component scores, tier, confidence, and tier transition history"),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session identifier"),
	),
)

var ToolListSessionSignals = mcp.NewTool("list_session_signals",
	mcp.WithDescription("List recorded behavior signals for a session, newest first"),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session identifier"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of signals to return (default 20)"),
	),
)

var ToolListSessionChallenges = mcp.NewTool("list_session_challenges",
	mcp.WithDescription("List the step-up challenge history for a session"),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session identifier"),
	),
)

var ToolMarkFalsePositive = mcp.NewTool("mark_false_positive",
	mcp.WithDescription("Flag a behavior signal as a false positive so it is excluded from future scoring"),
	mcp.WithString("signal_id",
		mcp.Required(),
		mcp.Description("The signal identifier"),
	),
)

var ToolGetUserPolicy = mcp.NewTool("get_user_policy",
	mcp.WithDescription("Get the adaptive trust policy for a user: tier boundaries, component floors, and exception rules"),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user identifier"),
	),
)

var ToolIngestThreatIndicator = mcp.NewTool("ingest_threat_indicator",
	mcp.WithDescription("Submit a threat indicator; active sessions matching it are re-scored immediately"),
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("Indicator type"),
		mcp.Enum("ip", "callback", "checksum"),
	),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("The indicator value, e.g. an IP address"),
	),
	mcp.WithString("source",
		mcp.Description("Where the indicator came from, e.g. a feed name"),
	),
)

var ToolRescoreSession = mcp.NewTool("rescore_session",
	mcp.WithDescription("Force an immediate scoring pass for a session, bypassing the rescore interval"),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session identifier"),
	),
)

var ToolTerminateSession = mcp.NewTool("terminate_session",
	mcp.WithDescription("Forcibly terminate a session; the session cannot be revived afterwards"),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session identifier"),
	),
	mcp.WithString("reason",
		mcp.Description("Operator-supplied termination reason"),
	),
)
