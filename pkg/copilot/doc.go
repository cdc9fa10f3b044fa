// Package copilot exposes an mcpmgr.Router to an orchestrating agent as a
// single MCP server with two tools: route, which ranks candidate tools for a
// request, and execute-tool, which runs a tool on a pooled session. It serves
// over stdio or Streamable HTTP.
package copilot
