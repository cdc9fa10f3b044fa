// Package mcpmgr keeps a bounded pool of Model Context Protocol (MCP) client
// sessions and routes tool calls to them. It layers templated configuration,
// supervised connection lifecycles, and least-recently-used eviction on top of
// the modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - Document and ServerDescriptor declare the tool servers, either as a
//     subprocess (command, args, env) or as a stream endpoint (url, header).
//     Resolve substitutes ${NAME} placeholders and fails on any missing name.
//   - Pool maps server ids to live Sessions. A miss starts a Supervisor that
//     owns the transport and session until it is evicted, removed, or the
//     pool shuts down.
//   - Router serializes connection establishment behind a dispatch lock and
//     runs each call under its own deadline. A call that times out yields a
//     ToolResult with Status CallTimedOut; the session stays pooled.
//   - BatchConnector connects many descriptors with bounded concurrency for
//     discovery runs.
//
// Errors are matchable with errors.Is against the package sentinels
// (ErrMissingVariable, ErrConnect, ErrUnknownServer, ErrCallTimeout,
// ErrToolExecution, ErrSessionClosed) or with errors.As against
// *MissingVariableError, *ConnectError and *ToolExecutionError.
package mcpmgr
