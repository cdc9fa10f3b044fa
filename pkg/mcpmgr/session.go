package mcpmgr

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is a pooled, initialized client session. Callers use it for calls
// only; its lifetime belongs to the Supervisor that opened it.
type Session struct {
	ServerID   string
	Generation string

	cs        *mcp.ClientSession
	sup       *Supervisor
	createdAt time.Time
}

func newSession(sup *Supervisor, cs *mcp.ClientSession) *Session {
	return &Session{
		ServerID:   sup.serverID,
		Generation: sup.generation,
		cs:         cs,
		sup:        sup,
		createdAt:  time.Now(),
	}
}

// Closed reports whether the owning supervisor has begun teardown.
func (s *Session) Closed() bool {
	return s.sup.State() >= StateStopping
}

// CreatedAt is the time the handshake completed.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Supervisor returns the lifecycle owner of this session.
func (s *Session) Supervisor() *Supervisor { return s.sup }

// InitializeResult returns the server's handshake response.
func (s *Session) InitializeResult() *mcp.InitializeResult {
	return s.cs.InitializeResult()
}

// ServerInfo returns the implementation advertised by the server, or nil.
func (s *Session) ServerInfo() *mcp.Implementation {
	if res := s.cs.InitializeResult(); res != nil {
		return res.ServerInfo
	}
	return nil
}

// CallTool invokes a tool. A result with IsError set is returned as-is; the
// error return covers transport and protocol failures only.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := s.cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, s.wrapErr(err)
	}
	return res, nil
}

// ListTools returns every tool the server exposes, following pagination
// cursors. Servers that do not implement tools/list report an empty list.
func (s *Session) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	var (
		tools  []*mcp.Tool
		cursor string
	)
	for {
		res, err := s.cs.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return []*mcp.Tool{}, nil
			}
			return nil, s.wrapErr(err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}
	if tools == nil {
		tools = []*mcp.Tool{}
	}
	return tools, nil
}

// Ping sends a protocol-level ping.
func (s *Session) Ping(ctx context.Context) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.wrapErr(s.cs.Ping(ctx, &mcp.PingParams{}))
}

func (s *Session) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if s.Closed() && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return errors.Join(ErrSessionClosed, err)
	}
	return err
}

func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	method = strings.ToLower(method)
	if strings.Contains(lower, method) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
