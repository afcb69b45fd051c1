package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"strokebind/internal/action"
	"strokebind/internal/stroke"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrDaemonNotRunning = errors.New("daemon is not running")
	ErrUnexpected       = errors.New("unexpected response")
)

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon: %s", e.Message)
}

// IsNotFound reports whether err is a daemon "not found" error.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == ErrNotFound
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns defaults for a socket at path.
func DefaultClientConfig(path string) ClientConfig {
	return ClientConfig{
		SocketPath:     path,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// IPCClient talks to the daemon. Requests are serialized: each call writes
// one frame and reads its response before the next starts.
type IPCClient struct {
	config ClientConfig

	mu        sync.Mutex
	conn      net.Conn
	nextReqID atomic.Uint32
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	return &IPCClient{config: cfg}
}

// Dial connects to the daemon socket at path.
func Dial(path string) (*IPCClient, error) {
	c := NewClient(DefaultClientConfig(path))
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes a connection to the daemon
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w (socket %s)", ErrDaemonNotRunning, c.config.SocketPath)
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Call sends req as msgType and decodes the response into resp, which may be
// nil. A daemon error comes back as *RemoteError.
func (c *IPCClient) Call(msgType, respType MessageType, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	var payload []byte
	if req != nil {
		var err error
		if payload, err = Encode(req); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	deadline := time.Now().Add(c.config.RequestTimeout)
	c.conn.SetDeadline(deadline)
	if err := NewMessage(msgType, reqID, payload).Write(c.conn); err != nil {
		c.drop()
		return fmt.Errorf("write message: %w", err)
	}

	msg, err := ReadMessage(c.conn)
	if err != nil {
		c.drop()
		return fmt.Errorf("read response: %w", err)
	}
	if msg.Header.RequestID != reqID {
		c.drop()
		return fmt.Errorf("%w: request id %d, want %d", ErrUnexpected, msg.Header.RequestID, reqID)
	}

	switch msg.Header.Type {
	case MsgError:
		var e ErrorResponse
		if err := Decode(msg.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	case respType:
		if resp == nil {
			return nil
		}
		if err := Decode(msg.Payload, resp); err != nil {
			return fmt.Errorf("decode %s: %w", respType, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnexpected, msg.Header.Type)
	}
}

// drop closes a connection whose framing can no longer be trusted.
func (c *IPCClient) drop() {
	c.conn.Close()
	c.conn = nil
}

// Ping checks that the daemon answers.
func (c *IPCClient) Ping() error {
	return c.Call(MsgPing, MsgPong, nil, nil)
}

// Status requests the daemon status
func (c *IPCClient) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Call(MsgStatusRequest, MsgStatusResponse, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve resolves s in the scope of a window class and runs the winning
// action in the daemon.
func (c *IPCClient) Resolve(s *stroke.Stroke, class string, button uint) (*ResolveResponse, error) {
	var resp ResolveResponse
	req := &ResolveRequest{Stroke: s, Class: class, Button: button}
	if err := c.Call(MsgResolve, MsgResolveResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns the bindings visible in scope.
func (c *IPCClient) List(scope string) (*ListResponse, error) {
	var resp ListResponse
	if err := c.Call(MsgList, MsgListResp, &ListRequest{Scope: scope}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Add creates a binding and returns its token.
func (c *IPCClient) Add(scope, name string, a *action.Action, strokes ...*stroke.Stroke) (string, error) {
	var resp AddResponse
	req := &AddRequest{Scope: scope, Name: name, Action: a, Strokes: strokes}
	if err := c.Call(MsgAdd, MsgAddResp, req, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Delete deletes a binding from scope and its subtree.
func (c *IPCClient) Delete(scope, tok string) (bool, error) {
	var resp ChangedResponse
	if err := c.Call(MsgDelete, MsgDeleteResp, &TokenRequest{Scope: scope, Token: tok}, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

// Reset drops a scope's override or deletion of a binding.
func (c *IPCClient) Reset(scope, tok string) (bool, error) {
	var resp ChangedResponse
	if err := c.Call(MsgReset, MsgResetResp, &TokenRequest{Scope: scope, Token: tok}, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

// Rename overrides a binding's name in scope.
func (c *IPCClient) Rename(scope, tok, name string) error {
	req := &RenameRequest{Scope: scope, Token: tok, Name: name}
	return c.Call(MsgRename, MsgRenameResp, req, nil)
}

// Override overrides the given fields of a binding in scope. A nil action or
// an empty name or stroke list keeps the inherited value.
func (c *IPCClient) Override(scope, tok, name string, a *action.Action, strokes ...*stroke.Stroke) error {
	req := &OverrideRequest{Scope: scope, Token: tok, Name: name, Action: a, Strokes: strokes}
	return c.Call(MsgOverride, MsgOverrideResp, req, nil)
}

// AddStroke adds a shape to a binding in scope.
func (c *IPCClient) AddStroke(scope, tok string, s *stroke.Stroke) error {
	req := &AddStrokeRequest{Scope: scope, Token: tok, Stroke: s}
	return c.Call(MsgAddStroke, MsgAddStrokeResp, req, nil)
}

// Scopes lists the scope tree.
func (c *IPCClient) Scopes() ([]ScopeInfo, error) {
	var resp ScopesResponse
	if err := c.Call(MsgScopes, MsgScopesResp, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Scopes, nil
}

// AddScope creates a child scope under parent.
func (c *IPCClient) AddScope(parent, name, app string) error {
	req := &AddScopeRequest{Parent: parent, Name: name, App: app}
	return c.Call(MsgAddScope, MsgAddScopeResp, req, nil)
}

// RemoveScope removes a scope and its subtree.
func (c *IPCClient) RemoveScope(name string) error {
	return c.Call(MsgRemoveScope, MsgRemoveScopeResp, &RemoveScopeRequest{Name: name}, nil)
}

// EditScope renames a scope and, when app is non-nil, sets its window class
// pattern. An empty rename keeps the name.
func (c *IPCClient) EditScope(name, rename string, app *string) (*ScopeInfo, error) {
	var resp ScopeInfo
	req := &EditScopeRequest{Name: name, Rename: rename, App: app}
	if err := c.Call(MsgEditScope, MsgEditScopeResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveNow writes the actions file immediately.
func (c *IPCClient) SaveNow() (*SaveNowResponse, error) {
	var resp SaveNowResponse
	if err := c.Call(MsgSaveNow, MsgSaveNowResp, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns up to limit recent outcomes.
func (c *IPCClient) History(limit int) ([]HistoryEntry, error) {
	var resp HistoryResponse
	if err := c.Call(MsgHistory, MsgHistoryResp, &HistoryRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Metrics returns the daemon metrics in the Prometheus text format.
func (c *IPCClient) Metrics() (string, error) {
	var resp MetricsResponse
	if err := c.Call(MsgMetrics, MsgMetricsResp, nil, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
