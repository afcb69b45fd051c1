package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"strokebind/internal/logging"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Client is a connected peer.
type Client struct {
	ID          string
	Peer        *PeerCredentials
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Permissions    os.FileMode
	MaxConnections int
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// AllowUID decides which peers may connect. Nil admits only the daemon's
	// own user.
	AllowUID func(uid uint32) bool
}

// DefaultServerConfig returns defaults for a socket at path.
func DefaultServerConfig(path string) ServerConfig {
	return ServerConfig{
		SocketPath:     path,
		Permissions:    0600,
		MaxConnections: 8,
		IdleTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts control connections on a Unix socket.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *logging.Logger
	audit   *logging.AuditLogger
	crash   *logging.CrashHandler

	mu       sync.RWMutex
	listener net.Listener
	clients  map[string]*Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	nextID  atomic.Uint64
}

// NewServer creates a server. audit and crash may be nil.
func NewServer(cfg ServerConfig, handler Handler, logger *logging.Logger, audit *logging.AuditLogger, crash *logging.CrashHandler) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0600
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 8
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.AllowUID == nil {
		self := uint32(os.Getuid())
		cfg.AllowUID = func(uid uint32) bool { return uid == self }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithComponent("ipc"),
		audit:   audit,
		crash:   crash,
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s: another daemon is listening", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("control socket listening", "path", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection, then removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for connections to close")
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	if s.crash != nil {
		defer s.crash.RecoverGoroutine("ipc accept")
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		client, ok := s.admit(conn)
		if !ok {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// admit checks the peer and the connection limit and registers the client.
func (s *Server) admit(conn net.Conn) (*Client, bool) {
	peer, err := GetPeerCredentials(conn)
	switch {
	case errors.Is(err, ErrPeerCredentialsUnsupported):
		peer = nil
	case err != nil:
		s.logger.Warn("couldn't read peer credentials", "error", err)
		return nil, false
	case !s.cfg.AllowUID(peer.UID):
		s.logger.Warn("rejected connection from foreign user", "uid", peer.UID, "pid", peer.PID)
		_ = s.audit.LogDenied(s.ctx, peer.UID, peer.PID)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.cfg.MaxConnections {
		s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
		return nil, false
	}
	client := &Client{
		ID:          fmt.Sprintf("client-%d", s.nextID.Add(1)),
		Peer:        peer,
		ConnectedAt: time.Now(),
		conn:        conn,
	}
	s.clients[client.ID] = client
	return client, true
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	logger := s.logger.With("client", client.ID)
	for {
		if s.cfg.IdleTimeout > 0 {
			client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		msg, err := ReadMessage(client.conn)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				logger.Debug("closing idle connection")
			default:
				logger.Warn("read failed", "error", err)
			}
			return
		}

		response := s.dispatch(client, msg)
		if response == nil {
			continue
		}
		if err := s.send(client, response); err != nil {
			logger.Warn("write failed", "error", err)
			return
		}
	}
}

// dispatch runs one request, converting handler errors and panics into error
// responses.
func (s *Server) dispatch(client *Client, msg *Message) *Message {
	if msg.Header.Type == MsgPing {
		return NewMessage(MsgPong, msg.Header.RequestID, nil)
	}
	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler")
	}

	reqID := s.logger.NewRequestID()
	ctx := logging.ContextWithRequestID(s.ctx, reqID)
	s.logger.WithRequestID(reqID).Debug("request", "type", msg.Header.Type, "client", client.ID)

	var response *Message
	err := s.crash.Guard(msg.Header.Type.String(), func() error {
		var err error
		response, err = s.handler.HandleMessage(ctx, client, msg)
		return err
	})
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
	}
	return response
}

func (s *Server) send(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
