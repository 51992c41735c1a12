// ABOUTME: MCP client for the marketplace tool-execution service
// ABOUTME: Connects lazily over stdio or streamable HTTP and redials after transport failures
package toolservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultConnectTimeout bounds one shared dial plus initialize handshake
const DefaultConnectTimeout = 30 * time.Second

// ErrNotConfigured means neither a URL nor a command was given
var ErrNotConfigured = errors.New("tool service not configured: set TOOL_SERVICE_URL or TOOL_SERVICE_COMMAND")

// Config selects the transport; exactly one of URL and Command is set
type Config struct {
	URL     string
	Command string
	Args    []string
	Env     []string
	// ClientName and ClientVersion are announced during initialize
	ClientName    string
	ClientVersion string
}

// Conn is the part of an MCP client session the service uses
type Conn interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens a started, not yet initialized connection
type Dialer func(ctx context.Context) (Conn, error)

// Service is shared by every persona's registry and invoker
type Service struct {
	dial          Dialer
	clientName    string
	clientVersion string
	logger        log.FieldLogger

	// group collapses concurrent connects; mu only guards conn and timeout
	group   singleflight.Group
	mu      sync.Mutex
	conn    Conn
	timeout time.Duration
}

// New builds a service for cfg without connecting
func New(cfg Config, logger log.FieldLogger) (*Service, error) {
	var dial Dialer
	switch {
	case cfg.URL != "" && cfg.Command != "":
		return nil, errors.New("tool service: set only one of URL and command")
	case cfg.URL != "":
		dial = func(ctx context.Context) (Conn, error) {
			c, err := client.NewStreamableHttpClient(cfg.URL)
			if err != nil {
				return nil, err
			}
			// The session outlives the dial, so it must not inherit the dial deadline
			if err := c.Start(context.WithoutCancel(ctx)); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		}
	case cfg.Command != "":
		dial = func(ctx context.Context) (Conn, error) {
			// The stdio client spawns and starts the subprocess itself
			return client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		}
	default:
		return nil, ErrNotConfigured
	}
	s := NewWithDialer(dial, logger)
	if cfg.ClientName != "" {
		s.clientName = cfg.ClientName
	}
	if cfg.ClientVersion != "" {
		s.clientVersion = cfg.ClientVersion
	}
	return s, nil
}

// NewWithDialer builds a service over a custom transport
func NewWithDialer(dial Dialer, logger log.FieldLogger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		dial:          dial,
		clientName:    "marketplace-agent",
		clientVersion: "dev",
		logger:        logger.WithField("component", "toolservice"),
		timeout:       DefaultConnectTimeout,
	}
}

// SetConnectTimeout bounds future connects; a non-positive d restores the default
func (s *Service) SetConnectTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultConnectTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// connection returns the open session or joins a shared connect. The connect
// runs detached from ctx so one caller giving up does not fail the others;
// each caller stops waiting when its own ctx ends.
func (s *Service) connection(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	conn, timeout := s.conn, s.timeout
	s.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	dialCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("connect", func() (any, error) {
		s.mu.Lock()
		existing := s.conn
		s.mu.Unlock()
		if existing != nil {
			return existing, nil
		}
		cctx, cancel := context.WithTimeout(dialCtx, timeout)
		defer cancel()
		return s.connect(cctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Conn), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to tool service: %w", ctx.Err())
	}
}

// connect dials, initializes and publishes a new session
func (s *Service) connect(ctx context.Context) (Conn, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to tool service: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: s.clientName, Version: s.clientVersion}
	info, err := conn.Initialize(ctx, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize tool service: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"server":  info.ServerInfo.Name,
		"version": info.ServerInfo.Version,
	}).Info("Connected to tool service")
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// drop discards a connection after a transport failure so the next call redials
func (s *Service) drop(conn Conn, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.logger.WithError(err).Warn("Tool service connection failed; will reconnect")
		_ = conn.Close()
		s.conn = nil
	}
}

// ListTools forwards one tools/list page
func (s *Service) ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	res, err := conn.ListTools(ctx, request)
	if err != nil {
		s.drop(conn, err)
		return nil, err
	}
	return res, nil
}

// CallTool forwards one tools/call
func (s *Service) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	res, err := conn.CallTool(ctx, request)
	if err != nil {
		s.drop(conn, err)
		return nil, err
	}
	return res, nil
}

// Connected reports whether a session is currently open
func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close ends the current session, if any
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
