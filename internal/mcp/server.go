// Package mcp provides an MCP (Model Context Protocol) server that exposes
// the trial registry and weight snapshot summaries to MCP clients.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nvandessel/spiketrial/internal/logging"
	"github.com/nvandessel/spiketrial/internal/ratelimit"
	"github.com/nvandessel/spiketrial/internal/store"
)

// Server wraps the MCP SDK server around a trial registry.
type Server struct {
	server      *sdk.Server
	store       *store.TrialStore
	auditLogger *AuditLogger
	limiters    ratelimit.Tools
	allowedDirs []string
	logger      *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Name     string // Server name (e.g., "spiketrial")
	Version  string // Server version
	Registry string // Trial registry database path

	// AuditDir receives mcp_audit.jsonl. Empty disables auditing.
	AuditDir string

	// AllowedDirs bounds the snapshot directories weights_summary may read
	// by path. The registry's directory is always allowed.
	AllowedDirs []string

	Logger *slog.Logger
}

// NewServer opens the registry and registers the trial tools.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Registry == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	trials, err := store.Open(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to open trial registry: %w", err)
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		server:      mcpServer,
		store:       trials,
		limiters:    ratelimit.DefaultTools(),
		allowedDirs: append([]string{filepath.Dir(cfg.Registry)}, cfg.AllowedDirs...),
		logger:      logger,
	}
	if cfg.AuditDir != "" {
		s.auditLogger = NewAuditLogger(cfg.AuditDir)
	}

	s.registerTools()
	return s, nil
}

// Run serves MCP over stdio until the client disconnects, the context is
// cancelled or the process receives an interrupt.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Info("mcp server listening on stdio", "registry", s.store.Path())
	err := s.server.Run(ctx, &sdk.StdioTransport{})

	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close closes the registry and the audit log.
func (s *Server) Close() error {
	auditErr := s.auditLogger.Close()
	if err := s.store.Close(); err != nil {
		return err
	}
	return auditErr
}
