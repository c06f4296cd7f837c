// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/server"
	"github.com/ThinkInAIXYZ/go-mcp/transport"
	"github.com/skigim/nightingale-autosave/internal/autosave"
	"github.com/skigim/nightingale-autosave/internal/config"
	"github.com/skigim/nightingale-autosave/internal/errors"
	"github.com/skigim/nightingale-autosave/internal/logging"
)

// SaveNowParams defines parameters for a manual save trigger
type SaveNowParams struct {
	Force        bool `json:"force,omitempty" description:"save even if the throttle window has not elapsed"`
	SkipThrottle bool `json:"skip_throttle,omitempty" description:"bypass the min-save-interval throttle entirely"`
}

// NotifyChangeParams defines parameters for a data-change notification
type NotifyChangeParams struct {
	ChangeType string `json:"change_type,omitempty" description:"what kind of data changed"`
}

// ConnectDirectoryParams defines parameters for connecting a save directory
type ConnectDirectoryParams struct{}

// GetStatusParams defines parameters for reading service state
type GetStatusParams struct{}

// UpdateConfigParams carries hot-swappable settings; omitted fields are left
// untouched. Durations are milliseconds, matching the consumer-facing surface.
type UpdateConfigParams struct {
	Enabled                *bool    `json:"enabled,omitempty"`
	SaveIntervalMs         *int64   `json:"save_interval_ms,omitempty"`
	DebounceDelayMs        *int64   `json:"debounce_delay_ms,omitempty"`
	MinSaveIntervalMs      *int64   `json:"min_save_interval_ms,omitempty"`
	MaxRetries             *int     `json:"max_retries,omitempty"`
	InitialRetryDelayMs    *int64   `json:"initial_retry_delay_ms,omitempty"`
	RetryDelayMultiplier   *float64 `json:"retry_delay_multiplier,omitempty"`
	SaveOnVisibilityChange *bool    `json:"save_on_visibility_change,omitempty"`
	SaveOnUnload           *bool    `json:"save_on_unload,omitempty"`
}

// PushSnapshotParams carries an application-state snapshot from the UI process
type PushSnapshotParams struct {
	Data string `json:"data" description:"the JSON application-state snapshot to persist"`
}

// MCPServer exposes the autosave service to an external UI process over MCP.
// It is the only consumer-facing surface; the service itself stays an
// explicitly constructed, explicitly owned object.
type MCPServer struct {
	service        autosave.Service
	snapshotSink   func([]byte)
	server         *server.Server
	address        string
	port           int
	stopCh         chan struct{}
	wg             sync.WaitGroup
	config         *config.Config
	logger         *logging.Logger
	shutdownMutex  sync.Mutex
	isShuttingDown bool
}

// NewMCPServer creates a new control server over the given service
func NewMCPServer(cfg *config.Config, service autosave.Service) (*MCPServer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	logger := logging.GetDefaultLogger()

	mcpServer := &MCPServer{
		service: service,
		address: cfg.Server.Address,
		port:    cfg.Server.Port,
		stopCh:  make(chan struct{}),
		config:  cfg,
		logger:  logger,
	}

	// Create transport based on mode
	var svrTransport transport.ServerTransport
	var err error

	switch cfg.Server.TransportMode {
	case "stdio":
		logger.Infof("Using stdio transport")
		svrTransport = transport.NewStdioServerTransport()
	case "sse":
		addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
		logger.Infof("Using SSE transport on %s", addr)
		svrTransport, err = transport.NewSSEServerTransport(addr)
		if err != nil {
			return nil, errors.Internal("create SSE transport", err)
		}
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unsupported transport mode: %s", cfg.Server.TransportMode))
	}

	mcpServer.server, err = server.NewServer(
		svrTransport,
		server.WithServerInfo(protocol.Implementation{
			Name:    cfg.Server.Name,
			Version: cfg.Server.Version,
		}),
	)
	if err != nil {
		return nil, errors.Internal("create MCP server", err)
	}

	return mcpServer, nil
}

// Start starts the control server
func (s *MCPServer) Start(ctx context.Context) error {
	s.registerToolsDeclarative()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Run(); err != nil {
			s.logger.Errorf("Error running MCP server: %v", err)
			return
		}
	}()

	// Listen for context cancellation
	go func() {
		<-ctx.Done()
		if err := s.Stop(); err != nil {
			s.logger.Errorf("Error stopping MCP server: %v", err)
		}
	}()

	return nil
}

// Stop stops the control server
func (s *MCPServer) Stop() error {
	s.shutdownMutex.Lock()
	defer s.shutdownMutex.Unlock()

	if s.isShuttingDown {
		s.logger.Debugf("Stop called but server is already shutting down, ignoring")
		return nil
	}
	s.isShuttingDown = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Internal("shut down MCP server", err)
	}

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}

	s.wg.Wait()
	return nil
}

// handleGetStatus returns the current service state snapshot
func (s *MCPServer) handleGetStatus(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	s.logger.Debugf("Handling get_status request")
	return createJSONResponse(s.service.State())
}

// handleSaveNow triggers a manual save
func (s *MCPServer) handleSaveNow(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SaveNowParams
	if err := extractParams(request, &params); err != nil {
		return createErrorResponse(err)
	}

	s.logger.Debugf("Handling save_now request (force=%v skip_throttle=%v)", params.Force, params.SkipThrottle)

	attempted := s.service.SaveNow(autosave.SaveNowOptions{
		Force:        params.Force,
		SkipThrottle: params.SkipThrottle,
	})
	if !attempted {
		return createSuccessResponse("save skipped (throttled or service not running)")
	}
	return createSuccessResponse("save triggered")
}

// handleNotifyChange records a data-change notification
func (s *MCPServer) handleNotifyChange(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params NotifyChangeParams
	if err := extractParams(request, &params); err != nil {
		return createErrorResponse(err)
	}

	changeType := params.ChangeType
	if changeType == "" {
		changeType = "unspecified"
	}
	s.service.NotifyDataChange(changeType)
	return createSuccessResponse("change recorded")
}

// handleConnectDirectory runs the user-driven directory picker flow
func (s *MCPServer) handleConnectDirectory(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	s.logger.Debugf("Handling connect_directory request")
	ok, err := s.service.Connect(ctx)
	if err != nil {
		return createErrorResponse(err)
	}
	if !ok {
		return createSuccessResponse("directory connection declined or not granted")
	}
	return createSuccessResponse("save directory connected")
}

// handlePause suspends periodic saving
func (s *MCPServer) handlePause(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	s.service.Pause()
	return createSuccessResponse("autosave paused")
}

// handleResume re-enables periodic saving
func (s *MCPServer) handleResume(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	s.service.Resume()
	return createSuccessResponse("autosave resumed")
}

// handleUpdateConfig hot-swaps autosave settings
func (s *MCPServer) handleUpdateConfig(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UpdateConfigParams
	if err := extractParams(request, &params); err != nil {
		return createErrorResponse(err)
	}

	s.logger.Debugf("Handling update_config request")

	ov := config.Overrides{
		Enabled:                params.Enabled,
		MaxRetries:             params.MaxRetries,
		RetryDelayMultiplier:   params.RetryDelayMultiplier,
		SaveOnVisibilityChange: params.SaveOnVisibilityChange,
		SaveOnUnload:           params.SaveOnUnload,
	}
	ov.SaveInterval = msToDuration(params.SaveIntervalMs)
	ov.DebounceDelay = msToDuration(params.DebounceDelayMs)
	ov.MinSaveInterval = msToDuration(params.MinSaveIntervalMs)
	ov.InitialRetryDelay = msToDuration(params.InitialRetryDelayMs)

	s.service.UpdateConfig(ov)
	return createSuccessResponse("configuration updated")
}

// SetSnapshotSink registers the receiver for pushed snapshots. Must be called
// before Start.
func (s *MCPServer) SetSnapshotSink(sink func([]byte)) {
	s.snapshotSink = sink
}

// handlePushSnapshot stores a pushed snapshot and records the data change
func (s *MCPServer) handlePushSnapshot(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params PushSnapshotParams
	if err := extractParams(request, &params); err != nil {
		return createErrorResponse(err)
	}
	if params.Data == "" {
		return createErrorResponse(errors.InvalidInput("data is required"))
	}
	if s.snapshotSink == nil {
		return createErrorResponse(errors.InvalidInput("no snapshot sink registered"))
	}
	s.snapshotSink([]byte(params.Data))
	s.service.NotifyDataChange("snapshot")
	return createSuccessResponse("snapshot accepted")
}

// handleLastSaveInfo returns the most recent save marker
func (s *MCPServer) handleLastSaveInfo(ctx context.Context, request *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	marker, err := s.service.LastSaveInfo(ctx)
	if err != nil {
		return createErrorResponse(err)
	}
	if marker == nil {
		return createSuccessResponse("no save recorded yet")
	}
	return createJSONResponse(marker)
}

func msToDuration(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}
