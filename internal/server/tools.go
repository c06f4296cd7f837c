// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"context"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/server"
)

// ToolDefinition represents a tool that can be registered with the MCP server
type ToolDefinition struct {
	// Name is the name of the tool
	Name string

	// Description is a brief description of what the tool does
	Description string

	// Handler is the function that will be called when the tool is invoked
	Handler func(context.Context, *protocol.CallToolRequest) (*protocol.CallToolResult, error)

	// Parameters is the parameter schema for the tool (can be a struct)
	Parameters interface{}
}

// registerToolsDeclarative sets up all the MCP tools using a more declarative approach
func (s *MCPServer) registerToolsDeclarative() {
	tools := []ToolDefinition{
		{
			Name:        "get_status",
			Description: "Returns the current autosave service state",
			Handler:     s.handleGetStatus,
			Parameters:  GetStatusParams{},
		},
		{
			Name:        "save_now",
			Description: "Triggers a manual save, honoring the throttle unless told otherwise",
			Handler:     s.handleSaveNow,
			Parameters:  SaveNowParams{},
		},
		{
			Name:        "notify_change",
			Description: "Records a data change so the debounced autosave fires",
			Handler:     s.handleNotifyChange,
			Parameters:  NotifyChangeParams{},
		},
		{
			Name:        "connect_directory",
			Description: "Acquires a save directory via the user-driven picker",
			Handler:     s.handleConnectDirectory,
			Parameters:  ConnectDirectoryParams{},
		},
		{
			Name:        "pause",
			Description: "Suspends periodic and debounced saves without tearing the service down",
			Handler:     s.handlePause,
			Parameters:  GetStatusParams{},
		},
		{
			Name:        "resume",
			Description: "Resumes periodic saving after a pause",
			Handler:     s.handleResume,
			Parameters:  GetStatusParams{},
		},
		{
			Name:        "update_config",
			Description: "Hot-swaps autosave settings; a changed save interval takes effect immediately",
			Handler:     s.handleUpdateConfig,
			Parameters:  UpdateConfigParams{},
		},
		{
			Name:        "push_snapshot",
			Description: "Delivers the current application-state snapshot to be autosaved",
			Handler:     s.handlePushSnapshot,
			Parameters:  PushSnapshotParams{},
		},
		{
			Name:        "last_save_info",
			Description: "Returns the timestamp record of the most recent save",
			Handler:     s.handleLastSaveInfo,
			Parameters:  GetStatusParams{},
		},
	}

	for _, tool := range tools {
		registerToolWithError(s.server, tool)
	}
}

// registerToolWithError registers a tool with error handling
func registerToolWithError(srv *server.Server, def ToolDefinition) {
	tool, err := protocol.NewTool(def.Name, def.Description, def.Parameters)
	if err != nil {
		// In a real scenario, we might want to handle this differently,
		// but for now we'll panic since this is a critical error
		// that should never happen
		panic(err)
	}

	srv.RegisterTool(tool, def.Handler)
}
