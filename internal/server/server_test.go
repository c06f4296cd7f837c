// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/skigim/nightingale-autosave/internal/autosave"
	"github.com/skigim/nightingale-autosave/internal/config"
	"github.com/skigim/nightingale-autosave/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockService implements autosave.Service for handler tests
type MockService struct {
	mock.Mock
}

func (m *MockService) Start(ctx context.Context) { m.Called(ctx) }

func (m *MockService) Stop() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockService) Pause()  { m.Called() }
func (m *MockService) Resume() { m.Called() }

func (m *MockService) NotifyDataChange(changeType string) { m.Called(changeType) }
func (m *MockService) NotifyVisibilityChange(hidden bool) { m.Called(hidden) }

func (m *MockService) SaveNow(opts autosave.SaveNowOptions) bool {
	args := m.Called(opts)
	return args.Bool(0)
}

func (m *MockService) Connect(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockService) State() model.ServiceState {
	args := m.Called()
	return args.Get(0).(model.ServiceState)
}

func (m *MockService) UpdateConfig(ov config.Overrides) { m.Called(ov) }

func (m *MockService) SetDataProvider(provider model.DataProvider) { m.Called(provider) }
func (m *MockService) SetStatusCallback(cb model.StatusCallback)   { m.Called(cb) }
func (m *MockService) SetErrorCallback(cb model.ErrorCallback)     { m.Called(cb) }

func (m *MockService) LastSaveInfo(ctx context.Context) (*model.SaveMarker, error) {
	args := m.Called(ctx)
	if marker := args.Get(0); marker != nil {
		return marker.(*model.SaveMarker), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) Destroy() { m.Called() }

func newTestServer(t *testing.T, svc autosave.Service) *MCPServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.TransportMode = "stdio"
	srv, err := NewMCPServer(cfg, svc)
	require.NoError(t, err)
	return srv
}

func requestWith(t *testing.T, v interface{}) *protocol.CallToolRequest {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &protocol.CallToolRequest{RawArguments: raw}
}

func textOf(t *testing.T, result *protocol.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*protocol.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServerRejectsUnknownTransport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.TransportMode = "carrier-pigeon"
	_, err := NewMCPServer(cfg, &MockService{})
	assert.Error(t, err)
}

func TestHandleGetStatus(t *testing.T) {
	svc := &MockService{}
	state := model.ServiceState{
		IsRunning:        true,
		PermissionStatus: model.PermissionGranted,
		LastSaveTime:     time.Now(),
	}
	svc.On("State").Return(state)
	srv := newTestServer(t, svc)

	result, err := srv.handleGetStatus(context.Background(), &protocol.CallToolRequest{})
	require.NoError(t, err)

	var got model.ServiceState
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &got))
	assert.True(t, got.IsRunning)
	assert.Equal(t, model.PermissionGranted, got.PermissionStatus)
	svc.AssertExpectations(t)
}

func TestHandleSaveNowForwardsOptions(t *testing.T) {
	svc := &MockService{}
	svc.On("SaveNow", autosave.SaveNowOptions{Force: true}).Return(true)
	srv := newTestServer(t, svc)

	result, err := srv.handleSaveNow(context.Background(), requestWith(t, SaveNowParams{Force: true}))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, result), "save triggered")
	svc.AssertExpectations(t)
}

func TestHandleSaveNowReportsSkip(t *testing.T) {
	svc := &MockService{}
	svc.On("SaveNow", autosave.SaveNowOptions{}).Return(false)
	srv := newTestServer(t, svc)

	result, err := srv.handleSaveNow(context.Background(), &protocol.CallToolRequest{})
	require.NoError(t, err)
	assert.Contains(t, textOf(t, result), "save skipped")
}

func TestHandleSaveNowRejectsMalformedParams(t *testing.T) {
	svc := &MockService{}
	srv := newTestServer(t, svc)

	_, err := srv.handleSaveNow(context.Background(), &protocol.CallToolRequest{
		RawArguments: []byte(`{not json`),
	})
	assert.Error(t, err)
	svc.AssertNotCalled(t, "SaveNow", mock.Anything)
}

func TestHandleNotifyChangeDefaultsChangeType(t *testing.T) {
	svc := &MockService{}
	svc.On("NotifyDataChange", "unspecified").Return()
	srv := newTestServer(t, svc)

	result, err := srv.handleNotifyChange(context.Background(), &protocol.CallToolRequest{})
	require.NoError(t, err)
	assert.Contains(t, textOf(t, result), "change recorded")
	svc.AssertExpectations(t)
}

func TestHandleConnectDirectory(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		svc := &MockService{}
		svc.On("Connect", mock.Anything).Return(true, nil)
		srv := newTestServer(t, svc)

		result, err := srv.handleConnectDirectory(context.Background(), &protocol.CallToolRequest{})
		require.NoError(t, err)
		assert.Contains(t, textOf(t, result), "connected")
	})

	t.Run("declined", func(t *testing.T) {
		svc := &MockService{}
		svc.On("Connect", mock.Anything).Return(false, nil)
		srv := newTestServer(t, svc)

		result, err := srv.handleConnectDirectory(context.Background(), &protocol.CallToolRequest{})
		require.NoError(t, err)
		assert.Contains(t, textOf(t, result), "declined")
	})

	t.Run("unsupported", func(t *testing.T) {
		svc := &MockService{}
		svc.On("Connect", mock.Anything).Return(false, assert.AnError)
		srv := newTestServer(t, svc)

		_, err := srv.handleConnectDirectory(context.Background(), &protocol.CallToolRequest{})
		assert.Error(t, err)
	})
}

func TestHandlePauseResume(t *testing.T) {
	svc := &MockService{}
	svc.On("Pause").Return()
	svc.On("Resume").Return()
	srv := newTestServer(t, svc)

	_, err := srv.handlePause(context.Background(), &protocol.CallToolRequest{})
	require.NoError(t, err)
	_, err = srv.handleResume(context.Background(), &protocol.CallToolRequest{})
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleUpdateConfigConvertsMilliseconds(t *testing.T) {
	svc := &MockService{}
	var captured config.Overrides
	svc.On("UpdateConfig", mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(0).(config.Overrides)
	}).Return()
	srv := newTestServer(t, svc)

	interval := int64(60000)
	retries := 5
	_, err := srv.handleUpdateConfig(context.Background(), requestWith(t, UpdateConfigParams{
		SaveIntervalMs: &interval,
		MaxRetries:     &retries,
	}))
	require.NoError(t, err)

	require.NotNil(t, captured.SaveInterval)
	assert.Equal(t, time.Minute, *captured.SaveInterval)
	require.NotNil(t, captured.MaxRetries)
	assert.Equal(t, 5, *captured.MaxRetries)
	assert.Nil(t, captured.DebounceDelay, "omitted fields must stay nil")
	svc.AssertExpectations(t)
}

func TestHandlePushSnapshot(t *testing.T) {
	svc := &MockService{}
	svc.On("NotifyDataChange", "snapshot").Return()
	srv := newTestServer(t, svc)

	var sunk []byte
	srv.SetSnapshotSink(func(data []byte) { sunk = data })

	result, err := srv.handlePushSnapshot(context.Background(), requestWith(t, PushSnapshotParams{
		Data: `{"cases":[]}`,
	}))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, result), "snapshot accepted")
	assert.Equal(t, []byte(`{"cases":[]}`), sunk)
	svc.AssertExpectations(t)
}

func TestHandlePushSnapshotRequiresData(t *testing.T) {
	svc := &MockService{}
	srv := newTestServer(t, svc)
	srv.SetSnapshotSink(func([]byte) {})

	_, err := srv.handlePushSnapshot(context.Background(), requestWith(t, PushSnapshotParams{}))
	assert.Error(t, err)
	svc.AssertNotCalled(t, "NotifyDataChange", mock.Anything)
}

func TestHandlePushSnapshotWithoutSink(t *testing.T) {
	svc := &MockService{}
	srv := newTestServer(t, svc)

	_, err := srv.handlePushSnapshot(context.Background(), requestWith(t, PushSnapshotParams{
		Data: `{}`,
	}))
	assert.Error(t, err)
}

func TestHandleLastSaveInfo(t *testing.T) {
	t.Run("marker present", func(t *testing.T) {
		svc := &MockService{}
		marker := &model.SaveMarker{Timestamp: time.Now(), SessionID: "session-a"}
		svc.On("LastSaveInfo", mock.Anything).Return(marker, nil)
		srv := newTestServer(t, svc)

		result, err := srv.handleLastSaveInfo(context.Background(), &protocol.CallToolRequest{})
		require.NoError(t, err)

		var got model.SaveMarker
		require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &got))
		assert.Equal(t, "session-a", got.SessionID)
	})

	t.Run("no save yet", func(t *testing.T) {
		svc := &MockService{}
		svc.On("LastSaveInfo", mock.Anything).Return(nil, nil)
		srv := newTestServer(t, svc)

		result, err := srv.handleLastSaveInfo(context.Background(), &protocol.CallToolRequest{})
		require.NoError(t, err)
		assert.Contains(t, textOf(t, result), "no save recorded")
	})
}

func TestMsToDuration(t *testing.T) {
	assert.Nil(t, msToDuration(nil))
	ms := int64(1500)
	d := msToDuration(&ms)
	require.NotNil(t, d)
	assert.Equal(t, 1500*time.Millisecond, *d)
}
