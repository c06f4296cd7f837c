// SPDX-License-Identifier: AGPL-3.0-only
package autosave

import (
	"context"

	"github.com/skigim/nightingale-autosave/internal/config"
	"github.com/skigim/nightingale-autosave/internal/model"
)

// SaveNowOptions controls a manual save trigger.
type SaveNowOptions struct {
	// Force saves even when the throttle window has not elapsed.
	Force bool
	// SkipThrottle bypasses the min-save-interval check entirely.
	SkipThrottle bool
}

// Service is the interface for the autosave service.
type Service interface {
	Start(ctx context.Context)
	Stop() error
	Pause()
	Resume()
	NotifyDataChange(changeType string)
	NotifyVisibilityChange(hidden bool)
	SaveNow(opts SaveNowOptions) bool
	Connect(ctx context.Context) (bool, error)
	State() model.ServiceState
	UpdateConfig(ov config.Overrides)
	SetDataProvider(provider model.DataProvider)
	SetStatusCallback(cb model.StatusCallback)
	SetErrorCallback(cb model.ErrorCallback)
	LastSaveInfo(ctx context.Context) (*model.SaveMarker, error)
	Destroy()
}
