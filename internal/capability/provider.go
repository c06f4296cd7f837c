// SPDX-License-Identifier: AGPL-3.0-only

// Package capability mediates access to the user-granted save directory.
// A Handle is acquired only through an explicit user action (the picker),
// owned exclusively by the Gate, and persisted across sessions in the
// capability store.
package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/skigim/nightingale-autosave/internal/model"
)

// Handle is an opaque reference to a writable directory. Callers outside this
// package never hold one; the Gate resolves write targets on their behalf.
type Handle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Picker surfaces the user-driven directory chooser. It returns the chosen
// directory path, or ok=false when the user cancels (not an error).
type Picker func(ctx context.Context) (path string, ok bool, err error)

// Provider is the host capability API: it can probe and request permission
// for a handle and acquire new handles via the picker.
type Provider interface {
	// Pick acquires a brand-new handle via a user gesture. Returns nil with
	// no error when the user cancels.
	Pick(ctx context.Context) (*Handle, error)
	// Check is a read-only probe of the current grant. It never prompts.
	Check(ctx context.Context, h *Handle) model.PermissionState
	// Request may surface a user-facing prompt and reports the resulting state.
	Request(ctx context.Context, h *Handle) model.PermissionState
}

// DirProvider implements Provider against a conventional filesystem, where a
// handle is a directory path and the grant is probed by attempting a write.
type DirProvider struct {
	picker Picker
}

// NewDirProvider creates a filesystem-backed provider. The picker is the
// external collaborator that surfaces the directory chooser.
func NewDirProvider(picker Picker) *DirProvider {
	return &DirProvider{picker: picker}
}

// Pick implements Provider.Pick.
func (p *DirProvider) Pick(ctx context.Context) (*Handle, error) {
	if p.picker == nil {
		return nil, errors.New("no directory picker registered")
	}
	path, ok, err := p.picker(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Handle{
		ID:   uuid.NewString(),
		Name: filepath.Base(abs),
		Path: abs,
	}, nil
}

// Check implements Provider.Check. Probing creates and removes a uniquely
// named marker file, so a marker left behind by a crashed session or a
// concurrent probe from another session never masks a live grant. It never
// creates the directory itself, so a revoked or vanished grant comes back as
// prompt rather than being silently re-established.
func (p *DirProvider) Check(_ context.Context, h *Handle) model.PermissionState {
	if h == nil || h.Path == "" {
		return model.PermissionPrompt
	}
	info, err := os.Stat(h.Path)
	if err != nil || !info.IsDir() {
		return model.PermissionPrompt
	}
	f, err := os.CreateTemp(h.Path, ".autosave-probe-*")
	if err != nil {
		if os.IsPermission(err) {
			return model.PermissionDenied
		}
		return model.PermissionPrompt
	}
	f.Close()
	os.Remove(f.Name())
	return model.PermissionGranted
}

// Request implements Provider.Request. On a filesystem there is no prompt to
// surface, so requesting re-establishes the directory when possible and then
// probes it.
func (p *DirProvider) Request(ctx context.Context, h *Handle) model.PermissionState {
	if h == nil || h.Path == "" {
		return model.PermissionPrompt
	}
	if err := os.MkdirAll(h.Path, 0o755); err != nil {
		if os.IsPermission(err) {
			return model.PermissionDenied
		}
		return model.PermissionPrompt
	}
	return p.Check(ctx, h)
}
