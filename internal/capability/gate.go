// SPDX-License-Identifier: AGPL-3.0-only
package capability

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/skigim/nightingale-autosave/internal/errors"
	"github.com/skigim/nightingale-autosave/internal/logging"
	"github.com/skigim/nightingale-autosave/internal/model"
)

// Gate wraps the directory handle and answers whether read-write permission is
// currently granted.
//
// State machine: unsupported is terminal for the session; otherwise the gate
// moves between prompt, granted, and denied, driven only by explicit
// permission queries and requests, never inferred.
type Gate struct {
	mu       sync.Mutex
	provider Provider
	store    *Store
	handle   *Handle
	state    model.PermissionState
	logger   *logging.Logger
}

// NewGate creates a gate over the given provider and capability store.
// A nil provider marks the host as lacking the capability API entirely.
func NewGate(provider Provider, store *Store) *Gate {
	state := model.PermissionPrompt
	if provider == nil {
		state = model.PermissionUnsupported
	}
	return &Gate{
		provider: provider,
		store:    store,
		state:    state,
		logger:   logging.GetDefaultLogger(),
	}
}

// State returns the last observed permission state without probing.
func (g *Gate) State() model.PermissionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// CheckPermission probes the current grant for the held handle. It never
// prompts the user and returns prompt when no handle is held.
func (g *Gate) CheckPermission(ctx context.Context) model.PermissionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == model.PermissionUnsupported {
		return model.PermissionUnsupported
	}
	if g.handle == nil {
		g.state = model.PermissionPrompt
		return g.state
	}
	g.state = g.provider.Check(ctx, g.handle)
	return g.state
}

// RequestPermission asks the host to grant read-write access to the held
// handle. Only safe to call in response to a user gesture. Reports whether
// the grant ended up as granted.
func (g *Gate) RequestPermission(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == model.PermissionUnsupported {
		return false, errors.Unsupported("directory capability")
	}
	if g.handle == nil {
		g.state = model.PermissionPrompt
		return false, nil
	}
	g.state = g.provider.Request(ctx, g.handle)
	return g.state == model.PermissionGranted, nil
}

// Connect acquires a brand-new handle via the user-driven picker, requests
// permission, and persists the handle on success. Returns false with no error
// when the user cancels the picker.
func (g *Gate) Connect(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == model.PermissionUnsupported {
		return false, errors.Unsupported("directory capability")
	}
	h, err := g.provider.Pick(ctx)
	if err != nil {
		return false, err
	}
	if h == nil {
		// User cancelled the picker.
		return false, nil
	}
	g.handle = h
	g.state = g.provider.Request(ctx, h)
	if g.state != model.PermissionGranted {
		return false, nil
	}
	if g.store != nil {
		if err := g.store.Put(ctx, h); err != nil {
			g.logger.Warnf("failed to persist directory handle: %v", err)
		}
	}
	return true, nil
}

// Restore loads a previously stored handle and re-checks (never re-requests)
// permission, letting sessions resume without a new user gesture. The grant
// may come back as prompt if the host revoked it out-of-band.
func (g *Gate) Restore(ctx context.Context) model.PermissionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == model.PermissionUnsupported {
		return model.PermissionUnsupported
	}
	if g.store != nil {
		if h := g.store.Get(ctx); h != nil {
			g.handle = h
		}
	}
	if g.handle == nil {
		g.state = model.PermissionPrompt
		return g.state
	}
	g.state = g.provider.Check(ctx, g.handle)
	return g.state
}

// Disconnect drops the held handle and clears the persisted one.
func (g *Gate) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handle = nil
	if g.state != model.PermissionUnsupported {
		g.state = model.PermissionPrompt
	}
	if g.store != nil {
		return g.store.Clear(ctx)
	}
	return nil
}

// TargetPath resolves fileName inside the granted directory. The handle never
// leaves the gate; only the resolved destination does, and only while the
// grant is granted.
func (g *Gate) TargetPath(fileName string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != model.PermissionGranted || g.handle == nil {
		return "", errors.PermissionDenied("save directory not granted")
	}
	return filepath.Join(g.handle.Path, fileName), nil
}
