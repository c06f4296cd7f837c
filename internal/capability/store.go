// SPDX-License-Identifier: AGPL-3.0-only
package capability

import (
	"context"
	"encoding/json"

	"github.com/skigim/nightingale-autosave/internal/kvstore"
	"github.com/skigim/nightingale-autosave/internal/logging"
)

// handleSlot is the fixed slot name holding the persisted directory handle.
const handleSlot = "directory-handle"

// Store persists the directory handle across sessions.
//
// Get never propagates storage problems to callers: a missing, unreadable, or
// corrupt slot resolves to nil, and corruption self-heals by clearing the slot
// so the next session starts clean.
type Store struct {
	kv     *kvstore.Store
	logger *logging.Logger
}

// NewStore creates a capability store over the given slot store.
func NewStore(kv *kvstore.Store) *Store {
	return &Store{kv: kv, logger: logging.GetDefaultLogger()}
}

// Get returns the stored handle, or nil when none is stored or the slot is
// unusable.
func (s *Store) Get(ctx context.Context) *Handle {
	if s.kv == nil {
		return nil
	}
	raw, err := s.kv.Get(ctx, handleSlot)
	if err != nil {
		s.logger.Warnf("capability store read failed: %v", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var h Handle
	if err := json.Unmarshal(raw, &h); err != nil || h.Path == "" {
		// Corrupt slot: clear it rather than surfacing the error.
		s.logger.Warnf("capability store slot corrupt, clearing")
		_ = s.kv.Delete(ctx, handleSlot)
		return nil
	}
	return &h
}

// Put stores the handle in the fixed slot.
func (s *Store) Put(ctx context.Context, h *Handle) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, handleSlot, raw)
}

// Clear removes any stored handle.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, handleSlot)
}
