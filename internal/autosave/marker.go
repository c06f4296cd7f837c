// SPDX-License-Identifier: AGPL-3.0-only
package autosave

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skigim/nightingale-autosave/internal/kvstore"
	"github.com/skigim/nightingale-autosave/internal/model"
)

// markerSlot holds the last-save record other sessions read to detect the
// most recent save without opening the data file.
const markerSlot = "last-save"

// MarkerStore persists the per-save timestamp record.
type MarkerStore struct {
	kv        *kvstore.Store
	sessionID string
}

// NewMarkerStore creates a marker store bound to this session's identity.
func NewMarkerStore(kv *kvstore.Store, sessionID string) *MarkerStore {
	return &MarkerStore{kv: kv, sessionID: sessionID}
}

// Write records a successful save at t.
func (m *MarkerStore) Write(ctx context.Context, t time.Time) error {
	if m.kv == nil {
		return nil
	}
	raw, err := json.Marshal(model.SaveMarker{Timestamp: t, SessionID: m.sessionID})
	if err != nil {
		return err
	}
	return m.kv.Put(ctx, markerSlot, raw)
}

// Read returns the most recent save marker, or nil when none was recorded.
func (m *MarkerStore) Read(ctx context.Context) (*model.SaveMarker, error) {
	if m.kv == nil {
		return nil, nil
	}
	raw, err := m.kv.Get(ctx, markerSlot)
	if err != nil || raw == nil {
		return nil, err
	}
	var marker model.SaveMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}
