// SPDX-License-Identifier: AGPL-3.0-only
package autosave

import (
	"sync"

	"github.com/skigim/nightingale-autosave/internal/logging"
	"github.com/skigim/nightingale-autosave/internal/model"
)

// StatusReporter forwards status events to the single registered callback.
// It never lets a failing callback destabilize the scheduler loop: panics
// from the consumer are caught and swallowed.
type StatusReporter struct {
	mu     sync.Mutex
	cb     model.StatusCallback
	logger *logging.Logger
}

// NewStatusReporter creates a reporter with no callback registered.
func NewStatusReporter() *StatusReporter {
	return &StatusReporter{logger: logging.GetDefaultLogger()}
}

// SetCallback registers the consumer callback. A nil callback silences the
// reporter.
func (r *StatusReporter) SetCallback(cb model.StatusCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb = cb
}

// Emit delivers one event. Events are read-only records; they are never
// mutated after emission.
func (r *StatusReporter) Emit(ev model.StatusEvent) {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warnf("status callback panicked: %v", rec)
		}
	}()
	cb(ev)
}
