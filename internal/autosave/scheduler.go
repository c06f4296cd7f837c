// SPDX-License-Identifier: AGPL-3.0-only
package autosave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/skigim/nightingale-autosave/internal/broadcast"
	"github.com/skigim/nightingale-autosave/internal/capability"
	"github.com/skigim/nightingale-autosave/internal/config"
	"github.com/skigim/nightingale-autosave/internal/kvstore"
	"github.com/skigim/nightingale-autosave/internal/logging"
	"github.com/skigim/nightingale-autosave/internal/model"
	"github.com/skigim/nightingale-autosave/internal/retry"
	"github.com/skigim/nightingale-autosave/internal/writequeue"
)

// autosaveService orchestrates the periodic timer, the change-notification
// debounce, the permission gate, the write queue, and the retry controller.
//
// One instance per application; constructed explicitly and passed to the
// consumer rather than held as module-level global state.
type autosaveService struct {
	mu        sync.Mutex
	stopMu    sync.Mutex
	cfg       config.AutosaveConfig
	fileName  string
	sessionID string

	cron      *cron.Cron
	saveEntry cron.EntryID
	pollEntry cron.EntryID
	debounce  *time.Timer

	gate     *capability.Gate
	queue    *writequeue.Queue
	retrier  *retry.Controller
	reporter *StatusReporter
	marker   *MarkerStore
	channel  *broadcast.Channel

	provider model.DataProvider
	errCb    model.ErrorCallback
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	running        bool
	paused         bool
	destroyed      bool
	lastSaveTime   time.Time
	lastChangeTime time.Time
}

// New creates the autosave service. The gate owns the directory capability;
// kv backs the last-save marker; channel (optional) carries the cross-context
// data_updated broadcast.
func New(cfg *config.Config, gate *capability.Gate, kv *kvstore.Store, channel *broadcast.Channel) Service {
	sessionID := uuid.NewString()
	s := &autosaveService{
		cfg:       cfg.Autosave,
		fileName:  cfg.Storage.FileName,
		sessionID: sessionID,
		cron: cron.New(
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		gate:     gate,
		queue:    writequeue.New(),
		reporter: NewStatusReporter(),
		marker:   NewMarkerStore(kv, sessionID),
		channel:  channel,
		logger:   logging.GetDefaultLogger(),
	}
	s.retrier = retry.New(
		retry.Policy{
			MaxRetries:   cfg.Autosave.MaxRetries,
			InitialDelay: cfg.Autosave.InitialRetryDelay.Duration(),
			Cooldown:     cfg.Autosave.RetryCooldown.Duration(),
		},
		func() { s.performAutosave(model.ReasonRetry) },
		s.onRetryEvent,
	)
	return s
}

// SessionID returns this service instance's session identity.
func (s *autosaveService) SessionID() string {
	return s.sessionID
}

// Start begins the periodic save and permission-poll timers. Idempotent:
// calling Start on a running service is a no-op.
func (s *autosaveService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.paused = false
	cctx, cancel := context.WithCancel(ctx)
	s.ctx = cctx
	s.cancel = cancel
	s.cron.Start()
	s.reconcileEntriesLocked()
	s.mu.Unlock()

	// Listen for context cancellation to stop the service
	go func() {
		<-cctx.Done()
		if err := s.Stop(); err != nil {
			s.logger.Errorf("error stopping autosave service: %v", err)
		}
	}()

	s.emit(model.StatusStarted, "autosave service started")
}

// Stop cancels every timer and halts saving. Idempotent: stopping a stopped
// service is a no-op. An in-flight write is allowed to finish, and when
// save-on-unload is enabled one final save runs before teardown so changes
// made since the last save are not lost on exit.
func (s *autosaveService) Stop() error {
	// Serialize overlapping Stop calls so a concurrent caller (the context
	// goroutine racing an explicit Stop) returns only after the final flush
	// has completed, not in the middle of it.
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.paused = false
	flush := s.cfg.SaveOnUnload && !s.destroyed
	if s.cancel != nil {
		s.cancel()
	}
	s.removeSaveEntryLocked()
	if s.pollEntry != 0 {
		s.cron.Remove(s.pollEntry)
		s.pollEntry = 0
	}
	s.stopDebounceLocked()
	s.mu.Unlock()

	s.cron.Stop()
	s.retrier.Stop()
	if flush {
		s.finalFlush()
	}
	s.emit(model.StatusStopped, "autosave service stopped")
	return nil
}

// finalFlush performs the save-on-unload write during Stop. Shutdown may begin
// with the service context already cancelled, so the write is awaited directly
// rather than through it. Throttling does not apply.
func (s *autosaveService) finalFlush() {
	s.mu.Lock()
	provider := s.provider
	fileName := s.fileName
	s.mu.Unlock()

	if provider == nil || s.gate.State() != model.PermissionGranted {
		return
	}
	payload := provider()
	if len(payload) == 0 {
		return
	}
	dest, err := s.gate.TargetPath(fileName)
	if err != nil {
		return
	}
	ticket := s.queue.Enqueue(model.SaveRequest{
		Payload:    prettyJSON(payload),
		Reason:     model.ReasonManual,
		EnqueuedAt: time.Now(),
	}, dest)
	if ok, werr := ticket.Wait(context.Background()); ok {
		s.finishSave(context.Background(), model.ReasonManual)
	} else if werr != nil {
		s.logger.Errorf("final save on shutdown failed: %v", werr)
	}
}

// Pause suspends the periodic and debounce timers while leaving
// change-detection wiring and the permission poll intact.
func (s *autosaveService) Pause() {
	s.mu.Lock()
	if !s.running || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.removeSaveEntryLocked()
	s.stopDebounceLocked()
	s.mu.Unlock()
	// A retry scheduled before the pause must not fire during it. The failure
	// count is kept; the next failed save reschedules.
	s.retrier.Stop()
	s.emit(model.StatusPaused, "autosave paused")
}

// Resume re-establishes the periodic timer after a Pause.
func (s *autosaveService) Resume() {
	s.mu.Lock()
	if !s.running || !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.reconcileEntriesLocked()
	s.mu.Unlock()
	s.emit(model.StatusResumed, "autosave resumed")
}

// NotifyDataChange records a data change and (re)starts the debounce timer so
// a burst of rapid edits coalesces into a single save. No-op when not running.
func (s *autosaveService) NotifyDataChange(changeType string) {
	s.mu.Lock()
	if !s.running || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.lastChangeTime = time.Now()
	if s.paused {
		s.mu.Unlock()
		return
	}
	delay := s.cfg.DebounceDelay.Duration()
	s.stopDebounceLocked()
	s.debounce = time.AfterFunc(delay, func() {
		s.performAutosave(model.ReasonChange)
	})
	s.mu.Unlock()
	s.logger.Debugf("data change (%s), save debounced %s", changeType, delay)
}

// NotifyVisibilityChange triggers an immediate save when the application view
// is hidden, if configured to do so.
func (s *autosaveService) NotifyVisibilityChange(hidden bool) {
	s.mu.Lock()
	want := hidden && s.cfg.SaveOnVisibilityChange && s.running
	s.mu.Unlock()
	if want {
		s.SaveNow(SaveNowOptions{SkipThrottle: true})
	}
}

// SaveNow triggers a manual save. Unless SkipThrottle or Force is set, a call
// within MinSaveInterval of the last successful save is a deliberate no-op
// (status no-changes). Returns whether a save attempt was actually made.
func (s *autosaveService) SaveNow(opts SaveNowOptions) bool {
	s.mu.Lock()
	if !s.running || s.destroyed {
		s.mu.Unlock()
		return false
	}
	if !opts.SkipThrottle && !opts.Force {
		min := s.cfg.MinSaveInterval.Duration()
		if !s.lastSaveTime.IsZero() && time.Since(s.lastSaveTime) < min {
			s.mu.Unlock()
			s.emit(model.StatusNoChanges, "save throttled, last save was recent")
			return false
		}
	}
	s.mu.Unlock()
	s.performAutosave(model.ReasonManual)
	return true
}

// Connect acquires a new directory handle via the user-driven picker and
// persists it. Returns false with no error when the user cancels.
func (s *autosaveService) Connect(ctx context.Context) (bool, error) {
	ok, err := s.gate.Connect(ctx)
	if err != nil {
		s.reportError(err)
		return false, err
	}
	if ok {
		s.emit(model.StatusResumed, "save directory connected")
	} else {
		s.emit(model.StatusWaiting, "directory connection declined")
	}
	return ok, nil
}

// State returns a point-in-time snapshot of the service.
func (s *autosaveService) State() model.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.ServiceState{
		IsRunning:           s.running,
		Paused:              s.paused,
		PermissionStatus:    s.gate.State(),
		LastSaveTime:        s.lastSaveTime,
		LastDataChangeTime:  s.lastChangeTime,
		ConsecutiveFailures: s.retrier.Failures(),
		PendingSave:         s.queue.IsWriting(),
	}
}

// UpdateConfig hot-swaps the autosave settings. A changed save interval
// restarts the periodic timer immediately so no stale cadence survives.
func (s *autosaveService) UpdateConfig(ov config.Overrides) {
	s.mu.Lock()
	intervalChanged := ov.Apply(&s.cfg)
	if s.running && !s.paused {
		if intervalChanged {
			s.removeSaveEntryLocked()
		}
		s.reconcileEntriesLocked()
	}
	policy := retry.Policy{
		MaxRetries:   s.cfg.MaxRetries,
		InitialDelay: s.cfg.InitialRetryDelay.Duration(),
		Cooldown:     s.cfg.RetryCooldown.Duration(),
	}
	s.mu.Unlock()
	s.retrier.SetPolicy(policy)
}

// SetDataProvider registers the snapshot provider.
func (s *autosaveService) SetDataProvider(provider model.DataProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = provider
}

// SetStatusCallback registers the status event consumer.
func (s *autosaveService) SetStatusCallback(cb model.StatusCallback) {
	s.reporter.SetCallback(cb)
}

// SetErrorCallback registers the error consumer.
func (s *autosaveService) SetErrorCallback(cb model.ErrorCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errCb = cb
}

// LastSaveInfo returns the most recent save marker, possibly written by
// another session.
func (s *autosaveService) LastSaveInfo(ctx context.Context) (*model.SaveMarker, error) {
	return s.marker.Read(ctx)
}

// Destroy stops the service, rejects further writes, and drops callbacks so
// nothing leaks across application reloads. The service cannot be restarted.
func (s *autosaveService) Destroy() {
	_ = s.Stop()
	s.queue.Close()
	s.reporter.SetCallback(nil)
	s.mu.Lock()
	s.destroyed = true
	s.provider = nil
	s.errCb = nil
	s.mu.Unlock()
}

// performAutosave is the core save algorithm. Every failure path surfaces as
// a status event; nothing is allowed to escape into a timer callback.
func (s *autosaveService) performAutosave(reason model.SaveReason) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("autosave panic recovered: %v", r)
		}
	}()

	s.mu.Lock()
	if !s.running || s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.paused && reason != model.ReasonManual {
		// A timer that fired just before Pause must not slip a save through.
		s.mu.Unlock()
		return
	}
	provider := s.provider
	fileName := s.fileName
	ctx := s.ctx
	s.mu.Unlock()

	if provider == nil {
		return
	}

	// A missing permission is a precondition not met, not a failure: wait,
	// and never consume a retry attempt.
	if st := s.gate.State(); st != model.PermissionGranted {
		s.emit(model.StatusWaiting, fmt.Sprintf("waiting for directory permission (%s)", st))
		return
	}

	payload := provider()
	if len(payload) == 0 {
		// Retrying will not produce data; report immediately without
		// touching the retry controller.
		s.reportError(fmt.Errorf("data provider returned no data"))
		s.emit(model.StatusError, "no data available to save")
		return
	}
	payload = prettyJSON(payload)

	dest, err := s.gate.TargetPath(fileName)
	if err != nil {
		s.emit(model.StatusWaiting, "waiting for directory permission")
		return
	}

	s.emit(model.StatusSaving, fmt.Sprintf("saving (%s)", reason))
	ticket := s.queue.Enqueue(model.SaveRequest{
		Payload:    payload,
		Reason:     reason,
		EnqueuedAt: time.Now(),
	}, dest)

	ok, werr := ticket.Wait(ctx)
	if ok {
		s.finishSave(ctx, reason)
		return
	}
	if werr != nil && ctx.Err() != nil {
		// Shutdown raced the write; do not schedule retries on a dead service.
		return
	}
	msg := "write failed"
	if werr != nil {
		msg = werr.Error()
		s.reportError(werr)
	}
	s.retrier.HandleFailure(msg)
}

func (s *autosaveService) finishSave(ctx context.Context, reason model.SaveReason) {
	now := time.Now()
	s.mu.Lock()
	s.lastSaveTime = now
	s.mu.Unlock()
	s.retrier.Reset()

	if err := s.marker.Write(ctx, now); err != nil {
		s.logger.Warnf("failed to record save marker: %v", err)
	}
	if s.channel != nil {
		err := s.channel.Publish(model.Message{
			Type:      model.MessageDataUpdated,
			Source:    s.sessionID,
			Action:    reason.String(),
			Timestamp: now,
			Metadata:  map[string]string{"file": s.fileName},
		})
		if err != nil {
			s.logger.Warnf("broadcast publish failed: %v", err)
		}
	}
	s.emit(model.StatusSaved, "data saved")
}

// pollPermission runs on the low-frequency poll timer and detects grants
// revoked or restored out-of-band.
func (s *autosaveService) pollPermission() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	prev := s.gate.State()
	cur := s.gate.CheckPermission(ctx)
	if cur == prev {
		return
	}
	s.logger.Infof("directory permission changed: %s -> %s", prev, cur)
	if cur == model.PermissionGranted {
		s.emit(model.StatusResumed, "directory permission restored")
		return
	}
	s.emit(model.StatusWaiting, fmt.Sprintf("directory permission %s", cur))
}

func (s *autosaveService) onRetryEvent(ev retry.Event) {
	s.mu.Lock()
	max := s.cfg.MaxRetries
	s.mu.Unlock()
	if ev.Terminal {
		s.emit(model.StatusError, fmt.Sprintf("save failed after %d attempts: %s", ev.Attempt, ev.Reason))
		return
	}
	s.emit(model.StatusRetryScheduled, fmt.Sprintf("retry %d/%d in %s", ev.Attempt, max, ev.Delay))
}

// emit assembles a status event from current state and forwards it.
func (s *autosaveService) emit(code model.StatusCode, message string) {
	s.mu.Lock()
	ev := model.StatusEvent{
		Status:              code,
		Message:             message,
		Timestamp:           time.Now(),
		PermissionStatus:    s.gate.State(),
		LastSaveTime:        s.lastSaveTime,
		ConsecutiveFailures: s.retrier.Failures(),
	}
	s.mu.Unlock()
	s.reporter.Emit(ev)
}

func (s *autosaveService) reportError(err error) {
	s.mu.Lock()
	cb := s.errCb
	s.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warnf("error callback panicked: %v", r)
		}
	}()
	cb(err)
}

// reconcileEntriesLocked ensures the cron entries match the current state:
// the periodic save entry only while enabled and not paused, the permission
// poll entry whenever running.
func (s *autosaveService) reconcileEntriesLocked() {
	if s.cfg.Enabled && s.saveEntry == 0 {
		id, err := s.cron.AddFunc(every(s.cfg.SaveInterval.Duration()), func() {
			s.performAutosave(model.ReasonInterval)
		})
		if err != nil {
			s.logger.Errorf("failed to schedule periodic save: %v", err)
		} else {
			s.saveEntry = id
		}
	}
	if !s.cfg.Enabled {
		s.removeSaveEntryLocked()
	}
	if s.pollEntry == 0 {
		id, err := s.cron.AddFunc(every(s.cfg.PermissionPollInterval.Duration()), s.pollPermission)
		if err != nil {
			s.logger.Errorf("failed to schedule permission poll: %v", err)
		} else {
			s.pollEntry = id
		}
	}
}

func (s *autosaveService) removeSaveEntryLocked() {
	if s.saveEntry != 0 {
		s.cron.Remove(s.saveEntry)
		s.saveEntry = 0
	}
}

func (s *autosaveService) stopDebounceLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// prettyJSON indents a compact JSON payload for the on-disk document. A
// payload that is not valid JSON is written verbatim.
func prettyJSON(payload []byte) []byte {
	if !json.Valid(payload) {
		return payload
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return payload
	}
	return buf.Bytes()
}
