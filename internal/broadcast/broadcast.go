// SPDX-License-Identifier: AGPL-3.0-only

// Package broadcast publishes cross-context notifications on a well-known
// named channel so other open views of the application can refresh after a
// save. The channel is a single JSON file replaced atomically on publish;
// subscribers watch it with a debounced filesystem watcher.
package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/skigim/nightingale-autosave/internal/model"
)

// Channel is one named broadcast channel bound to a source identity.
type Channel struct {
	path    string
	source  string
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewChannel creates a channel at path. source identifies this session so
// subscribers can ignore their own messages.
func NewChannel(path, source string) (*Channel, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Channel{path: abs, source: source}, nil
}

// Publish replaces the channel file with msg. The message is stamped with the
// channel's source and the current time when those fields are unset.
func (c *Channel) Publish(msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Source == "" {
		msg.Source = c.source
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("mkdir channel dir: %w", err)
	}

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp channel file: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(msg); err != nil {
		f.Close()
		return fmt.Errorf("encode message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp channel file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp channel file: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// read returns the current message on the channel, or nil when none exists.
func (c *Channel) read() (*model.Message, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var msg model.Message
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Subscribe watches the channel and delivers messages published by other
// sources. The returned channel is closed when ctx is done or on a fatal
// watcher error.
func (c *Channel) Subscribe(ctx context.Context) (<-chan model.Message, error) {
	dir := filepath.Dir(c.path)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir channel dir: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	c.mu.Lock()
	if c.watcher != nil {
		c.mu.Unlock()
		_ = w.Close()
		return nil, errors.New("channel already has an active subscription")
	}
	c.watcher = w
	c.mu.Unlock()
	if err := w.Add(dir); err != nil {
		c.clearWatcher(w)
		_ = w.Close()
		return nil, fmt.Errorf("watch channel dir: %w", err)
	}

	ch := make(chan model.Message)

	go func() {
		defer close(ch)
		defer w.Close()
		defer c.clearWatcher(w)

		// Debounce events for the channel file so the temp-write plus rename
		// of a single publish delivers one message, not two.
		const debounce = 100 * time.Millisecond
		var timer *time.Timer
		var timerC <-chan time.Time
		var pending bool

		stopTimer := func() {
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer = nil
				timerC = nil
			}
		}

		startTimer := func() {
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		}

		for {
			select {
			case <-ctx.Done():
				stopTimer()
				return
			case evt, ok := <-w.Events:
				if !ok {
					stopTimer()
					return
				}
				if filepath.Clean(evt.Name) != c.path {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = true
					startTimer()
				}
			case <-timerC:
				if pending {
					pending = false
					msg, err := c.read()
					if err == nil && msg != nil && msg.Source != c.source {
						select {
						case ch <- *msg:
						case <-ctx.Done():
							stopTimer()
							return
						}
					}
				}
				stopTimer()
			case _, ok := <-w.Errors:
				if !ok {
					stopTimer()
					return
				}
				// ignore error
			}
		}
	}()

	return ch, nil
}

// clearWatcher releases the subscription slot when w is still the active
// watcher, letting a later Subscribe succeed.
func (c *Channel) clearWatcher(w *fsnotify.Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == w {
		c.watcher = nil
	}
}

// Close releases the active watcher, if one was started.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
