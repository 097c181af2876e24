// Package secret provides the shared HMAC key used to sign and verify paths.
package secret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"camo-proxy-go/internal/config"
)

// ErrEmptyKey is returned when the configured key or key file is empty.
var ErrEmptyKey = errors.New("secret: empty key")

// KeySource holds the current shared key. A literal key never changes; a key
// read from a file is re-read whenever the file is written or replaced.
type KeySource struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	key []byte

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewKeySource builds a KeySource from config. camo.key takes precedence over
// camo.key_file.
func NewKeySource(cfg *config.Config, logger *slog.Logger) (*KeySource, error) {
	logger = logger.With("component", "key_source")
	if cfg.Camo.Key != "" {
		return Static([]byte(cfg.Camo.Key)), nil
	}
	return FromFile(cfg.Camo.KeyFile, logger)
}

// Static returns a KeySource that always yields key.
func Static(key []byte) *KeySource {
	return &KeySource{key: key}
}

// FromFile reads the key from path. Call Watch to follow later changes.
func FromFile(path string, logger *slog.Logger) (*KeySource, error) {
	ks := &KeySource{path: path, logger: logger}
	if err := ks.reload(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Key returns the current key. Callers must not modify the returned slice.
func (ks *KeySource) Key() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.key
}

// Watch starts following the key file. It is a no-op for static keys. The
// parent directory is watched so that a file replaced by rename is seen.
func (ks *KeySource) Watch() error {
	if ks.path == "" || ks.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("secret: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(ks.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("secret: watch %s: %w", filepath.Dir(ks.path), err)
	}

	ks.watcher = watcher
	ks.stopCh = make(chan struct{})
	ks.doneCh = make(chan struct{})
	go ks.watchLoop()

	ks.logger.Info("watching key file", "path", ks.path)
	return nil
}

// Close stops the watcher, if any.
func (ks *KeySource) Close() error {
	if ks.watcher == nil {
		return nil
	}
	close(ks.stopCh)
	err := ks.watcher.Close()
	<-ks.doneCh
	ks.watcher = nil
	return err
}

// Start begins watching the key file.
func (ks *KeySource) Start(context.Context) error { return ks.Watch() }

// Stop closes the watcher.
func (ks *KeySource) Stop(context.Context) error { return ks.Close() }

func (ks *KeySource) reload() error {
	data, err := os.ReadFile(ks.path)
	if err != nil {
		return fmt.Errorf("secret: read key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return fmt.Errorf("%w: %s", ErrEmptyKey, ks.path)
	}

	ks.mu.Lock()
	ks.key = []byte(key)
	ks.mu.Unlock()
	return nil
}

func (ks *KeySource) watchLoop() {
	defer close(ks.doneCh)

	name := filepath.Clean(ks.path)
	for {
		select {
		case event, ok := <-ks.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// A failed reload keeps the previous key; an empty file mid-write
			// is followed by another event once the write completes.
			if err := ks.reload(); err != nil {
				ks.logger.Warn("key file reload failed; keeping previous key", "err", err)
				continue
			}
			ks.logger.Info("key file reloaded", "op", event.Op.String())

		case err, ok := <-ks.watcher.Errors:
			if !ok {
				return
			}
			ks.logger.Error("key file watcher error", "err", err)

		case <-ks.stopCh:
			return
		}
	}
}
