package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-gateway/pkg/domain"
)

const defaultDebounce = 100 * time.Millisecond

// FileDefinitionsProvider serves the definitions file and publishes a new
// snapshot every time the file changes. Invalid edits are logged and the last
// good snapshot stays current.
type FileDefinitionsProvider struct {
	path        string
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.RWMutex
	snapshot    domain.Snapshot
	subscribers []chan domain.Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// ProviderOption customises a FileDefinitionsProvider.
type ProviderOption func(*FileDefinitionsProvider)

// WithDebounce sets how long the provider waits for writes to settle.
func WithDebounce(d time.Duration) ProviderOption {
	return func(p *FileDefinitionsProvider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// WithProviderLogger sets the logger used for reload events.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *FileDefinitionsProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewFileDefinitionsProvider loads the file and starts watching it. A missing
// file yields an empty snapshot until it is created; an invalid one is an error.
func NewFileDefinitionsProvider(path string, opts ...ProviderOption) (*FileDefinitionsProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileDefinitionsProvider{
		path:     absPath,
		logger:   slog.Default(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		p.logger.Warn("definitions file not found, starting empty", "path", absPath)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// The directory is watched so that editors replacing the file are seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Path returns the absolute path of the watched file.
func (p *FileDefinitionsProvider) Path() string {
	return p.path
}

// CurrentSnapshot returns the last good snapshot.
func (p *FileDefinitionsProvider) CurrentSnapshot() domain.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives the current snapshot immediately
// and every reloaded one afterwards. A slow subscriber only sees the latest.
func (p *FileDefinitionsProvider) Subscribe() <-chan domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Close stops the watcher.
func (p *FileDefinitionsProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileDefinitionsProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.load(); err != nil {
					p.logger.Error("definitions reload failed", "path", p.path, "error", err)
					return
				}
				p.logger.Info("definitions reloaded", "path", p.path, "generation", p.CurrentSnapshot().Generation)
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("definitions watcher error", "error", err)
		}
	}
}

func (p *FileDefinitionsProvider) load() error {
	snapshot, err := LoadDefinitions(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.snapshot = snapshot
	subscribers := make([]chan domain.Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
	return nil
}
