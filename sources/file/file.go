// Package file streams metrics documents from a drop directory.
// Instrumented runs write their usersim.metrics.v1 documents into the
// directory; the watcher picks each file up and hands it to the daemon.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/usersim/usersim-go/sources"
)

// Config holds drop-directory source configuration.
type Config struct {
	SourceID string `json:"source_id" yaml:"source_id"`
	Dir      string `json:"dir" yaml:"dir"`
	Pattern  string `json:"pattern" yaml:"pattern"`
	Replay   bool   `json:"replay" yaml:"replay"`
	Remove   bool   `json:"remove" yaml:"remove"`
	Buffer   int    `json:"buffer" yaml:"buffer"`
}

// fileStamp identifies one observed state of a file, so a create event
// followed by a write for the same content emits a single document.
type fileStamp struct {
	mod  time.Time
	size int64
}

// Source watches a directory for metrics document files.
type Source struct {
	config  *Config
	log     *slog.Logger
	watcher *fsnotify.Watcher
	docChan chan *sources.TypedDoc
	seen    map[string]fileStamp
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// NewSource creates a drop-directory source.
func NewSource(config *Config) (*Source, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	if info, err := os.Stat(config.Dir); err != nil {
		return nil, fmt.Errorf("dir: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("dir %s is not a directory", config.Dir)
	}
	if config.Pattern == "" {
		config.Pattern = "*.json"
	}
	if config.Buffer <= 0 {
		config.Buffer = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		config: config,
		log:    slog.With("source_id", config.SourceID),
		seen:   make(map[string]fileStamp),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins watching the directory.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("source already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.config.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.config.Dir, err)
	}

	s.watcher = watcher
	s.running = true
	s.log.Info("file source started", "dir", s.config.Dir, "pattern", s.config.Pattern)
	return nil
}

// Subscribe returns the document channel and launches the watch loop.
func (s *Source) Subscribe(ctx context.Context) (<-chan *sources.TypedDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, fmt.Errorf("source not started")
	}
	if s.docChan != nil {
		return s.docChan, nil
	}

	s.docChan = make(chan *sources.TypedDoc, s.config.Buffer)
	go s.watchLoop(ctx)
	return s.docChan, nil
}

// Stop shuts down the watcher and closes the document channel.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			return fmt.Errorf("close watcher: %w", err)
		}
	}
	s.log.Info("file source stopped")
	return nil
}

// HealthCheck verifies the watched directory is still accessible.
func (s *Source) HealthCheck() error {
	if s.watcher == nil {
		return fmt.Errorf("watcher not initialized")
	}
	if _, err := os.Stat(s.config.Dir); err != nil {
		return fmt.Errorf("dir %s not accessible: %w", s.config.Dir, err)
	}
	return nil
}

// Metadata describes this source.
func (s *Source) Metadata() sources.Metadata {
	return sources.Metadata{
		SourceID:     s.config.SourceID,
		Type:         "file",
		Capabilities: []string{"streaming", "replay"},
		Config: map[string]string{
			"dir":     s.config.Dir,
			"pattern": s.config.Pattern,
		},
	}
}

func (s *Source) watchLoop(ctx context.Context) {
	defer close(s.docChan)

	if s.config.Replay {
		s.replayExisting()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.handleFile(event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watcher error", "err", err)
		}
	}
}

// replayExisting emits every matching file already present in the
// directory, oldest first.
func (s *Source) replayExisting() {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		s.log.Warn("replay scan failed", "err", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		s.handleFile(filepath.Join(s.config.Dir, entry.Name()))
	}
}

// handleFile reads one candidate file and emits it as a document. Files
// that do not match the pattern, are empty, or fail to decode are
// skipped; a partially written file is retried on its write event.
func (s *Source) handleFile(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	if matched, _ := filepath.Match(s.config.Pattern, name); !matched {
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return
	}
	stamp := fileStamp{mod: info.ModTime(), size: info.Size()}
	if prev, ok := s.seen[path]; ok && prev == stamp {
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("read failed", "file", name, "err", err)
		return
	}
	doc, err := sources.NewDoc(s.config.SourceID, raw, map[string]string{
		"file.path": path,
		"file.name": name,
	})
	if err != nil {
		s.log.Debug("skipping undecodable file", "file", name, "err", err)
		return
	}
	s.seen[path] = stamp

	select {
	case s.docChan <- doc:
		if s.config.Remove {
			if err := os.Remove(path); err != nil {
				s.log.Warn("remove failed", "file", name, "err", err)
			}
		}
	case <-s.ctx.Done():
	default:
		s.log.Warn("document channel full, dropping", "file", name)
	}
}

// Factory creates drop-directory sources from generic config.
type Factory struct{}

// Create builds a Source from the options map.
func (f *Factory) Create(cfg sources.Config) (sources.Source, error) {
	config := &Config{SourceID: cfg.SourceID}
	if v, ok := sources.StringOption(cfg.Options, "dir"); ok {
		config.Dir = v
	}
	if v, ok := sources.StringOption(cfg.Options, "pattern"); ok {
		config.Pattern = v
	}
	if v, ok := sources.BoolOption(cfg.Options, "replay"); ok {
		config.Replay = v
	}
	if v, ok := sources.BoolOption(cfg.Options, "remove"); ok {
		config.Remove = v
	}
	if v, ok := sources.IntOption(cfg.Options, "buffer"); ok {
		config.Buffer = v
	}
	return NewSource(config)
}

// Validate checks required options without side effects.
func (f *Factory) Validate(cfg sources.Config) error {
	if _, ok := sources.StringOption(cfg.Options, "dir"); !ok {
		return fmt.Errorf("dir is required for file source")
	}
	return nil
}

func init() {
	sources.Register("file", &Factory{})
}
