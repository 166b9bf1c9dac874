package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file, keeps the active config, and optionally
// watches the file for hot-reload.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader holding the default config.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load parses the file at path on top of the defaults and makes it active.
// The previous config is kept if parsing or validation fails.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the last loaded file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return errors.New("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the active config. Callers must treat it as read-only.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, or "" when running on defaults.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Scoring.CriticalThreshold <= 0 {
		errs = append(errs, errors.New("scoring.critical_threshold must be positive"))
	}
	if c.Scoring.WarningThreshold > c.Scoring.CriticalThreshold {
		errs = append(errs, fmt.Errorf("scoring.warning_threshold %d exceeds critical_threshold %d",
			c.Scoring.WarningThreshold, c.Scoring.CriticalThreshold))
	}
	if c.Registry.EventLogSize <= 0 {
		errs = append(errs, errors.New("registry.event_log_size must be positive"))
	}
	if c.Registry.CommunicationBufferSize <= 0 {
		errs = append(errs, errors.New("registry.communication_buffer_size must be positive"))
	}
	if c.Broadcast.QueueSize <= 0 {
		errs = append(errs, errors.New("broadcast.queue_size must be positive"))
	}
	for i, r := range c.Scoring.Rules {
		if r.ID == "" || r.Condition == "" {
			errs = append(errs, fmt.Errorf("scoring.rules[%d]: id and condition are required", i))
		}
	}
	return errors.Join(errs...)
}

// Watch reloads the config whenever the loaded file changes and hands the
// new config to onChange. Parse failures are logged and the old config stays.
func (l *Loader) Watch(logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config.Loader")

	path := l.FilePath()
	if path == "" {
		return errors.New("no config file loaded")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory to catch editors that rename-and-replace.
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone, absPath, logger, onChange)

	logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}, target string, logger *slog.Logger, onChange func(*Config)) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			abs, _ := filepath.Abs(event.Name)
			if abs != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			logger.Info("config reloaded", "path", target)
			if onChange != nil {
				onChange(l.Get())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the file watcher, if running.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher == nil {
		return
	}
	_ = l.watcher.Close()
	<-l.watchDone
	l.watcher = nil
	l.watchDone = nil
}

// GenerateDefault writes the default config as YAML to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	header := []byte("# Inktrace configuration. Durations use Go syntax (3s, 1m).\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
