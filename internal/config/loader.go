package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(old, new *Config)
	debounce time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
	wg       sync.WaitGroup
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Load reads, overrides and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback invoked after a successful reload. It must
// be called before Watch.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.onChange = append(l.onChange, cb)
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Editors replace files; watch the directory, not the file
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher

	l.wg.Add(1)
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer l.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.reportError(err)
		}
	}
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		l.reportError(fmt.Errorf("reload config: %w", err))
		return
	}
	newCfg.ApplyEnvOverrides()
	if err := newCfg.Validate(); err != nil {
		l.reportError(fmt.Errorf("validate new config: %w", err))
		return
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	l.mu.Unlock()

	for _, cb := range l.onChange {
		cb(oldCfg, newCfg)
	}
}

func (l *Loader) reportError(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}
	l.wg.Wait()
	return err
}

// loadConfigFromFile reads and parses a config file based on its extension.
// A missing file yields the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
// Each attempt decodes into a fresh default so a failed attempt leaves no
// partial values behind.
func autoDetectAndParse(data []byte, cfg *Config) error {
	attempts := []func(*Config) error{
		func(c *Config) error { _, err := toml.Decode(string(data), c); return err },
		func(c *Config) error { return json.Unmarshal(data, c) },
		func(c *Config) error { return yaml.Unmarshal(data, c) },
	}
	for _, attempt := range attempts {
		candidate := DefaultConfig()
		if err := attempt(candidate); err == nil {
			copyInto(cfg, candidate)
			return nil
		}
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

func copyInto(dst, src *Config) {
	dst.Version = src.Version
	dst.Receiver = src.Receiver
	dst.Session = src.Session
	dst.Storage = src.Storage
	dst.Logging = src.Logging
	dst.Metrics = src.Metrics
}

// SaveConfig writes cfg to path in the format implied by its extension,
// defaulting to TOML.
func SaveConfig(cfg *Config, path string) error {
	snapshot := cfg.Clone()

	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(snapshot, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(snapshot)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(snapshot)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// LoadOrCreate loads the configuration from the specified path,
// creating a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
