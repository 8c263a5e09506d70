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

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	warnings ValidationErrors
	mu       sync.RWMutex
	reloadMu sync.Mutex // serializes reloads and their callbacks
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, overrides from the environment, and validates the
// configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, warnings, err := l.read()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = cfg
	l.warnings = warnings
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, ValidationErrors, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, nil, err
	}

	findings := Check(cfg)
	if findings.HasErrors() {
		return nil, nil, fmt.Errorf("validation failed: %w", findings.Errors())
	}
	return cfg, findings.Warnings(), nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Warnings returns the non-fatal findings from the last successful load.
func (l *Loader) Warnings() ValidationErrors {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.warnings
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are seen.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop(watcher)

	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
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

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, l.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// reload swaps in the new configuration only if it validates; on failure
// the previous configuration stays active. Debounce timers fire on their
// own goroutines, so reloads take reloadMu and callbacks never overlap.
func (l *Loader) reload() {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	if l.ctx.Err() != nil {
		return
	}

	newCfg, warnings, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.config = newCfg
	l.warnings = warnings
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(newCfg)
	}
}

// Reload re-reads the file immediately, as a watch event would.
func (l *Loader) Reload() {
	l.reload()
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// OnChange registers a callback to be invoked when the configuration changes.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()

	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

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
		if cfg, err = autoDetectAndParse(data); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse tries TOML, JSON, then YAML. Each attempt starts from
// fresh defaults so a partial decode cannot leak into the next.
func autoDetectAndParse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return cfg, nil
	}

	cfg = DefaultConfig()
	if err := json.Unmarshal(data, cfg); err == nil {
		return cfg, nil
	}

	cfg = DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return cfg, nil
	}

	return nil, fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadFromEnv creates a configuration from defaults and environment
// variables only.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate loads the configuration from path, writing the defaults
// there first if the file does not exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// SaveConfig writes cfg to path in the format implied by its extension,
// TOML by default. The file is written atomically.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = cfg.Encode(&buf)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
