package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trafegodns/trafegodns/internal/bus"
)

// settingsFile is the name of the persisted overrides file under the
// configuration directory.
const settingsFile = "settings.json"

// Store resolves setting values with precedence persisted > environment >
// default and persists runtime overrides. Reads are lock-free via an
// atomically swapped snapshot; writes serialize on a mutex.
type Store struct {
	defs   map[string]Definition
	order  []string
	path   string
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	persisted map[string]string
	snapshot  atomic.Value // map[string]string
}

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBus attaches an event bus; Set then publishes SETTINGS_CHANGED.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) {
		s.bus = b
	}
}

// New loads the settings store. configDir may be empty, in which case the
// CONFIG_DIR environment variable (or its default) locates the overrides
// file. A missing overrides file is not an error.
func New(configDir string, opts ...Option) (*Store, error) {
	s := &Store{
		defs:      make(map[string]Definition),
		persisted: make(map[string]string),
		logger:    slog.Default(),
	}
	for _, def := range Definitions() {
		s.defs[def.Key] = def
		s.order = append(s.order, def.Key)
	}
	for _, opt := range opts {
		opt(s)
	}

	if configDir == "" {
		configDir = s.resolve("CONFIG_DIR")
	}
	s.path = filepath.Join(configDir, settingsFile)

	if err := s.loadPersisted(); err != nil {
		return nil, fmt.Errorf("loading persisted settings: %w", err)
	}
	s.rebuild()
	return s, nil
}

func (s *Store) loadPersisted() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var persisted map[string]string
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}
	for key, value := range persisted {
		def, ok := s.defs[key]
		if !ok {
			s.logger.Warn("ignoring persisted setting with unknown key",
				slog.String("key", key))
			continue
		}
		if err := validate(def, value); err != nil {
			s.logger.Warn("ignoring invalid persisted setting",
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}
		s.persisted[key] = value
	}
	return nil
}

// resolve computes the effective value for one key without the snapshot.
func (s *Store) resolve(key string) string {
	def := s.defs[key]
	if v, ok := s.persisted[key]; ok {
		return v
	}
	if v, ok := envValue(key); ok {
		return v
	}
	return def.Default
}

func (s *Store) rebuild() {
	snap := make(map[string]string, len(s.defs))
	for key := range s.defs {
		snap[key] = s.resolve(key)
	}
	s.snapshot.Store(snap)
}

func (s *Store) current() map[string]string {
	return s.snapshot.Load().(map[string]string)
}

func validate(def Definition, value string) error {
	if err := parseKind(def, value); err != nil {
		return err
	}
	if def.Validate != nil {
		if err := def.Validate(value); err != nil {
			return fmt.Errorf("%s: %w", def.Key, err)
		}
	}
	return nil
}

// Get returns the effective string value for key. Unknown keys return "".
func (s *Store) Get(key string) string {
	return s.current()[key]
}

// GetInt returns the effective integer value, falling back to the compiled
// default when the stored value does not parse.
func (s *Store) GetInt(key string) int {
	v := s.Get(key)
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		if _, err := fmt.Sscanf(s.defs[key].Default, "%d", &n); err != nil {
			return 0
		}
	}
	return n
}

// GetBool returns the effective boolean value.
func (s *Store) GetBool(key string) bool {
	return parseBool(s.Get(key), parseBool(s.defs[key].Default, false))
}

// GetDuration returns the effective duration value. Bare integers are
// seconds.
func (s *Store) GetDuration(key string) time.Duration {
	if d, err := parseDuration(s.Get(key)); err == nil {
		return d
	}
	d, _ := parseDuration(s.defs[key].Default)
	return d
}

// GetList returns the effective comma-separated list value.
func (s *Store) GetList(key string) []string {
	return splitList(s.Get(key))
}

// Set validates, persists and applies a runtime override, then publishes
// SETTINGS_CHANGED. Settings flagged RestartRequired are persisted but take
// effect on the next start.
func (s *Store) Set(key, value string) error {
	def, ok := s.defs[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := validate(def, value); err != nil {
		return err
	}

	s.mu.Lock()
	s.persisted[key] = value
	err := s.savePersisted()
	if err != nil {
		delete(s.persisted, key)
		s.mu.Unlock()
		return fmt.Errorf("persisting setting %s: %w", key, err)
	}
	s.rebuild()
	s.mu.Unlock()

	s.logger.Info("setting changed",
		slog.String("key", key),
		slog.Bool("restart_required", def.RestartRequired),
	)
	if s.bus != nil {
		s.bus.Publish(bus.TopicSettingsChanged, bus.SettingsChanged{
			Key:             key,
			Value:           value,
			RestartRequired: def.RestartRequired,
		})
	}
	return nil
}

// Unset removes a persisted override so the environment or default shows
// through again.
func (s *Store) Unset(key string) error {
	def, ok := s.defs[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}

	s.mu.Lock()
	prev, had := s.persisted[key]
	if !had {
		s.mu.Unlock()
		return nil
	}
	delete(s.persisted, key)
	if err := s.savePersisted(); err != nil {
		s.persisted[key] = prev
		s.mu.Unlock()
		return fmt.Errorf("persisting settings: %w", err)
	}
	s.rebuild()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicSettingsChanged, bus.SettingsChanged{
			Key:             key,
			Value:           s.Get(key),
			RestartRequired: def.RestartRequired,
		})
	}
	return nil
}

// savePersisted writes the overrides file atomically (temp file + rename).
// Caller holds s.mu.
func (s *Store) savePersisted() error {
	data, err := json.MarshalIndent(s.persisted, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// All returns every setting's effective value, masking sensitive ones.
// Intended for startup logging and the health endpoint.
func (s *Store) All() map[string]string {
	snap := s.current()
	out := make(map[string]string, len(snap))
	for key, value := range snap {
		if s.defs[key].Sensitive && value != "" {
			value = "********"
		}
		out[key] = value
	}
	return out
}

// Keys returns all setting keys in definition order.
func (s *Store) Keys() []string {
	return append([]string(nil), s.order...)
}

// LogLevel maps the LOG_LEVEL setting to a slog.Level.
func (s *Store) LogLevel() slog.Level {
	switch s.Get("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
