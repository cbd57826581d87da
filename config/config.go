// Package config loads the gateway configuration file and keeps it live:
// edits on disk are picked up, debounced, validated and pushed to
// registered callbacks.
package config

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/aj-archipelago/cortex-sub000/llm"
)

// BackendConfig is the on-disk shape of one backend entry.
type BackendConfig struct {
	Type     string            `mapstructure:"type"`
	Endpoint string            `mapstructure:"endpoint"`
	Method   string            `mapstructure:"method"`
	Headers  map[string]string `mapstructure:"headers"`
	Model    string            `mapstructure:"model"`

	MaxTokens       int     `mapstructure:"max_tokens"`
	MaxReturnTokens int     `mapstructure:"max_return_tokens"`
	PromptRatio     float64 `mapstructure:"prompt_ratio"`

	MaxImageBytes int64    `mapstructure:"max_image_bytes"`
	AllowedMIMEs  []string `mapstructure:"allowed_mimes"`
}

// Descriptor converts the entry to the construction input adapters take.
func (b BackendConfig) Descriptor() llm.BackendDescriptor {
	return llm.BackendDescriptor{
		Type:            b.Type,
		Endpoint:        b.Endpoint,
		Method:          b.Method,
		Headers:         b.Headers,
		Model:           b.Model,
		MaxTokens:       b.MaxTokens,
		MaxReturnTokens: b.MaxReturnTokens,
		PromptRatio:     b.PromptRatio,
		MaxImageBytes:   b.MaxImageBytes,
		AllowedMIMEs:    b.AllowedMIMEs,
	}
}

// PathwayConfig is the on-disk shape of one pathway entry.
type PathwayConfig struct {
	Backend     string         `mapstructure:"backend"`
	Prompt      string         `mapstructure:"prompt"`
	Temperature *float64       `mapstructure:"temperature"`
	EnableCache bool           `mapstructure:"enable_cache"`
	Model       string         `mapstructure:"model"`
	Params      map[string]any `mapstructure:"params"`
}

func (p PathwayConfig) Pathway(name string) llm.Pathway {
	return llm.Pathway{
		Name:        name,
		Prompt:      p.Prompt,
		Temperature: p.Temperature,
		EnableCache: p.EnableCache,
		Model:       p.Model,
		Params:      p.Params,
	}
}

// GatewayConfig is the complete configuration document.
type GatewayConfig struct {
	Default  string                   `mapstructure:"default"`
	Backends map[string]BackendConfig `mapstructure:"backends"`
	Pathways map[string]PathwayConfig `mapstructure:"pathways"`
}

// Validate checks referential integrity before any backend is constructed.
func (c GatewayConfig) Validate() error {
	if len(c.Backends) == 0 {
		return llm.NewConfigError("no backends configured")
	}
	for name, b := range c.Backends {
		if b.Type == "" {
			return llm.NewConfigError("backend %q has no type", name)
		}
		if b.Endpoint == "" {
			return llm.NewConfigError("backend %q has no endpoint", name)
		}
	}
	if c.Default != "" {
		if _, ok := c.Backends[c.Default]; !ok {
			return llm.NewConfigError("default backend %q is not configured", c.Default)
		}
	}
	for name, p := range c.Pathways {
		if p.Backend == "" {
			continue
		}
		if _, ok := c.Backends[p.Backend]; !ok {
			return llm.NewConfigError("pathway %q references unknown backend %q", name, p.Backend)
		}
	}
	return nil
}

// Store holds the live configuration. Get is concurrency safe; callbacks
// registered with OnChange fire after a debounced, validated reload.
type Store struct {
	v        *viper.Viper
	mu       sync.RWMutex
	value    GatewayConfig
	watchers []func(old, new GatewayConfig)
}

type Option func(*Store)

func WithDefaults(defaults map[string]any) Option {
	return func(s *Store) {
		for k, v := range defaults {
			s.v.SetDefault(k, v)
		}
	}
}

// WithEnv binds CORTEX_-style environment overrides.
func WithEnv(prefix string) Option {
	return func(s *Store) {
		s.v.SetEnvPrefix(prefix)
		s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		s.v.AutomaticEnv()
	}
}

const debounceInterval = 100 * time.Millisecond

// Load reads the configuration file, validates it, and starts watching it
// for changes.
func Load(path string, opts ...Option) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)

	s := &Store{v: v}
	for _, opt := range opts {
		opt(s)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.value = cfg

	s.watch()
	return s, nil
}

func (s *Store) Get() GatewayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Backend looks up a backend entry, falling back to the default when name
// is empty.
func (s *Store) Backend(name string) (BackendConfig, error) {
	cfg := s.Get()
	if name == "" {
		name = cfg.Default
	}
	b, ok := cfg.Backends[name]
	if !ok {
		return BackendConfig{}, llm.NewConfigError("backend %q is not configured", name)
	}
	return b, nil
}

// Pathway looks up a pathway entry by name.
func (s *Store) Pathway(name string) (llm.Pathway, error) {
	cfg := s.Get()
	p, ok := cfg.Pathways[name]
	if !ok {
		return llm.Pathway{}, llm.NewConfigError("pathway %q is not configured", name)
	}
	return p.Pathway(name), nil
}

// OnChange registers a callback invoked with the previous and reloaded
// configuration. Reloads that fail to parse or validate keep the previous
// value and fire nothing.
func (s *Store) OnChange(callback func(old, new GatewayConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, callback)
}

func (s *Store) watch() {
	var (
		debounceTimer *time.Timer
		debounceMu    sync.Mutex
	)

	s.v.OnConfigChange(func(_ fsnotify.Event) {
		debounceMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(debounceInterval, s.handleChange)
		debounceMu.Unlock()
	})
	s.v.WatchConfig()
}

func (s *Store) handleChange() {
	old := s.Get()

	next, watchers, ok := s.reload()
	if !ok {
		return
	}
	if reflect.DeepEqual(old, next) {
		return
	}
	for _, cb := range watchers {
		func() {
			defer func() { _ = recover() }()
			cb(old, next)
		}()
	}
}

func (s *Store) reload() (GatewayConfig, []func(old, new GatewayConfig), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.ReadInConfig(); err != nil {
		return GatewayConfig{}, nil, false
	}
	var cfg GatewayConfig
	if err := s.v.Unmarshal(&cfg); err != nil {
		return GatewayConfig{}, nil, false
	}
	if err := cfg.Validate(); err != nil {
		return GatewayConfig{}, nil, false
	}
	s.value = cfg

	watchers := make([]func(old, new GatewayConfig), len(s.watchers))
	copy(watchers, s.watchers)
	return cfg, watchers, true
}
