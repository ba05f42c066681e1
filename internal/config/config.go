package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the mysqlpoold daemon.
type Config struct {
	API       APIConfig                 `yaml:"api"`
	Defaults  PoolDefaults              `yaml:"defaults"`
	Health    HealthCheckConfig         `yaml:"health"`
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
}

// HealthCheckConfig controls the periodic liveness checker.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// APIConfig defines the bind address and port for the admin/stats HTTP
// server. There is no proxy listen port here: mysqlpoold dials out to
// MySQL servers, it does not accept inbound MySQL connections.
type APIConfig struct {
	Port    int    `yaml:"port"`
	Bind    string `yaml:"bind"`
	APIKey  string `yaml:"api_key"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// PoolDefaults defines default pool settings applied when an endpoint
// doesn't override them.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// EndpointConfig holds the connection configuration for a single named
// upstream MySQL server.
type EndpointConfig struct {
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	Socket         string         `yaml:"socket,omitempty"`
	DBName         string         `yaml:"dbname"`
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	PreferSocket   bool           `yaml:"prefer_socket,omitempty"`
	Compress       bool           `yaml:"compress,omitempty"`
	StmtCacheSize  int            `yaml:"stmt_cache_size,omitempty"`
	Init           []string       `yaml:"init,omitempty"`
	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
}

// EffectiveMinConnections returns the endpoint's min connections or the default.
func (e EndpointConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if e.MinConnections != nil {
		return *e.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the endpoint's max connections or the default.
func (e EndpointConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if e.MaxConnections != nil {
		return *e.MaxConnections
	}
	return defaults.MaxConnections
}

// EffectiveIdleTimeout returns the endpoint's idle timeout or the default.
func (e EndpointConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if e.IdleTimeout != nil {
		return *e.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveMaxLifetime returns the endpoint's max lifetime or the default.
func (e EndpointConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if e.MaxLifetime != nil {
		return *e.MaxLifetime
	}
	return defaults.MaxLifetime
}

// EffectiveAcquireTimeout returns the endpoint's acquire timeout or the default.
func (e EndpointConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if e.AcquireTimeout != nil {
		return *e.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// Redacted returns a copy of the EndpointConfig with the password masked.
func (e EndpointConfig) Redacted() EndpointConfig {
	c := e
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// TLSEnabled returns true if both TLS cert and key paths are configured
// for the admin API.
func (a APIConfig) TLSEnabled() bool {
	return a.TLSCert != "" && a.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.ConnectionTimeout == 0 {
		cfg.Health.ConnectionTimeout = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	for name, ep := range cfg.Endpoints {
		if ep.Host == "" && ep.Socket == "" {
			return fmt.Errorf("endpoint %q: host or socket is required", name)
		}
		if ep.Host != "" && ep.Port == 0 {
			return fmt.Errorf("endpoint %q: port is required", name)
		}
		if ep.DBName == "" {
			return fmt.Errorf("endpoint %q: dbname is required", name)
		}
		if ep.Username == "" {
			return fmt.Errorf("endpoint %q: username is required", name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads.
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
