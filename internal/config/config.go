package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConnectTimeout bounds the handshake when config.toml does not.
const DefaultConnectTimeout = 10 * time.Second

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	// Endpoint URL (unix://, tcp://, tls://, ws://, wss://, http(s)://).
	Endpoint string `toml:"endpoint,omitempty"`
	// Sent as {"authToken": ...} in the Connect frame.
	AuthToken string `toml:"auth_token,omitempty"`
	// YAML service description used to resolve operation names.
	ServiceFile string `toml:"service_file,omitempty"`
	// Go duration string, e.g. "5s".
	ConnectTimeout string `toml:"connect_timeout,omitempty"`
}

// Timeout returns the parsed connect timeout, or the default.
func (c *Config) Timeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return DefaultConnectTimeout, nil
	}
	d, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return 0, fmt.Errorf("connect_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("connect_timeout must be positive, got %s", d)
	}
	return d, nil
}

// ServerEntry is a saved remote server.
type ServerEntry struct {
	URL   string `toml:"url"`
	Token string `toml:"token,omitempty"`
}

// ServersConfig is the saved servers list (~/.esrpc/servers.toml).
type ServersConfig struct {
	Servers map[string]ServerEntry `toml:"servers"`
}

var validServerName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateServerName checks that name is non-empty and contains only
// alphanumeric characters, hyphens, or underscores.
func ValidateServerName(name string) error {
	if name == "" || !validServerName.MatchString(name) {
		return fmt.Errorf("server name must be non-empty and alphanumeric (with - or _), got: %q", name)
	}
	return nil
}

// DataDir returns $ESRPC_DIR or ~/.esrpc.
func DataDir() (string, error) {
	if dir := os.Getenv("ESRPC_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".esrpc"), nil
}

// LoadConfig reads config.toml from dataDir and applies environment
// variable overrides. A missing file yields an empty config.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if v := os.Getenv("ESRPC_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("ESRPC_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("ESRPC_SERVICE_FILE"); v != "" {
		cfg.ServiceFile = v
	}

	if _, err := cfg.Timeout(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadServersConfig reads servers.toml from dataDir. If the file does not
// exist an empty ServersConfig is returned.
func LoadServersConfig(dataDir string) (*ServersConfig, error) {
	path := filepath.Join(dataDir, "servers.toml")

	sc := &ServersConfig{
		Servers: make(map[string]ServerEntry),
	}

	if _, err := os.Stat(path); err != nil {
		return sc, nil
	}

	if _, err := toml.DecodeFile(path, sc); err != nil {
		return nil, fmt.Errorf("parsing servers.toml: %w", err)
	}
	if sc.Servers == nil {
		sc.Servers = make(map[string]ServerEntry)
	}

	return sc, nil
}

// Save writes the ServersConfig to servers.toml inside dataDir, creating
// the directory if necessary. The file holds tokens and is private.
func (s *ServersConfig) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, "servers.toml")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding servers.toml: %w", err)
	}

	return nil
}

// Resolve picks the endpoint and token for a call. name may be a saved
// server name or a URL; empty means the configured endpoint.
func (s *ServersConfig) Resolve(name string, cfg *Config) (ServerEntry, error) {
	if name == "" {
		if cfg == nil || cfg.Endpoint == "" {
			return ServerEntry{}, fmt.Errorf("no server given and no endpoint configured")
		}
		return ServerEntry{URL: cfg.Endpoint, Token: cfg.AuthToken}, nil
	}
	if e, ok := s.Servers[name]; ok {
		return e, nil
	}
	if ValidateServerName(name) == nil {
		return ServerEntry{}, fmt.Errorf("unknown server %q", name)
	}
	entry := ServerEntry{URL: name}
	if cfg != nil {
		entry.Token = cfg.AuthToken
	}
	return entry, nil
}
