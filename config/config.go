package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerchat"
	// DefaultServerURL is the chat server used when no override exists.
	DefaultServerURL = "http://localhost:8000"
	// DefaultRingingTimeoutSeconds bounds how long an incoming call rings
	// before it is auto-declined.
	DefaultRingingTimeoutSeconds = 30
	// DefaultMessageTTLHours is the expiry attached to outgoing messages.
	DefaultMessageTTLHours = 24
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	ServerURL             string `json:"server_url"`
	X25519PrivateKeyPath  string `json:"x25519_private_key_path"`
	X25519PublicKeyPath   string `json:"x25519_public_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`
	RingingTimeoutSeconds int    `json:"ringing_timeout_seconds"`
	MessageTTLHours       int    `json:"message_ttl_hours"`
}

// ChatSocketURL returns the chat websocket endpoint for this server.
func (c *ClientConfig) ChatSocketURL(token string) string {
	return websocketURL(c.ServerURL, "/ws", token)
}

// SignalingSocketURL returns the call-signaling websocket endpoint.
func (c *ClientConfig) SignalingSocketURL(token string) string {
	return websocketURL(c.ServerURL, "/ws/webrtc", token)
}

func websocketURL(serverURL, path, token string) string {
	ws := serverURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + path + "?token=" + url.QueryEscape(token)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("PEERCHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	keysDir := filepath.Join(dataDir, "keys")
	return &ClientConfig{
		ServerURL:             DefaultServerURL,
		X25519PrivateKeyPath:  filepath.Join(keysDir, "x25519_private.pem"),
		X25519PublicKeyPath:   filepath.Join(keysDir, "x25519_public.pem"),
		KeyFingerprint:        "",
		RingingTimeoutSeconds: DefaultRingingTimeoutSeconds,
		MessageTTLHours:       DefaultMessageTTLHours,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
		updated = true
	}

	if cfg.X25519PrivateKeyPath == "" {
		cfg.X25519PrivateKeyPath = filepath.Join(keysDir, "x25519_private.pem")
		updated = true
	}

	if cfg.X25519PublicKeyPath == "" {
		cfg.X25519PublicKeyPath = filepath.Join(keysDir, "x25519_public.pem")
		updated = true
	}

	if cfg.RingingTimeoutSeconds <= 0 {
		cfg.RingingTimeoutSeconds = DefaultRingingTimeoutSeconds
		updated = true
	}

	if cfg.MessageTTLHours <= 0 {
		cfg.MessageTTLHours = DefaultMessageTTLHours
		updated = true
	}

	return updated
}
