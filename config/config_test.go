package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCHAT_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.ServerURL != DefaultServerURL {
		t.Fatalf("expected default server URL %q, got %q", DefaultServerURL, firstCfg.ServerURL)
	}
	if firstCfg.RingingTimeoutSeconds != DefaultRingingTimeoutSeconds {
		t.Fatalf("expected default ringing timeout %d, got %d", DefaultRingingTimeoutSeconds, firstCfg.RingingTimeoutSeconds)
	}
	if firstCfg.MessageTTLHours != DefaultMessageTTLHours {
		t.Fatalf("expected default message TTL %d, got %d", DefaultMessageTTLHours, firstCfg.MessageTTLHours)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.X25519PrivateKeyPath != firstCfg.X25519PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.X25519PrivateKeyPath, secondCfg.X25519PrivateKeyPath)
	}
	if secondCfg.ServerURL != firstCfg.ServerURL {
		t.Fatalf("expected stable server URL, got %q then %q", firstCfg.ServerURL, secondCfg.ServerURL)
	}
}

func TestLoadOrCreateBackfillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCHAT_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &ClientConfig{
		ServerURL: "https://chat.example.com",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ServerURL != "https://chat.example.com" {
		t.Fatalf("expected configured server URL to be retained, got %q", cfg.ServerURL)
	}
	if cfg.X25519PrivateKeyPath != filepath.Join(tempDir, "keys", "x25519_private.pem") {
		t.Fatalf("expected backfilled private key path, got %q", cfg.X25519PrivateKeyPath)
	}
	if cfg.RingingTimeoutSeconds != DefaultRingingTimeoutSeconds {
		t.Fatalf("expected backfilled ringing timeout, got %d", cfg.RingingTimeoutSeconds)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load after backfill failed: %v", err)
	}
	if reloaded.RingingTimeoutSeconds != DefaultRingingTimeoutSeconds {
		t.Fatalf("expected backfill to be persisted, got %d", reloaded.RingingTimeoutSeconds)
	}
}

func TestWebsocketURLs(t *testing.T) {
	cfg := &ClientConfig{ServerURL: "https://chat.example.com"}
	if got := cfg.ChatSocketURL("tok"); got != "wss://chat.example.com/ws?token=tok" {
		t.Fatalf("unexpected chat socket URL %q", got)
	}
	if got := cfg.SignalingSocketURL("tok"); got != "wss://chat.example.com/ws/webrtc?token=tok" {
		t.Fatalf("unexpected signaling socket URL %q", got)
	}

	plain := &ClientConfig{ServerURL: "http://localhost:8000/"}
	if got := plain.ChatSocketURL("a b"); got != "ws://localhost:8000/ws?token=a+b" {
		t.Fatalf("unexpected chat socket URL %q", got)
	}
}
