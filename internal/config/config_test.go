package config

import (
	"path/filepath"
	"strings"
	"testing"
)

// memBackend is an in-memory Backend for tests.
type memBackend struct {
	data map[string]any
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]any)}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (b *memBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return nil
}
func (b *memBackend) Delete(key string) error { delete(b.data, key); return nil }

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Client.ServerURL != "http://127.0.0.1:8090" {
		t.Errorf("Client.ServerURL = %q", cfg.Client.ServerURL)
	}
	if cfg.Client.PollInterval != "5s" || cfg.Client.PollMaxAttempts != 60 {
		t.Errorf("poll defaults = %q/%d", cfg.Client.PollInterval, cfg.Client.PollMaxAttempts)
	}
	if cfg.LLM.TranscribeModel != "whisper-1" {
		t.Errorf("TranscribeModel = %q", cfg.LLM.TranscribeModel)
	}
	if cfg.Blob.Backend != "fs" {
		t.Errorf("Blob.Backend = %q, want fs", cfg.Blob.Backend)
	}
	if cfg.UI.Theme != "system" {
		t.Errorf("UI.Theme = %q, want system", cfg.UI.Theme)
	}
}

func TestLoad_BackendOverridesDefaults(t *testing.T) {
	b := newMemBackend()
	b.SetInt("server.port", 9999)
	b.SetString("ui.theme", "dark")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.UI.Theme != "dark" {
		t.Errorf("UI.Theme = %q, want dark", cfg.UI.Theme)
	}
}

func TestLoad_EnvOverridesBackend(t *testing.T) {
	b := newMemBackend()
	b.SetInt("server.port", 9999)
	t.Setenv("MINUTED_SERVER_PORT", "7070")
	t.Setenv("MINUTED_LLM_API_KEY", "sk-test")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("LLM.APIKey = %q, want sk-test", cfg.LLM.APIKey)
	}
}

func TestLoad_InvalidIntEnvIgnored(t *testing.T) {
	t.Setenv("MINUTED_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want default 8090", cfg.Server.Port)
	}
}

func TestRequireLLMKey(t *testing.T) {
	cfg := defaults()
	if err := RequireLLMKey(cfg); err == nil {
		t.Fatal("expected error for missing API key")
	}
	cfg.LLM.APIKey = "sk-test"
	if err := RequireLLMKey(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSetKey_RejectsSecrets(t *testing.T) {
	err := setKeyWith(newMemBackend(), "llm.api_key", "sk-leak")
	if err == nil {
		t.Fatal("expected error setting secret via config")
	}
	if !strings.Contains(err.Error(), "MINUTED_LLM_API_KEY") {
		t.Errorf("error should name the env var, got: %v", err)
	}
}

func TestSetKey_UnknownKey(t *testing.T) {
	if err := setKeyWith(newMemBackend(), "nope.nothing", "x"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetKey_InvalidInt(t *testing.T) {
	if err := setKeyWith(newMemBackend(), "server.port", "eight"); err == nil {
		t.Fatal("expected error for non-integer port")
	}
}

func TestSetKey_ThemeValidation(t *testing.T) {
	b := newMemBackend()
	if err := setKeyWith(b, "ui.theme", "neon"); err == nil {
		t.Fatal("expected error for invalid theme")
	}
	if err := setKeyWith(b, "ui.theme", "light"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok, _ := b.GetString("ui.theme")
	if !ok || v != "light" {
		t.Errorf("stored theme = %q (ok=%v), want light", v, ok)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-secret"

	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "sk-secret") {
			t.Errorf("secret leaked via ShowAll in key %s", k.Key)
		}
		if k.Key == "llm.api_key" {
			t.Error("secret key listed by ShowAll")
		}
	}
}

func TestFileBackend_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	b := newFileBackend(path)
	if err := b.SetString("ui.theme", "dark"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if err := b.SetInt("server.port", 9001); err != nil {
		t.Fatalf("SetInt failed: %v", err)
	}

	// A fresh backend must read what the first one wrote.
	b2 := newFileBackend(path)
	s, ok, err := b2.GetString("ui.theme")
	if err != nil || !ok || s != "dark" {
		t.Errorf("GetString = (%q, %v, %v), want dark", s, ok, err)
	}
	i, ok, err := b2.GetInt("server.port")
	if err != nil || !ok || i != 9001 {
		t.Errorf("GetInt = (%d, %v, %v), want 9001", i, ok, err)
	}

	if err := b2.Delete("ui.theme"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, ok, _ = newFileBackend(path).GetString("ui.theme")
	if ok {
		t.Error("deleted key still present after reload")
	}
}
