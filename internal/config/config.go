package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Client  ClientConfig
	LLM     LLMConfig
	Storage StorageConfig
	Blob    BlobConfig
	API     APIConfig
	UI      UIConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type ClientConfig struct {
	// ServerURL is the base URL the CLI talks to.
	ServerURL string
	// PollInterval is a duration string; PollMaxAttempts bounds the status
	// poll loop after processing is triggered.
	PollInterval    string
	PollMaxAttempts int
}

type LLMConfig struct {
	BaseURL         string
	APIKey          string
	TranscribeModel string
	ChatModel       string
}

type StorageConfig struct {
	DataDir string
}

type BlobConfig struct {
	// Backend selects where uploaded audio lives: "fs" or "s3".
	Backend     string
	Dir         string
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
}

type APIConfig struct {
	// Token, when set, requires bearer auth on the /api routes.
	Token string
}

type UIConfig struct {
	// Theme is the display preference: "light", "dark", or "system".
	Theme string
}

type LogConfig struct {
	Level string
}

// ValidTheme reports whether v is an accepted theme name.
func ValidTheme(v string) bool {
	switch v {
	case "light", "dark", "system":
		return true
	}
	return false
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8090,
		},
		Client: ClientConfig{
			ServerURL:       "http://127.0.0.1:8090",
			PollInterval:    "5s",
			PollMaxAttempts: 60,
		},
		LLM: LLMConfig{
			BaseURL:         "https://api.openai.com/v1",
			TranscribeModel: "whisper-1",
			ChatModel:       "gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Blob: BlobConfig{
			Backend:  "fs",
			Dir:      filepath.Join(dataDir, "uploads"),
			S3Region: "us-east-1",
		},
		UI: UIConfig{
			Theme: "system",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "minuted-data"
		}
	}
	return filepath.Join(dir, "minuted")
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/minuted/config.json, then applies MINUTED_* environment
// overrides. Secrets (API keys) are environment-only and never written to the
// config file.
//
// Load does not require the LLM API key to be present; commands that call the
// LLM validate it themselves so that pure client commands work without one.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// RequireLLMKey returns an error when no LLM API key is configured.
func RequireLLMKey(cfg Config) error {
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. Set it via environment variable MINUTED_LLM_API_KEY")
	}
	return nil
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "minuted", "config.json")
}
