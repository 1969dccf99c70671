package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MINUTED_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "client.server_url", typ: kString, env: "MINUTED_CLIENT_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.ServerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.ServerURL },
	},
	{
		key: "client.poll_interval", typ: kString, env: "MINUTED_CLIENT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Client.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.PollInterval },
	},
	{
		key: "client.poll_max_attempts", typ: kInt, env: "MINUTED_CLIENT_POLL_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Client.PollMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Client.PollMaxAttempts },
	},
	{
		key: "llm.base_url", typ: kString, env: "MINUTED_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "MINUTED_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.transcribe_model", typ: kString, env: "MINUTED_LLM_TRANSCRIBE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.TranscribeModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.TranscribeModel },
	},
	{
		key: "llm.chat_model", typ: kString, env: "MINUTED_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MINUTED_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "blob.backend", typ: kString, env: "MINUTED_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.dir", typ: kString, env: "MINUTED_BLOB_DIR",
		apply:   func(cfg *Config, v any) { cfg.Blob.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Dir },
	},
	{
		key: "blob.s3_endpoint", typ: kString, env: "MINUTED_BLOB_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Endpoint },
	},
	{
		key: "blob.s3_region", typ: kString, env: "MINUTED_BLOB_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Region },
	},
	{
		key: "blob.s3_bucket", typ: kString, env: "MINUTED_BLOB_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Blob.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3Bucket },
	},
	{
		key: "blob.s3_access_key", typ: kString, env: "MINUTED_BLOB_S3_ACCESS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Blob.S3AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3AccessKey },
	},
	{
		key: "blob.s3_secret_key", typ: kString, env: "MINUTED_BLOB_S3_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Blob.S3SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.S3SecretKey },
	},
	{
		key: "api.token", typ: kString, env: "MINUTED_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "ui.theme", typ: kString, env: "MINUTED_UI_THEME",
		apply:   func(cfg *Config, v any) { cfg.UI.Theme = v.(string) },
		extract: func(cfg Config) any { return cfg.UI.Theme },
	},
	{
		key: "log.level", typ: kString, env: "MINUTED_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
