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
		key: "server.port", typ: kInt, env: "STUDYMATE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STUDYMATE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "STUDYMATE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "provider.name", typ: kString, env: "STUDYMATE_PROVIDER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Provider.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Name },
	},
	{
		key: "provider.base_url", typ: kString, env: "STUDYMATE_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.api_key", typ: kString, env: "STUDYMATE_PROVIDER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "provider.default_model", typ: kString, env: "STUDYMATE_PROVIDER_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.DefaultModel },
	},
	{
		key: "provider.allowed_models", typ: kString, env: "STUDYMATE_PROVIDER_ALLOWED_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Provider.AllowedModels = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.AllowedModels },
	},
	{
		key: "provider.vision_model", typ: kString, env: "STUDYMATE_PROVIDER_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.VisionModel },
	},
	{
		key: "provider.research_model", typ: kString, env: "STUDYMATE_PROVIDER_RESEARCH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.ResearchModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.ResearchModel },
	},
	{
		key: "provider.max_tokens", typ: kInt, env: "STUDYMATE_PROVIDER_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Provider.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.MaxTokens },
	},
	{
		key: "reminder.scan_interval", typ: kString, env: "STUDYMATE_REMINDER_SCAN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reminder.ScanInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.ScanInterval },
	},
	{
		key: "reminder.timezone", typ: kString, env: "STUDYMATE_REMINDER_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Reminder.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.Timezone },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
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
