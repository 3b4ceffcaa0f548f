package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // reminder.timezone must resolve on hosts without a zoneinfo database

	"github.com/joho/godotenv"
)

// keychainService is the secret store service name; accounts are
// "<provider>_api_key".
const keychainService = appName

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Provider ProviderConfig
	Reminder ReminderConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ProviderConfig struct {
	Name    string // "openai" or "gemini"
	BaseURL string
	APIKey  string
	// DefaultModel and AllowedModels (comma separated) form the model
	// allow-list; VisionModel and ResearchModel override it for images and
	// web research.
	DefaultModel  string
	AllowedModels string
	VisionModel   string
	ResearchModel string
	MaxTokens     int
}

type ReminderConfig struct {
	ScanInterval string
	Timezone     string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Provider: ProviderConfig{
			Name:          "openai",
			DefaultModel:  "gpt-5-nano-2025-08-07",
			AllowedModels: "gpt-5-nano-2025-08-07,gpt-5-mini-2025-08-07,gpt-5-2025-08-07,gpt-5.1-2025-11-13,chatgpt-4o-latest",
			VisionModel:   "chatgpt-4o-latest",
			ResearchModel: "gpt-5-mini-2025-08-07",
			MaxTokens:     2048,
		},
		Reminder: ReminderConfig{
			ScanInterval: "60s",
			Timezone:     "Asia/Ho_Chi_Minh",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret
// store.
//
// On macOS the backend is UserDefaults (domain: com.studymate.app) and the
// provider key falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/studymate/config.json
// and the key falls back to $XDG_DATA_HOME/studymate/secrets.json.
//
// Environment variables (STUDYMATE_*) override backend values on all
// platforms. A missing provider key is not an error here: chat requests
// fail with a missing-credential error instead.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	cfg.Provider.Name = strings.ToLower(strings.TrimSpace(cfg.Provider.Name))
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv(providerKeyEnv(cfg.Provider.Name))
	}
	if cfg.Provider.APIKey == "" {
		if key, err := kc.Get(keychainService, keychainAccount(cfg.Provider.Name)); err == nil && key != "" {
			cfg.Provider.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Provider.Name {
	case "openai", "gemini":
	default:
		return fmt.Errorf("invalid provider.name %q: must be openai or gemini", c.Provider.Name)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.ScanInterval(); err != nil {
		return err
	}
	return nil
}

// providerKeyEnv is the conventional variable each provider's own SDKs read.
func providerKeyEnv(provider string) string {
	if provider == "gemini" {
		return "GEMINI_API_KEY"
	}
	return "OPENAI_API_KEY"
}

func keychainAccount(provider string) string {
	return provider + "_api_key"
}

// MissingKeyHint tells the user where the provider key can be set.
func (c Config) MissingKeyHint() string {
	return fmt.Sprintf("set STUDYMATE_PROVIDER_API_KEY or %s%s", providerKeyEnv(c.Provider.Name), apiKeyHint())
}

// Location is the zone reminder times and the prompt clock are read in.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Reminder.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reminder.timezone %q: %w", c.Reminder.Timezone, err)
	}
	return loc, nil
}

// ScanInterval is how often due reminders are settled.
func (c Config) ScanInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Reminder.ScanInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid reminder.scan_interval %q: must be a positive duration", c.Reminder.ScanInterval)
	}
	return d, nil
}

// Models returns the allow-list with the default model first.
func (c ProviderConfig) Models() []string {
	out := []string{c.DefaultModel}
	for _, m := range strings.Split(c.AllowedModels, ",") {
		m = strings.TrimSpace(m)
		if m != "" && m != c.DefaultModel {
			out = append(out, m)
		}
	}
	return out
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
