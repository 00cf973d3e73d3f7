package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the PA gateway.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Email     EmailConfig     `json:"email"`
	Classroom ClassroomConfig `json:"classroom"`
	Voice     VoiceConfig     `json:"voice"`
	Polling   PollingConfig   `json:"polling"`
	Audio     AudioConfig     `json:"audio"`
	Feed      FeedConfig      `json:"feed"`
}

type GeneralConfig struct {
	StateDBPath string `json:"stateDbPath"`
	LogLevel    string `json:"logLevel"`
	LogFile     string `json:"logFile,omitempty"`
	SpeechFile  string `json:"speechFile,omitempty"` // optional per-language phrase templates (YAML)
}

// EmailConfig holds IMAP mailbox credentials. When username or password is
// empty the mailbox source is not polled.
type EmailConfig struct {
	IMAPHost string `json:"imapHost"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type ClassroomConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentialsFile"`
	TokenFile       string `json:"tokenFile"`
}

// VoiceConfig configures the remote conversational voice agent.
type VoiceConfig struct {
	AppID         string `json:"appId"`
	Channel       string `json:"channel"`
	Token         string `json:"token"`
	ModelKey      string `json:"modelKey"`      // LLM/TTS API key passed through to the agent
	Authorization string `json:"authorization"` // pre-formed Basic credential for the agent API
	AgentUID      string `json:"agentUid"`
	UserUID       string `json:"userUid"`
	APIBase       string `json:"apiBase,omitempty"`
	ClientPage    string `json:"clientPage,omitempty"` // local HTML page the audio renderer loads
	Headless      bool   `json:"headless"`
	SettleSeconds int    `json:"settleSeconds,omitempty"`
}

type PollingConfig struct {
	EmailIntervalSeconds     int `json:"emailIntervalSeconds"`
	ClassroomIntervalSeconds int `json:"classroomIntervalSeconds"`
}

type AudioConfig struct {
	DefaultLanguage string `json:"defaultLanguage"`
	AutoBroadcast   bool   `json:"autoBroadcast"`
}

// FeedConfig configures the presentation sink.
type FeedConfig struct {
	Telegram TelegramFeedConfig `json:"telegram"`
}

type TelegramFeedConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ChatID    string `json:"chatId"`
	ParseMode string `json:"parseMode"`
}

// DefaultConfigDir returns the default config directory (~/.pabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pabot"
	}
	return filepath.Join(home, ".pabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.StateDBPath = ExpandPath(cfg.General.StateDBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.SpeechFile = ExpandPath(cfg.General.SpeechFile)
	cfg.Classroom.CredentialsFile = ExpandPath(cfg.Classroom.CredentialsFile)
	cfg.Classroom.TokenFile = ExpandPath(cfg.Classroom.TokenFile)
	cfg.Voice.ClientPage = ExpandPath(cfg.Voice.ClientPage)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.General.StateDBPath == "" {
		errs = append(errs, "general.stateDbPath must not be empty")
	}

	if cfg.Polling.EmailIntervalSeconds < 5 || cfg.Polling.EmailIntervalSeconds > 3600 {
		errs = append(errs, "polling.emailIntervalSeconds must be between 5 and 3600")
	}
	if cfg.Polling.ClassroomIntervalSeconds < 5 || cfg.Polling.ClassroomIntervalSeconds > 3600 {
		errs = append(errs, "polling.classroomIntervalSeconds must be between 5 and 3600")
	}

	if cfg.Voice.SettleSeconds < 0 || cfg.Voice.SettleSeconds > 60 {
		errs = append(errs, "voice.settleSeconds must be between 0 and 60")
	}

	if cfg.Audio.DefaultLanguage != "" {
		known := false
		for _, lang := range Languages() {
			if lang == cfg.Audio.DefaultLanguage {
				known = true
				break
			}
		}
		if !known {
			errs = append(errs, fmt.Sprintf("audio.defaultLanguage must be one of: %s", strings.Join(Languages(), ", ")))
		}
	}

	if cfg.Classroom.Enabled && cfg.Classroom.CredentialsFile == "" {
		errs = append(errs, "classroom.credentialsFile is required when classroom is enabled")
	}

	if cfg.Feed.Telegram.Enabled {
		if cfg.Feed.Telegram.Token == "" {
			errs = append(errs, "feed.telegram.token is required when the telegram feed is enabled")
		}
		if cfg.Feed.Telegram.ChatID == "" {
			errs = append(errs, "feed.telegram.chatId is required when the telegram feed is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MissingVoiceFields enumerates required voice settings that are empty.
// An empty result means initialization may proceed to the network step.
func MissingVoiceFields(v VoiceConfig) []string {
	var missing []string
	if v.AppID == "" {
		missing = append(missing, "voice.appId")
	}
	if v.Channel == "" {
		missing = append(missing, "voice.channel")
	}
	if v.Token == "" {
		missing = append(missing, "voice.token")
	}
	if v.ModelKey == "" {
		missing = append(missing, "voice.modelKey")
	}
	if v.Authorization == "" {
		missing = append(missing, "voice.authorization")
	}
	return missing
}

// MailboxConfigured reports whether the mailbox source has credentials.
func (c *Config) MailboxConfigured() bool {
	return c.Email.Username != "" && c.Email.Password != ""
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
