package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"node.town/scribe/stt"
)

const SettingsFile = "settings.json"

type Config struct {
	DiscordToken string
	WitAIToken   string

	Prefix            string
	MinInterval       time.Duration
	TranscribeTimeout time.Duration
	MinUtterance      time.Duration
	MaxUtterance      time.Duration
	SilenceTimeout    time.Duration

	DataDir     string
	MetricsAddr string
	LogLevel    string

	WitAPIURL     string
	WitAPIVersion string
}

// ConfigError means the process cannot start.
type ConfigError struct {
	Missing []string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf(
		"failed loading, missing API keys: %s",
		strings.Join(e.Missing, ", "),
	)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("prefix", "!")
	v.SetDefault("min_interval", stt.DefaultMinInterval)
	v.SetDefault("transcribe_timeout", stt.DefaultTimeout)
	v.SetDefault("min_utterance", time.Second)
	v.SetDefault("max_utterance", 19*time.Second)
	v.SetDefault("silence_timeout", 300*time.Millisecond)
	v.SetDefault("data_dir", "data")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("wit_api_url", stt.WitBaseURL)
	v.SetDefault("wit_api_version", stt.WitVersion)
}

// Setup points v at the settings file and the environment. A missing
// settings file is fine; the secrets can come from the environment.
func Setup(v *viper.Viper, file string) error {
	if file == "" {
		file = SettingsFile
	}
	SetDefaults(v)

	v.SetConfigFile(file)
	v.SetConfigType("json")

	v.SetEnvPrefix("scribe")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// the names the bot has always been deployed with
	_ = v.BindEnv("discord_token", "DISCORD_TOK", "DISCORD_TOKEN")
	_ = v.BindEnv("wit_ai_token", "WITAPIKEY", "WIT_AI_TOKEN")

	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return &ConfigError{Err: fmt.Errorf("failed to read %s: %w", file, err)}
}

func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DiscordToken: strings.TrimSpace(v.GetString("discord_token")),
		WitAIToken:   strings.TrimSpace(v.GetString("wit_ai_token")),

		Prefix:            v.GetString("prefix"),
		MinInterval:       v.GetDuration("min_interval"),
		TranscribeTimeout: v.GetDuration("transcribe_timeout"),
		MinUtterance:      v.GetDuration("min_utterance"),
		MaxUtterance:      v.GetDuration("max_utterance"),
		SilenceTimeout:    v.GetDuration("silence_timeout"),

		DataDir:     v.GetString("data_dir"),
		MetricsAddr: v.GetString("metrics_addr"),
		LogLevel:    v.GetString("log_level"),

		WitAPIURL:     v.GetString("wit_api_url"),
		WitAPIVersion: v.GetString("wit_api_version"),
	}

	var missing []string
	if cfg.DiscordToken == "" {
		missing = append(missing, "discord_token")
	}
	if cfg.WitAIToken == "" {
		missing = append(missing, "wit_ai_token")
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Missing: missing}
	}

	if cfg.Prefix == "" {
		return nil, &ConfigError{Err: errors.New("prefix cannot be empty")}
	}
	if cfg.MinUtterance > cfg.MaxUtterance {
		return nil, &ConfigError{Err: fmt.Errorf(
			"min_utterance %s is longer than max_utterance %s",
			cfg.MinUtterance, cfg.MaxUtterance,
		)}
	}

	return cfg, nil
}

// Save writes the two secrets to the settings file, keeping whatever else
// it already holds.
func Save(path, discordToken, witAIToken string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	v.Set("discord_token", discordToken)
	v.Set("wit_ai_token", witAIToken)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
