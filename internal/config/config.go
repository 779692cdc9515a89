package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You're a helpful assistant. You provide concise answers unless prompted for more detail. You avoid providing lists, or advice unprompted."

// Config holds the application configuration.
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Bot      BotConfig      `mapstructure:"bot"`
	History  HistoryConfig  `mapstructure:"history"`
	Log      LogConfig      `mapstructure:"log"`
}

// TelegramConfig holds the Telegram transport configuration.
type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	PollTimeout int    `mapstructure:"poll_timeout"`
}

// LLMConfig holds the completion gateway configuration.
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BotConfig holds the conversation policy: the system prompt, the token
// budget per completion request, and the closed allow-list of user ids.
type BotConfig struct {
	SystemPrompt string  `mapstructure:"system_prompt"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	AllowedUsers []int64 `mapstructure:"allowed_users"`
}

// HistoryConfig holds the history store configuration.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// envBindings maps config keys to their environment variables.
// Environment values override the yaml file.
var envBindings = [][2]string{
	{"telegram.token", "TELEGRAM_BOT_KEY"},
	{"telegram.poll_timeout", "TG_POLL_TIMEOUT"},
	{"llm.base_url", "OPENAI_BASE_URL"},
	{"llm.api_key", "OPENAI_API_KEY"},
	{"llm.model", "MODEL_NAME"},
	{"llm.timeout", "LLM_TIMEOUT"},
	{"bot.system_prompt", "SYSTEM_PROMPT"},
	{"bot.max_tokens", "MAX_TOKENS"},
	{"bot.allowed_users", "ALLOWED_USERS"},
	{"history.path", "HISTORY_DB_PATH"},
	{"log.level", "LOG_LEVEL"},
}

// Load reads configuration from an optional config.yaml (or the file named
// by CONFIG_PATH) and the environment, applies defaults, and validates the
// result. The returned value is immutable for the process lifetime.
func Load() (*Config, error) {
	v := viper.New()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetDefault("telegram.poll_timeout", 30)
	v.SetDefault("llm.model", "gpt-3.5-turbo-16k")
	v.SetDefault("llm.timeout", "2m")
	v.SetDefault("bot.system_prompt", DefaultSystemPrompt)
	v.SetDefault("bot.max_tokens", 16000)
	v.SetDefault("history.path", "chat_history.db")
	v.SetDefault("log.level", "info")

	for _, b := range envBindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b[0], err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// The yaml file is optional; the environment alone is a valid source.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}

	var config Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToInt64SliceHook,
	))
	if err := v.Unmarshal(&config, decodeHook); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (TELEGRAM_BOT_KEY)")
	}
	if c.Bot.MaxTokens <= 0 {
		return fmt.Errorf("token budget must be positive, got %d", c.Bot.MaxTokens)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("model name is required")
	}
	return nil
}

// stringToInt64SliceHook decodes the allow-list when it arrives as a single
// string, which is how environment variables deliver it. Both a JSON array
// ("[111, 222]") and a bare comma list ("111,222") are accepted.
func stringToInt64SliceHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf([]int64(nil)) {
		return data, nil
	}
	return ParseAllowList(data.(string))
}

// ParseAllowList parses a textual allow-list of user ids.
func ParseAllowList(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "[") {
		var ids []int64
		if err := json.Unmarshal([]byte(s), &ids); err != nil {
			return nil, fmt.Errorf("parse allow-list %q: %w", s, err)
		}
		return ids, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse allow-list entry %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
