// ABOUTME: Centralized configuration for the marketplace agents
// ABOUTME: Loads from environment variables (and an optional .env) with validation and defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store backends
const (
	BackendSQLite = "sqlite"
	BackendCharm  = "charm"
)

// Config holds all configuration for the agent processes
type Config struct {
	// OpenAI settings
	OpenAIKey     string
	OpenAIBaseURL string        `validate:"omitempty,url"`
	ChatModel     string        `validate:"required"`
	Timeout       time.Duration `validate:"gt=0"`
	MaxRetries    int           `validate:"min=0,max=10"`
	RetryDelay    time.Duration `validate:"gte=0"`

	// Tool-execution service
	ToolServiceURL     string `validate:"omitempty,url"`
	ToolServiceCommand string
	ToolServiceArgs    []string
	ToolCallTimeout    time.Duration `validate:"gt=0"`

	// Per-persona tool exclusions; empty keeps the persona's defaults
	BuyerExcludedTools  []string
	VendorExcludedTools []string

	// Message store
	StoreBackend string `validate:"oneof=sqlite charm"`
	DBPath       string `validate:"required_if=StoreBackend sqlite"`
	CharmHost    string `validate:"required_if=StoreBackend charm"`
	CharmDBName  string `validate:"required_if=StoreBackend charm"`
	AutoSync     bool

	// Observability
	LogLevel    string `validate:"log_level"`
	LogFormat   string `validate:"oneof=text json"`
	MetricsAddr string `validate:"omitempty,hostname_port"`
}

// ErrNoLLM means neither an API key nor a compatible base URL is configured
var ErrNoLLM = errors.New("OPENAI_API_KEY is required (or set OPENAI_BASE_URL for a compatible server)")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "trace", "debug", "info", "warn", "warning", "error":
			return true
		}
		return false
	})
	return v
}

// LoadDotEnv loads a .env file if one exists; missing files are fine
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Defaults
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:       os.Getenv("OPENAI_BASE_URL"),
		ChatModel:           getEnv("MARKETPLACE_CHAT_MODEL", "gpt-4o-mini"),
		Timeout:             getEnvDuration("OPENAI_TIMEOUT", 90*time.Second),
		MaxRetries:          getEnvInt("OPENAI_MAX_RETRIES", 3),
		RetryDelay:          getEnvDuration("OPENAI_RETRY_DELAY", 2*time.Second),
		ToolServiceURL:      os.Getenv("TOOL_SERVICE_URL"),
		ToolServiceCommand:  os.Getenv("TOOL_SERVICE_COMMAND"),
		ToolServiceArgs:     getEnvList("TOOL_SERVICE_ARGS", " "),
		ToolCallTimeout:     getEnvDuration("TOOL_CALL_TIMEOUT", 60*time.Second),
		BuyerExcludedTools:  getEnvList("BUYER_EXCLUDED_TOOLS", ","),
		VendorExcludedTools: getEnvList("VENDOR_EXCLUDED_TOOLS", ","),
		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		DBPath:              getEnv("DB_PATH", "marketplace.db"),
		CharmHost:           getEnv("CHARM_HOST", "cloud.charm.sh"),
		CharmDBName:         getEnv("CHARM_DB", "marketplace"),
		AutoSync:            getEnvBool("CHARM_AUTO_SYNC", true),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "text")),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
	}

	return cfg, cfg.Validate()
}

// Validate checks field constraints and reports the first failure by env key
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.ToolServiceURL != "" && c.ToolServiceCommand != "" {
			return errors.New("set only one of TOOL_SERVICE_URL and TOOL_SERVICE_COMMAND")
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' with value '%v'", envKey(e.Field()), e.Tag(), e.Value())
	}
	return err
}

// RequireLLM reports ErrNoLLM when the chat model cannot be reached
func (c *Config) RequireLLM() error {
	if c.OpenAIKey == "" && c.OpenAIBaseURL == "" {
		return ErrNoLLM
	}
	return nil
}

// HasToolService reports whether a tool-execution service is configured
func (c *Config) HasToolService() bool {
	return c.ToolServiceURL != "" || c.ToolServiceCommand != ""
}

var envKeys = map[string]string{
	"OpenAIBaseURL":   "OPENAI_BASE_URL",
	"ChatModel":       "MARKETPLACE_CHAT_MODEL",
	"Timeout":         "OPENAI_TIMEOUT",
	"MaxRetries":      "OPENAI_MAX_RETRIES",
	"RetryDelay":      "OPENAI_RETRY_DELAY",
	"ToolServiceURL":  "TOOL_SERVICE_URL",
	"ToolCallTimeout": "TOOL_CALL_TIMEOUT",
	"StoreBackend":    "STORE_BACKEND",
	"DBPath":          "DB_PATH",
	"CharmHost":       "CHARM_HOST",
	"CharmDBName":     "CHARM_DB",
	"LogLevel":        "LOG_LEVEL",
	"LogFormat":       "LOG_FORMAT",
	"MetricsAddr":     "METRICS_ADDR",
}

func envKey(field string) string {
	if k, ok := envKeys[field]; ok {
		return k
	}
	return field
}

// Helper functions
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key, sep string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
