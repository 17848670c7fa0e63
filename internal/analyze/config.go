package analyze

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the background-output summarizer. Analysis is optional:
// when disabled the engine falls back to raw captured output.
type Config struct {
	Enabled bool

	BaseURL string
	APIKey  string
	Model   string

	ChatPath string

	Timeout time.Duration

	// MaxInputBytes bounds how much of each capture file is sent per
	// request (tail of the file; the end usually holds the interesting part).
	MaxInputBytes int
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("SHELLBOX_ANALYZE_BASE_URL is required when SHELLBOX_ANALYZE_ENABLED is true")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("SHELLBOX_ANALYZE_MODEL is required when SHELLBOX_ANALYZE_ENABLED is true")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("SHELLBOX_ANALYZE_API_KEY is required when SHELLBOX_ANALYZE_ENABLED is true")
	}
	return nil
}

// FromEnv reads the analyzer configuration. SHELLBOX_ANALYZE_* wins; the
// common OPENAI_* variables are accepted as fallbacks.
func FromEnv() Config {
	baseURL := strings.TrimSpace(os.Getenv("SHELLBOX_ANALYZE_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	}
	apiKey := strings.TrimSpace(os.Getenv("SHELLBOX_ANALYZE_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	model := strings.TrimSpace(os.Getenv("SHELLBOX_ANALYZE_MODEL"))
	if model == "" {
		model = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	}

	return Config{
		Enabled:       parseBoolEnv("SHELLBOX_ANALYZE_ENABLED", false),
		BaseURL:       baseURL,
		APIKey:        apiKey,
		Model:         model,
		ChatPath:      defaultEnv("SHELLBOX_ANALYZE_CHAT_PATH", "/v1/chat/completions"),
		Timeout:       parseDurationMillisEnv("SHELLBOX_ANALYZE_TIMEOUT_MS", 60_000),
		MaxInputBytes: parseIntEnv("SHELLBOX_ANALYZE_MAX_INPUT_BYTES", 32*1024),
	}
}

func defaultEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseIntEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseDurationMillisEnv(key string, fallbackMillis int) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(fallbackMillis) * time.Millisecond
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return time.Duration(fallbackMillis) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
