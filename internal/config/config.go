package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Supported chat model providers.
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// Sampling parameters used when the environment does not override them.
const (
	DefaultTemperature = 0.8
	DefaultTopP        = 0.95
)

// ConfigurationError reports a missing or malformed setting detected at startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Key, e.Reason)
}

// Config 聚合整个服务的配置项。
type Config struct {
	Server      ServerConfig
	AI          AIConfig
	Speech      SpeechConfig
	Log         LogConfig
	PersonaFile string
}

// Load 从环境变量加载配置。缺少模型凭证时返回 *ConfigurationError。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}
	if err := ai.Validate(); err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:      server,
		AI:          ai,
		Speech:      speech,
		Log:         loadLogConfig(),
		PersonaFile: strings.TrimSpace(os.Getenv("PERSONA_FILE")),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr          string
	AllowedOrigin string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origin := getEnvOrDefault("ALLOWED_ORIGIN", "*")

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigin: origin}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, &ConfigurationError{Key: "PORT", Reason: fmt.Sprintf("has invalid value %q", port)}
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigin: origin}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider    string
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature float32
	TopP        float32
	MaxTokens   *int
}

// Validate 检查当前 provider 所需的凭证是否齐全。
func (c AIConfig) Validate() error {
	switch c.Provider {
	case ProviderArk:
		if c.APIKey == "" && (c.AccessKey == "" || c.SecretKey == "") {
			return &ConfigurationError{Key: "ARK_API_KEY", Reason: "is not set (or provide ARK_ACCESS_KEY and ARK_SECRET_KEY)"}
		}
	case ProviderOpenAI:
		if c.APIKey == "" {
			return &ConfigurationError{Key: "OPENAI_API_KEY", Reason: "is not set"}
		}
	default:
		return &ConfigurationError{Key: "LLM_PROVIDER", Reason: fmt.Sprintf("has unsupported value %q", c.Provider)}
	}

	if c.Model == "" {
		return &ConfigurationError{Key: "model", Reason: "is empty"}
	}
	return nil
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloat32Env("LLM_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloat32Env("LLM_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("LLM_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	cfg := AIConfig{
		Provider:    strings.ToLower(getEnvOrDefault("LLM_PROVIDER", ProviderArk)),
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
		MaxTokens:   maxTokens,
	}
	if temperature != nil {
		cfg.Temperature = *temperature
	}
	if topP != nil {
		cfg.TopP = *topP
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		cfg.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		cfg.Model = getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini")
		cfg.BaseURL = getEnvOrDefault("OPENAI_BASE_URL", "")
	default:
		cfg.APIKey = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
		cfg.AccessKey = strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY"))
		cfg.SecretKey = strings.TrimSpace(os.Getenv("ARK_SECRET_KEY"))
		cfg.Model = getEnvOrDefault("ARK_MODEL", "doubao-seed-1-6-flash-250615")
		cfg.BaseURL = getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
		cfg.Region = getEnvOrDefault("ARK_REGION", "cn-beijing")
	}

	return cfg, nil
}

// SpeechConfig 描述语音识别服务相关配置
type SpeechConfig struct {
	AppID          string
	AccessToken    string
	BaseURL        string
	Language       string
	ConcurrentMode bool
	Timeout        int
	Enabled        bool
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	concurrent, err := parseBoolEnv("SPEECH_CONCURRENT_MODE", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		AppID:          appID,
		AccessToken:    accessToken,
		BaseURL:        getEnvOrDefault("SPEECH_BASE_URL", ""),
		Language:       getEnvOrDefault("SPEECH_LANGUAGE", "en-US"),
		ConcurrentMode: concurrent,
		Timeout:        timeoutSeconds,
		Enabled:        appID != "" && accessToken != "",
	}, nil
}

// LogConfig 控制日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &ConfigurationError{Key: key, Reason: fmt.Sprintf("has invalid value %q: %v", raw, err)}
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, &ConfigurationError{Key: key, Reason: fmt.Sprintf("has invalid value %q: %v", value, err)}
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, &ConfigurationError{Key: key, Reason: fmt.Sprintf("has invalid value %q: %v", value, err)}
	}
	result := float32(val)
	return &result, nil
}
