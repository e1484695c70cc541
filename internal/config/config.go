// Package config loads the server configuration from defaults, an
// optional config file and environment variables, in increasing order
// of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"port"`
	Debug       bool   `mapstructure:"debug"`
	DatabaseURL string `mapstructure:"database_url"`

	GeminiAPIKey   string `mapstructure:"gemini_api_key"`
	GeminiModel    string `mapstructure:"gemini_model"`
	EmbeddingModel string `mapstructure:"embedding_model"`

	OllamaBaseURL       string `mapstructure:"ollama_base_url"`
	MedGemmaModel       string `mapstructure:"medgemma_model"`
	VisionFallbackModel string `mapstructure:"vision_fallback_model"`

	EmbedServiceURL  string `mapstructure:"embed_service_url"`
	SpeechServiceURL string `mapstructure:"speech_service_url"`
	CaseDBPath       string `mapstructure:"case_db_path"`
	CaseSeedPath     string `mapstructure:"case_seed_path"`

	TelegramToken string `mapstructure:"telegram_token"`
	DoctorChatID  int64  `mapstructure:"doctor_chat_id"`

	Languages []string `mapstructure:"languages"`
}

// Load reads config.yaml from the working directory if present, then
// applies DERM_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("debug", false)
	v.SetDefault("database_url", "")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("gemini_model", "gemini-2.0-flash")
	v.SetDefault("embedding_model", "text-embedding-004")
	v.SetDefault("ollama_base_url", "http://localhost:11434")
	v.SetDefault("medgemma_model", "medgemma")
	v.SetDefault("vision_fallback_model", "llava")
	v.SetDefault("embed_service_url", "http://localhost:8001")
	v.SetDefault("speech_service_url", "http://localhost:8000")
	v.SetDefault("case_db_path", "cases.db")
	v.SetDefault("case_seed_path", "")
	v.SetDefault("telegram_token", "")
	v.SetDefault("doctor_chat_id", 0)
	v.SetDefault("languages", []string{"en", "hi", "ta", "te", "bn"})

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DERM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
