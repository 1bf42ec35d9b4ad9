package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration shared by the chat and analysis servers.
type Config struct {
	LLM      LLMConfig
	Server   ServerConfig
	Storage  StorageConfig
	Analysis AnalysisConfig
	Blob     BlobConfig
	Log      LogConfig
}

// LLMConfig holds the chat model configuration
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"` // openai or local
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Stop         []string      `mapstructure:"stop"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the listener configuration
type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           string  `mapstructure:"port"`
	AnalysisPort   string  `mapstructure:"analysis_port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// StorageConfig holds the session store layout
type StorageConfig struct {
	OutputDir   string `mapstructure:"output_dir"`
	TemplateDir string `mapstructure:"template_dir"`
	IndexDB     string `mapstructure:"index_db"`
}

// AnalysisConfig holds both sides of the analysis hand-off.
type AnalysisConfig struct {
	URL              string        `mapstructure:"url"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout"` // how long the chat server waits on /analyze
	RunTimeout       time.Duration `mapstructure:"run_timeout"`      // how long one analysis may run
	QueueSize        int           `mapstructure:"queue_size"`
	Workers          int           `mapstructure:"workers"`
	MinMessages      int           `mapstructure:"min_messages"`
	Interval         int           `mapstructure:"interval"`
	SpeakerUser      string        `mapstructure:"speaker_user"`
	SpeakerAssistant string        `mapstructure:"speaker_assistant"`
	Mode             string        `mapstructure:"mode"` // inference or llm
	CacheBackend     string        `mapstructure:"cache_backend"`
	RedisURL         string        `mapstructure:"redis_url"`
	Labels           []string      `mapstructure:"labels"`
	Inference        InferenceConfig
}

// InferenceConfig points at a HuggingFace-style inference API.
type InferenceConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	SummarizerModel string        `mapstructure:"summarizer_model"`
	ClassifierModel string        `mapstructure:"classifier_model"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// BlobConfig holds where saved templates, avatars and feedback go.
type BlobConfig struct {
	Dir           string `mapstructure:"dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.system_prompt", "You are the users best friend. Try to act as human as possible.")
	v.SetDefault("llm.stop", []string{})
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.analysis_port", "8001")
	v.SetDefault("server.rate_limit_rps", 2.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("storage.output_dir", "output_data")
	v.SetDefault("storage.template_dir", "")
	v.SetDefault("storage.index_db", "")

	v.SetDefault("analysis.url", "http://localhost:8001/analyze")
	v.SetDefault("analysis.dispatch_timeout", time.Second)
	v.SetDefault("analysis.run_timeout", 2*time.Minute)
	v.SetDefault("analysis.queue_size", 64)
	v.SetDefault("analysis.workers", 2)
	v.SetDefault("analysis.min_messages", 4)
	v.SetDefault("analysis.interval", 3)
	v.SetDefault("analysis.speaker_user", "Max")
	v.SetDefault("analysis.speaker_assistant", "Moritz")
	v.SetDefault("analysis.mode", "inference")
	v.SetDefault("analysis.cache_backend", "file")
	v.SetDefault("analysis.redis_url", "")
	v.SetDefault("analysis.labels", []string{"criminal activity", "fraud", "casual chat", "flirt", "political crime", "hatespeech"})
	v.SetDefault("analysis.inference.base_url", "https://api-inference.huggingface.co")
	v.SetDefault("analysis.inference.api_key", "")
	v.SetDefault("analysis.inference.summarizer_model", "lidiya/bart-large-xsum-samsum")
	v.SetDefault("analysis.inference.classifier_model", "facebook/bart-large-mnli")
	v.SetDefault("analysis.inference.timeout", 2*time.Minute)

	v.SetDefault("blob.dir", "blob_data")
	v.SetDefault("blob.public_base_url", "")

	v.SetDefault("log.level", "info")
}

// Load loads the configuration from .env, config.yaml and CHATRELAY_* environment variables.
// A missing config file is not an error; defaults and environment still apply.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.LLM.APIKey == "" {
		config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.Analysis.Inference.APIKey == "" {
		config.Analysis.Inference.APIKey = os.Getenv("HF_API_TOKEN")
	}
	if config.Storage.TemplateDir == "" {
		config.Storage.TemplateDir = filepath.Join(config.Blob.Dir, "templates")
	}
	if config.Storage.IndexDB == "" {
		config.Storage.IndexDB = filepath.Join(config.Storage.OutputDir, "sessions.db")
	}

	return &config, nil
}
