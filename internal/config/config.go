package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	// instructions
	InstructionsDir   string   `yaml:"instructions_dir"`
	InstructionsWatch bool     `yaml:"instructions_watch"`
	CORSOrigins       []string `yaml:"cors_origins"`

	// AI provider
	AIProvider    string  `yaml:"ai_provider"`
	OpenAIBaseURL string  `yaml:"openai_base_url"`
	OpenAIAPIKey  string  `yaml:"openai_api_key"`
	Model         string  `yaml:"model"`
	Temperature   float32 `yaml:"temperature"`
	OllamaBaseURL string  `yaml:"ollama_base_url"`
	OllamaModel   string  `yaml:"ollama_model"`
	StreamBuffer  int     `yaml:"stream_buffer"`

	Log LogConfig `yaml:"log"`

	// transcript archive; RabbitURL empty disables publishing
	RabbitURL         string        `yaml:"rabbit_url"`
	RabbitQueue       string        `yaml:"rabbit_queue"`
	DBDSN             string        `yaml:"db_dsn"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	DedupeTTL         time.Duration `yaml:"dedupe_ttl"`
}

func defaults() Config {
	return Config{
		HTTPAddr:          ":8080",
		InstructionsDir:   "./instructions",
		InstructionsWatch: true,
		CORSOrigins:       []string{"https://k1tb0t.com"},

		AIProvider:    "openai",
		OpenAIBaseURL: "http://localhost:8000/v1",
		OpenAIAPIKey:  "EMPTY",
		Model:         "mistralai/Mistral-7B-Instruct-v0.3",
		Temperature:   0.7,
		OllamaBaseURL: "http://localhost:11434",
		OllamaModel:   "llama3:latest",
		StreamBuffer:  16,

		Log: LogConfig{Level: "info", Format: "json"},

		RabbitQueue: "chat_exchanges",
		// DSN demo：
		// app:apppass@tcp(127.0.0.1:3306)/kitbot?charset=utf8mb4&parseTime=true&loc=Local
		DBDSN: fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			"app", "apppass", "127.0.0.1", "3306", "kitbot",
		),
		RedisAddr:         "127.0.0.1:6379",
		WorkerConcurrency: 2,
		DedupeTTL:         24 * time.Hour,
	}
}

// Load reads the optional YAML file named by KITBOT_CONFIG, then applies
// environment overrides on top of it.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("KITBOT_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	str(&cfg.HTTPAddr, "HTTP_ADDR")
	str(&cfg.InstructionsDir, "INSTRUCTIONS_DIR")
	if v := os.Getenv("INSTRUCTIONS_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.InstructionsWatch = b
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	str(&cfg.AIProvider, "AI_PROVIDER")
	str(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	str(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	str(&cfg.Model, "AI_MODEL")
	if v := os.Getenv("AI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Temperature = float32(f)
		}
	}
	str(&cfg.OllamaBaseURL, "OLLAMA_BASE_URL")
	str(&cfg.OllamaModel, "OLLAMA_MODEL")
	num(&cfg.StreamBuffer, "STREAM_BUFFER")

	str(&cfg.Log.Level, "LOG_LEVEL")
	str(&cfg.Log.Format, "LOG_FORMAT")

	str(&cfg.RabbitURL, "RABBIT_URL")
	str(&cfg.RabbitQueue, "RABBIT_QUEUE")
	str(&cfg.DBDSN, "DB_DSN")
	str(&cfg.RedisAddr, "REDIS_ADDR")
	str(&cfg.RedisPassword, "REDIS_PASSWORD")
	num(&cfg.RedisDB, "REDIS_DB")
	num(&cfg.WorkerConcurrency, "WORKER_CONCURRENCY")
	if v := os.Getenv("ARCHIVE_DEDUPE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DedupeTTL = d
		}
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.AIProvider = strings.ToLower(strings.TrimSpace(c.AIProvider))
	if c.StreamBuffer < 0 {
		c.StreamBuffer = 16
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 2
	}
	if c.WorkerConcurrency > 50 {
		c.WorkerConcurrency = 50
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 24 * time.Hour
	}
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func num(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
