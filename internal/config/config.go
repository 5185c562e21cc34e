package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Storage     StorageConfig             `json:"storage" yaml:"storage"`
	Context     ContextConfig             `json:"context" yaml:"context"`
	Completion  CompletionConfig          `json:"completion" yaml:"completion"`
	Ingest      IngestConfig              `json:"ingest" yaml:"ingest"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	RetentionInterval int    `json:"retention_interval" yaml:"retention_interval"`   // minutes
	FileBaseDir       string `json:"file_base_dir" yaml:"file_base_dir"`
	MetricsNamespace  string `json:"metrics_namespace" yaml:"metrics_namespace"`
}

// DatabaseConfig describes one SQL server or file. DSN wins when set.
type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// StorageConfig configures the per-user stores.
type StorageConfig struct {
	Driver       string `json:"driver" yaml:"driver"`
	Dir          string `json:"dir" yaml:"dir"`
	Server       string `json:"server" yaml:"server"` // key into Databases for mysql/postgres
	Prefix       string `json:"prefix" yaml:"prefix"`
	MaxTurns     int    `json:"max_turns" yaml:"max_turns"`
	MaxDocuments int    `json:"max_documents" yaml:"max_documents"`
	MaxSessions  int    `json:"max_sessions" yaml:"max_sessions"`

	ClearDocumentsOnNewSession bool `json:"clear_documents_on_new_session" yaml:"clear_documents_on_new_session"`
}

// ContextConfig bounds what the assembler may inject.
type ContextConfig struct {
	BufferSize       int    `json:"buffer_size" yaml:"buffer_size"`
	RecentTurns      int    `json:"recent_turns" yaml:"recent_turns"`
	KeywordLimit     int    `json:"keyword_limit" yaml:"keyword_limit"`
	SimilarityLimit  int    `json:"similarity_limit" yaml:"similarity_limit"`
	MaxDocuments     int    `json:"max_documents" yaml:"max_documents"`
	PreviewChars     int    `json:"preview_chars" yaml:"preview_chars"`
	Budget           int    `json:"budget" yaml:"budget"`
	BaseInstructions string `json:"base_instructions" yaml:"base_instructions"`
}

type CompletionConfig struct {
	Timeout    int `json:"timeout" yaml:"timeout"`         // seconds
	Retries    int `json:"retries" yaml:"retries"`         // attempts
	RetryDelay int `json:"retry_delay" yaml:"retry_delay"` // milliseconds
	MaxTokens  int `json:"max_tokens" yaml:"max_tokens"`
}

type IngestConfig struct {
	InboxDir       string `json:"inbox_dir" yaml:"inbox_dir"`
	MaxUploadBytes int64  `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	MaxScrapeBytes int64  `json:"max_scrape_bytes" yaml:"max_scrape_bytes"`
}

const DefaultBaseInstructions = "You are a concise, helpful assistant. Answer the user's question directly. " +
	"Use the supplied conversation history and uploaded documents when they are relevant, " +
	"and cite the filename when quoting a document."

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	ApplyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return &cfg, nil
}

// ApplyDefaults fills every zero value with its default.
func ApplyDefaults(cfg *Config) {
	b := &cfg.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 16
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 128
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.RetentionInterval <= 0 {
		b.RetentionInterval = 30
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = "./data/uploads"
	}
	if b.MetricsNamespace == "" {
		b.MetricsNamespace = "chatrecall"
	}

	s := &cfg.Storage
	if s.Driver == "" {
		s.Driver = "sqlite3"
	}
	if s.Dir == "" {
		s.Dir = "./data/users"
	}
	if s.Prefix == "" {
		s.Prefix = "chatrecall"
	}
	if s.MaxTurns <= 0 {
		s.MaxTurns = 2000
	}
	if s.MaxDocuments <= 0 {
		s.MaxDocuments = 50
	}
	if s.MaxSessions <= 0 {
		s.MaxSessions = 200
	}

	c := &cfg.Context
	if c.BufferSize <= 0 {
		c.BufferSize = 12
	}
	if c.RecentTurns <= 0 {
		c.RecentTurns = 20
	}
	if c.KeywordLimit <= 0 {
		c.KeywordLimit = 5
	}
	if c.SimilarityLimit <= 0 {
		c.SimilarityLimit = 3
	}
	if c.MaxDocuments <= 0 {
		c.MaxDocuments = 5
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = 1500
	}
	if c.Budget <= 0 {
		c.Budget = 12000
	}
	if c.BaseInstructions == "" {
		c.BaseInstructions = DefaultBaseInstructions
	}

	p := &cfg.Completion
	if p.Timeout <= 0 {
		p.Timeout = 120
	}
	if p.Retries <= 0 {
		p.Retries = 3
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 2000
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 2000
	}

	i := &cfg.Ingest
	if i.MaxUploadBytes <= 0 {
		i.MaxUploadBytes = 10 << 20
	}
	if i.MaxScrapeBytes <= 0 {
		i.MaxScrapeBytes = 2 << 20
	}
}

// Validate rejects settings the store cannot work with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3":
	case "mysql", "postgres", "pgx":
		if c.Storage.Server == "" {
			return fmt.Errorf("storage.server must name a database entry for driver %s", c.Storage.Driver)
		}
		if _, ok := c.Databases[c.Storage.Server]; !ok {
			return fmt.Errorf("database config for %s not found", c.Storage.Server)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Context.PreviewChars > c.Context.Budget {
		return fmt.Errorf("context.preview_chars (%d) exceeds context.budget (%d)", c.Context.PreviewChars, c.Context.Budget)
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	if !filepath.IsAbs(c.Storage.Dir) {
		c.Storage.Dir = filepath.Join(base, c.Storage.Dir)
	}
	if !filepath.IsAbs(c.BasicConfig.FileBaseDir) {
		c.BasicConfig.FileBaseDir = filepath.Join(base, c.BasicConfig.FileBaseDir)
	}
	if c.Ingest.InboxDir != "" && !filepath.IsAbs(c.Ingest.InboxDir) {
		c.Ingest.InboxDir = filepath.Join(base, c.Ingest.InboxDir)
	}
}

func applyEnv(cfg *Config) {
	if v := envInt("CHATRECALL_BUFFER_SIZE"); v > 0 {
		cfg.Context.BufferSize = v
	}
	if v := envInt("CHATRECALL_MAX_DOCS_TO_INJECT"); v > 0 {
		cfg.Context.MaxDocuments = v
	}
	if v := envInt("CHATRECALL_CONTEXT_BUDGET"); v > 0 {
		cfg.Context.Budget = v
	}
}

func envInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
