package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"datalens/internal/artifact"
)

type Config struct {
	Port string
	Env  string

	Engine   EngineConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Store    StoreConfig
	Archive  ArchiveConfig
}

type EngineConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type LLMConfig struct {
	// Provider is "gemini", "openrouter", or "fake".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

type PipelineConfig struct {
	TablePrefix         string
	DefaultRowLimit     int
	MaxSteps            int
	SchemaByteBudget    int
	EvidenceRowLimit    int
	ArchiveRowThreshold int
}

type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string
	DSN    string
}

type ArchiveConfig struct {
	Enabled bool
	S3      artifact.S3Config
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8081", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	return &Config{
		Port:     *port,
		Env:      env,
		Engine:   loadEngineConfig(),
		LLM:      loadLLMConfig(),
		Pipeline: loadPipelineConfig(),
		Store:    loadStoreConfig(),
		Archive:  loadArchiveConfig(env),
	}, nil
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		BaseURL: firstNonEmpty(strings.TrimSpace(os.Getenv("ENGINE_URL")), "http://localhost:9200"),
		APIKey:  strings.TrimSpace(os.Getenv("ENGINE_API_KEY")),
		Timeout: envDuration("ENGINE_TIMEOUT", 30*time.Second),
	}
}

func loadLLMConfig() LLMConfig {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if provider == "" {
		switch {
		case strings.TrimSpace(os.Getenv("GEMINI_API_KEY")) != "":
			provider = "gemini"
		case strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")) != "":
			provider = "openrouter"
		default:
			provider = "fake"
		}
	}
	return LLMConfig{
		Provider: provider,
		Model:    strings.TrimSpace(os.Getenv("LLM_MODEL")),
		APIKey:   apiKey,
		BaseURL:  strings.TrimSpace(os.Getenv("LLM_BASE_URL")),
		Timeout:  envDuration("LLM_TIMEOUT", 60*time.Second),
	}
}

func loadPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TablePrefix:         firstNonEmpty(strings.TrimSpace(os.Getenv("TABLE_PREFIX")), "files"),
		DefaultRowLimit:     envInt("DEFAULT_ROW_LIMIT", 1000),
		MaxSteps:            envInt("MAX_PLAN_STEPS", 5),
		SchemaByteBudget:    envInt("SCHEMA_BYTE_BUDGET", 16*1024),
		EvidenceRowLimit:    envInt("EVIDENCE_ROW_LIMIT", 20),
		ArchiveRowThreshold: envInt("ARCHIVE_ROW_THRESHOLD", 500),
	}
}

func loadStoreConfig() StoreConfig {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	dsn := strings.TrimSpace(os.Getenv("STORE_DSN"))
	if driver == "" {
		if strings.HasPrefix(dsn, "postgres") {
			driver = "postgres"
		} else {
			driver = "sqlite"
		}
	}
	if driver == "sqlite" && dsn == "" {
		dsn = "datalens.db"
	}
	return StoreConfig{Driver: driver, DSN: dsn}
}

func loadArchiveConfig(env string) ArchiveConfig {
	endpoint := resolveArchiveEndpoint(env)
	return ArchiveConfig{
		Enabled: endpoint != "",
		S3: artifact.S3Config{
			Endpoint:  endpoint,
			Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_REGION")), "us-east-1"),
			AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
			SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
			Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_BUCKET")), "datalens-results"),
			UseSSL:    resolveArchiveUseSSL(env),
		},
	}
}

func resolveArchiveEndpoint(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return strings.TrimSpace(os.Getenv("ARCHIVE_MINIO_ENDPOINT"))
	}
	return strings.TrimSpace(os.Getenv("ARCHIVE_S3_ENDPOINT"))
}

func resolveArchiveUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("ARCHIVE_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
