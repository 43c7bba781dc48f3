package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StorageDisk     = "disk"
	StorageS3       = "s3"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

type Config struct {
	Port    string
	Env     string
	Script  ScriptConfig
	Storage StorageConfig
}

type ScriptConfig struct {
	PublicPath     string
	ChunkExtension string
	RulesFile      string
	// BundleRoot is the directory file:// locators may be loaded from.
	BundleRoot string
	Coalesce   bool
}

type StorageConfig struct {
	Driver string
	Memory MemoryConfig
	Disk   DiskConfig
	S3     S3Config
	// Front is the in-memory tier put in front of s3, postgres and sqlite.
	Front FrontConfig
	// DatabaseURL is the postgres DSN.
	DatabaseURL string
	SQLitePath  string
}

type FrontConfig struct {
	Enabled bool
	TTL     time.Duration
}

type MemoryConfig struct {
	Size int
	TTL  time.Duration
}

type DiskConfig struct {
	Root       string
	MaxEntries int
	TTL        time.Duration
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

func (c S3Config) CanUse() bool {
	return strings.TrimSpace(c.Endpoint) != "" &&
		strings.TrimSpace(c.AccessKey) != "" &&
		strings.TrimSpace(c.SecretKey) != "" &&
		strings.TrimSpace(c.Bucket) != ""
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	cfg := &Config{
		Port: normalizePort(firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), ":8081")),
		Env:  env,
		Script: ScriptConfig{
			PublicPath:     strings.TrimSpace(os.Getenv("SCRIPT_PUBLIC_PATH")),
			ChunkExtension: firstNonEmpty(strings.TrimSpace(os.Getenv("SCRIPT_CHUNK_EXTENSION")), ".chunk.bundle"),
			RulesFile:      strings.TrimSpace(os.Getenv("SCRIPT_RULES_FILE")),
			BundleRoot:     strings.TrimSpace(os.Getenv("SCRIPT_BUNDLE_ROOT")),
			Coalesce:       envBool("SCRIPT_COALESCE", false),
		},
		Storage: loadStorageConfig(env),
	}
	return cfg, nil
}

func loadStorageConfig(env string) StorageConfig {
	local := isLocal(env)
	var s3 S3Config
	if local {
		s3 = localS3Config()
	} else {
		s3 = S3Config{
			Endpoint:  strings.TrimSpace(os.Getenv("STORAGE_S3_ENDPOINT")),
			Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_REGION")), "us-east-1"),
			AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
			SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
			Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_BUCKET")), "script-cache"),
			Prefix:    strings.TrimSpace(os.Getenv("STORAGE_S3_PREFIX")),
			UseSSL:    envBool("STORAGE_S3_USE_SSL", true),
		}
	}

	return StorageConfig{
		Driver: strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_DRIVER")), StorageMemory)),
		Memory: MemoryConfig{
			Size: envInt("STORAGE_MEMORY_SIZE", 1024),
			TTL:  envDuration("STORAGE_MEMORY_TTL", 24*time.Hour),
		},
		Disk: DiskConfig{
			Root:       firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_DISK_ROOT")), "tmp/script-cache"),
			MaxEntries: envInt("STORAGE_DISK_MAX_ENTRIES", 4096),
			TTL:        envDuration("STORAGE_DISK_TTL", 7*24*time.Hour),
		},
		S3: s3,
		Front: FrontConfig{
			Enabled: envBool("STORAGE_FRONT_CACHE", true),
			TTL:     envDuration("STORAGE_FRONT_TTL", 30*time.Second),
		},
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:  firstNonEmpty(strings.TrimSpace(os.Getenv("SQLITE_PATH")), "tmp/script-cache.db"),
	}
}

func isLocal(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "local")
}

func normalizePort(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
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
