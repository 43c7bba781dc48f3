package app

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"scriptresolver/internal/cache"
	"scriptresolver/internal/cache/disk"
	"scriptresolver/internal/cache/memory"
	"scriptresolver/internal/cache/objectstore"
	"scriptresolver/internal/cache/sqlstore"
	"scriptresolver/internal/cache/tiered"
	"scriptresolver/internal/config"
)

// openedStorage is the storage adapter picked from config plus whatever has
// to be released on shutdown.
type openedStorage struct {
	storage cache.Storage
	label   string
	close   func() error
}

func initStorage(cfg *config.Config) (*openedStorage, error) {
	opened, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	switch opened.label {
	case "s3", "postgres", "sqlite":
		if cfg.Storage.Front.Enabled {
			opened.storage = tiered.NewCachedStore(opened.storage, tiered.CacheConfig{
				TTL:        cfg.Storage.Front.TTL,
				MaxEntries: cfg.Storage.Memory.Size,
			})
			log.Printf("script cache: in-memory front for %s ttl=%s", opened.label, cfg.Storage.Front.TTL)
		}
	}
	return opened, nil
}

func openStorage(sc config.StorageConfig) (*openedStorage, error) {
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", config.StorageMemory:
		return initMemoryStorage(sc), nil
	case config.StorageDisk:
		store, err := disk.New(disk.Config{
			Root:       sc.Disk.Root,
			MaxEntries: sc.Disk.MaxEntries,
			TTL:        sc.Disk.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize disk storage: %w", err)
		}
		log.Printf("script cache: disk root=%s", sc.Disk.Root)
		return &openedStorage{storage: store, label: "disk"}, nil
	case config.StorageS3:
		if !sc.S3.CanUse() {
			log.Printf("script cache: using in-memory fallback (s3 config incomplete)")
			return initMemoryStorage(sc), nil
		}
		store, err := objectstore.New(objectstore.Config{
			Endpoint:  sc.S3.Endpoint,
			Region:    sc.S3.Region,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
			Bucket:    sc.S3.Bucket,
			Prefix:    sc.S3.Prefix,
			UseSSL:    sc.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		log.Printf("script cache: s3 bucket=%s endpoint=%s", sc.S3.Bucket, sc.S3.Endpoint)
		return &openedStorage{storage: store, label: "s3"}, nil
	case config.StoragePostgres:
		if strings.TrimSpace(sc.DatabaseURL) == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres storage driver")
		}
		store, err := sqlstore.Open(sqlstore.Postgres, sc.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		log.Printf("script cache: postgres")
		return &openedStorage{storage: store, label: "postgres", close: store.Close}, nil
	case config.StorageSQLite:
		if dir := filepath.Dir(sc.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
			}
		}
		store, err := sqlstore.Open(sqlstore.SQLite, sc.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite storage: %w", err)
		}
		log.Printf("script cache: sqlite path=%s", sc.SQLitePath)
		return &openedStorage{storage: store, label: "sqlite", close: store.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

func initMemoryStorage(sc config.StorageConfig) *openedStorage {
	log.Printf("script cache: in-memory size=%d ttl=%s", sc.Memory.Size, sc.Memory.TTL)
	return &openedStorage{
		storage: memory.New(memory.Config{MaxEntries: sc.Memory.Size, TTL: sc.Memory.TTL}),
		label:   "in-memory",
	}
}
