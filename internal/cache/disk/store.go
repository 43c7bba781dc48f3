// Package disk is a storage adapter that keeps each entry in its own file
// under Root. A file carries its key, value and expiry; its modification time
// records when the entry was last used, so recency survives restarts without
// a separate index.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxEntries = 4096
	defaultTTL        = 7 * 24 * time.Hour
	entryExt          = ".entry"
)

type Config struct {
	Root       string
	MaxEntries int
	TTL        time.Duration
}

type record struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store bounds the directory to MaxEntries files, evicting the least recently
// used one, and drops entries whose TTL has passed.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	// recent maps a key to its expiry. Evicting a key removes its file.
	recent *lru.Cache[string, time.Time]
}

func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	s := &Store{dir: root, ttl: cfg.TTL, now: time.Now}
	recent, err := lru.NewWithEvict[string, time.Time](cfg.MaxEntries, func(key string, _ time.Time) {
		_ = os.Remove(s.path(key))
	})
	if err != nil {
		return nil, err
	}
	s.recent = recent
	if err := s.restore(); err != nil {
		return nil, fmt.Errorf("restore entries: %w", err)
	}
	return s, nil
}

func (s *Store) GetItem(_ context.Context, key string) (string, bool, error) {
	if s == nil || s.recent == nil {
		return "", false, fmt.Errorf("store is nil")
	}
	if strings.TrimSpace(key) == "" {
		return "", false, fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.recent.Get(key)
	if !ok {
		return "", false, nil
	}
	now := s.now()
	if !now.Before(expiresAt) {
		s.recent.Remove(key)
		return "", false, nil
	}
	rec, err := readRecord(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.recent.Remove(key)
			return "", false, nil
		}
		return "", false, err
	}
	if err := os.Chtimes(s.path(key), now, now); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (s *Store) SetItem(_ context.Context, key, value string) error {
	if s == nil || s.recent == nil {
		return fmt.Errorf("store is nil")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{Key: key, Value: value, ExpiresAt: s.now().Add(s.ttl)}
	if err := writeRecord(s.path(key), rec); err != nil {
		return err
	}
	s.recent.Add(key, rec.ExpiresAt)
	return nil
}

func (s *Store) RemoveItem(_ context.Context, key string) error {
	if s == nil || s.recent == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recent.Remove(key) {
		// Not tracked, but a stale file may still be on disk.
		if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	if s == nil || s.recent == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent.Purge()
	return nil
}

func (s *Store) Len() int {
	if s == nil || s.recent == nil {
		return 0
	}
	return s.recent.Len()
}

// restore loads the entries found under the root, oldest use first, so the
// most recently used ones win when the directory holds more than fits.
// Expired and unreadable files are deleted.
func (s *Store) restore() error {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	type found struct {
		key       string
		expiresAt time.Time
		usedAt    time.Time
	}
	now := s.now()
	var entries []found
	for _, d := range dirents {
		if d.IsDir() || filepath.Ext(d.Name()) != entryExt {
			continue
		}
		path := filepath.Join(s.dir, d.Name())
		info, err := d.Info()
		if err != nil {
			continue
		}
		rec, err := readRecord(path)
		if err != nil || !now.Before(rec.ExpiresAt) || s.path(rec.Key) != path {
			_ = os.Remove(path)
			continue
		}
		entries = append(entries, found{key: rec.Key, expiresAt: rec.ExpiresAt, usedAt: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].usedAt.Equal(entries[j].usedAt) {
			return entries[i].key < entries[j].key
		}
		return entries[i].usedAt.Before(entries[j].usedAt)
	})
	for _, e := range entries {
		s.recent.Add(e.key, e.expiresAt)
	}
	return nil
}

func (s *Store) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+entryExt)
}

func readRecord(path string) (record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// writeRecord replaces the file in one rename so readers never see a partial
// entry.
func writeRecord(path string, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
