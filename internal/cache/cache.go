// Package cache decides whether a resolved locator repeats the previous
// resolution for the same script and caller, and persists the latest one.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"scriptresolver/internal/locator"
)

// KeyPrefix namespaces every key written by the resolution cache.
const KeyPrefix = "ScriptManager.Cache."

// Storage is the persistence boundary. GetItem returns ok == false on a miss.
type Storage interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Key derives the cache key for a script requested by a caller. The same
// script loaded by different callers is tracked independently.
func Key(scriptID, callerID string) string {
	return KeyPrefix + url.PathEscape(callerID) + "/" + url.PathEscape(scriptID)
}

type Outcome int

const (
	// Uncacheable resolutions bypass the store.
	Uncacheable Outcome = iota
	// Miss means no entry existed or it pointed at a different url.
	Miss
	// Hit means the entry carried the same url.
	Hit
)

func (o Outcome) String() string {
	switch o {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	default:
		return "uncacheable"
	}
}

// Decide sets candidate.Fetch. Only the url takes part in the comparison, so
// a resolver that starts pointing somewhere else invalidates the entry on its
// own. The store is written on a miss only.
func Decide(ctx context.Context, store Storage, key string, candidate locator.Locator, cacheable bool) (locator.Locator, Outcome, error) {
	candidate.Fetch = true
	if !cacheable {
		return candidate, Uncacheable, nil
	}
	if store == nil {
		return candidate, Uncacheable, fmt.Errorf("storage is nil")
	}

	raw, ok, err := store.GetItem(ctx, key)
	if err != nil {
		return candidate, Miss, err
	}
	if ok {
		var prev locator.Locator
		if err := json.Unmarshal([]byte(raw), &prev); err != nil {
			return candidate, Miss, fmt.Errorf("decode cache entry %s: %w", key, err)
		}
		if prev.URL == candidate.URL {
			candidate.Fetch = false
			return candidate, Hit, nil
		}
	}

	encoded, err := encodeEntry(candidate)
	if err != nil {
		return candidate, Miss, err
	}
	if err := store.SetItem(ctx, key, string(encoded)); err != nil {
		return candidate, Miss, err
	}
	return candidate, Miss, nil
}

// encodeEntry keeps '&' and friends readable in stored query strings.
func encodeEntry(loc locator.Locator) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(loc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
