// Package assets resolves named filler clips prepared out of band.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a named clip does not exist in the store.
var ErrNotFound = errors.New("asset not found")

// Store loads a clip by name.
type Store interface {
	Load(ctx context.Context, name string) ([]byte, error)
}

// DefaultExtension is appended to clip names that carry none.
const DefaultExtension = ".mulaw"

// clipName normalizes a clip name into a relative, slash-separated key.
func clipName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("asset name is required")
	}
	clean := path.Clean("/" + filepath.ToSlash(name))[1:]
	if clean == "" || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid asset name %q", name)
	}
	if path.Ext(clean) == "" {
		clean += DefaultExtension
	}
	return clean, nil
}

// DirStore reads clips from a local directory.
type DirStore struct {
	Root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (d *DirStore) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := clipName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("assets: load %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("assets: load %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("assets: load %s: empty clip: %w", key, ErrNotFound)
	}
	return data, nil
}

// Cache memoizes successful loads from an underlying store. Misses are not
// cached so a clip uploaded after startup is picked up on the next call.
type Cache struct {
	store Store

	mu    sync.RWMutex
	clips map[string][]byte
}

func NewCache(store Store) *Cache {
	return &Cache{store: store, clips: make(map[string][]byte)}
}

func (c *Cache) Load(ctx context.Context, name string) ([]byte, error) {
	c.mu.RLock()
	data, ok := c.clips[name]
	c.mu.RUnlock()
	if ok {
		return data, nil
	}

	data, err := c.store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.clips[name] = data
	c.mu.Unlock()
	return data, nil
}

// Len returns the number of cached clips.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clips)
}
