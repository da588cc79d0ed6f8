// Package cache is a thin HTTP-response cache wrapper over the shared kv
// engine: same storage composition as the KV binding, but with its own
// (looser) limits and an HTTP-response shaped value instead of an arbitrary
// byte string.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudflare/miniflare-sub005/internal/storage/kv"
)

// MaxCacheValueBytes caps a single cached response body, well above KV's
// limit since cached responses are typically whole HTTP bodies.
const MaxCacheValueBytes = 512 << 20 // 512 MiB

// ErrValueTooLarge is returned when a response body exceeds MaxCacheValueBytes.
var ErrValueTooLarge = errors.New("cache: response exceeds maximum cacheable size")

// ErrNotFound is returned when no cached response exists under key.
var ErrNotFound = kv.ErrNotFound

// CachedResponse is a stored response: status, headers, and body.
type CachedResponse struct {
	Status  int
	Headers http.Header
	Body    io.ReadCloser
}

// record is the JSON shape stored in the kv row's metadata column.
type record struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
}

// Namespace is a single Cache instance (the default cache, or a named one
// opened via caches.open(name)), backed by its own namespace storage.
type Namespace struct {
	engine *kv.Engine
}

// New wires a Namespace on top of an already-open kv Engine.
func New(engine *kv.Engine) *Namespace {
	return &Namespace{engine: engine}
}

// Put stores resp under key, honoring an optional Cache-Control-derived TTL
// (ttlSeconds == nil means cache until explicitly evicted or replaced).
func (n *Namespace) Put(ctx context.Context, key string, status int, headers http.Header, body []byte, ttlSeconds *int64) error {
	if len(body) > MaxCacheValueBytes {
		return ErrValueTooLarge
	}
	rec := record{Status: status, Headers: headers}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: encoding response metadata: %w", err)
	}

	var exp *int64
	if ttlSeconds != nil {
		v := time.Now().UnixMilli() + *ttlSeconds*1000
		exp = &v
	}

	if _, err := n.engine.PutBytes(ctx, key, body, kv.PutOptions{ExpirationMillis: exp, Metadata: raw}); err != nil {
		return fmt.Errorf("cache: writing response: %w", err)
	}
	return nil
}

// Match returns the cached response for key, or ErrNotFound.
func (n *Namespace) Match(key string) (*CachedResponse, error) {
	ent, err := n.engine.Get(key)
	if err != nil {
		return nil, err
	}
	var rec record
	if len(ent.Metadata) > 0 {
		if err := json.Unmarshal(ent.Metadata, &rec); err != nil {
			ent.Value.Close()
			return nil, fmt.Errorf("cache: decoding response metadata: %w", err)
		}
	}
	return &CachedResponse{Status: rec.Status, Headers: rec.Headers, Body: ent.Value}, nil
}

// Delete evicts key. A missing key is not an error, matching the Cache API's
// "delete() resolves to a boolean" contract collapsed here to "best effort".
func (n *Namespace) Delete(key string) error {
	return n.engine.Delete(key)
}

// Close releases the namespace's underlying storage engine.
func (n *Namespace) Close() error {
	return n.engine.Close()
}
