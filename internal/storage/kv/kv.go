// Package kv is the binding-agnostic key/value engine shared by the KV
// namespace binding and the Cache binding: both are "blob referenced by a
// metadata row" stores, differing only in the caps enforced on top. The
// engine itself knows nothing about KV- or Cache-specific limits.
package kv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/miniflare-sub005/internal/storage/blobstore"
	"github.com/cloudflare/miniflare-sub005/internal/storage/metadb"
)

// ErrNotFound is returned when a key has no live entry (absent, or expired).
var ErrNotFound = errors.New("kv: key not found")

// ErrInvalidCursor is returned when a List cursor is not a value List
// itself produced.
var ErrInvalidCursor = errors.New("kv: invalid cursor")

// Entry is a fully materialized key/value row, as returned by Get.
type Entry struct {
	Key        string
	Value      io.ReadCloser
	Expiration *int64 // ms since epoch
	Metadata   json.RawMessage
}

// Engine composes a namespace's blob store and metadata database into a
// single key/value API. It is safe for concurrent use.
type Engine struct {
	blobs *blobstore.Store
	meta  *metadb.DB
	clock func() time.Time
}

// New wires an Engine on top of an already-open blob store and metadata
// database. Both are namespace-scoped by the caller.
func New(blobs *blobstore.Store, meta *metadb.DB) *Engine {
	return &Engine{blobs: blobs, meta: meta, clock: time.Now}
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

// Close releases the engine's metadata database connection. The blob store
// holds no open handles of its own and needs no corresponding call.
func (e *Engine) Close() error {
	return e.meta.Close()
}

// PutOptions configures a Put call. Expiration and ExpirationTTL are
// mutually exclusive in the caller's API surface (the binding layer is
// responsible for that validation); the engine only ever sees a resolved
// absolute expiration in milliseconds, or nil for "never".
type PutOptions struct {
	ExpirationMillis *int64
	Metadata         json.RawMessage
}

// Put writes value under key, returning the blob id of any value it
// superseded (for the caller's own bookkeeping; Put has already started
// deleting the superseded blob in a background goroutine, which may still
// be running when Put returns). The blob is written before
// the metadata row is committed, so a crash mid-Put never leaves a
// metadata row pointing at a nonexistent blob; it can only leak an orphan
// blob, which is always safe to garbage collect later.
//
// If ctx is cancelled after the blob commits but before the metadata row
// is indexed, the newly written blob is background-deleted and ctx.Err()
// is returned without indexing anything.
func (e *Engine) Put(ctx context.Context, key string, value io.Reader, opts PutOptions) (supersededBlobID string, err error) {
	blobID, err := e.blobs.Put(value)
	if err != nil {
		return "", fmt.Errorf("kv: writing value: %w", err)
	}
	if err := ctx.Err(); err != nil {
		go e.blobs.Delete(blobID)
		return "", err
	}

	var metaStr *string
	if len(opts.Metadata) > 0 {
		s := string(opts.Metadata)
		metaStr = &s
	}

	prev, err := e.meta.Put(key, blobID, opts.ExpirationMillis, metaStr)
	if err != nil {
		e.blobs.Delete(blobID)
		return "", fmt.Errorf("kv: indexing value: %w", err)
	}
	if prev != "" {
		go e.blobs.Delete(prev)
	}
	return prev, nil
}

// PutBytes is a convenience wrapper for in-memory values; see Put for the
// ctx cancellation and blob-reclaim contract.
func (e *Engine) PutBytes(ctx context.Context, key string, value []byte, opts PutOptions) (string, error) {
	id, err := e.blobs.PutBytes(value)
	if err != nil {
		return "", fmt.Errorf("kv: writing value: %w", err)
	}
	if err := ctx.Err(); err != nil {
		go e.blobs.Delete(id)
		return "", err
	}

	var metaStr *string
	if len(opts.Metadata) > 0 {
		s := string(opts.Metadata)
		metaStr = &s
	}
	prev, err := e.meta.Put(key, id, opts.ExpirationMillis, metaStr)
	if err != nil {
		e.blobs.Delete(id)
		return "", fmt.Errorf("kv: indexing value: %w", err)
	}
	if prev != "" {
		go e.blobs.Delete(prev)
	}
	return prev, nil
}

// Get returns the live entry for key. A key whose expiration has already
// passed is treated identically to an absent key: ErrNotFound, and the
// stale row/blob are reclaimed inline (lazy expiry, matching spec's
// "expiration is checked at read time" model — no separate sweep is needed
// for correctness, only for reclaiming disk space promptly).
func (e *Engine) Get(key string) (*Entry, error) {
	row, err := e.meta.Get(key)
	if err != nil {
		return nil, fmt.Errorf("kv: reading index: %w", err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	if e.expired(row.Expiration) {
		e.reap(key, row.BlobID)
		return nil, ErrNotFound
	}
	rc, err := e.blobs.Get(row.BlobID, nil)
	if err != nil {
		if err == blobstore.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv: reading value: %w", err)
	}
	return rowToEntry(key, row, rc), nil
}

// GetRange is like Get but returns only the given inclusive byte range of
// the value.
func (e *Engine) GetRange(key string, rng blobstore.Range) (*Entry, error) {
	row, err := e.meta.Get(key)
	if err != nil {
		return nil, fmt.Errorf("kv: reading index: %w", err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	if e.expired(row.Expiration) {
		e.reap(key, row.BlobID)
		return nil, ErrNotFound
	}
	rc, err := e.blobs.Get(row.BlobID, &rng)
	if err != nil {
		if err == blobstore.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv: reading ranged value: %w", err)
	}
	return rowToEntry(key, row, rc), nil
}

// Head is like Get but omits the value body, for metadata-only lookups.
func (e *Engine) Head(key string) (*Entry, error) {
	row, err := e.meta.Get(key)
	if err != nil {
		return nil, fmt.Errorf("kv: reading index: %w", err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	if e.expired(row.Expiration) {
		e.reap(key, row.BlobID)
		return nil, ErrNotFound
	}
	return rowToEntry(key, row, nil), nil
}

func rowToEntry(key string, row *metadb.Row, value io.ReadCloser) *Entry {
	ent := &Entry{Key: key, Value: value, Expiration: row.Expiration}
	if row.Metadata != nil {
		ent.Metadata = json.RawMessage(*row.Metadata)
	}
	return ent
}

func (e *Engine) expired(exp *int64) bool {
	if exp == nil {
		return false
	}
	return *exp <= e.now().UnixMilli()
}

func (e *Engine) reap(key, blobID string) {
	e.meta.Delete(key)
	e.blobs.Delete(blobID)
}

// Delete removes key, reclaiming its blob. A missing key is not an error.
func (e *Engine) Delete(key string) error {
	blobID, existed, err := e.meta.Delete(key)
	if err != nil {
		return fmt.Errorf("kv: deleting index: %w", err)
	}
	if !existed {
		return nil
	}
	return e.blobs.Delete(blobID)
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Keys       []ListKey
	Cursor     string // empty when the listing is complete
	ListComplete bool
}

// ListKey is a single row surfaced by List, without its value.
type ListKey struct {
	Key        string
	Expiration *int64
	Metadata   json.RawMessage
}

// decodeCursor turns an opaque List cursor back into the raw key it was
// encoded from ("" decodes to "", the start-of-listing cursor).
func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", ErrInvalidCursor
	}
	return string(raw), nil
}

func encodeCursor(key string) string {
	return base64.StdEncoding.EncodeToString([]byte(key))
}

// List returns up to limit live keys under prefix, sorted lexicographically
// and starting strictly after cursor (an opaque base64 continuation of the
// last key seen). Expired rows encountered during the scan are reaped
// inline and excluded from the page, matching Get's lazy-expiry semantics.
//
// Each round queries limit+1 rows past the last accepted key: the extra row
// is a peek used only to decide whether a next cursor is warranted, so a
// page that exactly exhausts the prefix never returns a spurious cursor.
func (e *Engine) List(prefix, cursor string, limit int) (*ListResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	res := &ListResult{}
	for {
		want := limit - len(res.Keys)
		rows, err := e.meta.ListAfter(prefix, after, want+1)
		if err != nil {
			return nil, fmt.Errorf("kv: listing: %w", err)
		}
		if len(rows) == 0 {
			res.ListComplete = true
			return res, nil
		}

		for _, row := range rows {
			if e.expired(row.Expiration) {
				e.reap(row.Key, row.BlobID)
				after = row.Key
				continue
			}
			if len(res.Keys) >= limit {
				// This live row is the limit+1 peek: more data exists
				// beyond the page we've already filled.
				res.Cursor = encodeCursor(after)
				return res, nil
			}
			lk := ListKey{Key: row.Key, Expiration: row.Expiration}
			if row.Metadata != nil {
				lk.Metadata = json.RawMessage(*row.Metadata)
			}
			res.Keys = append(res.Keys, lk)
			after = row.Key
		}

		if len(rows) <= want {
			res.ListComplete = true
			return res, nil
		}
		// Exactly want+1 rows came back but the peek row turned out
		// expired (or landed mid-page behind other expired rows): loop
		// again to find a genuine peek past the last accepted key.
	}
}

// ReapExpired sweeps the whole namespace for rows past their expiration and
// reclaims their blobs. Nothing in this module runs it automatically;
// Get/List already reap lazily, so a sweep only matters for keys that are
// never read again.
func (e *Engine) ReapExpired() (int, error) {
	ids, err := e.meta.DeleteExpired(e.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("kv: sweeping expired: %w", err)
	}
	for _, id := range ids {
		e.blobs.Delete(id)
	}
	return len(ids), nil
}
