package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Binding-level caps, mirroring the Workers KV limits: the engine itself is
// agnostic to these, so Cache can reuse it with its own (looser) caps.
const (
	MaxKeyBytes        = 512
	MaxValueBytes      = 25 << 20 // 25 MiB
	MaxMetadataBytes   = 1024
	MinExpirationTTLSecs = 60
)

var (
	// ErrKeyTooLarge is returned when a key exceeds MaxKeyBytes.
	ErrKeyTooLarge = errors.New("kv: key exceeds maximum size")
	// ErrValueTooLarge is returned when a value exceeds MaxValueBytes.
	ErrValueTooLarge = errors.New("kv: value exceeds maximum size")
	// ErrMetadataTooLarge is returned when serialized metadata exceeds MaxMetadataBytes.
	ErrMetadataTooLarge = errors.New("kv: metadata exceeds maximum size")
	// ErrTTLTooShort is returned when a TTL is below MinExpirationTTLSecs.
	ErrTTLTooShort = errors.New("kv: expirationTtl below minimum")
	// ErrEmptyKey is returned for a zero-length key.
	ErrEmptyKey = errors.New("kv: key must not be empty")
	// ErrInvalidKey is returned for a key of literally "." or "..".
	ErrInvalidKey = errors.New("kv: key must not be \".\" or \"..\"")
	// ErrExpirationInPast is returned when a resolved expiration (whether
	// given directly or derived from a TTL) is not strictly in the future.
	ErrExpirationInPast = errors.New("kv: expiration must be in the future")
)

// Binding enforces the Workers KV binding's documented limits on top of a
// shared Engine. The Cache binding does not go through Binding: it wraps
// the same Engine directly (package cache) with its own limits.
type Binding struct {
	engine *Engine
}

// NewBinding wraps engine with KV's documented limits.
func NewBinding(engine *Engine) *Binding {
	return &Binding{engine: engine}
}

// BindingPutOptions mirrors the JS-visible put() options object, before
// resolution to an absolute expiration.
type BindingPutOptions struct {
	ExpirationMillis    *int64
	ExpirationTTLSeconds *int64
	Metadata            json.RawMessage
}

// Put validates key/value/metadata/TTL against KV's limits before
// delegating to the underlying Engine. ctx's cancellation is honored per
// Engine.PutBytes: an abort after the blob commits background-deletes it
// and propagates as an error instead of indexing the write.
func (b *Binding) Put(ctx context.Context, key string, value []byte, opts BindingPutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(value) > MaxValueBytes {
		return ErrValueTooLarge
	}
	if len(opts.Metadata) > MaxMetadataBytes {
		return ErrMetadataTooLarge
	}
	if opts.ExpirationTTLSeconds != nil && *opts.ExpirationTTLSeconds < MinExpirationTTLSecs {
		return ErrTTLTooShort
	}

	now := b.engine.now()
	resolved := resolveExpiration(now, opts)
	if resolved != nil && *resolved <= now.UnixMilli() {
		return ErrExpirationInPast
	}

	_, err := b.engine.PutBytes(ctx, key, value, PutOptions{
		ExpirationMillis: resolved,
		Metadata:         opts.Metadata,
	})
	if err != nil {
		return fmt.Errorf("kv binding: put: %w", err)
	}
	return nil
}

func resolveExpiration(now time.Time, opts BindingPutOptions) *int64 {
	if opts.ExpirationMillis != nil {
		return opts.ExpirationMillis
	}
	if opts.ExpirationTTLSeconds != nil {
		v := now.UnixMilli() + *opts.ExpirationTTLSeconds*1000
		return &v
	}
	return nil
}

func validateKey(key string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyBytes {
		return ErrKeyTooLarge
	}
	if key == "." || key == ".." {
		return ErrInvalidKey
	}
	return nil
}

// Get reads the full value for key.
func (b *Binding) Get(key string) (*Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return b.engine.Get(key)
}

// GetBytes reads and fully buffers the value for key.
func (b *Binding) GetBytes(key string) ([]byte, *Entry, error) {
	ent, err := b.Get(key)
	if err != nil {
		return nil, nil, err
	}
	defer ent.Value.Close()
	data, err := io.ReadAll(ent.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("kv binding: reading value: %w", err)
	}
	return data, ent, nil
}

// Delete removes key.
func (b *Binding) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return b.engine.Delete(key)
}

// List delegates to the underlying Engine's prefix listing.
func (b *Binding) List(prefix, cursor string, limit int) (*ListResult, error) {
	return b.engine.List(prefix, cursor, limit)
}
