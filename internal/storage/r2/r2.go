// Package r2 implements the R2-flavoured single-object store and multipart
// upload engine on top of the shared kv engine: regular objects are kv rows
// whose value is the object body and whose metadata column carries the
// object's R2 metadata as JSON; multipart upload state and parts live under
// a reserved key prefix so they ride the same metadata-database
// transactions as everything else.
package r2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudflare/miniflare-sub005/internal/storage/blobstore"
	"github.com/cloudflare/miniflare-sub005/internal/storage/kv"
	"github.com/cloudflare/miniflare-sub005/internal/storage/objectmodel"
)

// ReservedPrefix marks keys reserved for multipart upload bookkeeping;
// regular object keys may not begin with it.
const ReservedPrefix = "\x00mpu/"

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("r2: object not found")
	// ErrReservedKey is returned when a caller tries to read/write a regular
	// object at a key under ReservedPrefix.
	ErrReservedKey = errors.New("r2: key uses the reserved multipart prefix")
	// ErrPreconditionFailed is returned by Put/Delete when a Conditional
	// evaluates to Fail.
	ErrPreconditionFailed = errors.New("r2: precondition failed")
)

// record is the JSON shape persisted in a kv row's metadata column for an
// object: a regular object, or the pointer row of a completed multipart
// upload (Multipart and MultipartParts set).
type record struct {
	Version        string                  `json:"version"`
	Etag           string                  `json:"etag"`
	Size           int64                   `json:"size"`
	UploadedUnixMs int64                   `json:"uploaded"`
	HTTPMetadata   objectmodel.HTTPMetadata `json:"httpMetadata"`
	CustomMetadata map[string]string       `json:"customMetadata,omitempty"`
	Checksums      map[string]string       `json:"checksums,omitempty"`
	Multipart      bool                    `json:"multipart,omitempty"`
	MultipartParts []multipartPointerPart  `json:"multipartParts,omitempty"`
}

type multipartPointerPart struct {
	PartNumber int   `json:"partNumber"`
	Size       int64 `json:"size"`
}

// Store is a namespace's R2 bucket.
type Store struct {
	engine *kv.Engine
	clock  func() time.Time
}

// New wires a Store on top of an already-open kv Engine (sharing its blob
// store and metadata database with no other binding in the same
// namespace — R2 buckets are not multiplexed with KV namespaces).
func New(engine *kv.Engine) *Store {
	return &Store{engine: engine, clock: time.Now}
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// Close releases the bucket's underlying storage engine.
func (s *Store) Close() error {
	return s.engine.Close()
}

func checkNotReserved(key string) error {
	if len(key) >= len(ReservedPrefix) && key[:len(ReservedPrefix)] == ReservedPrefix {
		return ErrReservedKey
	}
	return nil
}

// PutOptions configures Put.
type PutOptions struct {
	HTTPMetadata      objectmodel.HTTPMetadata
	CustomMetadata    map[string]string
	OnlyIf            *objectmodel.Conditional
	ChecksumAlgorithm objectmodel.ChecksumAlgorithm // empty = none supplied
	ChecksumHex       string
}

// Put stores value as the body of key. If opts.OnlyIf is set, the current
// object (if any) is evaluated against it first; a Fail verdict returns
// ErrPreconditionFailed without writing anything. If opts.ChecksumAlgorithm
// is set, the computed digest of value must match opts.ChecksumHex or the
// write is rejected with an *objectmodel.ErrChecksumMismatch.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts PutOptions) (*objectmodel.Metadata, error) {
	if err := checkNotReserved(key); err != nil {
		return nil, err
	}
	if opts.OnlyIf != nil {
		current, err := s.Head(key)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if err == ErrNotFound {
			current = nil
		}
		if objectmodel.Evaluate(current, *opts.OnlyIf) == objectmodel.Fail {
			return nil, ErrPreconditionFailed
		}
	}
	if opts.ChecksumAlgorithm != "" {
		if err := objectmodel.VerifyChecksum(opts.ChecksumAlgorithm, value, opts.ChecksumHex); err != nil {
			return nil, err
		}
	}

	etag := objectmodel.ETagOf(value)
	rec := record{
		Version:        uuid.NewString(),
		Etag:           etag,
		Size:           int64(len(value)),
		UploadedUnixMs: s.now().UnixMilli(),
		HTTPMetadata:   opts.HTTPMetadata,
		CustomMetadata: opts.CustomMetadata,
	}
	if opts.ChecksumAlgorithm != "" {
		rec.Checksums = map[string]string{string(opts.ChecksumAlgorithm): opts.ChecksumHex}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("r2: encoding metadata: %w", err)
	}

	if _, err := s.engine.PutBytes(ctx, key, value, kv.PutOptions{Metadata: raw}); err != nil {
		return nil, fmt.Errorf("r2: writing object: %w", err)
	}
	return recordToMetadata(key, rec), nil
}

func recordToMetadata(key string, rec record) *objectmodel.Metadata {
	return &objectmodel.Metadata{
		Key:            key,
		Version:        rec.Version,
		Size:           rec.Size,
		Etag:           rec.Etag,
		HTTPEtag:       objectmodel.Quote(rec.Etag),
		Uploaded:       time.UnixMilli(rec.UploadedUnixMs).UTC(),
		HTTPMetadata:   rec.HTTPMetadata,
		CustomMetadata: rec.CustomMetadata,
		Checksums:      rec.Checksums,
		Multipart:      rec.Multipart,
	}
}

// Object is a fetched object: metadata plus an optional body (nil when the
// caller's conditional evaluated to Fail, i.e. a metadata-only result).
type Object struct {
	Metadata *objectmodel.Metadata
	Body     io.ReadCloser // nil for metadata-only results
}

// GetOptions configures Get.
type GetOptions struct {
	OnlyIf *objectmodel.Conditional
	Range  *objectmodel.Range
}

// Get fetches key. If opts.OnlyIf evaluates to Fail, the returned Object has
// a non-nil Metadata but a nil Body (the HTTP layer maps this to a 304-style
// response). Returns ErrNotFound if the key has no live object.
func (s *Store) Get(key string, opts GetOptions) (*Object, error) {
	if err := checkNotReserved(key); err != nil {
		return nil, err
	}
	meta, rec, err := s.headRecord(key)
	if err != nil {
		return nil, err
	}

	if opts.OnlyIf != nil && objectmodel.Evaluate(meta, *opts.OnlyIf) == objectmodel.Fail {
		return &Object{Metadata: meta}, nil
	}

	if rec.Multipart {
		rc, err := s.getMultipartBody(key, rec, opts.Range)
		if err != nil {
			return nil, err
		}
		return &Object{Metadata: meta, Body: rc}, nil
	}

	var ent *kv.Entry
	if opts.Range != nil {
		ent, err = s.engine.GetRange(key, blobstore.Range{Start: opts.Range.Start, End: opts.Range.End})
	} else {
		ent, err = s.engine.Get(key)
	}
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("r2: reading object body: %w", err)
	}
	return &Object{Metadata: meta, Body: ent.Value}, nil
}

// Head returns metadata only, without fetching the body.
func (s *Store) Head(key string) (*objectmodel.Metadata, error) {
	if err := checkNotReserved(key); err != nil {
		return nil, err
	}
	meta, _, err := s.headRecord(key)
	return meta, err
}

func (s *Store) headRecord(key string) (*objectmodel.Metadata, record, error) {
	ent, err := s.engine.Head(key)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, record{}, ErrNotFound
		}
		return nil, record{}, fmt.Errorf("r2: reading object metadata: %w", err)
	}
	var rec record
	if len(ent.Metadata) > 0 {
		if err := json.Unmarshal(ent.Metadata, &rec); err != nil {
			return nil, record{}, fmt.Errorf("r2: decoding metadata: %w", err)
		}
	}
	return recordToMetadata(key, rec), rec, nil
}

// Delete removes key. If onlyIf is non-nil and evaluates to Fail against the
// current object, the delete is skipped and ErrPreconditionFailed is
// returned.
func (s *Store) Delete(key string, onlyIf *objectmodel.Conditional) error {
	if err := checkNotReserved(key); err != nil {
		return err
	}
	if onlyIf != nil {
		meta, err := s.Head(key)
		if err != nil && err != ErrNotFound {
			return err
		}
		if err == ErrNotFound {
			meta = nil
		}
		if objectmodel.Evaluate(meta, *onlyIf) == objectmodel.Fail {
			return ErrPreconditionFailed
		}
	}
	return s.engine.Delete(key)
}

// ListResult is one page of a bucket listing.
type ListResult struct {
	Objects      []*objectmodel.Metadata
	Cursor       string
	ListComplete bool
}

// List returns up to limit live objects under prefix. Multipart-upload
// bookkeeping rows, which share the same metadata database under
// ReservedPrefix, are never surfaced as objects.
func (s *Store) List(prefix, cursor string, limit int) (*ListResult, error) {
	if err := checkNotReserved(prefix); err != nil {
		return nil, err
	}
	page, err := s.engine.List(prefix, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("r2: listing: %w", err)
	}
	out := &ListResult{Cursor: page.Cursor, ListComplete: page.ListComplete}
	for _, k := range page.Keys {
		if strings.HasPrefix(k.Key, ReservedPrefix) {
			continue
		}
		var rec record
		if len(k.Metadata) > 0 {
			if err := json.Unmarshal(k.Metadata, &rec); err != nil {
				return nil, fmt.Errorf("r2: decoding metadata: %w", err)
			}
		}
		out.Objects = append(out.Objects, recordToMetadata(k.Key, rec))
	}
	return out, nil
}
