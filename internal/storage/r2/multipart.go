package r2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"github.com/cloudflare/miniflare-sub005/internal/storage/blobstore"
	"github.com/cloudflare/miniflare-sub005/internal/storage/kv"
	"github.com/cloudflare/miniflare-sub005/internal/storage/objectmodel"
)

// MinPartSize is the minimum size (other than the last part) a multipart
// part must meet, per spec's default.
const MinPartSize = 5 << 20 // 5 MiB

// MaxPartNumber is the largest legal partNumber.
const MaxPartNumber = 10000

var (
	// ErrInvalidPartNumber is returned for a partNumber outside [1, 10000].
	ErrInvalidPartNumber = errors.New("r2: partNumber out of range")
	// ErrUploadNotFound is returned when an uploadId has no index row.
	ErrUploadNotFound = errors.New("r2: multipart upload not found")
	// ErrUploadNotPending is returned by uploadPart against a non-pending
	// upload.
	ErrUploadNotPending = errors.New("r2: multipart upload is not pending")
	// ErrPartMismatch is returned by Complete when a named part does not
	// exist or its etag does not match what was recorded at upload time.
	ErrPartMismatch = errors.New("r2: multipart part etag mismatch")
	// ErrPartTooSmall is returned by Complete when a non-last part is
	// smaller than MinPartSize, or parts other than the last have unequal
	// sizes, or the last part is larger than the others.
	ErrPartTooSmall = errors.New("r2: multipart part size invariant violated")
)

type uploadState string

const (
	statePending   uploadState = "pending"
	stateCompleted uploadState = "completed"
	stateAborted   uploadState = "aborted"
)

// indexRow is the JSON shape of a multipart upload's index row, stored at
// ReservedPrefix + uploadID.
type indexRow struct {
	Key            string                   `json:"key"`
	State          uploadState              `json:"state"`
	HTTPMetadata   objectmodel.HTTPMetadata `json:"httpMetadata"`
	CustomMetadata map[string]string        `json:"customMetadata,omitempty"`
	Parts          map[int]partInfo         `json:"parts,omitempty"`
}

type partInfo struct {
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

func indexKey(uploadID string) string { return ReservedPrefix + uploadID }
func partKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%spart/%s/%d", ReservedPrefix, uploadID, partNumber)
}

// CreateMultipartUpload persists a pending index row for key and returns a
// fresh upload id.
func (s *Store) CreateMultipartUpload(key string, httpMeta objectmodel.HTTPMetadata, customMeta map[string]string) (string, error) {
	if err := checkNotReserved(key); err != nil {
		return "", err
	}
	uploadID := uuid.NewString()
	row := indexRow{
		Key:            key,
		State:          statePending,
		HTTPMetadata:   httpMeta,
		CustomMetadata: customMeta,
		Parts:          map[int]partInfo{},
	}
	if err := s.putIndex(uploadID, row); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (s *Store) putIndex(uploadID string, row indexRow) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("r2: encoding multipart index: %w", err)
	}
	if _, err := s.engine.PutBytes(context.Background(), indexKey(uploadID), raw, kv.PutOptions{}); err != nil {
		return fmt.Errorf("r2: writing multipart index: %w", err)
	}
	return nil
}

func (s *Store) getIndex(uploadID string) (*indexRow, error) {
	ent, err := s.engine.Get(indexKey(uploadID))
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("r2: reading multipart index: %w", err)
	}
	defer ent.Value.Close()
	data, err := io.ReadAll(ent.Value)
	if err != nil {
		return nil, fmt.Errorf("r2: reading multipart index body: %w", err)
	}
	var row indexRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("r2: decoding multipart index: %w", err)
	}
	return &row, nil
}

// UploadedPart is the result handed back to the caller for a successfully
// uploaded part.
type UploadedPart struct {
	PartNumber int
	ETag       string
}

// UploadPart validates partNumber and the upload's pending state, persists
// value as that part's bytes, and returns a fresh unguessable etag.
func (s *Store) UploadPart(uploadID string, partNumber int, value []byte) (*UploadedPart, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return nil, ErrInvalidPartNumber
	}
	row, err := s.getIndex(uploadID)
	if err != nil {
		return nil, err
	}
	if row.State != statePending {
		return nil, ErrUploadNotPending
	}

	etag, err := freshUnguessableID()
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.PutBytes(context.Background(), partKey(uploadID, partNumber), value, kv.PutOptions{}); err != nil {
		return nil, fmt.Errorf("r2: writing multipart part: %w", err)
	}

	if row.Parts == nil {
		row.Parts = map[int]partInfo{}
	}
	row.Parts[partNumber] = partInfo{ETag: etag, Size: int64(len(value))}
	if err := s.putIndex(uploadID, *row); err != nil {
		return nil, err
	}
	return &UploadedPart{PartNumber: partNumber, ETag: etag}, nil
}

func freshUnguessableID() (string, error) {
	// Reuses the blob store's own id scheme (32 bytes entropy + monotonic
	// timestamp suffix) since a part etag has exactly the same
	// unguessability requirement as a blob id.
	return blobstore.NewUnguessableID()
}

// Abort is idempotent: pending uploads have their parts deleted and flip to
// aborted; already-aborted or already-completed uploads are left untouched
// (aborting a completed upload must never delete its live pointers).
func (s *Store) Abort(uploadID string) error {
	row, err := s.getIndex(uploadID)
	if err != nil {
		return err
	}
	if row.State != statePending {
		return nil
	}
	for partNumber := range row.Parts {
		s.engine.Delete(partKey(uploadID, partNumber))
	}
	row.State = stateAborted
	row.Parts = nil
	return s.putIndex(uploadID, *row)
}

// CompletedPart identifies one part by number and the etag UploadPart
// returned for it.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Complete validates and assembles the named parts into a single object at
// the upload's key, per spec's ordered validation list, and flips the index
// to completed.
func (s *Store) Complete(uploadID string, parts []CompletedPart) (*objectmodel.Metadata, error) {
	row, err := s.getIndex(uploadID)
	if err != nil {
		return nil, err
	}
	if row.State != statePending {
		return nil, ErrUploadNotPending
	}

	seen := bitset.New(MaxPartNumber + 1)
	for _, p := range parts {
		if p.PartNumber < 1 || p.PartNumber > MaxPartNumber {
			return nil, ErrInvalidPartNumber
		}
		if seen.Test(uint(p.PartNumber)) {
			return nil, fmt.Errorf("r2: duplicate partNumber %d", p.PartNumber)
		}
		seen.Set(uint(p.PartNumber))
	}

	ordered := make([]CompletedPart, len(parts))
	copy(ordered, parts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNumber < ordered[j].PartNumber })

	infos := make([]partInfo, len(ordered))
	for i, p := range ordered {
		info, ok := row.Parts[p.PartNumber]
		if !ok || info.ETag != p.ETag {
			return nil, ErrPartMismatch
		}
		infos[i] = info
	}

	if err := validatePartSizes(infos); err != nil {
		return nil, err
	}

	var total int64
	partETags := make([]string, len(infos))
	pointerParts := make([]multipartPointerPart, len(infos))
	for i, p := range ordered {
		info := infos[i]
		total += info.Size
		ent, err := s.engine.Get(partKey(uploadID, p.PartNumber))
		if err != nil {
			return nil, fmt.Errorf("r2: reading multipart part %d: %w", p.PartNumber, err)
		}
		data, err := io.ReadAll(ent.Value)
		ent.Value.Close()
		if err != nil {
			return nil, fmt.Errorf("r2: reading multipart part %d body: %w", p.PartNumber, err)
		}
		partETags[i] = objectmodel.ETagOf(data)
		pointerParts[i] = multipartPointerPart{PartNumber: p.PartNumber, Size: info.Size}
	}
	etag := objectmodel.MultipartETag(partETags)

	// Delete any parts that were uploaded but not referenced by this
	// Complete call, and any parts belonging to a previously-stored
	// multipart value at the same key. These deletions run inline, before
	// the new pointer is written; they are not deferred to the background.
	used := make(map[int]bool, len(ordered))
	for _, p := range ordered {
		used[p.PartNumber] = true
	}
	for partNumber := range row.Parts {
		if !used[partNumber] {
			s.engine.Delete(partKey(uploadID, partNumber))
		}
	}
	if _, prevRec, err := s.headRecord(row.Key); err == nil && prevRec.Multipart {
		s.deletePreviousMultipartParts(row.Key)
	}

	rec := record{
		Version:        uuid.NewString(),
		Etag:           etag,
		Size:           total,
		UploadedUnixMs: time.Now().UnixMilli(),
		HTTPMetadata:   row.HTTPMetadata,
		CustomMetadata: row.CustomMetadata,
		Multipart:      true,
		MultipartParts: pointerParts,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("r2: encoding completed object metadata: %w", err)
	}
	if _, err := s.engine.PutBytes(context.Background(), row.Key, []byte(uploadID), kv.PutOptions{Metadata: raw}); err != nil {
		return nil, fmt.Errorf("r2: writing completed object pointer: %w", err)
	}

	row.State = stateCompleted
	if err := s.putIndex(uploadID, *row); err != nil {
		return nil, err
	}
	return recordToMetadata(row.Key, rec), nil
}

// deletePreviousMultipartParts reclaims the parts (and index row) of
// whichever multipart upload previously completed at key, now that key is
// about to be overwritten by a new completed upload.
func (s *Store) deletePreviousMultipartParts(key string) {
	ent, err := s.engine.Get(key)
	if err != nil {
		return
	}
	defer ent.Value.Close()
	idBytes, err := io.ReadAll(ent.Value)
	if err != nil {
		return
	}
	prevUploadID := string(idBytes)
	row, err := s.getIndex(prevUploadID)
	if err != nil {
		return
	}
	for partNumber := range row.Parts {
		s.engine.Delete(partKey(prevUploadID, partNumber))
	}
	s.engine.Delete(indexKey(prevUploadID))
}

func validatePartSizes(infos []partInfo) error {
	if len(infos) == 0 {
		return nil
	}
	if len(infos) == 1 {
		return nil
	}
	nonLast := infos[:len(infos)-1]
	last := infos[len(infos)-1]
	firstSize := nonLast[0].Size
	for _, p := range nonLast {
		if p.Size < MinPartSize {
			return ErrPartTooSmall
		}
		if p.Size != firstSize {
			return ErrPartTooSmall
		}
	}
	if last.Size > firstSize {
		return ErrPartTooSmall
	}
	return nil
}

// getMultipartBody streams a completed multipart object's parts lazily,
// computing which parts overlap rng (nil = the whole object) without
// materialising the assembled object in memory.
func (s *Store) getMultipartBody(key string, rec record, rng *objectmodel.Range) (io.ReadCloser, error) {
	uploadEnt, err := s.engine.Get(key)
	if err != nil {
		return nil, fmt.Errorf("r2: reading multipart pointer: %w", err)
	}
	defer uploadEnt.Value.Close()
	uploadIDBytes, err := io.ReadAll(uploadEnt.Value)
	if err != nil {
		return nil, fmt.Errorf("r2: reading multipart pointer body: %w", err)
	}
	uploadID := string(uploadIDBytes)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.streamMultipartParts(pw, uploadID, rec.MultipartParts, rng))
	}()
	return pr, nil
}

func (s *Store) streamMultipartParts(w io.Writer, uploadID string, parts []multipartPointerPart, rng *objectmodel.Range) error {
	var offset int64
	for _, p := range parts {
		partStart, partEnd := offset, offset+p.Size-1
		offset += p.Size

		if rng != nil && (partEnd < rng.Start || partStart > rng.End) {
			continue
		}

		ent, err := s.engine.Get(partKey(uploadID, p.PartNumber))
		if err != nil {
			return fmt.Errorf("r2: reading multipart part %d: %w", p.PartNumber, err)
		}
		body := ent.Value
		if rng != nil {
			skip := int64(0)
			if rng.Start > partStart {
				skip = rng.Start - partStart
			}
			limit := p.Size - skip
			if rng.End < partEnd {
				limit -= partEnd - rng.End
			}
			if skip > 0 {
				if _, err := io.CopyN(io.Discard, body, skip); err != nil {
					body.Close()
					return err
				}
			}
			_, err := io.CopyN(w, body, limit)
			body.Close()
			if err != nil && err != io.EOF {
				return err
			}
			continue
		}
		_, err = io.Copy(w, body)
		body.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
