package r2

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/cloudflare/miniflare-sub005/internal/storage/blobstore"
	"github.com/cloudflare/miniflare-sub005/internal/storage/kv"
	"github.com/cloudflare/miniflare-sub005/internal/storage/metadb"
	"github.com/cloudflare/miniflare-sub005/internal/storage/objectmodel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	bs, err := blobstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	mdb, err := metadb.Open(":memory:")
	if err != nil {
		t.Fatalf("metadb.Open: %v", err)
	}
	t.Cleanup(func() { mdb.Close() })
	return New(kv.New(bs, mdb))
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data)
}

func TestPutGetHead(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Put(context.Background(), "k", []byte("hello"), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.Size != 5 {
		t.Errorf("Put meta.Size = %d, want 5", meta.Size)
	}

	obj, err := s.Get("k", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := readAll(t, obj.Body); got != "hello" {
		t.Errorf("Get body = %q, want hello", got)
	}

	head, err := s.Head("k")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Etag != meta.Etag {
		t.Errorf("Head etag = %q, want %q", head.Etag, meta.Etag)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("nope", GetOptions{}); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestReservedPrefixRejected(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put(context.Background(), ReservedPrefix+"x", []byte("v"), PutOptions{}); err != ErrReservedKey {
		t.Errorf("Put(reserved) = %v, want ErrReservedKey", err)
	}
}

func TestConditionalGetReturnsMetadataOnlyOnMismatch(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Put(context.Background(), "k", []byte("v"), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := s.Get("k", GetOptions{OnlyIf: &objectmodel.Conditional{EtagMatches: []string{meta.Etag}}})
	if err != nil {
		t.Fatalf("Get matching: %v", err)
	}
	if obj.Body == nil {
		t.Error("matching conditional should return full body")
	} else {
		obj.Body.Close()
	}

	obj2, err := s.Get("k", GetOptions{OnlyIf: &objectmodel.Conditional{EtagMatches: []string{"other"}}})
	if err != nil {
		t.Fatalf("Get mismatching: %v", err)
	}
	if obj2.Body != nil {
		t.Error("mismatching conditional should return metadata-only (nil body)")
		obj2.Body.Close()
	}
	if obj2.Metadata == nil || obj2.Metadata.Etag != meta.Etag {
		t.Error("mismatching conditional should still surface metadata")
	}
}

func TestPutChecksumMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(context.Background(), "k", []byte("hello"), PutOptions{
		ChecksumAlgorithm: objectmodel.MD5,
		ChecksumHex:       "deadbeef",
	})
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestDeleteWithPrecondition(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Put(context.Background(), "k", []byte("v"), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	wrong := &objectmodel.Conditional{EtagMatches: []string{"nope"}}
	if err := s.Delete("k", wrong); err != ErrPreconditionFailed {
		t.Errorf("Delete wrong precondition = %v, want ErrPreconditionFailed", err)
	}
	right := &objectmodel.Conditional{EtagMatches: []string{meta.Etag}}
	if err := s.Delete("k", right); err != nil {
		t.Fatalf("Delete right precondition: %v", err)
	}
	if _, err := s.Head("k"); err != ErrNotFound {
		t.Errorf("Head after delete = %v, want ErrNotFound", err)
	}
}

func TestMultipartUploadLifecycle(t *testing.T) {
	s := newTestStore(t)
	uploadID, err := s.CreateMultipartUpload("big", objectmodel.HTTPMetadata{ContentType: "text/plain"}, nil)
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}

	part1 := bytes.Repeat([]byte("a"), MinPartSize)
	part2 := []byte("tail")

	p1, err := s.UploadPart(uploadID, 1, part1)
	if err != nil {
		t.Fatalf("UploadPart 1: %v", err)
	}
	p2, err := s.UploadPart(uploadID, 2, part2)
	if err != nil {
		t.Fatalf("UploadPart 2: %v", err)
	}

	meta, err := s.Complete(uploadID, []CompletedPart{
		{PartNumber: 2, ETag: p2.ETag},
		{PartNumber: 1, ETag: p1.ETag},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if meta.Size != int64(len(part1)+len(part2)) {
		t.Errorf("Complete size = %d, want %d", meta.Size, len(part1)+len(part2))
	}
	if !meta.Multipart {
		t.Error("Complete meta.Multipart = false, want true")
	}

	obj, err := s.Get("big", GetOptions{})
	if err != nil {
		t.Fatalf("Get assembled object: %v", err)
	}
	got := readAll(t, obj.Body)
	want := string(part1) + string(part2)
	if got != want {
		t.Errorf("assembled body mismatch: len got=%d want=%d", len(got), len(want))
	}
}

func TestMultipartCompleteRejectsEtagMismatch(t *testing.T) {
	s := newTestStore(t)
	uploadID, err := s.CreateMultipartUpload("k", objectmodel.HTTPMetadata{}, nil)
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if _, err := s.UploadPart(uploadID, 1, []byte("x")); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if _, err := s.Complete(uploadID, []CompletedPart{{PartNumber: 1, ETag: "wrong"}}); err != ErrPartMismatch {
		t.Errorf("Complete with wrong etag = %v, want ErrPartMismatch", err)
	}
}

func TestMultipartAbortIdempotent(t *testing.T) {
	s := newTestStore(t)
	uploadID, err := s.CreateMultipartUpload("k", objectmodel.HTTPMetadata{}, nil)
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if _, err := s.UploadPart(uploadID, 1, []byte("x")); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if err := s.Abort(uploadID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := s.Abort(uploadID); err != nil {
		t.Errorf("double Abort: %v", err)
	}
}

func TestListExcludesMultipartBookkeepingRows(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put(context.Background(), "plain", []byte("v"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	uploadID, err := s.CreateMultipartUpload("big", objectmodel.HTTPMetadata{}, nil)
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if _, err := s.UploadPart(uploadID, 1, bytes.Repeat([]byte("a"), MinPartSize)); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if _, err := s.Complete(uploadID, []CompletedPart{{PartNumber: 1, ETag: "ignored"}}); err == nil {
		t.Fatal("expected Complete to reject the fabricated etag")
	}

	res, err := s.List("", "", 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, k := range res.Objects {
		if strings.HasPrefix(k.Key, ReservedPrefix) {
			t.Errorf("List returned bookkeeping row %q", k.Key)
		}
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "plain" {
		t.Errorf("List keys = %+v, want only [plain]", res.Objects)
	}
}

func TestMultipartInvalidPartNumber(t *testing.T) {
	s := newTestStore(t)
	uploadID, err := s.CreateMultipartUpload("k", objectmodel.HTTPMetadata{}, nil)
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if _, err := s.UploadPart(uploadID, 0, []byte("x")); err != ErrInvalidPartNumber {
		t.Errorf("UploadPart(0) = %v, want ErrInvalidPartNumber", err)
	}
	if _, err := s.UploadPart(uploadID, MaxPartNumber+1, []byte("x")); err != ErrInvalidPartNumber {
		t.Errorf("UploadPart(10001) = %v, want ErrInvalidPartNumber", err)
	}
}
