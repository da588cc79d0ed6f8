package kv

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"testing"
	"time"

	"github.com/cloudflare/miniflare-sub005/internal/storage/blobstore"
	"github.com/cloudflare/miniflare-sub005/internal/storage/metadb"
)

func newTestEngine(t *testing.T) *Engine {
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
	return New(bs, mdb)
}

func readAllString(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data)
}

func TestEnginePutGet(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.PutBytes(context.Background(), "k", []byte("v1"), PutOptions{}); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	ent, err := e.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := readAllString(t, ent.Value); got != "v1" {
		t.Errorf("Get = %q, want v1", got)
	}
}

func TestEngineGetMissing(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Get("nope"); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestEngineOverwriteReturnsPrevBlobID(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.PutBytes(context.Background(), "k", []byte("v1"), PutOptions{}); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	prev, err := e.PutBytes(context.Background(), "k", []byte("v2"), PutOptions{})
	if err != nil {
		t.Fatalf("PutBytes overwrite: %v", err)
	}
	if prev == "" {
		t.Fatal("expected a superseded blob id")
	}
	ent, err := e.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := readAllString(t, ent.Value); got != "v2" {
		t.Errorf("Get after overwrite = %q, want v2", got)
	}
}

func TestEngineExpiredKeyIsNotFound(t *testing.T) {
	e := newTestEngine(t)
	e.clock = func() time.Time { return time.UnixMilli(1_000_000) }
	past := int64(1)
	if _, err := e.PutBytes(context.Background(), "k", []byte("v"), PutOptions{ExpirationMillis: &past}); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if _, err := e.Get("k"); err != ErrNotFound {
		t.Errorf("Get(expired) = %v, want ErrNotFound", err)
	}
}

func TestEngineDelete(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.PutBytes(context.Background(), "k", []byte("v"), PutOptions{}); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if err := e.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Get("k"); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := e.Delete("k"); err != nil {
		t.Errorf("double Delete: %v", err)
	}
}

func TestEngineListPrefixAndPaging(t *testing.T) {
	e := newTestEngine(t)
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
		if _, err := e.PutBytes(context.Background(), k, []byte("x"), PutOptions{}); err != nil {
			t.Fatalf("PutBytes %s: %v", k, err)
		}
	}
	res, err := e.List("a/", "", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Keys) != 2 || res.ListComplete {
		t.Fatalf("List page1 = %+v", res)
	}
	res2, err := e.List("a/", res.Cursor, 2)
	if err != nil {
		t.Fatalf("List page2: %v", err)
	}
	if len(res2.Keys) != 1 || !res2.ListComplete {
		t.Fatalf("List page2 = %+v", res2)
	}
}

func TestBindingRejectsOversizedKey(t *testing.T) {
	e := newTestEngine(t)
	b := NewBinding(e)
	big := bytes.Repeat([]byte("k"), MaxKeyBytes+1)
	if err := b.Put(context.Background(), string(big), []byte("v"), BindingPutOptions{}); err != ErrKeyTooLarge {
		t.Errorf("Put(big key) = %v, want ErrKeyTooLarge", err)
	}
}

func TestBindingRejectsOversizedValue(t *testing.T) {
	e := newTestEngine(t)
	b := NewBinding(e)
	big := bytes.Repeat([]byte("v"), MaxValueBytes+1)
	if err := b.Put(context.Background(), "k", big, BindingPutOptions{}); err != ErrValueTooLarge {
		t.Errorf("Put(big value) = %v, want ErrValueTooLarge", err)
	}
}

func TestBindingRejectsShortTTL(t *testing.T) {
	e := newTestEngine(t)
	b := NewBinding(e)
	ttl := int64(1)
	if err := b.Put(context.Background(), "k", []byte("v"), BindingPutOptions{ExpirationTTLSeconds: &ttl}); err != ErrTTLTooShort {
		t.Errorf("Put(short ttl) = %v, want ErrTTLTooShort", err)
	}
}

func TestBindingPutGetRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	b := NewBinding(e)
	if err := b.Put(context.Background(), "k", []byte("hello"), BindingPutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, _, err := b.GetBytes("k")
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("GetBytes = %q, want hello", data)
	}
}

func TestBindingRejectsDotKeys(t *testing.T) {
	e := newTestEngine(t)
	b := NewBinding(e)
	for _, key := range []string{".", ".."} {
		if err := b.Put(context.Background(), key, []byte("v"), BindingPutOptions{}); err != ErrInvalidKey {
			t.Errorf("Put(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestBindingRejectsExpirationInPast(t *testing.T) {
	e := newTestEngine(t)
	e.clock = func() time.Time { return time.UnixMilli(1_000_000) }
	b := NewBinding(e)
	past := int64(1)
	if err := b.Put(context.Background(), "k", []byte("v"), BindingPutOptions{ExpirationMillis: &past}); err != ErrExpirationInPast {
		t.Errorf("Put(past expiration) = %v, want ErrExpirationInPast", err)
	}
}

func TestEnginePutReclaimsSupersededBlobInBackground(t *testing.T) {
	e := newTestEngine(t)
	prevID, err := e.PutBytes(context.Background(), "k", []byte("v1"), PutOptions{})
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if prevID != "" {
		t.Fatalf("first PutBytes returned a superseded id %q", prevID)
	}
	prevID, err = e.PutBytes(context.Background(), "k", []byte("v2"), PutOptions{})
	if err != nil {
		t.Fatalf("PutBytes overwrite: %v", err)
	}
	if prevID == "" {
		t.Fatal("expected a superseded blob id")
	}
	for i := 0; i < 100; i++ {
		rc, err := e.blobs.Get(prevID, nil)
		if err != nil {
			return
		}
		rc.Close()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("superseded blob was never reclaimed")
}

func TestEnginePutCancelledContextDeletesBlobAndSkipsIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.PutBytes(ctx, "k", []byte("v"), PutOptions{}); err == nil {
		t.Fatal("expected PutBytes to fail on a cancelled context")
	}
	if _, err := e.Get("k"); err != ErrNotFound {
		t.Errorf("Get after cancelled Put = %v, want ErrNotFound", err)
	}
}

func TestListCursorIsBase64(t *testing.T) {
	e := newTestEngine(t)
	for _, k := range []string{"a/1", "a/2", "a/3"} {
		if _, err := e.PutBytes(context.Background(), k, []byte("x"), PutOptions{}); err != nil {
			t.Fatalf("PutBytes %s: %v", k, err)
		}
	}
	res, err := e.List("a/", "", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Cursor == "" {
		t.Fatal("expected a non-empty cursor")
	}
	if _, err := base64.StdEncoding.DecodeString(res.Cursor); err != nil {
		t.Errorf("cursor %q is not valid base64: %v", res.Cursor, err)
	}
}

func TestListInvalidCursor(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.List("", "not-base64!!", 10); err != ErrInvalidCursor {
		t.Errorf("List(bad cursor) = %v, want ErrInvalidCursor", err)
	}
}

func TestListExactlyFullPageHasNoSpuriousCursor(t *testing.T) {
	e := newTestEngine(t)
	for _, k := range []string{"a/1", "a/2"} {
		if _, err := e.PutBytes(context.Background(), k, []byte("x"), PutOptions{}); err != nil {
			t.Fatalf("PutBytes %s: %v", k, err)
		}
	}
	res, err := e.List("a/", "", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Keys) != 2 || !res.ListComplete || res.Cursor != "" {
		t.Fatalf("List exact page = %+v, want ListComplete with no cursor", res)
	}
}
