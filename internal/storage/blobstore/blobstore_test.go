package blobstore

import (
	"io"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.PutBytes([]byte("hello world"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	rc, err := s.Get(id, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Get("deadbeef", nil); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestDistinctIDs(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := s.PutBytes([]byte("x"))
		if err != nil {
			t.Fatalf("PutBytes: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestRangeRead(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.PutBytes([]byte("0123456789"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	rc, err := s.Get(id, &Range{Start: 2, End: 4})
	if err != nil {
		t.Fatalf("Get range: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "234" {
		t.Errorf("got %q, want %q", got, "234")
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.PutBytes([]byte("gone"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(id, nil); err != ErrNotFound {
		t.Errorf("Get(deleted) = %v, want ErrNotFound", err)
	}
	// Double-delete tolerates missing blobs.
	if err := s.Delete(id); err != nil {
		t.Errorf("double Delete: %v", err)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, id := range []string{"../escape", "..", ".", "a/../../b", ""} {
		if _, err := s.Get(id, nil); err != ErrNotFound {
			t.Errorf("Get(%q) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestMultipartRanges(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.PutBytes([]byte("0123456789"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	rc, boundary, err := s.MultipartRanges(id, []Range{{Start: 0, End: 1}, {Start: 5, End: 6}}, 10, "text/plain")
	if err != nil {
		t.Fatalf("MultipartRanges: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	s2 := string(data)
	if !contains(s2, "--"+boundary) {
		t.Errorf("missing boundary in output: %s", s2)
	}
	if !contains(s2, "Content-Range: bytes 0-1/10") || !contains(s2, "Content-Range: bytes 5-6/10") {
		t.Errorf("missing content-range headers: %s", s2)
	}
	if !contains(s2, "01") || !contains(s2, "56") {
		t.Errorf("missing body slices: %s", s2)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
