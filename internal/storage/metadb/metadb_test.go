package metadb

import (
	"testing"
)

func i64(v int64) *int64 { return &v }
func str(v string) *string { return &v }

func TestPutGetDelete(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Put("k1", "blob1", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	row, err := db.Get("k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row == nil || row.BlobID != "blob1" {
		t.Fatalf("Get = %+v, want blob1", row)
	}

	prev, err := db.Put("k1", "blob2", i64(1000), str(`{"a":1}`))
	if err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if prev != "blob1" {
		t.Errorf("Put prev = %q, want blob1", prev)
	}

	row, err = db.Get("k1")
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if row.BlobID != "blob2" || row.Expiration == nil || *row.Expiration != 1000 {
		t.Errorf("Get after overwrite = %+v", row)
	}

	blobID, existed, err := db.Delete("k1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed || blobID != "blob2" {
		t.Errorf("Delete = (%q, %v), want (blob2, true)", blobID, existed)
	}

	row, err = db.Get("k1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if row != nil {
		t.Errorf("Get after delete = %+v, want nil", row)
	}
}

func TestDeleteMissing(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	_, existed, err := db.Delete("nope")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Error("Delete(missing) reported existed=true")
	}
}

func TestListAfterPrefixAndCursor(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	keys := []string{"a/1", "a/2", "a/3", "b/1"}
	for _, k := range keys {
		if _, err := db.Put(k, "blob-"+k, nil, nil); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	rows, err := db.ListAfter("a/", "", 10)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("ListAfter(a/) len = %d, want 3", len(rows))
	}
	if rows[0].Key != "a/1" || rows[2].Key != "a/3" {
		t.Errorf("ListAfter order = %v", rows)
	}

	rows, err = db.ListAfter("a/", "a/1", 10)
	if err != nil {
		t.Fatalf("ListAfter cursor: %v", err)
	}
	if len(rows) != 2 || rows[0].Key != "a/2" {
		t.Errorf("ListAfter(a/, after a/1) = %v", rows)
	}

	rows, err = db.ListAfter("a/", "", 1)
	if err != nil {
		t.Fatalf("ListAfter limit: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "a/1" {
		t.Errorf("ListAfter limit=1 = %v", rows)
	}
}

func TestListAfterEscapesLikeWildcards(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Put("a_b/1", "blob1", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := db.Put("axb/1", "blob2", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rows, err := db.ListAfter("a_b/", "", 10)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "a_b/1" {
		t.Errorf("ListAfter(a_b/) = %v, want only a_b/1 (no accidental wildcard match on axb/1)", rows)
	}
}

func TestDeleteExpired(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Put("expired", "blob-old", i64(100), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := db.Put("fresh", "blob-new", i64(100000), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := db.Put("forever", "blob-forever", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ids, err := db.DeleteExpired(500)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "blob-old" {
		t.Errorf("DeleteExpired = %v, want [blob-old]", ids)
	}

	row, err := db.Get("expired")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row != nil {
		t.Error("expired row should have been removed")
	}
	if row, err := db.Get("fresh"); err != nil || row == nil {
		t.Error("fresh row should remain")
	}
	if row, err := db.Get("forever"); err != nil || row == nil {
		t.Error("non-expiring row should remain")
	}
}
