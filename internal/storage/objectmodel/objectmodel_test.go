package objectmodel

import (
	"net/http"
	"testing"
	"time"
)

func TestEvaluateNoObjectExists(t *testing.T) {
	if v := Evaluate(nil, Conditional{}); v != Pass {
		t.Errorf("no predicates, no object: got %v, want Pass", v)
	}
	if v := Evaluate(nil, Conditional{EtagMatches: []string{"e"}}); v != Fail {
		t.Errorf("etagMatches with no object: got %v, want Fail", v)
	}
	now := time.Now()
	if v := Evaluate(nil, Conditional{UploadedAfter: &now}); v != Fail {
		t.Errorf("uploadedAfter with no object: got %v, want Fail", v)
	}
	if v := Evaluate(nil, Conditional{EtagDoesNotMatch: []string{"e"}}); v != Pass {
		t.Errorf("etagDoesNotMatch with no object: got %v, want Pass", v)
	}
	if v := Evaluate(nil, Conditional{UploadedBefore: &now}); v != Pass {
		t.Errorf("uploadedBefore with no object: got %v, want Pass", v)
	}
}

func TestEvaluateEtagMatches(t *testing.T) {
	obj := &Metadata{Etag: "e1", Uploaded: time.Now()}
	if v := Evaluate(obj, Conditional{EtagMatches: []string{"e1"}}); v != Pass {
		t.Errorf("etagMatches hit: got %v, want Pass", v)
	}
	if v := Evaluate(obj, Conditional{EtagMatches: []string{"other"}}); v != Fail {
		t.Errorf("etagMatches miss: got %v, want Fail", v)
	}
}

func TestEvaluateEtagDoesNotMatch(t *testing.T) {
	obj := &Metadata{Etag: "e1", Uploaded: time.Now()}
	if v := Evaluate(obj, Conditional{EtagDoesNotMatch: []string{"e1"}}); v != Fail {
		t.Errorf("etagDoesNotMatch hit stored etag: got %v, want Fail", v)
	}
	if v := Evaluate(obj, Conditional{EtagDoesNotMatch: []string{"other"}}); v != Pass {
		t.Errorf("etagDoesNotMatch miss: got %v, want Pass", v)
	}
}

func TestEvaluateEtagMatchSkipsDateChecks(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	obj := &Metadata{Etag: "e1", Uploaded: time.Now()}
	v := Evaluate(obj, Conditional{EtagMatches: []string{"e1"}, UploadedBefore: &past})
	if v != Pass {
		t.Errorf("etagMatches should short-circuit date checks: got %v, want Pass", v)
	}
}

func TestEvaluateUploadedBeforeAfter(t *testing.T) {
	uploaded := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obj := &Metadata{Etag: "e1", Uploaded: uploaded}

	before := uploaded.Add(-time.Hour)
	if v := Evaluate(obj, Conditional{UploadedBefore: &before}); v != Fail {
		t.Errorf("uploadedBefore bound before actual: got %v, want Fail", v)
	}
	after := uploaded.Add(time.Hour)
	if v := Evaluate(obj, Conditional{UploadedBefore: &after}); v != Pass {
		t.Errorf("uploadedBefore bound after actual: got %v, want Pass", v)
	}

	earlyBound := uploaded.Add(time.Hour)
	if v := Evaluate(obj, Conditional{UploadedAfter: &earlyBound}); v != Fail {
		t.Errorf("uploadedAfter bound after actual: got %v, want Fail", v)
	}
	lateBound := uploaded.Add(-time.Hour)
	if v := Evaluate(obj, Conditional{UploadedAfter: &lateBound}); v != Pass {
		t.Errorf("uploadedAfter bound before actual: got %v, want Pass", v)
	}
}

func TestEvaluateNoneMatchSkipsUploadedBefore(t *testing.T) {
	uploaded := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obj := &Metadata{Etag: "e1", Uploaded: uploaded}
	before := uploaded.Add(-time.Hour) // would fail uploadedBefore on its own
	v := Evaluate(obj, Conditional{EtagDoesNotMatch: []string{"other"}, UploadedBefore: &before})
	if v != Pass {
		t.Errorf("etagDoesNotMatch match should skip uploadedBefore: got %v, want Pass", v)
	}
}

func TestFromHeadersTrimsAndUnquotes(t *testing.T) {
	h := http.Header{}
	h.Set("If-Match", ` "abc" , W/"def" `)
	cond := FromHeaders(h)
	if len(cond.EtagMatches) != 2 || cond.EtagMatches[0] != "abc" || cond.EtagMatches[1] != "def" {
		t.Errorf("FromHeaders If-Match = %v", cond.EtagMatches)
	}
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("hello world")
	etag := ETagOf(data)
	if err := VerifyChecksum(MD5, data, etag); err != nil {
		t.Errorf("VerifyChecksum(correct) = %v", err)
	}
	if err := VerifyChecksum(MD5, data, "deadbeef"); err == nil {
		t.Error("VerifyChecksum(wrong) = nil, want mismatch error")
	}
}

func TestMultipartETag(t *testing.T) {
	e1 := ETagOf([]byte("part1"))
	e2 := ETagOf([]byte("part2"))
	got := MultipartETag([]string{e1, e2})
	if got == "" {
		t.Fatal("MultipartETag returned empty string")
	}
	if got[len(got)-2:] != "-2" {
		t.Errorf("MultipartETag = %q, want suffix -2", got)
	}
}
