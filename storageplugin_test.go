package miniflare

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

// TestKVPluginRoundTrip exercises the loopback kv plugin end to end: a
// runtime-side PUT followed by a GET against the Supervisor's loopback
// server, the same path the real runtime subprocess would take.
func TestKVPluginRoundTrip(t *testing.T) {
	ctx := context.Background()
	opts := mountDispatchOptions(t, []string{"host/m*"})
	sup, err := newSupervisor(ctx, opts, testLogger(), fakeSpawner())
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	defer sup.Dispose(ctx)

	base := "http://" + sup.loop.Addr() + "/kv/widgets/"

	putReq, _ := http.NewRequest(http.MethodPut, base+"foo", strings.NewReader("bar"))
	putResp, err := http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", putResp.StatusCode)
	}

	getResp, err := http.Get(base + "foo")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer getResp.Body.Close()
	body, _ := io.ReadAll(getResp.Body)
	if string(body) != "bar" {
		t.Errorf("GET body = %q, want bar", body)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, base+"foo", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()

	missResp, err := http.Get(base + "foo")
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	defer missResp.Body.Close()
	if missResp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", missResp.StatusCode)
	}
}

// TestDOPluginRoundTrip covers the do plugin's <class>/<id>/<key> path
// shape against a Durable Object actor's transactional storage.
func TestDOPluginRoundTrip(t *testing.T) {
	ctx := context.Background()
	opts := mountDispatchOptions(t, []string{"host/m*"})
	sup, err := newSupervisor(ctx, opts, testLogger(), fakeSpawner())
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	defer sup.Dispose(ctx)

	target := "http://" + sup.loop.Addr() + "/do/Counter/instance-1/count"

	putReq, _ := http.NewRequest(http.MethodPut, target, strings.NewReader("1"))
	putResp, err := http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	putResp.Body.Close()

	getResp, err := http.Get(target)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer getResp.Body.Close()
	body, _ := io.ReadAll(getResp.Body)
	if string(body) != "1" {
		t.Errorf("GET body = %q, want 1", body)
	}
}
