package miniflare

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cloudflare/miniflare-sub005/internal/storage/blobstore"
	"github.com/cloudflare/miniflare-sub005/internal/storage/cache"
	"github.com/cloudflare/miniflare-sub005/internal/storage/durableobject"
	"github.com/cloudflare/miniflare-sub005/internal/storage/kv"
	"github.com/cloudflare/miniflare-sub005/internal/storage/metadb"
	"github.com/cloudflare/miniflare-sub005/internal/storage/r2"
)

// namespaceRegistry lazily opens and caches one storage engine per
// (pluginKind, namespaceId), per SPEC_FULL.md §4.2 ("opened lazily and
// cached"). It outlives individual setOptions commits — namespaces are
// identified by the binding's declared name, not by anything that
// changes across a reload, so existing data survives a reconfiguration.
type namespaceRegistry struct {
	root string

	mu sync.Mutex
	kv map[string]*kv.Engine
	r2 map[string]*r2.Store
	do map[string]*durableobject.Storage
	ch map[string]*cache.Namespace
}

func newNamespaceRegistry(root string) *namespaceRegistry {
	return &namespaceRegistry{
		root: root,
		kv:   make(map[string]*kv.Engine),
		r2:   make(map[string]*r2.Store),
		do:   make(map[string]*durableobject.Storage),
		ch:   make(map[string]*cache.Namespace),
	}
}

func (n *namespaceRegistry) openKVEngine(kind, name string) (*kv.Engine, error) {
	dir := filepath.Join(n.root, kind, name)
	blobs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("miniflare: opening %s/%s blob store: %w", kind, name, err)
	}
	meta, err := metadb.Open(filepath.Join(dir, "db"))
	if err != nil {
		return nil, fmt.Errorf("miniflare: opening %s/%s metadata db: %w", kind, name, err)
	}
	return kv.New(blobs, meta), nil
}

// KV returns the KeyValue Engine for the named kvNamespace binding,
// opening it on first use.
func (n *namespaceRegistry) KV(name string) (*kv.Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.kv[name]; ok {
		return e, nil
	}
	e, err := n.openKVEngine("kv", name)
	if err != nil {
		return nil, err
	}
	n.kv[name] = e
	return e, nil
}

// Cache returns the Cache API namespace for name, opening it on first
// use. Cache composes the same kv.Engine the KeyValue binding uses, per
// SPEC_FULL.md §4.3's note that the engine is binding-agnostic.
func (n *namespaceRegistry) Cache(name string) (*cache.Namespace, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.ch[name]; ok {
		return c, nil
	}
	e, err := n.openKVEngine("cache", name)
	if err != nil {
		return nil, err
	}
	c := cache.New(e)
	n.ch[name] = c
	return c, nil
}

// R2 returns the Multipart Engine for the named r2Bucket binding.
func (n *namespaceRegistry) R2(name string) (*r2.Store, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.r2[name]; ok {
		return s, nil
	}
	e, err := n.openKVEngine("r2", name)
	if err != nil {
		return nil, err
	}
	s := r2.New(e)
	n.r2[name] = s
	return s, nil
}

// DurableObject returns the transactional storage actor for a
// (className, id) pair, opening it on first use.
func (n *namespaceRegistry) DurableObject(className, id string) (*durableobject.Storage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := className + "/" + id
	if s, ok := n.do[key]; ok {
		return s, nil
	}
	path := filepath.Join(n.root, "do", className, id+".sqlite")
	s, err := durableobject.Open(path)
	if err != nil {
		return nil, fmt.Errorf("miniflare: opening durable object %s: %w", key, err)
	}
	n.do[key] = s
	return s, nil
}

// Close releases every opened namespace's resources: every KV/Cache/R2
// engine's metadata database connection, plus every Durable Object
// actor's.
func (n *namespaceRegistry) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, e := range n.kv {
		note(e.Close())
	}
	for _, c := range n.ch {
		note(c.Close())
	}
	for _, s := range n.r2 {
		note(s.Close())
	}
	for _, s := range n.do {
		note(s.Close())
	}
	return firstErr
}
