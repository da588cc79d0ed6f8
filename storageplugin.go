package miniflare

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudflare/miniflare-sub005/internal/storage/durableobject"
	"github.com/cloudflare/miniflare-sub005/internal/storage/kv"
	"github.com/cloudflare/miniflare-sub005/internal/storage/r2"
)

// registerStoragePlugins wires the KeyValue, Cache, R2, and Durable Object
// namespace registries onto the loopback server's plugin routes, per
// spec.md's `GET /<plugin>/<path>` shape: the runtime subprocess reaches
// storage purely over this loopback channel, never by linking against
// internal/storage directly. The kv and r2 handlers cover
// get/put/delete/list, the cache and do handlers get/put/delete; the
// richer R2 preconditions and ranged reads stay exercised at the
// internal/storage/r2 package level rather than over this wire surface.
func (s *Supervisor) registerStoragePlugins() {
	s.loop.RegisterPlugin("kv", s.handleKVPlugin)
	s.loop.RegisterPlugin("cache", s.handleCachePlugin)
	s.loop.RegisterPlugin("r2", s.handleR2Plugin)
	s.loop.RegisterPlugin("do", s.handleDOPlugin)
}

// splitNamespacePath splits a plugin subPath (as the loopback server hands
// it to a PluginHandler, e.g. "/<namespace>/<rest>") into its two halves.
func splitNamespacePath(subPath string) (namespace, rest string) {
	parts := strings.SplitN(strings.TrimPrefix(subPath, "/"), "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Supervisor) handleKVPlugin(w http.ResponseWriter, r *http.Request, subPath string) {
	ns, key := splitNamespacePath(subPath)
	engine, err := s.ns.KV(ns)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	binding := kv.NewBinding(engine)

	if key == "" && r.URL.Query().Has("list") {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		res, err := binding.List(r.URL.Query().Get("prefix"), r.URL.Query().Get("cursor"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, res)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ent, err := binding.GetBytes(key)
		if err == kv.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ent.Expiration != nil {
			w.Header().Set("MF-KV-Expiration", strconv.FormatInt(*ent.Expiration, 10))
		}
		w.Write(value)
	case http.MethodPut, http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts := kv.BindingPutOptions{Metadata: json.RawMessage(r.Header.Get("MF-KV-Metadata"))}
		if ttl := r.URL.Query().Get("expirationTtl"); ttl != "" {
			v, _ := strconv.ParseInt(ttl, 10, 64)
			opts.ExpirationTTLSeconds = &v
		}
		if err := binding.Put(r.Context(), key, body, opts); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if err := binding.Delete(key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Supervisor) handleCachePlugin(w http.ResponseWriter, r *http.Request, subPath string) {
	ns, key := splitNamespacePath(subPath)
	namespace, err := s.ns.Cache(ns)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		resp, err := namespace.Match(key)
		if err == kv.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer resp.Body.Close()
		for k, vs := range resp.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.Status)
		io.Copy(w, resp.Body)
	case http.MethodPut, http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, _ := strconv.Atoi(r.Header.Get("MF-Cache-Status"))
		if status == 0 {
			status = http.StatusOK
		}
		var ttl *int64
		if v := r.URL.Query().Get("ttl"); v != "" {
			parsed, _ := strconv.ParseInt(v, 10, 64)
			ttl = &parsed
		}
		if err := namespace.Put(r.Context(), key, status, r.Header.Clone(), body, ttl); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if err := namespace.Delete(key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Supervisor) handleR2Plugin(w http.ResponseWriter, r *http.Request, subPath string) {
	ns, key := splitNamespacePath(subPath)
	bucket, err := s.ns.R2(ns)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if key == "" && r.URL.Query().Has("list") {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		res, err := bucket.List(r.URL.Query().Get("prefix"), r.URL.Query().Get("cursor"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, res)
		return
	}

	switch r.Method {
	case http.MethodGet:
		obj, err := bucket.Get(key, r2.GetOptions{})
		if err == r2.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("ETag", obj.Metadata.HTTPEtag)
		defer obj.Body.Close()
		io.Copy(w, obj.Body)
	case http.MethodPut, http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		meta, err := bucket.Put(r.Context(), key, body, r2.PutOptions{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, meta)
	case http.MethodDelete:
		if err := bucket.Delete(key, nil); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Supervisor) handleDOPlugin(w http.ResponseWriter, r *http.Request, subPath string) {
	parts := strings.SplitN(strings.TrimPrefix(subPath, "/"), "/", 3)
	if len(parts) < 3 {
		http.Error(w, "do plugin path must be <class>/<id>/<key>", http.StatusBadRequest)
		return
	}
	className, id, key := parts[0], parts[1], parts[2]
	storage, err := s.ns.DurableObject(className, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := storage.Get(key)
		if errors.Is(err, durableobject.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(value)
	case http.MethodPut, http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := storage.Put(key, body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		existed, err := storage.Delete(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !existed {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
