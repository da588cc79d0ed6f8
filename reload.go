package miniflare

import (
	"context"
	"sync"

	"github.com/cloudflare/miniflare-sub005/internal/loopback"
)

// ReloadObserver is notified once per effective setOptions commit with the
// names of every configured worker, root first ("root" when the root
// worker has no name); the list is not narrowed to workers whose options
// changed.
type ReloadObserver func(updated []string)

// reloadBus fans committed reloads out to in-process Go observers (for
// callers embedding the Supervisor directly) in addition to the loopback
// server's WebSocket broadcaster (for the runtime subprocess and external
// `/cdn-cgi/mf/reload` watchers). Both sinks receive exactly one event per
// effective commit, coalesced per spec.md §5's ordering rule.
type reloadBus struct {
	mu        sync.Mutex
	observers []ReloadObserver
	loop      *loopback.Server
}

func newReloadBus(loop *loopback.Server) *reloadBus {
	return &reloadBus{loop: loop}
}

// Subscribe registers obs to be called on every future commit.
func (b *reloadBus) Subscribe(obs ReloadObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// emit fans out a single reload event to every observer and, if a
// loopback server is attached, to every connected WebSocket watcher.
func (b *reloadBus) emit(ctx context.Context, updated []string) {
	b.mu.Lock()
	observers := append([]ReloadObserver(nil), b.observers...)
	b.mu.Unlock()

	for _, obs := range observers {
		obs(updated)
	}
	if b.loop != nil {
		b.loop.BroadcastReload(ctx, loopback.ReloadEvent{Updated: updated})
	}
}
