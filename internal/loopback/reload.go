package loopback

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// ReloadBroadcaster fans a ReloadEvent out to every currently-connected
// `/cdn-cgi/mf/reload` WebSocket observer, tolerating individual write
// failures (a failed write to one observer does not stop delivery to the
// others). Writes go out one observer at a time, so a slow observer delays
// the ones after it until its write finishes or ctx is done.
type ReloadBroadcaster struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newReloadBroadcaster() *ReloadBroadcaster {
	return &ReloadBroadcaster{conns: make(map[*websocket.Conn]struct{})}
}

// add registers conn and removes it once its read loop ends (the
// reload socket is write-only from the server's side, but coder/websocket
// requires pumping reads to observe the peer closing).
func (b *ReloadBroadcaster) add(conn *websocket.Conn) {
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer b.remove(conn)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}

func (b *ReloadBroadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (b *ReloadBroadcaster) broadcast(ctx context.Context, ev ReloadEvent) {
	payload, err := marshalReloadEvent(ev)
	if err != nil {
		return
	}
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Write(ctx, websocket.MessageText, payload)
	}
}

func (b *ReloadBroadcaster) closeAll() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusNormalClosure, "server shutting down")
	}
}
