// Package miniflare implements a local simulator for an edge-compute
// platform: a Worker Supervisor that assembles, reloads, and routes
// requests to a tree of workers running in an external runtime
// subprocess, backed by a Simulated Storage Engine (KV, R2, Cache,
// Durable Object storage) under internal/storage.
package miniflare

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/cloudflare/miniflare-sub005/internal/configmodel"
	"github.com/cloudflare/miniflare-sub005/internal/fifomutex"
	"github.com/cloudflare/miniflare-sub005/internal/loopback"
	"github.com/cloudflare/miniflare-sub005/internal/router"
	"github.com/cloudflare/miniflare-sub005/internal/runtimeproc"
)

// CustomServiceFunc is a Go-side callback an embedder registers to back a
// worker's custom service binding; the loopback server delegates matching
// `CF-Custom-Service` requests to it directly, bypassing the runtime
// subprocess entirely.
type CustomServiceFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

// Supervisor owns a tree of workers (root plus named mounts), the runtime
// subprocess, and the loopback callback server, per spec.md §4.7's state
// tuple `{sharedOpts, workerOpts[], runtime, runtimeEntryURL, loopbackPort,
// mutex, disposeFlag}`.
type Supervisor struct {
	log zerolog.Logger

	// mu serialises init, every SetOptions, and Dispose in strict arrival
	// order (spec.md §5: "setOptions calls observe strict FIFO").
	mu *fifomutex.Mutex

	disposeMu sync.Mutex
	disposed  bool

	// stateMu guards the fields DispatchFetch reads on the hot path, kept
	// separate from mu so concurrent dispatch never blocks behind a
	// queued reload (spec.md §5: "parallel where safe").
	stateMu     sync.RWMutex
	opts        Options
	derived     *configmodel.DerivedState
	routesTable *router.Table
	entryURL    string

	runtime *runtimeproc.Manager
	loop    *loopback.Server
	reload  *reloadBus
	ns      *namespaceRegistry

	customMu       sync.Mutex
	customServices map[string]CustomServiceFunc

	httpClient *http.Client
}

// New constructs a Supervisor, starts its loopback server and runtime
// subprocess, and commits the initial configuration — spec.md's "init"
// task, which shares the same FIFO mutex as every later setOptions.
func New(ctx context.Context, opts Options, log zerolog.Logger) (*Supervisor, error) {
	return newSupervisor(ctx, opts, log, nil)
}

// newSupervisor is New's implementation, with an injectable runtime
// Spawner so tests can exercise the full commit/dispatch/dispose pipeline
// against a fake runtime process instead of a real subprocess. A nil
// spawner makes runtimeproc.New fall back to OSProcessSpawner.
func newSupervisor(ctx context.Context, opts Options, log zerolog.Logger, spawner runtimeproc.Spawner) (*Supervisor, error) {
	s := &Supervisor{
		log:            log,
		mu:             fifomutex.New(),
		ns:             newNamespaceRegistry(opts.Shared.StorageRoot),
		customServices: make(map[string]CustomServiceFunc),
		httpClient:     &http.Client{},
	}

	loop, err := loopback.New(loopback.Options{
		LogSink:    s.handleRuntimeLog,
		Dispatcher: s.dispatchCustomService,
		// Errorer (pretty-error source-map resolution) is left
		// unconfigured: spec.md's PURPOSE & SCOPE names pretty-error
		// rendering as an external collaborator, not part of this
		// component.
	})
	if err != nil {
		return nil, fmt.Errorf("miniflare: starting loopback server: %w", err)
	}
	s.loop = loop
	s.reload = newReloadBus(loop)
	s.registerStoragePlugins()

	go func() {
		if err := loop.Serve(); err != nil {
			log.Error().Err(err).Msg("loopback server stopped unexpectedly")
		}
	}()

	s.runtime = runtimeproc.New(runtimeproc.Options{
		BinaryPath: opts.Shared.RuntimeBinaryPath,
		Log:        log,
		Spawner:    spawner,
	})
	if err := s.runtime.Start(ctx); err != nil {
		return nil, wrapRuntimeErr("start", err)
	}

	if err := s.SetOptions(ctx, opts); err != nil {
		_ = s.runtime.Stop(5 * time.Second)
		_ = s.loop.Close(ctx)
		return nil, err
	}
	return s, nil
}

// SetOptions runs the Config Assembler pipeline (spec.md §4.7 steps 1-6)
// and hands the result to the runtime subprocess. Calls observe strict
// FIFO order via mu; SetOptions rejects once Dispose has run.
func (s *Supervisor) SetOptions(ctx context.Context, opts Options) error {
	release, err := s.mu.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if s.isDisposed() {
		return ErrDisposed
	}

	asm, err := assemble(opts)
	if err != nil {
		return err
	}

	entryPort, err := pickFreePort()
	if err != nil {
		return fmt.Errorf("miniflare: allocating runtime entry port: %w", err)
	}
	if err := s.runtime.UpdateConfig(ctx, asm.wire, entryPort); err != nil {
		return wrapRuntimeErr("updateConfig", err)
	}

	entryURL := fmt.Sprintf("http://127.0.0.1:%d", entryPort)
	s.stateMu.Lock()
	s.opts = opts
	s.derived = asm.derived
	s.routesTable = asm.routes
	s.entryURL = entryURL
	s.stateMu.Unlock()

	// Reload ordering (spec.md §5): exactly one event per effective
	// commit, but when further commits are already queued behind this
	// one, suppress it — only the terminal commit in the run emits.
	if s.mu.Waiters() == 0 {
		s.reload.emit(ctx, updatedWorkerNames(opts))
	}

	s.log.Info().
		Str("entryURL", entryURL).
		Str("wireSize", humanize.Bytes(uint64(len(asm.wire)))).
		Msg("committed new configuration")
	return nil
}

// Ready resolves to the current runtime entry URL once every preceding
// setOptions call has been applied (it acquires and releases the same
// FIFO mutex, so it never observes a commit still in flight).
func (s *Supervisor) Ready(ctx context.Context) (string, error) {
	release, err := s.mu.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if s.isDisposed() {
		return "", ErrDisposed
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.entryURL, nil
}

// Dispose tears the Supervisor down: it is the final task the FIFO mutex
// ever admits, after which every SetOptions/Ready call fails with
// ErrDisposed. Idempotent.
func (s *Supervisor) Dispose(ctx context.Context) error {
	release, err := s.mu.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.disposeMu.Lock()
	if s.disposed {
		s.disposeMu.Unlock()
		return nil
	}
	s.disposed = true
	s.disposeMu.Unlock()

	var firstErr error
	if err := s.runtime.Stop(5 * time.Second); err != nil {
		firstErr = wrapRuntimeErr("stop", err)
	}
	if err := s.loop.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.ns.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Supervisor) isDisposed() bool {
	s.disposeMu.Lock()
	defer s.disposeMu.Unlock()
	return s.disposed
}

// RegisterCustomService wires a Go-side function to back a worker's
// custom service binding named name; requests the runtime sends to the
// loopback's CF-Custom-Service dispatch for that name are answered by fn
// directly, never reaching a real subprocess call.
func (s *Supervisor) RegisterCustomService(name string, fn CustomServiceFunc) {
	s.customMu.Lock()
	defer s.customMu.Unlock()
	s.customServices[name] = fn
}

func (s *Supervisor) dispatchCustomService(ctx context.Context, workerIndex int, kind, name string, r *http.Request) (*http.Response, error) {
	s.customMu.Lock()
	fn := s.customServices[name]
	s.customMu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("miniflare: no custom service registered for %q", name)
	}
	return fn(ctx, r)
}

func (s *Supervisor) handleRuntimeLog(level loopback.LogLevel, message string) {
	evt := s.log.Info()
	switch level {
	case loopback.LogLevelError:
		evt = s.log.Error()
	case loopback.LogLevelWarn:
		evt = s.log.Warn()
	case loopback.LogLevelDebug, loopback.LogLevelVerbose:
		evt = s.log.Debug()
	}
	evt.Msg(message)
}

// DispatchFetch routes an inbound request to the correct worker and
// forwards it to the runtime's current entry URL, per spec.md §4.6/§2's
// "External callers invoke dispatchFetch; the Supervisor rewrites the URL
// to the runtime's entry". It does not serialise through the setOptions
// mutex (dispatch and reload proceed in parallel; DispatchFetch always
// sees the most recently committed route table and entry URL).
func (s *Supervisor) DispatchFetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	s.stateMu.RLock()
	table := s.routesTable
	entryURL := s.entryURL
	s.stateMu.RUnlock()
	if table == nil {
		return nil, fmt.Errorf("miniflare: no configuration committed yet")
	}

	match := table.Dispatch(r.Host, r.URL.Path)
	path := r.URL.Path
	if match.WorkerName != "" {
		path = match.StrippedPath
	}

	outURL := entryURL + path
	if r.URL.RawQuery != "" {
		outURL += "?" + r.URL.RawQuery
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL, r.Body)
	if err != nil {
		return nil, fmt.Errorf("miniflare: building runtime request: %w", err)
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Set("MF-Dispatch-Worker", dispatchWorkerHeader(match.WorkerName))

	return s.httpClient.Do(outReq)
}

func dispatchWorkerHeader(workerName string) string {
	if workerName == "" {
		return "root"
	}
	return workerName
}

// updatedWorkerNames lists every worker name in opts, root first. The
// assembler always re-serialises the whole tree on every commit rather
// than diffing against the previous one, so every currently-configured
// worker is reported as touched by the commit.
func updatedWorkerNames(opts Options) []string {
	names := []string{dispatchWorkerHeader(opts.Root.Name)}
	for name := range opts.Root.Mounts {
		names = append(names, name)
	}
	return names
}

func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
