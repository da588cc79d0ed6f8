package miniflare

import (
	"github.com/cloudflare/miniflare-sub005/internal/configmodel"
	"github.com/cloudflare/miniflare-sub005/internal/wireconfig"
)

// BindingKind selects which wire variant a Binding carries; re-exported
// from internal/wireconfig so callers building Options never need that
// package's import path.
type BindingKind = wireconfig.BindingKind

const (
	BindingParameter              = wireconfig.BindingParameter
	BindingText                   = wireconfig.BindingText
	BindingData                   = wireconfig.BindingData
	BindingJSON                   = wireconfig.BindingJSON
	BindingWasmModule             = wireconfig.BindingWasmModule
	BindingCryptoKey              = wireconfig.BindingCryptoKey
	BindingService                = wireconfig.BindingService
	BindingDurableObjectNamespace = wireconfig.BindingDurableObjectNamespace
	BindingKVNamespace            = wireconfig.BindingKVNamespace
	BindingR2Bucket               = wireconfig.BindingR2Bucket
	BindingR2Admin                = wireconfig.BindingR2Admin
	BindingWrapped                = wireconfig.BindingWrapped
	BindingQueue                  = wireconfig.BindingQueue
)

// QueueConsumerDecl is a worker's declaration that it consumes a queue,
// with an optional dead letter queue (empty means none).
type QueueConsumerDecl = configmodel.QueueConsumerDecl

// Binding is one named binding a worker exposes to its script, tagged by
// Kind; only the fields matching Kind are read by the assembler. This is
// the option-surface shape (spec §6's normative binding names); the
// assembler both validates it (via internal/configmodel, for the Durable
// Object/Queue variants that participate in cross-worker checks) and
// serialises it onto the wire (via internal/wireconfig, for every
// variant).
type Binding struct {
	Kind BindingKind

	Text string
	Data []byte
	JSON string

	WasmModule []byte

	CryptoKeyFormat      string
	CryptoKeyData        []byte
	CryptoKeyAlgorithm   string
	CryptoKeyExtractable bool

	// ServiceName names another declared worker (service binding) or
	// custom-service dispatcher.
	ServiceName string

	// DurableObjectClassName/ServiceName designate the hosting worker's DO
	// class; ServiceName empty means "the declaring worker". UnsafeUniqueKey
	// must agree across every binding naming the same (ServiceName,
	// ClassName) pair (ERR_DIFFERENT_UNIQUE_KEYS otherwise).
	DurableObjectClassName       string
	DurableObjectServiceName     string
	DurableObjectUnsafeUniqueKey string

	// KVNamespace/R2Bucket name the namespace by id. There is no separate
	// namespace declaration: storage for a name is opened on first use
	// under SharedOptions.StorageRoot.
	KVNamespace string
	R2Bucket    string

	WrappedModuleName string
	WrappedInner      map[string]Binding

	QueueName string
}

// WorkerOptions is a single worker's (or mount's) option surface, per
// spec §6's "per-worker" option list.
type WorkerOptions struct {
	Name               string
	Script             string
	ScriptPath         string
	Modules            bool
	CompatibilityDate  string
	CompatibilityFlags []string
	Routes             []string
	Bindings           map[string]Binding
	QueueConsumers     []QueueConsumerDecl
	RootPath           string
	Upstream           string
	OutboundService    string
	// Mounts is only meaningful on the root worker.
	Mounts map[string]WorkerOptions
}

// SharedOptions is the global (non-per-worker) option surface.
type SharedOptions struct {
	Host          string
	Port          int
	InspectorPort int
	Verbose       bool

	// StorageRoot is the directory every namespace's on-disk state (blob
	// store, metadata DB, Durable Object SQLite file) is rooted under.
	// spec §6 names a richer per-kind persist surface (kvPersist,
	// cachePersist, durableObjectsPersist, r2Persist: bool | path | URL);
	// this implementation always persists to disk and collapses that
	// surface to one root directory plus per-kind subdirectories, since
	// none of the testable end-to-end scenarios (§8) distinguish
	// ephemeral from persisted storage.
	StorageRoot string

	// RuntimeBinaryPath is the executable Start launches as the runtime
	// subprocess. Its own lifecycle is out of scope; the Supervisor only
	// starts it, feeds it config, and tears it down.
	RuntimeBinaryPath string
}

// Options is the full input to the Config Assembler: shared options plus
// the root worker and its mounts.
type Options struct {
	Shared SharedOptions
	Root   WorkerOptions
}
