// Package configmodel parses and validates the Supervisor's option surface
// and computes the cross-worker derived state (Durable Object class
// ownership, queue consumer assignment, route tables) that the Config
// Assembler stage needs before it can serialise a runtime config.
package configmodel

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, matching spec's option-error taxonomy. Wrap one of
// these in a *ConfigError to preserve a structured Path alongside it.
var (
	ErrNoWorkers            = errors.New("configmodel: no workers configured")
	ErrDuplicateName        = errors.New("configmodel: duplicate worker name")
	ErrValidation           = errors.New("configmodel: invalid option")
	ErrMountNoName          = errors.New("configmodel: mount missing a name")
	ErrMountNested          = errors.New("configmodel: mounts may not declare their own mounts")
	ErrMount                = errors.New("configmodel: mount setup failed")
	ErrDifferentUniqueKeys  = errors.New("configmodel: unsafeUniqueKey differs across workers declaring the same durable object class")
	ErrMultipleConsumers    = errors.New("configmodel: queue has more than one consumer")
	ErrDeadLetterQueueCycle = errors.New("configmodel: queue may not be its own dead letter queue")
)

// ConfigError is the structured error type for every option/lifecycle
// failure the Config Assembler can raise: Kind is one of the sentinels
// above (compare with errors.Is), Path names the offending option (e.g.
// "root.mounts.a.mounts"), and Err carries an underlying cause for
// ErrMount (mount setup throwing).
type ConfigError struct {
	Kind error
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (at %s): %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s (at %s)", e.Kind, e.Path)
}

// Unwrap exposes the underlying cause, if any, so errors.Is/As can reach
// past ErrMount to the original mount-setup error.
func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is lets errors.Is(err, configmodel.ErrMountNested) succeed even when Err
// is set (Unwrap alone would hide Kind behind Err in that case).
func (e *ConfigError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func cfgErr(kind error, path string) *ConfigError { return &ConfigError{Kind: kind, Path: path} }

// Binding is a tagged union over the binding variants spec.md's wire schema
// names; only the variants that participate in cross-worker validation
// (Durable Object, Queue) carry structured payloads here — the rest are
// opaque to the Config Assembler and pass through to the wire codec
// unexamined.
type Binding struct {
	Name          string
	DurableObject *DurableObjectDesignator
	Queue         *QueueProducer
}

// DurableObjectDesignator names a Durable Object class a binding resolves
// to. ServiceName empty means "the declaring worker".
type DurableObjectDesignator struct {
	ClassName       string
	ServiceName     string
	UnsafeUniqueKey string
}

// QueueProducer is a queue binding that can send messages (as opposed to a
// QueueConsumerDecl, which makes the declaring worker a consumer).
type QueueProducer struct {
	QueueName string
}

// QueueConsumerDecl is a worker's declaration that it consumes queueName,
// with an optional dead letter queue.
type QueueConsumerDecl struct {
	QueueName       string
	DeadLetterQueue string // empty means none
}

// WorkerOptions is a single worker's (or mount's) option surface.
type WorkerOptions struct {
	Name            string
	Script          string
	ScriptPath      string
	Modules         bool
	Routes          []string
	Bindings        map[string]Binding
	QueueConsumers  []QueueConsumerDecl
	RootPath        string
	Upstream        string
	OutboundService string
	// Mounts is only meaningful on the root worker; any non-empty Mounts on
	// a mount itself is ERR_MOUNT_NESTED.
	Mounts map[string]WorkerOptions
}

// SharedOptions is the global (non-per-worker) option surface.
type SharedOptions struct {
	Host          string
	Port          int
	InspectorPort int
	Verbose       bool
}

// Options is the full input to the Config Assembler: shared options plus
// the root worker and its mounts.
type Options struct {
	Shared SharedOptions
	Root   WorkerOptions
}

// QueueConsumer is one resolved entry of the cross-worker consumer map.
type QueueConsumer struct {
	WorkerName      string
	DeadLetterQueue string
}

// DerivedState is the cross-worker state the Config Assembler computes
// before serialising a runtime config, per spec.md §4.7 step 2.
type DerivedState struct {
	// DurableObjectClassNames maps "<serviceName>\x00<className>" to the
	// unsafeUniqueKey every declaring worker agreed on.
	DurableObjectClassNames map[string]string
	// QueueConsumers maps queueName to its single consumer.
	QueueConsumers map[string]QueueConsumer
	// WorkerRoutes maps worker name ("" for root) to its route globs, in
	// declaration order.
	WorkerRoutes map[string][]string
}

func doKey(serviceName, className string) string {
	return serviceName + "\x00" + className
}

// Validate runs the full assembly pipeline's validation step (spec.md
// §4.7 step 1-2): parses/validates shared and per-worker options, rejects
// an empty worker list and duplicate names, rejects nested or unnamed
// mounts, and computes DerivedState. Returns a *ConfigError on the first
// violation found; validation order matches spec.md's listed error
// precedence (structural errors before cross-worker derived-state errors).
func Validate(opts Options) (*DerivedState, error) {
	workers, err := collectWorkers(opts.Root)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, cfgErr(ErrNoWorkers, "workers")
	}

	if err := checkDuplicateNames(workers); err != nil {
		return nil, err
	}

	state := &DerivedState{
		DurableObjectClassNames: map[string]string{},
		QueueConsumers:          map[string]QueueConsumer{},
		WorkerRoutes:            map[string][]string{},
	}

	for _, w := range workers {
		state.WorkerRoutes[w.Name] = w.Routes
	}

	if err := computeDurableObjectClasses(workers, state); err != nil {
		return nil, err
	}
	if err := computeQueueConsumers(workers, state); err != nil {
		return nil, err
	}

	return state, nil
}

// collectWorkers flattens the root worker and its direct mounts into a
// single slice, validating mount naming and the one-level nesting rule
// along the way. Root is always workers[0] with its Name as given (empty
// string for the conventional root).
func collectWorkers(root WorkerOptions) ([]WorkerOptions, error) {
	out := []WorkerOptions{root}
	for name, mount := range root.Mounts {
		if name == "" {
			return nil, cfgErr(ErrMountNoName, "root.mounts")
		}
		if len(mount.Mounts) > 0 {
			return nil, cfgErr(ErrMountNested, fmt.Sprintf("root.mounts.%s.mounts", name))
		}
		mount.Name = name
		out = append(out, mount)
	}
	return out, nil
}

func checkDuplicateNames(workers []WorkerOptions) error {
	seen := make(map[string]bool, len(workers))
	for i, w := range workers {
		if i == 0 {
			// root's name may legitimately be "" (reserved for root); mounts
			// below are keyed by their map key and always non-empty by this
			// point (collectWorkers already rejected empty mount names).
			seen[w.Name] = true
			continue
		}
		if seen[w.Name] {
			return cfgErr(ErrDuplicateName, fmt.Sprintf("workers[%d].name", i))
		}
		seen[w.Name] = true
	}
	return nil
}

func computeDurableObjectClasses(workers []WorkerOptions, state *DerivedState) error {
	for _, w := range workers {
		for bindingName, b := range w.Bindings {
			if b.DurableObject == nil {
				continue
			}
			d := b.DurableObject
			serviceName := d.ServiceName
			if serviceName == "" {
				serviceName = w.Name
			}
			key := doKey(serviceName, d.ClassName)
			if existing, ok := state.DurableObjectClassNames[key]; ok {
				if existing != d.UnsafeUniqueKey {
					return cfgErr(ErrDifferentUniqueKeys,
						fmt.Sprintf("workers[%s].bindings.%s.durableObjectNamespace", w.Name, bindingName))
				}
				continue
			}
			state.DurableObjectClassNames[key] = d.UnsafeUniqueKey
		}
	}
	return nil
}

func computeQueueConsumers(workers []WorkerOptions, state *DerivedState) error {
	for _, w := range workers {
		for _, decl := range w.QueueConsumers {
			if decl.QueueName == decl.DeadLetterQueue && decl.DeadLetterQueue != "" {
				return cfgErr(ErrDeadLetterQueueCycle,
					fmt.Sprintf("workers[%s].queues.%s.deadLetterQueue", w.Name, decl.QueueName))
			}
			if _, ok := state.QueueConsumers[decl.QueueName]; ok {
				return cfgErr(ErrMultipleConsumers,
					fmt.Sprintf("workers[%s].queues.%s", w.Name, decl.QueueName))
			}
			state.QueueConsumers[decl.QueueName] = QueueConsumer{
				WorkerName:      w.Name,
				DeadLetterQueue: decl.DeadLetterQueue,
			}
		}
	}
	return nil
}
