package miniflare

import (
	"fmt"
	"sort"

	"github.com/cloudflare/miniflare-sub005/internal/configmodel"
	"github.com/cloudflare/miniflare-sub005/internal/router"
	"github.com/cloudflare/miniflare-sub005/internal/wireconfig"
)

// assembled is the Config Assembler's output (spec §4.7 steps 1-5): the
// cross-worker derived state, a route table ready for dispatch, and the
// wire buffer to hand the runtime.
type assembled struct {
	derived *configmodel.DerivedState
	routes  *router.Table
	wire    []byte
}

// assemble runs the full Config Assembler pipeline over opts: validate,
// compute derived state, materialise the route table, and serialise the
// runtime config.
func assemble(opts Options) (*assembled, error) {
	cmOpts := toConfigModelOptions(opts)
	derived, err := configmodel.Validate(cmOpts)
	if err != nil {
		return nil, err
	}

	routes := buildRouteTable(derived)

	buf, err := wireconfig.Encode(buildWireConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("miniflare: encoding runtime config: %w", err)
	}

	return &assembled{derived: derived, routes: routes, wire: buf}, nil
}

func buildRouteTable(derived *configmodel.DerivedState) *router.Table {
	var routes []router.Route
	for name, patterns := range derived.WorkerRoutes {
		for _, p := range patterns {
			routes = append(routes, router.Route{WorkerName: name, Pattern: p})
		}
	}
	return router.Build(routes)
}

// toConfigModelOptions extracts the subset of Options that participates
// in cross-worker validation (configmodel.Validate only needs Durable
// Object designators and queue declarations; every other binding variant
// passes straight through to the wire codec unexamined).
func toConfigModelOptions(opts Options) configmodel.Options {
	return configmodel.Options{
		Shared: configmodel.SharedOptions{
			Host:          opts.Shared.Host,
			Port:          opts.Shared.Port,
			InspectorPort: opts.Shared.InspectorPort,
			Verbose:       opts.Shared.Verbose,
		},
		Root: toConfigModelWorker(opts.Root),
	}
}

func toConfigModelWorker(w WorkerOptions) configmodel.WorkerOptions {
	out := configmodel.WorkerOptions{
		Name:            w.Name,
		Script:          w.Script,
		ScriptPath:      w.ScriptPath,
		Modules:         w.Modules,
		Routes:          w.Routes,
		Bindings:        make(map[string]configmodel.Binding, len(w.Bindings)),
		QueueConsumers:  w.QueueConsumers,
		RootPath:        w.RootPath,
		Upstream:        w.Upstream,
		OutboundService: w.OutboundService,
	}
	for name, b := range w.Bindings {
		cb := configmodel.Binding{Name: name}
		switch b.Kind {
		case BindingDurableObjectNamespace:
			cb.DurableObject = &configmodel.DurableObjectDesignator{
				ClassName:       b.DurableObjectClassName,
				ServiceName:     b.DurableObjectServiceName,
				UnsafeUniqueKey: b.DurableObjectUnsafeUniqueKey,
			}
		case BindingQueue:
			cb.Queue = &configmodel.QueueProducer{QueueName: b.QueueName}
		}
		out.Bindings[name] = cb
	}
	if len(w.Mounts) > 0 {
		out.Mounts = make(map[string]configmodel.WorkerOptions, len(w.Mounts))
		for name, mount := range w.Mounts {
			out.Mounts[name] = toConfigModelWorker(mount)
		}
	}
	return out
}

// buildWireConfig materialises the full Options tree (root plus mounts,
// each its own Service) into the runtime wire schema (spec §6).
func buildWireConfig(opts Options) *wireconfig.Config {
	cfg := &wireconfig.Config{}

	cfg.Services = append(cfg.Services, *buildWireService(opts.Root))

	for name, mount := range opts.Root.Mounts {
		mount.Name = name
		cfg.Services = append(cfg.Services, *buildWireService(mount))
	}

	cfg.Sockets = append(cfg.Sockets, wireconfig.Socket{
		Name:    "http",
		Address: fmt.Sprintf("%s:%d", opts.Shared.Host, opts.Shared.Port),
		Service: serviceName(opts.Root),
		HTTP:    true,
	})

	return cfg
}

func serviceName(w WorkerOptions) string {
	if w.Name == "" {
		return "root"
	}
	return w.Name
}

func buildWireService(w WorkerOptions) *wireconfig.Service {
	return &wireconfig.Service{
		Name:   serviceName(w),
		Kind:   wireconfig.ServiceWorker,
		Worker: buildWireWorker(w),
	}
}

func buildWireWorker(w WorkerOptions) *wireconfig.Worker {
	worker := &wireconfig.Worker{
		CompatibilityDate:  w.CompatibilityDate,
		CompatibilityFlags: w.CompatibilityFlags,
		GlobalOutbound:     w.OutboundService,
	}

	switch {
	case w.Modules:
		worker.ScriptSource = wireconfig.ScriptModules
		worker.Modules = []wireconfig.Module{{Name: "main", ESModule: w.Script}}
	case w.Script != "":
		worker.ScriptSource = wireconfig.ScriptServiceWorker
		worker.ServiceWorkerScript = w.Script
	default:
		worker.ScriptSource = wireconfig.ScriptInherit
	}

	names := make([]string, 0, len(w.Bindings))
	for name := range w.Bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	seenClasses := make(map[string]bool, len(names))
	for _, name := range names {
		b := w.Bindings[name]
		wb := buildWireBinding(name, b)
		worker.Bindings = append(worker.Bindings, wb)

		// A worker may bind to the same hosted Durable Object class
		// through more than one binding name; it must still only declare
		// hosting that class once.
		if wb.Kind == wireconfig.BindingDurableObjectNamespace && wb.DurableObjectServiceName == "" && !seenClasses[wb.DurableObjectClassName] {
			seenClasses[wb.DurableObjectClassName] = true
			worker.DurableObjectNamespaces = append(worker.DurableObjectNamespaces, wireconfig.DurableObjectNamespace{
				ClassName: wb.DurableObjectClassName,
				UniqueKey: b.DurableObjectUnsafeUniqueKey,
			})
		}
	}

	return worker
}

func buildWireBinding(name string, b Binding) wireconfig.Binding {
	wb := wireconfig.Binding{
		Name:                     name,
		Kind:                     b.Kind,
		Text:                     b.Text,
		Data:                     b.Data,
		JSON:                     b.JSON,
		WasmModule:               b.WasmModule,
		CryptoKeyFormat:          b.CryptoKeyFormat,
		CryptoKeyData:            b.CryptoKeyData,
		CryptoKeyAlgorithm:       b.CryptoKeyAlgorithm,
		CryptoKeyExtractable:     b.CryptoKeyExtractable,
		ServiceName:              b.ServiceName,
		DurableObjectClassName:   b.DurableObjectClassName,
		DurableObjectServiceName: b.DurableObjectServiceName,
		KVNamespaceID:            b.KVNamespace,
		R2BucketName:             b.R2Bucket,
		WrappedModuleName:        b.WrappedModuleName,
		QueueName:                b.QueueName,
	}
	for innerName, inner := range b.WrappedInner {
		wb.WrappedInner = append(wb.WrappedInner, buildWireBinding(innerName, inner))
	}
	return wb
}
