package wireconfig

import "fmt"

// Tags for Worker, Module, DurableObjectNamespace, and Binding fields.
const (
	tagWorkerScriptSource        = 1
	tagWorkerModule              = 2
	tagWorkerServiceWorkerScript = 3
	tagWorkerCompatDate          = 4
	tagWorkerCompatFlag          = 5
	tagWorkerBinding             = 6
	tagWorkerGlobalOutbound      = 7
	tagWorkerCacheAPIOutbound    = 8
	tagWorkerDONamespace         = 9
	tagWorkerDOUniqueKeyModifier = 10
	tagWorkerDOStorage           = 11
	tagWorkerDOStoragePath       = 12

	tagModuleName     = 1
	tagModuleESModule = 2

	tagDONamespaceClassName = 1
	tagDONamespaceUniqueKey = 2

	tagBindingName       = 1
	tagBindingKind       = 2
	tagBindingText       = 3
	tagBindingData       = 4
	tagBindingJSON       = 5
	tagBindingWasm       = 6
	tagBindingCryptoFmt  = 7
	tagBindingCryptoData = 8
	tagBindingCryptoAlgo = 9
	tagBindingCryptoExtr = 10
	tagBindingService    = 11
	tagBindingDOClass    = 12
	tagBindingDOService  = 13
	tagBindingKVID       = 14
	tagBindingR2Bucket   = 15
	tagBindingWrappedMod = 16
	tagBindingWrappedIn  = 17
	tagBindingQueueName  = 18
)

func encodeWorker(w *Worker) *writer {
	out := newWriter()
	out.uint8Field(tagWorkerScriptSource, uint8(w.ScriptSource))
	for _, m := range w.Modules {
		sub := newWriter()
		sub.stringField(tagModuleName, m.Name)
		sub.stringField(tagModuleESModule, m.ESModule)
		sub.end()
		out.subMessage(tagWorkerModule, sub)
	}
	out.stringField(tagWorkerServiceWorkerScript, w.ServiceWorkerScript)
	out.stringField(tagWorkerCompatDate, w.CompatibilityDate)
	for _, f := range w.CompatibilityFlags {
		out.stringField(tagWorkerCompatFlag, f)
	}
	for _, b := range w.Bindings {
		out.subMessage(tagWorkerBinding, encodeBinding(&b))
	}
	out.stringField(tagWorkerGlobalOutbound, w.GlobalOutbound)
	out.stringField(tagWorkerCacheAPIOutbound, w.CacheAPIOutbound)
	for _, d := range w.DurableObjectNamespaces {
		sub := newWriter()
		sub.stringField(tagDONamespaceClassName, d.ClassName)
		sub.stringField(tagDONamespaceUniqueKey, d.UniqueKey)
		sub.end()
		out.subMessage(tagWorkerDONamespace, sub)
	}
	out.stringField(tagWorkerDOUniqueKeyModifier, w.DurableObjectUniqueKeyModifier)
	out.uint8Field(tagWorkerDOStorage, uint8(w.DurableObjectStorage))
	out.stringField(tagWorkerDOStoragePath, w.DurableObjectStoragePath)
	out.end()
	return out
}

func decodeWorker(r *reader) (*Worker, error) {
	w := &Worker{}
	scriptSource, err := r.uint8Field(tagWorkerScriptSource)
	if err != nil {
		return nil, err
	}
	w.ScriptSource = ScriptSource(scriptSource)

	for {
		tag, ok, err := r.peekTag()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch tag {
		case tagWorkerModule:
			sub, err := r.subMessage(tagWorkerModule)
			if err != nil {
				return nil, err
			}
			name, err := sub.stringField(tagModuleName)
			if err != nil {
				return nil, err
			}
			esModule, err := sub.stringField(tagModuleESModule)
			if err != nil {
				return nil, err
			}
			w.Modules = append(w.Modules, Module{Name: name, ESModule: esModule})
		case tagWorkerServiceWorkerScript:
			if w.ServiceWorkerScript, err = r.stringField(tagWorkerServiceWorkerScript); err != nil {
				return nil, err
			}
		case tagWorkerCompatDate:
			if w.CompatibilityDate, err = r.stringField(tagWorkerCompatDate); err != nil {
				return nil, err
			}
		case tagWorkerCompatFlag:
			f, err := r.stringField(tagWorkerCompatFlag)
			if err != nil {
				return nil, err
			}
			w.CompatibilityFlags = append(w.CompatibilityFlags, f)
		case tagWorkerBinding:
			sub, err := r.subMessage(tagWorkerBinding)
			if err != nil {
				return nil, err
			}
			b, err := decodeBinding(sub)
			if err != nil {
				return nil, err
			}
			w.Bindings = append(w.Bindings, *b)
		case tagWorkerGlobalOutbound:
			if w.GlobalOutbound, err = r.stringField(tagWorkerGlobalOutbound); err != nil {
				return nil, err
			}
		case tagWorkerCacheAPIOutbound:
			if w.CacheAPIOutbound, err = r.stringField(tagWorkerCacheAPIOutbound); err != nil {
				return nil, err
			}
		case tagWorkerDONamespace:
			sub, err := r.subMessage(tagWorkerDONamespace)
			if err != nil {
				return nil, err
			}
			className, err := sub.stringField(tagDONamespaceClassName)
			if err != nil {
				return nil, err
			}
			uniqueKey, err := sub.stringField(tagDONamespaceUniqueKey)
			if err != nil {
				return nil, err
			}
			w.DurableObjectNamespaces = append(w.DurableObjectNamespaces, DurableObjectNamespace{
				ClassName: className, UniqueKey: uniqueKey,
			})
		case tagWorkerDOUniqueKeyModifier:
			if w.DurableObjectUniqueKeyModifier, err = r.stringField(tagWorkerDOUniqueKeyModifier); err != nil {
				return nil, err
			}
		case tagWorkerDOStorage:
			storage, err := r.uint8Field(tagWorkerDOStorage)
			if err != nil {
				return nil, err
			}
			w.DurableObjectStorage = DurableObjectStorageKind(storage)
		case tagWorkerDOStoragePath:
			if w.DurableObjectStoragePath, err = r.stringField(tagWorkerDOStoragePath); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("wireconfig: unexpected Worker tag %d", tag)
		}
	}
	return w, nil
}

func encodeBinding(b *Binding) *writer {
	out := newWriter()
	out.stringField(tagBindingName, b.Name)
	out.uint8Field(tagBindingKind, uint8(b.Kind))
	switch b.Kind {
	case BindingText:
		out.stringField(tagBindingText, b.Text)
	case BindingData:
		out.bytesField(tagBindingData, b.Data)
	case BindingJSON:
		out.stringField(tagBindingJSON, b.JSON)
	case BindingWasmModule:
		out.bytesField(tagBindingWasm, b.WasmModule)
	case BindingCryptoKey:
		out.stringField(tagBindingCryptoFmt, b.CryptoKeyFormat)
		out.bytesField(tagBindingCryptoData, b.CryptoKeyData)
		out.stringField(tagBindingCryptoAlgo, b.CryptoKeyAlgorithm)
		out.boolField(tagBindingCryptoExtr, b.CryptoKeyExtractable)
	case BindingService:
		out.stringField(tagBindingService, b.ServiceName)
	case BindingDurableObjectNamespace:
		out.stringField(tagBindingDOClass, b.DurableObjectClassName)
		out.stringField(tagBindingDOService, b.DurableObjectServiceName)
	case BindingKVNamespace:
		out.stringField(tagBindingKVID, b.KVNamespaceID)
	case BindingR2Bucket, BindingR2Admin:
		out.stringField(tagBindingR2Bucket, b.R2BucketName)
	case BindingWrapped:
		out.stringField(tagBindingWrappedMod, b.WrappedModuleName)
		for _, inner := range b.WrappedInner {
			out.subMessage(tagBindingWrappedIn, encodeBinding(&inner))
		}
	case BindingQueue:
		out.stringField(tagBindingQueueName, b.QueueName)
	case BindingParameter:
		// No payload: a parameter binding is resolved entirely by name at
		// the call site that supplies it.
	}
	out.end()
	return out
}

func decodeBinding(r *reader) (*Binding, error) {
	b := &Binding{}
	var err error
	if b.Name, err = r.stringField(tagBindingName); err != nil {
		return nil, err
	}
	kind, err := r.uint8Field(tagBindingKind)
	if err != nil {
		return nil, err
	}
	b.Kind = BindingKind(kind)

	for {
		tag, ok, err := r.peekTag()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch tag {
		case tagBindingText:
			if b.Text, err = r.stringField(tagBindingText); err != nil {
				return nil, err
			}
		case tagBindingData:
			if b.Data, err = r.bytesField(tagBindingData); err != nil {
				return nil, err
			}
		case tagBindingJSON:
			if b.JSON, err = r.stringField(tagBindingJSON); err != nil {
				return nil, err
			}
		case tagBindingWasm:
			if b.WasmModule, err = r.bytesField(tagBindingWasm); err != nil {
				return nil, err
			}
		case tagBindingCryptoFmt:
			if b.CryptoKeyFormat, err = r.stringField(tagBindingCryptoFmt); err != nil {
				return nil, err
			}
		case tagBindingCryptoData:
			if b.CryptoKeyData, err = r.bytesField(tagBindingCryptoData); err != nil {
				return nil, err
			}
		case tagBindingCryptoAlgo:
			if b.CryptoKeyAlgorithm, err = r.stringField(tagBindingCryptoAlgo); err != nil {
				return nil, err
			}
		case tagBindingCryptoExtr:
			if b.CryptoKeyExtractable, err = r.boolField(tagBindingCryptoExtr); err != nil {
				return nil, err
			}
		case tagBindingService:
			if b.ServiceName, err = r.stringField(tagBindingService); err != nil {
				return nil, err
			}
		case tagBindingDOClass:
			if b.DurableObjectClassName, err = r.stringField(tagBindingDOClass); err != nil {
				return nil, err
			}
		case tagBindingDOService:
			if b.DurableObjectServiceName, err = r.stringField(tagBindingDOService); err != nil {
				return nil, err
			}
		case tagBindingKVID:
			if b.KVNamespaceID, err = r.stringField(tagBindingKVID); err != nil {
				return nil, err
			}
		case tagBindingR2Bucket:
			if b.R2BucketName, err = r.stringField(tagBindingR2Bucket); err != nil {
				return nil, err
			}
		case tagBindingWrappedMod:
			if b.WrappedModuleName, err = r.stringField(tagBindingWrappedMod); err != nil {
				return nil, err
			}
		case tagBindingWrappedIn:
			sub, err := r.subMessage(tagBindingWrappedIn)
			if err != nil {
				return nil, err
			}
			inner, err := decodeBinding(sub)
			if err != nil {
				return nil, err
			}
			b.WrappedInner = append(b.WrappedInner, *inner)
		case tagBindingQueueName:
			if b.QueueName, err = r.stringField(tagBindingQueueName); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("wireconfig: unexpected Binding tag %d", tag)
		}
	}
	return b, nil
}
