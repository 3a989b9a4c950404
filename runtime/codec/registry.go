package codec

import (
	"reflect"
	"sync"

	"github.com/rillflow/rill/runtime/result"
)

// Registry maps stable type names to Go types. Stores persist the name next
// to the payload bytes and use the registry to rehydrate values on read.
// Names are part of the stored data's contract: renaming a Go type is safe,
// renaming its registered name is a migration.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	names  map[reflect.Type]string
}

// NewRegistry returns an empty type registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]reflect.Type),
		names:  make(map[reflect.Type]string),
	}
}

// RegisterType binds name to T. Registering the same name or the same type
// twice is a configuration error.
func RegisterType[T any](r *Registry, name string) error {
	rt := reflect.TypeOf((*T)(nil)).Elem()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok {
		return result.Configurationf("type name %q already registered to %s", name, existing)
	}
	if existing, ok := r.names[rt]; ok {
		return result.Configurationf("type %s already registered as %q", rt, existing)
	}
	r.byName[name] = rt
	r.names[rt] = name
	return nil
}

// NameOf returns the registered name for v's type. Pointer values resolve
// to their element type.
func (r *Registry) NameOf(v any) (string, error) {
	rt := reflect.TypeOf(v)
	if rt == nil {
		return "", result.Configurationf("cannot name a nil value")
	}
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[rt]
	if !ok {
		return "", result.Configurationf("type %s not registered", rt)
	}
	return name, nil
}

// Encode marshals v with c and returns its registered name alongside the
// payload bytes.
func (r *Registry) Encode(c Codec, v any) (string, []byte, error) {
	name, err := r.NameOf(v)
	if err != nil {
		return "", nil, err
	}
	data, err := c.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return name, data, nil
}

// Decode rehydrates a payload by registered name, returning the value (not
// a pointer to it).
func (r *Registry) Decode(c Codec, name string, data []byte) (any, error) {
	r.mu.RLock()
	rt, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, result.Configurationf("type name %q not registered", name)
	}
	pv := reflect.New(rt)
	if err := c.Unmarshal(data, pv.Interface()); err != nil {
		return nil, err
	}
	return pv.Elem().Interface(), nil
}
