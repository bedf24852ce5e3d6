package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Serializer turns checkpoint state and pending write values into bytes and
// back.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// Codec is a custom encoding for one registered type.
type Codec struct {
	Marshal   func(any) ([]byte, error)
	Unmarshal func([]byte) (any, error)
}

// TypeRegistry maps Go struct types to stable names so serialized state can be
// decoded back into its original type instead of map[string]any.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
	codecs map[reflect.Type]Codec
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
		codecs: make(map[reflect.Type]Codec),
	}
}

var defaultRegistry = NewTypeRegistry()

// DefaultRegistry returns the process-wide registry used by DefaultSerializer.
func DefaultRegistry() *TypeRegistry { return defaultRegistry }

// RegisterType registers t under name in the default registry.
func RegisterType(t reflect.Type, name string) error {
	return defaultRegistry.Register(t, name)
}

// RegisterTypeWithValue registers the dynamic type of value in the default registry.
func RegisterTypeWithValue(value any, name string) error {
	return defaultRegistry.Register(reflect.TypeOf(value), name)
}

// Register adds a struct or pointer-to-struct type. Registering the same type
// twice under one name is allowed; under two names it is an error.
func (r *TypeRegistry) Register(t reflect.Type, name string) error {
	if t == nil {
		return fmt.Errorf("cannot register nil type as %s", name)
	}
	base := t
	if base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return fmt.Errorf("type %s must be a struct or pointer to struct", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byType[t]; ok && existing != name {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("name %s already used by type %v", name, existing)
	}

	r.byName[name] = t
	r.byType[t] = name
	return nil
}

// RegisterCodec registers t with a custom encoding.
func (r *TypeRegistry) RegisterCodec(t reflect.Type, name string, codec Codec) error {
	if codec.Marshal == nil || codec.Unmarshal == nil {
		return fmt.Errorf("codec for %s needs both Marshal and Unmarshal", name)
	}
	if err := r.Register(t, name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[t] = codec
	return nil
}

// Lookup returns the type registered under name.
func (r *TypeRegistry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// NameOf returns the name t was registered under.
func (r *TypeRegistry) NameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

type envelope struct {
	Type  string          `json:"_type"`
	Value json.RawMessage `json:"_value"`
}

// Marshal encodes registered types as {"_type": name, "_value": ...} and
// everything else as plain JSON.
func (r *TypeRegistry) Marshal(v any) ([]byte, error) {
	if v == nil {
		return json.Marshal(nil)
	}

	t := reflect.TypeOf(v)
	name, ok := r.NameOf(t)
	if !ok {
		return json.Marshal(v)
	}

	r.mu.RLock()
	codec, custom := r.codecs[t]
	r.mu.RUnlock()

	var (
		raw []byte
		err error
	)
	if custom {
		raw, err = codec.Marshal(v)
	} else {
		raw, err = json.Marshal(v)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{Type: name, Value: raw})
}

// Unmarshal reverses Marshal. Unwrapped JSON decodes into the generic
// map/slice/float64 shapes of encoding/json.
func (r *TypeRegistry) Unmarshal(data []byte) (any, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if _, typed := probe["_type"]; typed {
			return r.unwrap(data)
		}
	}

	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *TypeRegistry) unwrap(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal type envelope: %w", err)
	}
	if env.Value == nil {
		return nil, fmt.Errorf("missing _value for type %s", env.Type)
	}

	t, ok := r.Lookup(env.Type)
	if !ok {
		return nil, fmt.Errorf("unknown type: %s", env.Type)
	}

	r.mu.RLock()
	codec, custom := r.codecs[t]
	r.mu.RUnlock()
	if custom {
		return codec.Unmarshal(env.Value)
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(env.Value, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return ptr.Elem().Interface(), nil
}

// JSONSerializer is the default Serializer. A nil Registry means the default
// registry.
type JSONSerializer struct {
	Registry *TypeRegistry
}

var _ Serializer = JSONSerializer{}

func (s JSONSerializer) registry() *TypeRegistry {
	if s.Registry == nil {
		return defaultRegistry
	}
	return s.Registry
}

func (s JSONSerializer) Marshal(v any) ([]byte, error) { return s.registry().Marshal(v) }

func (s JSONSerializer) Unmarshal(data []byte) (any, error) { return s.registry().Unmarshal(data) }

// SerializerOrDefault returns s, or a JSONSerializer over the default registry.
func SerializerOrDefault(s Serializer) Serializer {
	if s == nil {
		return JSONSerializer{}
	}
	return s
}
