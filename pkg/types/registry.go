package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Registry maps type names to their descriptors
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]*Descriptor),
	}
}

// Register adds a descriptor. Types may only be registered once.
func (r *Registry) Register(d *Descriptor) error {
	if d.Type == "" {
		return fmt.Errorf("descriptor has no type name")
	}
	if d.New == nil {
		return fmt.Errorf("descriptor %s has no constructor", d.Type)
	}
	if len(d.PrimaryKey) == 0 {
		return fmt.Errorf("descriptor %s has no primary key", d.Type)
	}
	for _, name := range d.PrimaryKey {
		if _, ok := d.Attribute(name); !ok {
			return fmt.Errorf("descriptor %s: primary key attribute %s is not declared", d.Type, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.Type]; exists {
		return fmt.Errorf("type %s is already registered", d.Type)
	}
	r.descriptors[d.Type] = d
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring
func (r *Registry) MustRegister(d *Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Descriptor returns the descriptor of a type
func (r *Registry) Descriptor(resourceType string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, resourceType)
	}
	return d, nil
}

// Types returns all registered type names, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subtypes returns resourceType followed by every registered descendant
func (r *Registry) Subtypes(resourceType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []string{resourceType}
	for i := 0; i < len(result); i++ {
		var children []string
		for name, d := range r.descriptors {
			if d.Parent == result[i] {
				children = append(children, name)
			}
		}
		sort.Strings(children)
		result = append(result, children...)
	}
	return result
}

// PrimaryKey returns the textual primary key of res, unique within its type
func (r *Registry) PrimaryKey(res Resource) (string, error) {
	d, err := r.Descriptor(res.ResourceType())
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(d.PrimaryKey))
	for _, name := range d.PrimaryKey {
		v, _ := d.Value(res, name)
		parts = append(parts, FormatValue(v))
	}
	return strings.Join(parts, "|"), nil
}

// Key returns "type/primaryKey", the identity of a resource across types
func (r *Registry) Key(res Resource) (string, error) {
	pk, err := r.PrimaryKey(res)
	if err != nil {
		return "", err
	}
	return res.ResourceType() + "/" + pk, nil
}

// MustKey is Key for resources already known to be registered
func (r *Registry) MustKey(res Resource) string {
	key, err := r.Key(res)
	if err != nil {
		return res.ResourceType() + "/?"
	}
	return key
}

// Decode builds a resource of the given type from its JSON form
func (r *Registry) Decode(resourceType string, data []byte) (Resource, error) {
	d, err := r.Descriptor(resourceType)
	if err != nil {
		return nil, err
	}
	res := d.New()
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", resourceType, err)
	}
	return res, nil
}

// Clone returns a deep copy of res
func (r *Registry) Clone(res Resource) (Resource, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", res.ResourceType(), err)
	}
	return r.Decode(res.ResourceType(), data)
}

// Content returns the serialized attributes of res without its metadata
func (r *Registry) Content(res Resource) ([]byte, error) {
	clone, err := r.Clone(res)
	if err != nil {
		return nil, err
	}
	*clone.Meta() = ResourceMeta{}
	return json.Marshal(clone)
}

// SameContent reports whether a and b have identical attributes
func (r *Registry) SameContent(a, b Resource) (bool, error) {
	if a.ResourceType() != b.ResourceType() {
		return false, nil
	}
	ca, err := r.Content(a)
	if err != nil {
		return false, err
	}
	cb, err := r.Content(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// FormatValue renders an attribute value in its canonical textual form
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		if val.IsZero() {
			return ""
		}
		return val.UTC().Format(time.RFC3339Nano)
	case []string:
		sorted := append([]string(nil), val...)
		sort.Strings(sorted)
		return strings.Join(sorted, ",")
	default:
		return fmt.Sprint(val)
	}
}
