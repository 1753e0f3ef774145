package conflict

import (
	"fmt"
	"sync"

	"xdao.co/capres/envelope"
)

// TransformKind distinguishes the two supported transformations.
type TransformKind string

const (
	TransformRename     TransformKind = "rename"
	TransformSubstitute TransformKind = "value-substitution"
)

// Transformation is one step of a TypeMapping, applied in declaration order.
//
// Rename moves a field to a new name. Substitution rewrites a string-valued
// field through a lookup table; a value absent from the table is a hard
// UnmappedValue error, never a pass-through.
type Transformation struct {
	Kind    TransformKind
	Field   string
	NewName string            // rename only
	Table   map[string]string // substitution only
}

// TypeMapping converts argument maps authored against one type signature into
// the shape another signature expects.
type TypeMapping struct {
	SourceType      string
	TargetType      string
	Transformations []Transformation
}

// MappingRegistry holds registered TypeMappings keyed by (source, target).
// Safe for concurrent use.
type MappingRegistry struct {
	mu       sync.RWMutex
	mappings map[string]TypeMapping
}

func NewMappingRegistry() *MappingRegistry {
	return &MappingRegistry{mappings: make(map[string]TypeMapping)}
}

func mappingKey(source, target string) string { return source + " => " + target }

func (r *MappingRegistry) Register(m TypeMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[mappingKey(m.SourceType, m.TargetType)] = m
}

// Lookup returns the mapping for (source, target), or a NoTypeMappingFound
// error.
func (r *MappingRegistry) Lookup(source, target string) (TypeMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[mappingKey(source, target)]
	if !ok {
		return TypeMapping{}, newError(CodeNoTypeMappingFound,
			fmt.Sprintf("no type mapping registered for %q => %q", source, target), nil)
	}
	return m, nil
}

// Apply runs the mapping's transformations in order over a copy of args.
// The input map is never mutated.
func (m TypeMapping) Apply(args map[string]envelope.TypedValue) (map[string]envelope.TypedValue, error) {
	out := make(map[string]envelope.TypedValue, len(args))
	for k, v := range args {
		out[k] = v
	}
	for i, tr := range m.Transformations {
		switch tr.Kind {
		case TransformRename:
			v, ok := out[tr.Field]
			if !ok {
				return nil, newError(CodeUnmappedValue,
					fmt.Sprintf("transformation %d: field %q absent from arguments", i, tr.Field), nil)
			}
			if tr.NewName == "" || tr.NewName == tr.Field {
				return nil, newError(CodeInternal,
					fmt.Sprintf("transformation %d: rename of %q has no effect", i, tr.Field), nil)
			}
			delete(out, tr.Field)
			out[tr.NewName] = v
		case TransformSubstitute:
			v, ok := out[tr.Field]
			if !ok {
				return nil, newError(CodeUnmappedValue,
					fmt.Sprintf("transformation %d: field %q absent from arguments", i, tr.Field), nil)
			}
			if v.Kind != envelope.KindString {
				return nil, newError(CodeUnmappedValue,
					fmt.Sprintf("transformation %d: field %q is not a string", i, tr.Field), nil)
			}
			mapped, ok := tr.Table[v.Str]
			if !ok {
				return nil, newError(CodeUnmappedValue,
					fmt.Sprintf("transformation %d: value %q of field %q has no substitution", i, v.Str, tr.Field), nil)
			}
			out[tr.Field] = envelope.String(mapped)
		default:
			return nil, newError(CodeInternal,
				fmt.Sprintf("transformation %d: unknown kind %q", i, tr.Kind), nil)
		}
	}
	return out, nil
}
