package typesig

import (
	"errors"
	"fmt"

	"xdao.co/capres/envelope"
)

// ErrTypeMismatch is wrapped by every compatibility or validation failure so
// callers can classify without string matching.
var ErrTypeMismatch = errors.New("typesig: type mismatch")

// Registry records named-type relationships used during compatibility checks.
// The zero value is unusable; construct with NewRegistry.
type Registry struct {
	supers     map[string]map[string]bool // sub -> direct supertypes
	underlying map[string]Type            // named type -> structural definition
}

func NewRegistry() *Registry {
	return &Registry{
		supers:     make(map[string]map[string]bool),
		underlying: make(map[string]Type),
	}
}

// RegisterSubtype declares sub as a subtype of super.
func (r *Registry) RegisterSubtype(sub, super string) {
	m := r.supers[sub]
	if m == nil {
		m = make(map[string]bool)
		r.supers[sub] = m
	}
	m[super] = true
}

// RegisterNamed binds a named type to its structural definition, enabling
// runtime validation of values against the name.
func (r *Registry) RegisterNamed(name string, def Type) {
	r.underlying[name] = def
}

func (r *Registry) isSubtype(sub, super string) bool {
	if sub == super {
		return true
	}
	// Transitive walk over the declared supertype edges.
	visited := map[string]bool{sub: true}
	queue := []string{sub}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for s := range r.supers[cur] {
			if s == super {
				return true
			}
			if !visited[s] {
				visited[s] = true
				queue = append(queue, s)
			}
		}
	}
	return false
}

// Compatible reports whether a value of type actual may flow where expected
// is declared.
//
// Rules: exact structural match; named-to-named via the subtype registry;
// anything against an alternation iff compatible with at least one
// alternative; sequences and maps element-wise.
func (r *Registry) Compatible(actual, expected Type) bool {
	if expected.Kind == Sum {
		if actual.Kind == Sum {
			// Every alternative the actual side may produce must be accepted.
			for _, a := range actual.Alts {
				if !r.Compatible(a, expected) {
					return false
				}
			}
			return true
		}
		for _, e := range expected.Alts {
			if r.Compatible(actual, e) {
				return true
			}
		}
		return false
	}
	if actual.Kind == Sum {
		for _, a := range actual.Alts {
			if !r.Compatible(a, expected) {
				return false
			}
		}
		return true
	}

	switch expected.Kind {
	case Primitive:
		return actual.Kind == Primitive && actual.Name == expected.Name
	case Named:
		return actual.Kind == Named && r.isSubtype(actual.Name, expected.Name)
	case List:
		return actual.Kind == List && r.Compatible(*actual.Elem, *expected.Elem)
	case Map:
		return actual.Kind == Map && r.Compatible(*actual.Elem, *expected.Elem)
	default:
		return false
	}
}

// ValidateValue checks a deserialized value against a declared type. Named
// types validate against their registered definition; an unregistered named
// type fails closed.
func (r *Registry) ValidateValue(v envelope.TypedValue, expected Type) error {
	switch expected.Kind {
	case Sum:
		for _, alt := range expected.Alts {
			if r.ValidateValue(v, alt) == nil {
				return nil
			}
		}
		return fmt.Errorf("value of kind %q matches no alternative of %s: %w", v.Kind, expected, ErrTypeMismatch)
	case Named:
		def, ok := r.underlying[expected.Name]
		if !ok {
			return fmt.Errorf("named type %q has no registered definition: %w", expected.Name, ErrTypeMismatch)
		}
		if err := r.ValidateValue(v, def); err != nil {
			return fmt.Errorf("value does not satisfy named type %q: %w", expected.Name, ErrTypeMismatch)
		}
		return nil
	case List:
		if v.Kind != envelope.KindList {
			return fmt.Errorf("expected list, got %q: %w", v.Kind, ErrTypeMismatch)
		}
		for i, e := range v.List {
			if err := r.ValidateValue(e, *expected.Elem); err != nil {
				return fmt.Errorf("list element %d: %w", i, err)
			}
		}
		return nil
	case Map:
		if v.Kind != envelope.KindMap {
			return fmt.Errorf("expected map, got %q: %w", v.Kind, ErrTypeMismatch)
		}
		for k, e := range v.Map {
			if err := r.ValidateValue(e, *expected.Elem); err != nil {
				return fmt.Errorf("map entry %q: %w", k, err)
			}
		}
		return nil
	case Primitive:
		want := map[string]envelope.ValueKind{
			"string": envelope.KindString,
			"int":    envelope.KindInt,
			"float":  envelope.KindFloat,
			"bool":   envelope.KindBool,
			"bytes":  envelope.KindBytes,
		}[expected.Name]
		if v.Kind != want {
			return fmt.Errorf("expected %s, got %q: %w", expected.Name, v.Kind, ErrTypeMismatch)
		}
		return nil
	default:
		return fmt.Errorf("invalid expected type: %w", ErrTypeMismatch)
	}
}

// ValidateArgs checks provided arguments against a declared signature:
// every declared parameter must be present and valid, and no undeclared
// argument may appear. Invoked both before dispatch and on the provider side
// after deserialization, since transport decoding or schema drift can
// produce values a static check never saw.
func (r *Registry) ValidateArgs(sig Signature, args map[string]envelope.TypedValue) error {
	declared := map[string]bool{}
	for _, p := range sig.Params {
		declared[p.Name] = true
		v, ok := args[p.Name]
		if !ok {
			return fmt.Errorf("missing argument %q: %w", p.Name, ErrTypeMismatch)
		}
		if err := r.ValidateValue(v, p.Type); err != nil {
			return fmt.Errorf("argument %q: %w", p.Name, err)
		}
	}
	for name := range args {
		if !declared[name] {
			return fmt.Errorf("undeclared argument %q: %w", name, ErrTypeMismatch)
		}
	}
	return nil
}
