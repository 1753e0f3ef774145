// Package typesig models capability type signatures and structural
// compatibility between independently authored schemas.
//
// The grammar is deliberately small:
//
//	type      := atom ("|" atom)*
//	atom      := "list<" type ">" | "map<" type ">" | primitive | named
//	primitive := string | int | float | bool | bytes
//	signature := "(" [name ":" type ("," name ":" type)*] ")" "->" type
//
// Named types are opaque until registered; compatibility between named types
// is decided by an explicit subtype registry, never by guessing.
package typesig

import (
	"sort"
	"strings"
)

type Kind int

const (
	Primitive Kind = iota
	Named
	List
	Map
	Sum
)

// Type is a parsed type expression.
type Type struct {
	Kind Kind
	Name string  // Primitive or Named
	Elem *Type   // List/Map element
	Alts []Type  // Sum alternatives
}

// Param is a named operation parameter.
type Param struct {
	Name string
	Type Type
}

// Signature is a capability operation signature.
type Signature struct {
	Params []Param
	Result Type
}

func (t Type) String() string {
	switch t.Kind {
	case Primitive, Named:
		return t.Name
	case List:
		return "list<" + t.Elem.String() + ">"
	case Map:
		return "map<" + t.Elem.String() + ">"
	case Sum:
		parts := make([]string, len(t.Alts))
		for i, a := range t.Alts {
			parts[i] = a.String()
		}
		return strings.Join(parts, "|")
	default:
		return "<invalid>"
	}
}

func (s Signature) String() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = p.Name + ":" + p.Type.String()
	}
	return "(" + strings.Join(parts, ", ") + ") -> " + s.Result.String()
}

// Equal reports structural equality of two types.
func Equal(a, b Type) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case Primitive, Named:
		return a.Name == b.Name
	case List, Map:
		return Equal(*a.Elem, *b.Elem)
	case Sum:
		if len(a.Alts) != len(b.Alts) {
			return false
		}
		// Alternation is order-independent.
		as := sortedAltStrings(a.Alts)
		bs := sortedAltStrings(b.Alts)
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SameShape reports whether two signatures declare the same parameter names,
// parameter types, and result type. Parameter order is significant.
func SameShape(a, b Signature) bool {
	if len(a.Params) != len(b.Params) {
		return false
	}
	for i := range a.Params {
		if a.Params[i].Name != b.Params[i].Name {
			return false
		}
		if !Equal(a.Params[i].Type, b.Params[i].Type) {
			return false
		}
	}
	return Equal(a.Result, b.Result)
}

func sortedAltStrings(alts []Type) []string {
	out := make([]string, len(alts))
	for i, a := range alts {
		out[i] = a.String()
	}
	sort.Strings(out)
	return out
}

func isPrimitiveName(name string) bool {
	switch name {
	case "string", "int", "float", "bool", "bytes":
		return true
	}
	return false
}
