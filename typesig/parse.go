package typesig

import (
	"errors"
	"fmt"
	"strings"
)

// ParseType parses a type expression.
func ParseType(s string) (Type, error) {
	p := &parser{input: s}
	t, err := p.parseAlt()
	if err != nil {
		return Type{}, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return Type{}, fmt.Errorf("typesig: unexpected trailing input at offset %d in %q", p.pos, s)
	}
	return t, nil
}

// ParseSignature parses an operation signature of the form
// "(name:type, ...) -> type".
func ParseSignature(s string) (Signature, error) {
	p := &parser{input: s}
	p.skipSpace()
	if !p.consume("(") {
		return Signature{}, errors.New("typesig: signature must start with '('")
	}

	var sig Signature
	seen := map[string]bool{}
	p.skipSpace()
	if !p.consume(")") {
		for {
			name, err := p.parseIdent()
			if err != nil {
				return Signature{}, fmt.Errorf("typesig: parameter name: %w", err)
			}
			if seen[name] {
				return Signature{}, fmt.Errorf("typesig: duplicate parameter %q", name)
			}
			seen[name] = true
			p.skipSpace()
			if !p.consume(":") {
				return Signature{}, fmt.Errorf("typesig: missing ':' after parameter %q", name)
			}
			t, err := p.parseAlt()
			if err != nil {
				return Signature{}, err
			}
			sig.Params = append(sig.Params, Param{Name: name, Type: t})
			p.skipSpace()
			if p.consume(",") {
				p.skipSpace()
				continue
			}
			if p.consume(")") {
				break
			}
			return Signature{}, fmt.Errorf("typesig: expected ',' or ')' at offset %d", p.pos)
		}
	}

	p.skipSpace()
	if !p.consume("->") {
		return Signature{}, errors.New("typesig: missing '->' before result type")
	}
	result, err := p.parseAlt()
	if err != nil {
		return Signature{}, err
	}
	sig.Result = result
	p.skipSpace()
	if p.pos != len(p.input) {
		return Signature{}, fmt.Errorf("typesig: unexpected trailing input at offset %d", p.pos)
	}
	return sig, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) consume(tok string) bool {
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *parser) parseIdent() (string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return "", fmt.Errorf("expected identifier at offset %d", start)
	}
	c := p.input[start]
	if c >= '0' && c <= '9' {
		return "", fmt.Errorf("identifier must not start with a digit at offset %d", start)
	}
	return p.input[start:p.pos], nil
}

func (p *parser) parseAlt() (Type, error) {
	first, err := p.parseAtom()
	if err != nil {
		return Type{}, err
	}
	alts := []Type{first}
	for {
		p.skipSpace()
		if !p.consume("|") {
			break
		}
		next, err := p.parseAtom()
		if err != nil {
			return Type{}, err
		}
		alts = append(alts, next)
	}
	if len(alts) == 1 {
		return first, nil
	}
	for _, a := range alts {
		if a.Kind == Sum {
			return Type{}, errors.New("typesig: nested alternation not allowed")
		}
	}
	return Type{Kind: Sum, Alts: alts}, nil
}

func (p *parser) parseAtom() (Type, error) {
	name, err := p.parseIdent()
	if err != nil {
		return Type{}, err
	}
	if name == "list" || name == "map" {
		p.skipSpace()
		if !p.consume("<") {
			return Type{}, fmt.Errorf("typesig: %s requires an element type", name)
		}
		elem, err := p.parseAlt()
		if err != nil {
			return Type{}, err
		}
		p.skipSpace()
		if !p.consume(">") {
			return Type{}, fmt.Errorf("typesig: missing '>' closing %s element", name)
		}
		kind := List
		if name == "map" {
			kind = Map
		}
		return Type{Kind: kind, Elem: &elem}, nil
	}
	if isPrimitiveName(name) {
		return Type{Kind: Primitive, Name: name}, nil
	}
	return Type{Kind: Named, Name: name}, nil
}
