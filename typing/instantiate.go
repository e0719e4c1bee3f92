package typing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/twoporeguys/librpc-go/object"
)

var instanceRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)(?:\s*<\s*(.+)\s*>)?$`)

// splitTopLevel splits a comma-separated type-instance list on commas
// that are not nested inside angle brackets.
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}

// InstantiateType resolves a type declaration like "HashMap<string,
// double>" into a TypeInstance. parent's ancestor chain and ptype's
// generic variables can satisfy otherwise-unknown names as proxies;
// origin scopes fuzzy lookup. Non-generic results are canonicalized:
// repeated instantiation returns the shared instance.
func (c *Context) InstantiateType(decl string, parent *Type, ptype *Type, origin *File) (*TypeInstance, error) {
	m := instanceRe.FindStringSubmatch(strings.TrimSpace(decl))
	if m == nil {
		return nil, invalidf("malformed type declaration %q", decl)
	}
	name, varsStr := m[1], m[2]

	t := c.FindTypeFuzzy(name, origin)
	if t == nil {
		// Not a known type: it may be a generic variable of an
		// enclosing declaration.
		for p := parent; p != nil; p = c.parentOf(p) {
			for _, v := range p.GenericVars {
				if v == name {
					return &TypeInstance{Proxy: true, ProxyVariable: name, File: origin}, nil
				}
			}
		}
		if ptype != nil {
			for _, v := range ptype.GenericVars {
				if v == name {
					return &TypeInstance{Proxy: true, ProxyVariable: name, File: origin}, nil
				}
			}
		}
		return nil, invalidf("unknown type %q", name)
	}

	if varsStr == "" {
		if t.Generic() {
			return nil, invalidf("generic type %s used without specializations", t.Name)
		}
		if cached := c.cachedInstance(t.Name); cached != nil {
			return cached, nil
		}
		return c.storeInstance(&TypeInstance{Type: t, File: origin, canonical: t.Name}), nil
	}

	vars := splitTopLevel(varsStr)
	if len(vars) != len(t.GenericVars) {
		return nil, invalidf("type %s wants %d type variables, got %d",
			t.Name, len(t.GenericVars), len(vars))
	}

	specs := make(map[string]*TypeInstance, len(vars))
	for i, v := range vars {
		sub, err := c.InstantiateType(v, parent, ptype, origin)
		if err != nil {
			return nil, err
		}
		specs[t.GenericVars[i]] = sub
	}

	ti := &TypeInstance{
		Type:            t,
		Specializations: specs,
		File:            origin,
		canonical:       renderCanonical(t.Name, t, specs),
	}
	if ti.FullySpecialized() {
		if cached := c.cachedInstance(ti.canonical); cached != nil {
			return cached, nil
		}
		return c.storeInstance(ti), nil
	}
	return ti, nil
}

// Instantiate resolves a declaration with no enclosing type context.
func (c *Context) Instantiate(decl string) (*TypeInstance, error) {
	return c.InstantiateType(decl, nil, nil, nil)
}

// memberType resolves a member's declared type lazily, caching the
// result on the member.
func (c *Context) memberType(owner *Type, m *Member) (*TypeInstance, error) {
	if m.Decl == "" {
		return nil, nil // enum tag
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.typei != nil {
		return m.typei, nil
	}
	ti, err := c.InstantiateType(m.Decl, owner, nil, owner.File)
	if err != nil {
		return nil, err
	}
	m.typei = ti
	return ti, nil
}

// definitionOf resolves a typedef's definition lazily.
func (c *Context) definitionOf(t *Type) (*TypeInstance, error) {
	if t.Class != ClassTypedef {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.definition != nil {
		return t.definition, nil
	}
	ti, err := c.InstantiateType(t.DefinitionDecl, t, nil, t.File)
	if err != nil {
		return nil, err
	}
	t.definition = ti
	return ti, nil
}

// Unwind follows a typedef chain until a non-typedef instance is
// reached, substituting generic specializations along the way. Typedef
// chains are acyclic by construction; the depth guard turns a corrupt
// table into an error instead of a hang.
func (c *Context) Unwind(ti *TypeInstance) (*TypeInstance, error) {
	for depth := 0; depth < 64; depth++ {
		if ti == nil || ti.Proxy || ti.Type.Class != ClassTypedef {
			return ti, nil
		}
		def, err := c.definitionOf(ti.Type)
		if err != nil {
			return nil, err
		}
		ti = substitute(def, ti.Specializations)
	}
	return nil, invalidf("typedef chain too deep unwinding %s", ti.CanonicalForm())
}

func invalidf(format string, args ...any) error {
	return &object.ErrorValue{Code: object.EINVAL, Message: fmt.Sprintf(format, args...)}
}
