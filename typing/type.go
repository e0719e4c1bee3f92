// Package typing implements the IDL-driven type system: named types and
// interfaces parsed from YAML IDL files, generic type instantiation with
// a canonical-form cache, structural compatibility, constraint
// validation and typed (de)serialization of Object trees.
//
// All state lives in an explicit Context so tests can spin up isolated
// instances. Tables are populated during load (single-threaded phase)
// and are effectively read-only while serving.
package typing

import (
	"strings"
	"sync"

	"github.com/twoporeguys/librpc-go/object"
)

// Class partitions named types by their IDL declaration class.
type Class int

const (
	ClassStruct Class = iota
	ClassUnion
	ClassEnum
	ClassTypedef
	ClassBuiltin
)

func (c Class) String() string {
	switch c {
	case ClassStruct:
		return "struct"
	case ClassUnion:
		return "union"
	case ClassEnum:
		return "enum"
	case ClassTypedef:
		return "typedef"
	case ClassBuiltin:
		return "builtin"
	default:
		return "invalid"
	}
}

// File records one loaded IDL document.
type File struct {
	Path        string
	Namespace   string
	Description string
	Version     int
	Uses        []string
	Body        []byte // raw document, served by the typing interface
}

// Type is a named type from the IDL (or a builtin).
type Type struct {
	Name        string // fully qualified
	Local       string
	Namespace   string
	Description string
	Class       Class
	ParentName  string // fully-qualified or local parent name, resolved lazily
	GenericVars []string
	Constraints map[string]*object.Object
	File        *File

	// Member declarations. Types are resolved lazily so declarations
	// may reference types in any order, including across files.
	Members     map[string]*Member
	MemberOrder []string

	// typedef only
	DefinitionDecl string

	mu         sync.Mutex
	definition *TypeInstance // resolved typedef definition
	effective  []*Member     // parent-first member table, built on demand
}

// Generic reports whether the type declares generic variables.
func (t *Type) Generic() bool { return len(t.GenericVars) > 0 }

// Builtin reports whether the type is one of the reserved builtins.
func (t *Type) Builtin() bool { return t.Class == ClassBuiltin }

// Member is a struct member, union branch or enum tag.
type Member struct {
	Name        string
	Description string
	Decl        string // type declaration; empty for enum tags
	Constraints map[string]*object.Object

	mu    sync.Mutex
	typei *TypeInstance // resolved lazily from Decl
}

// TypeInstance is a concrete, possibly specialized usage of a Type at a
// site, or a proxy for an unresolved generic variable.
type TypeInstance struct {
	Type            *Type
	Proxy           bool
	ProxyVariable   string
	Specializations map[string]*TypeInstance
	File            *File

	canonical string
}

// CanonicalForm returns the normalized string rendering, e.g.
// "com.example.Pair<int64,int64>". Proxies render as their variable.
func (ti *TypeInstance) CanonicalForm() string {
	if ti == nil {
		return ""
	}
	if ti.Proxy {
		return ti.ProxyVariable
	}
	return ti.canonical
}

// FullySpecialized reports whether the instance's type is non-generic
// or every generic variable has a non-proxy specialization.
func (ti *TypeInstance) FullySpecialized() bool {
	if ti.Proxy {
		return false
	}
	for _, v := range ti.Type.GenericVars {
		s, ok := ti.Specializations[v]
		if !ok || !s.FullySpecialized() {
			return false
		}
	}
	return true
}

func renderCanonical(name string, t *Type, specs map[string]*TypeInstance) string {
	if t == nil || len(t.GenericVars) == 0 {
		return name
	}
	parts := make([]string, 0, len(t.GenericVars))
	for _, v := range t.GenericVars {
		if s, ok := specs[v]; ok {
			parts = append(parts, s.CanonicalForm())
		} else {
			parts = append(parts, v)
		}
	}
	return name + "<" + strings.Join(parts, ",") + ">"
}

// substitute rewrites proxy variables in an instance tree using the
// given specialization map. Instances without proxies return unchanged.
func substitute(ti *TypeInstance, specs map[string]*TypeInstance) *TypeInstance {
	if ti == nil {
		return nil
	}
	if ti.Proxy {
		if s, ok := specs[ti.ProxyVariable]; ok {
			return s
		}
		return ti
	}
	if len(ti.Specializations) == 0 {
		return ti
	}
	changed := false
	out := make(map[string]*TypeInstance, len(ti.Specializations))
	for v, s := range ti.Specializations {
		rs := substitute(s, specs)
		out[v] = rs
		if rs != s {
			changed = true
		}
	}
	if !changed {
		return ti
	}
	return &TypeInstance{
		Type:            ti.Type,
		Specializations: out,
		File:            ti.File,
		canonical:       renderCanonical(ti.Type.Name, ti.Type, out),
	}
}
