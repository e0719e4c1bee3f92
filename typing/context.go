package typing

import (
	"sync"

	"github.com/twoporeguys/librpc-go/object"
)

// BuiltinTypeNames are the reserved builtin type names. "shmem" has no
// object kind of its own; it validates against binary-backed objects.
var BuiltinTypeNames = []string{
	"nulltype", "bool", "uint64", "int64", "double", "date", "string",
	"binary", "fd", "dictionary", "array", "shmem", "error", "any",
}

// Context owns the type system tables: named types, interfaces, loaded
// files, the canonical TypeInstance cache and the constraint validator
// table. A nil *Context disables typed behavior everywhere (identity
// serialization, no validation).
type Context struct {
	mu         sync.RWMutex
	types      map[string]*Type
	interfaces map[string]*Interface
	files      map[string]*File
	cache      map[string]*TypeInstance
	validators map[constraintKey]ConstraintFunc
}

type constraintKey struct {
	typeName   string
	constraint string
}

// ConstraintFunc validates obj against a constraint argument from the
// IDL. It returns false after appending at least one error.
type ConstraintFunc func(arg *object.Object, obj *object.Object, path string, errs *ErrorSink) bool

// NewContext creates a typing context with builtins and the standard
// constraint validators registered.
func NewContext() *Context {
	c := &Context{
		types:      make(map[string]*Type),
		interfaces: make(map[string]*Interface),
		files:      make(map[string]*File),
		cache:      make(map[string]*TypeInstance),
		validators: make(map[constraintKey]ConstraintFunc),
	}
	for _, name := range BuiltinTypeNames {
		t := &Type{
			Name:        name,
			Local:       name,
			Class:       ClassBuiltin,
			Members:     make(map[string]*Member),
			Constraints: make(map[string]*object.Object),
		}
		c.types[name] = t
		c.cache[name] = &TypeInstance{Type: t, canonical: name}
	}
	registerStandardConstraints(c)
	return c
}

// FindType looks up a type by fully-qualified name.
func (c *Context) FindType(name string) *Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types[name]
}

// FindTypeFuzzy resolves a type name relative to an IDL file: verbatim
// first, then the file's own namespace, then each `use` namespace.
// Returns nil on miss; callers defer the error until validation.
func (c *Context) FindTypeFuzzy(name string, origin *File) *Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.types[name]; ok {
		return t
	}
	if origin == nil {
		return nil
	}
	if origin.Namespace != "" {
		if t, ok := c.types[origin.Namespace+"."+name]; ok {
			return t
		}
	}
	for _, use := range origin.Uses {
		if t, ok := c.types[use+"."+name]; ok {
			return t
		}
	}
	return nil
}

// FindInterface looks up an interface by fully-qualified name.
func (c *Context) FindInterface(name string) *Interface {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interfaces[name]
}

// Files returns the loaded IDL files keyed by absolute path.
func (c *Context) Files() map[string]*File {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*File, len(c.files))
	for k, v := range c.files {
		out[k] = v
	}
	return out
}

// TypeNames returns the fully-qualified names of all known types,
// builtins included.
func (c *Context) TypeNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	return names
}

// RegisterConstraint installs a constraint validator for the given
// (type name, constraint name) pair, replacing any previous one.
func (c *Context) RegisterConstraint(typeName, constraint string, fn ConstraintFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validators[constraintKey{typeName, constraint}] = fn
}

func (c *Context) constraintValidator(typeName, constraint string) ConstraintFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validators[constraintKey{typeName, constraint}]
}

func (c *Context) cachedInstance(canonical string) *TypeInstance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[canonical]
}

func (c *Context) storeInstance(ti *TypeInstance) *TypeInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.cache[ti.canonical]; ok {
		return existing
	}
	c.cache[ti.canonical] = ti
	return ti
}

// parentOf resolves a type's parent lazily by name.
func (c *Context) parentOf(t *Type) *Type {
	if t == nil || t.ParentName == "" {
		return nil
	}
	if p := c.FindTypeFuzzy(t.ParentName, t.File); p != nil {
		return p
	}
	return nil
}

// effectiveMembers returns the parent-first member table: inherited
// members from the ancestor chain, child declarations overriding.
func (c *Context) effectiveMembers(t *Type) []*Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.effective != nil {
		return t.effective
	}
	var chain []*Type
	for cur := t; cur != nil; cur = c.parentOf(cur) {
		chain = append(chain, cur)
	}
	seen := make(map[string]bool)
	var members []*Member
	for i := len(chain) - 1; i >= 0; i-- {
		for _, name := range chain[i].MemberOrder {
			m := chain[i].Members[name]
			if seen[name] {
				// child override: replace in place
				for j, prev := range members {
					if prev.Name == name {
						members[j] = m
						break
					}
				}
				continue
			}
			seen[name] = true
			members = append(members, m)
		}
	}
	t.effective = members
	return members
}
