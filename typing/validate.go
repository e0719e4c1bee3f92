package typing

import (
	"fmt"

	"github.com/twoporeguys/librpc-go/object"
)

// ValidationError is one validation failure, anchored by a dot-path
// into the validated value (".a", ".items.3").
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ErrorSink aggregates validation errors; validation runs to the end
// of the value and reports everything it found.
type ErrorSink struct {
	errs []ValidationError
}

// Add appends an error at path.
func (s *ErrorSink) Add(path, format string, args ...any) {
	s.errs = append(s.errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Errors returns the collected errors.
func (s *ErrorSink) Errors() []ValidationError { return s.errs }

// ErrorsToObject renders validation errors as an array of
// {path, message} dictionaries, the shape carried in the extra field of
// a validation-failure error object.
func ErrorsToObject(errs []ValidationError) *object.Object {
	arr := object.NewArray()
	for _, e := range errs {
		d := object.NewDictionary()
		p := object.NewString(e.Path)
		m := object.NewString(e.Message)
		d.Set("path", p)
		d.Set("message", m)
		p.Release()
		m.Release()
		arr.Append(d)
		d.Release()
	}
	return arr
}

// Validate checks obj against the type instance and returns every
// violation found. An empty slice means the value conforms.
func (c *Context) Validate(ti *TypeInstance, obj *object.Object) []ValidationError {
	sink := &ErrorSink{}
	c.validateAt(ti, obj, "", sink)
	return sink.errs
}

func (c *Context) validateAt(ti *TypeInstance, obj *object.Object, path string, sink *ErrorSink) bool {
	// Constraints attach at every typedef level; collect them while
	// unwinding so Password = string{min_length} still applies.
	type level struct {
		constraints map[string]*object.Object
	}
	var levels []level

	cur := ti
	for depth := 0; ; depth++ {
		if depth >= 64 {
			sink.Add(path, "typedef chain too deep for %s", ti.CanonicalForm())
			return false
		}
		if cur == nil {
			sink.Add(path, "unresolvable type")
			return false
		}
		if cur.Proxy {
			// Unresolved generic variable: nothing to check against.
			return true
		}
		if len(cur.Type.Constraints) > 0 {
			levels = append(levels, level{cur.Type.Constraints})
		}
		if cur.Type.Class != ClassTypedef {
			break
		}
		def, err := c.definitionOf(cur.Type)
		if err != nil {
			sink.Add(path, "%s", err.Error())
			return false
		}
		cur = substitute(def, cur.Specializations)
	}
	unwound := cur
	name := unwound.Type.Name

	// Typed objects check compatibility of their annotation; plain
	// objects of builtin-declared sites check the representation
	// directly. Struct/union/enum sites accept plain container values
	// and let the class validator check the shape.
	if ann := obj.TypeInstance(); ann != nil {
		actual, ok := ann.(*TypeInstance)
		if ok && !c.IsCompatible(unwound, actual) {
			sink.Add(path, "Incompatible type %s, should be %s",
				actual.CanonicalForm(), unwound.CanonicalForm())
			return false
		}
	} else if unwound.Type.Class == ClassBuiltin {
		if !builtinMatches(name, obj) {
			sink.Add(path, "Incompatible type %s, should be %s", obj.Kind(), name)
			return false
		}
	}

	ok := true
	switch unwound.Type.Class {
	case ClassBuiltin:
		// representation already checked
	case ClassStruct:
		ok = c.validateStruct(unwound, obj, path, sink)
	case ClassUnion:
		ok = c.validateUnion(unwound, obj, path, sink)
	case ClassEnum:
		ok = c.validateEnum(unwound, obj, path, sink)
	}

	for _, lv := range levels {
		if !c.runConstraints(name, lv.constraints, obj, path, sink) {
			ok = false
		}
	}
	return ok
}

func builtinMatches(name string, obj *object.Object) bool {
	switch name {
	case "any":
		return true
	case "nulltype":
		return obj.IsNull()
	case "shmem":
		return obj.Kind() == object.KindBinary
	default:
		return name == obj.Kind().String()
	}
}

func (c *Context) validateStruct(ti *TypeInstance, obj *object.Object, path string, sink *ErrorSink) bool {
	if obj.Kind() != object.KindDictionary {
		sink.Add(path, "Incompatible type %s, should be %s", obj.Kind(), ti.CanonicalForm())
		return false
	}
	ok := true
	members := c.effectiveMembers(ti.Type)
	known := make(map[string]bool, len(members))
	for _, m := range members {
		known[m.Name] = true
		mt, err := c.memberType(ti.Type, m)
		if err != nil {
			sink.Add(path+"."+m.Name, "%s", err.Error())
			ok = false
			continue
		}
		mt = substitute(mt, ti.Specializations)
		value, present := obj.Get(m.Name)
		if !present {
			sink.Add(path+"."+m.Name, "Member %s is required", m.Name)
			ok = false
			continue
		}
		if !c.validateAt(mt, value, path+"."+m.Name, sink) {
			ok = false
		}
		if len(m.Constraints) > 0 {
			base := "any"
			if unwound, err := c.Unwind(mt); err == nil && unwound != nil && !unwound.Proxy {
				base = unwound.Type.Name
			}
			if !c.runConstraints(base, m.Constraints, value, path+"."+m.Name, sink) {
				ok = false
			}
		}
	}
	obj.ApplyDict(func(key string, _ *object.Object) bool {
		if !known[key] {
			sink.Add(path+"."+key, "Unknown member %s", key)
			ok = false
		}
		return true
	})
	return ok
}

func (c *Context) validateUnion(ti *TypeInstance, obj *object.Object, path string, sink *ErrorSink) bool {
	for _, m := range c.effectiveMembers(ti.Type) {
		mt, err := c.memberType(ti.Type, m)
		if err != nil || mt == nil {
			continue
		}
		mt = substitute(mt, ti.Specializations)
		probe := &ErrorSink{}
		if c.validateAt(mt, obj, path, probe) {
			return true
		}
	}
	sink.Add(path, "Value of type %s matches no branch of union %s",
		obj.Kind(), ti.CanonicalForm())
	return false
}

func (c *Context) validateEnum(ti *TypeInstance, obj *object.Object, path string, sink *ErrorSink) bool {
	if obj.Kind() != object.KindString {
		sink.Add(path, "Incompatible type %s, should be %s", obj.Kind(), ti.CanonicalForm())
		return false
	}
	tag := obj.StringValue()
	if _, ok := ti.Type.Members[tag]; !ok {
		sink.Add(path, "Invalid enum value %q for %s", tag, ti.CanonicalForm())
		return false
	}
	return true
}

func (c *Context) runConstraints(typeName string, constraints map[string]*object.Object, obj *object.Object, path string, sink *ErrorSink) bool {
	ok := true
	for name, arg := range constraints {
		fn := c.constraintValidator(typeName, name)
		if fn == nil {
			fn = c.constraintValidator("any", name)
		}
		if fn == nil {
			sink.Add(path, "Unknown constraint %s on type %s", name, typeName)
			ok = false
			continue
		}
		if !fn(arg, obj, path, sink) {
			ok = false
		}
	}
	return ok
}
