package typing

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/serializer"
)

// IDL grammar, regex level.
var (
	typeHeaderRe = regexp.MustCompile(`^(struct|union|enum|typedef)\s+([A-Za-z_][A-Za-z0-9_.]*)(?:\s*<\s*(.+)\s*>)?$`)
	ifaceRe      = regexp.MustCompile(`^interface\s+([A-Za-z_][A-Za-z0-9_.]*)$`)
	methodRe     = regexp.MustCompile(`^method\s+([A-Za-z_][A-Za-z0-9_]*)$`)
	propertyRe   = regexp.MustCompile(`^property\s+([A-Za-z_][A-Za-z0-9_]*)$`)
	eventRe      = regexp.MustCompile(`^event\s+([A-Za-z_][A-Za-z0-9_]*)$`)
)

// LoadFile reads and loads one IDL file. Loading the same absolute
// path twice is a no-op returning success.
func (c *Context) LoadFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	c.mu.RLock()
	_, loaded := c.files[abs]
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	return c.load(abs, data)
}

// LoadString loads an IDL document from memory under a synthetic path.
// Used by tests and by peers pulling IDL over the wire.
func (c *Context) LoadString(path string, data []byte) error {
	c.mu.RLock()
	_, loaded := c.files[path]
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.load(path, data)
}

func (c *Context) load(path string, data []byte) error {
	codec, err := serializer.Lookup("yaml")
	if err != nil {
		return err
	}
	doc, err := codec.Unmarshal(data)
	if err != nil {
		return err
	}
	defer doc.Release()
	if doc.Kind() != object.KindDictionary {
		return invalidf("%s: IDL document is not a mapping", path)
	}

	file, err := parseMeta(path, doc)
	if err != nil {
		return err
	}
	file.Body = append([]byte(nil), data...)

	c.mu.Lock()
	c.files[path] = file
	c.mu.Unlock()

	// First pass registers every declaration header so member and
	// parent references resolve regardless of declaration order.
	type pendingType struct {
		t    *Type
		body *object.Object
	}
	type pendingIface struct {
		i    *Interface
		body *object.Object
	}
	var types []pendingType
	var ifaces []pendingIface

	var loadErr error
	doc.ApplyDict(func(key string, value *object.Object) bool {
		if key == "meta" {
			return true
		}
		if m := ifaceRe.FindStringSubmatch(key); m != nil {
			iface := &Interface{
				Name:    qualify(file.Namespace, m[1]),
				Members: make(map[string]*IfMember),
				File:    file,
			}
			ifaces = append(ifaces, pendingIface{iface, value.Retain()})
			return true
		}
		if m := typeHeaderRe.FindStringSubmatch(key); m != nil {
			t := &Type{
				Name:        qualify(file.Namespace, m[2]),
				Local:       m[2],
				Namespace:   file.Namespace,
				Class:       classFromKeyword(m[1]),
				File:        file,
				Members:     make(map[string]*Member),
				Constraints: make(map[string]*object.Object),
			}
			if m[3] != "" {
				for _, v := range splitTopLevel(m[3]) {
					t.GenericVars = append(t.GenericVars, v)
				}
			}
			types = append(types, pendingType{t, value.Retain()})
			return true
		}
		loadErr = invalidf("%s:%d: unrecognized declaration %q", path, value.Line(), key)
		return false
	})
	if loadErr != nil {
		return loadErr
	}

	c.mu.Lock()
	for _, p := range types {
		c.types[p.t.Name] = p.t
	}
	for _, p := range ifaces {
		c.interfaces[p.i.Name] = p.i
	}
	c.mu.Unlock()

	for _, p := range types {
		err := c.parseTypeBody(p.t, p.body)
		p.body.Release()
		if err != nil {
			return err
		}
	}
	for _, p := range ifaces {
		err := c.parseInterfaceBody(p.i, p.body)
		p.body.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func parseMeta(path string, doc *object.Object) (*File, error) {
	meta, ok := doc.GetDict("meta")
	if !ok {
		return nil, invalidf("%s: missing meta block", path)
	}
	version, ok := meta.GetInt("version")
	if !ok {
		return nil, invalidf("%s: meta.version is required", path)
	}
	file := &File{Path: path, Version: int(version)}
	file.Namespace, _ = meta.GetString("namespace")
	file.Description, _ = meta.GetString("description")
	if uses, ok := meta.GetArray("use"); ok {
		uses.ApplyArray(func(_ int, v *object.Object) bool {
			if v.Kind() == object.KindString {
				file.Uses = append(file.Uses, v.StringValue())
			}
			return true
		})
	}
	return file, nil
}

func qualify(namespace, local string) string {
	if namespace == "" || strings.Contains(local, ".") {
		return local
	}
	return namespace + "." + local
}

func classFromKeyword(kw string) Class {
	switch kw {
	case "struct":
		return ClassStruct
	case "union":
		return ClassUnion
	case "enum":
		return ClassEnum
	default:
		return ClassTypedef
	}
}

// =============================================================================
// TYPE BODIES
// =============================================================================

func (c *Context) parseTypeBody(t *Type, body *object.Object) error {
	if t.Class == ClassTypedef {
		switch body.Kind() {
		case object.KindString:
			t.DefinitionDecl = body.StringValue()
			return nil
		case object.KindDictionary:
			decl, ok := body.GetString("type")
			if !ok {
				return invalidf("typedef %s: missing type", t.Name)
			}
			t.DefinitionDecl = decl
			t.Description, _ = body.GetString("description")
			parseConstraints(body, t.Constraints)
			return nil
		default:
			return invalidf("typedef %s: body must be a string or mapping", t.Name)
		}
	}

	if body.Kind() != object.KindDictionary {
		return invalidf("%s %s: body must be a mapping", t.Class, t.Name)
	}
	t.Description, _ = body.GetString("description")
	if parent, ok := body.GetString("extends"); ok {
		t.ParentName = parent
	}
	parseConstraints(body, t.Constraints)

	members, ok := body.Get("members")
	if !ok {
		return nil
	}

	if t.Class == ClassEnum {
		if members.Kind() != object.KindArray {
			return invalidf("enum %s: members must be a sequence of tags", t.Name)
		}
		var parseErr error
		members.ApplyArray(func(_ int, v *object.Object) bool {
			if v.Kind() != object.KindString {
				parseErr = invalidf("enum %s: tag at line %d is not a string", t.Name, v.Line())
				return false
			}
			tag := v.StringValue()
			t.Members[tag] = &Member{Name: tag}
			t.MemberOrder = append(t.MemberOrder, tag)
			return true
		})
		return parseErr
	}

	if members.Kind() != object.KindDictionary {
		return invalidf("%s %s: members must be a mapping", t.Class, t.Name)
	}
	var parseErr error
	members.ApplyDict(func(name string, v *object.Object) bool {
		m := &Member{Name: name, Constraints: make(map[string]*object.Object)}
		switch v.Kind() {
		case object.KindString:
			m.Decl = v.StringValue()
		case object.KindDictionary:
			decl, ok := v.GetString("type")
			if !ok {
				parseErr = invalidf("%s %s: member %s has no type", t.Class, t.Name, name)
				return false
			}
			m.Decl = decl
			m.Description, _ = v.GetString("description")
			parseConstraints(v, m.Constraints)
		default:
			parseErr = invalidf("%s %s: member %s has invalid declaration", t.Class, t.Name, name)
			return false
		}
		t.Members[name] = m
		t.MemberOrder = append(t.MemberOrder, name)
		return true
	})
	return parseErr
}

func parseConstraints(body *object.Object, into map[string]*object.Object) {
	constraints, ok := body.GetDict("constraints")
	if !ok {
		return
	}
	constraints.ApplyDict(func(name string, v *object.Object) bool {
		into[name] = v.Retain()
		return true
	})
}

// =============================================================================
// INTERFACE BODIES
// =============================================================================

func (c *Context) parseInterfaceBody(i *Interface, body *object.Object) error {
	if body.Kind() != object.KindDictionary {
		return invalidf("interface %s: body must be a mapping", i.Name)
	}
	i.Description, _ = body.GetString("description")

	var parseErr error
	body.ApplyDict(func(key string, v *object.Object) bool {
		if key == "description" {
			return true
		}
		var member *IfMember
		if m := methodRe.FindStringSubmatch(key); m != nil {
			member, parseErr = c.parseMethod(i, m[1], v)
		} else if m := propertyRe.FindStringSubmatch(key); m != nil {
			member, parseErr = c.parseProperty(i, m[1], v)
		} else if m := eventRe.FindStringSubmatch(key); m != nil {
			member, parseErr = c.parseEvent(i, m[1], v)
		} else {
			parseErr = invalidf("interface %s: unrecognized member %q", i.Name, key)
		}
		if parseErr != nil {
			return false
		}
		i.Members[member.Name] = member
		i.MemberOrder = append(i.MemberOrder, member.Name)
		return true
	})
	return parseErr
}

func (c *Context) parseMethod(i *Interface, name string, body *object.Object) (*IfMember, error) {
	member := &IfMember{Name: name, Kind: MemberMethod}
	if body.IsNull() {
		return member, nil
	}
	if body.Kind() != object.KindDictionary {
		return nil, invalidf("interface %s: method %s must be a mapping", i.Name, name)
	}
	member.Description, _ = body.GetString("description")

	if args, ok := body.GetArray("args"); ok {
		var argErr error
		args.ApplyArray(func(idx int, v *object.Object) bool {
			arg := Argument{}
			switch v.Kind() {
			case object.KindString:
				arg.Name = sprintfArg(idx)
				arg.Type, argErr = c.InstantiateType(v.StringValue(), nil, nil, i.File)
			case object.KindDictionary:
				arg.Name, _ = v.GetString("name")
				if arg.Name == "" {
					arg.Name = sprintfArg(idx)
				}
				arg.Description, _ = v.GetString("description")
				decl, ok := v.GetString("type")
				if !ok {
					argErr = invalidf("interface %s: method %s argument %d has no type", i.Name, name, idx)
					return false
				}
				arg.Type, argErr = c.InstantiateType(decl, nil, nil, i.File)
			default:
				argErr = invalidf("interface %s: method %s argument %d is invalid", i.Name, name, idx)
			}
			if argErr != nil {
				return false
			}
			member.Arguments = append(member.Arguments, arg)
			return true
		})
		if argErr != nil {
			return nil, argErr
		}
	}

	if ret, ok := body.GetString("return"); ok {
		ti, err := c.InstantiateType(ret, nil, nil, i.File)
		if err != nil {
			return nil, err
		}
		member.Result = ti
	}
	return member, nil
}

func (c *Context) parseProperty(i *Interface, name string, body *object.Object) (*IfMember, error) {
	if body.Kind() != object.KindDictionary {
		return nil, invalidf("interface %s: property %s must be a mapping", i.Name, name)
	}
	member := &IfMember{Name: name, Kind: MemberProperty}
	member.Description, _ = body.GetString("description")
	decl, ok := body.GetString("type")
	if !ok {
		return nil, invalidf("interface %s: property %s has no type", i.Name, name)
	}
	ti, err := c.InstantiateType(decl, nil, nil, i.File)
	if err != nil {
		return nil, err
	}
	member.Result = ti
	if access, ok := body.GetString("access"); ok {
		switch access {
		case "read_only":
			member.Access = AccessReadOnly
		case "write_only":
			member.Access = AccessWriteOnly
		case "read_write":
			member.Access = AccessReadWrite
		default:
			return nil, invalidf("interface %s: property %s has invalid access %q", i.Name, name, access)
		}
	}
	if notify, ok := body.Get("notify"); ok && notify.Kind() == object.KindBool {
		member.Notify = notify.Bool()
	}
	return member, nil
}

func (c *Context) parseEvent(i *Interface, name string, body *object.Object) (*IfMember, error) {
	member := &IfMember{Name: name, Kind: MemberEvent}
	if body.IsNull() {
		return member, nil
	}
	var decl string
	switch body.Kind() {
	case object.KindString:
		decl = body.StringValue()
	case object.KindDictionary:
		member.Description, _ = body.GetString("description")
		decl, _ = body.GetString("type")
	default:
		return nil, invalidf("interface %s: event %s is invalid", i.Name, name)
	}
	if decl != "" {
		ti, err := c.InstantiateType(decl, nil, nil, i.File)
		if err != nil {
			return nil, err
		}
		member.Result = ti
	}
	return member, nil
}

func sprintfArg(idx int) string {
	return "arg" + strconv.Itoa(idx)
}
