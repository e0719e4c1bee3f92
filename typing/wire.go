package typing

import (
	"github.com/twoporeguys/librpc-go/object"
)

// Sentinel dictionary keys used by typed serialization.
const (
	SentinelRealm = "%realm"
	SentinelType  = "%type"
	SentinelValue = "%value"
)

// Serialize renders a typed Object tree into its wire shape: objects
// annotated with struct/union/enum instances become
// {"%type": canonical, "%value": plain} dictionaries, containers are
// descended, everything else passes through. A nil context is the
// identity.
func (c *Context) Serialize(obj *object.Object) (*object.Object, error) {
	if c == nil {
		return obj.Retain(), nil
	}
	ann := obj.TypeInstance()
	if ann != nil {
		if ti, ok := ann.(*TypeInstance); ok {
			unwound, err := c.Unwind(ti)
			if err != nil {
				return nil, err
			}
			if unwound != nil && !unwound.Proxy && unwound.Type.Class != ClassBuiltin {
				plain, err := c.serializePlain(obj)
				if err != nil {
					return nil, err
				}
				out := object.NewDictionary()
				name := object.NewString(ti.CanonicalForm())
				out.Set(SentinelType, name)
				name.Release()
				out.Set(SentinelValue, plain)
				plain.Release()
				return out, nil
			}
		}
	}
	return c.serializePlain(obj)
}

func (c *Context) serializePlain(obj *object.Object) (*object.Object, error) {
	switch obj.Kind() {
	case object.KindArray:
		out := object.NewArray()
		var serErr error
		obj.ApplyArray(func(_ int, item *object.Object) bool {
			var v *object.Object
			v, serErr = c.Serialize(item)
			if serErr != nil {
				return false
			}
			out.Append(v)
			v.Release()
			return true
		})
		if serErr != nil {
			out.Release()
			return nil, serErr
		}
		return out, nil
	case object.KindDictionary:
		out := object.NewDictionary()
		var serErr error
		obj.ApplyDict(func(key string, item *object.Object) bool {
			var v *object.Object
			v, serErr = c.Serialize(item)
			if serErr != nil {
				return false
			}
			out.Set(key, v)
			v.Release()
			return true
		})
		if serErr != nil {
			out.Release()
			return nil, serErr
		}
		return out, nil
	default:
		return obj.Retain(), nil
	}
}

// Deserialize reconstructs typed Objects from their wire shape,
// stripping %type/%realm/%value sentinels and annotating the results.
// A nil context is the identity.
func (c *Context) Deserialize(obj *object.Object) (*object.Object, error) {
	if c == nil {
		return obj.Retain(), nil
	}
	return c.deserializeIn(obj, "")
}

func (c *Context) deserializeIn(obj *object.Object, realm string) (*object.Object, error) {
	switch obj.Kind() {
	case object.KindArray:
		out := object.NewArray()
		var desErr error
		obj.ApplyArray(func(_ int, item *object.Object) bool {
			var v *object.Object
			v, desErr = c.deserializeIn(item, realm)
			if desErr != nil {
				return false
			}
			out.Append(v)
			v.Release()
			return true
		})
		if desErr != nil {
			out.Release()
			return nil, desErr
		}
		return out, nil

	case object.KindDictionary:
		if r, ok := obj.GetString(SentinelRealm); ok {
			realm = r
		}
		decl, typed := obj.GetString(SentinelType)

		if !typed {
			out := object.NewDictionary()
			var desErr error
			obj.ApplyDict(func(key string, item *object.Object) bool {
				if key == SentinelRealm {
					return true
				}
				var v *object.Object
				v, desErr = c.deserializeIn(item, realm)
				if desErr != nil {
					return false
				}
				out.Set(key, v)
				v.Release()
				return true
			})
			if desErr != nil {
				out.Release()
				return nil, desErr
			}
			return out, nil
		}

		// The %value key carries the payload when present; otherwise
		// the remaining keys form the value.
		var payload *object.Object
		if v, ok := obj.Get(SentinelValue); ok {
			payload = v.Retain()
		} else {
			rest := object.NewDictionary()
			obj.ApplyDict(func(key string, item *object.Object) bool {
				switch key {
				case SentinelRealm, SentinelType:
					return true
				}
				rest.Set(key, item)
				return true
			})
			payload = rest
		}
		defer payload.Release()

		origin := &File{Namespace: realm}
		ti, err := c.InstantiateType(decl, nil, nil, origin)
		if err != nil {
			return nil, err
		}
		value, err := c.deserializeIn(payload, realm)
		if err != nil {
			return nil, err
		}
		value.SetTypeInstance(ti)
		return value, nil

	default:
		return obj.Retain(), nil
	}
}
