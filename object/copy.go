package object

import "golang.org/x/sys/unix"

// Copy returns a shallow copy. Container elements are re-retained, not
// duplicated; leaves become fresh, semantically equal objects. File
// descriptors are duplicated so both objects own a descriptor.
func (o *Object) Copy() *Object {
	switch o.kind {
	case KindArray:
		o.mu.Lock()
		defer o.mu.Unlock()
		cp := NewArray()
		for _, item := range o.arr {
			cp.arr = append(cp.arr, item.Retain())
		}
		return cp
	case KindDictionary:
		o.mu.Lock()
		defer o.mu.Unlock()
		cp := NewDictionary()
		for _, k := range o.keys {
			cp.keys = append(cp.keys, k)
			cp.dict[k] = o.dict[k].Retain()
		}
		return cp
	default:
		return o.copyLeaf()
	}
}

// DeepCopy returns a recursive copy with no shared references.
func (o *Object) DeepCopy() *Object {
	switch o.kind {
	case KindArray:
		o.mu.Lock()
		items := make([]*Object, len(o.arr))
		copy(items, o.arr)
		o.mu.Unlock()
		cp := NewArray()
		for _, item := range items {
			cp.arr = append(cp.arr, item.DeepCopy())
		}
		return cp
	case KindDictionary:
		o.mu.Lock()
		keys := make([]string, len(o.keys))
		copy(keys, o.keys)
		values := make([]*Object, 0, len(keys))
		for _, k := range keys {
			values = append(values, o.dict[k])
		}
		o.mu.Unlock()
		cp := NewDictionary()
		for i, k := range keys {
			cp.keys = append(cp.keys, k)
			cp.dict[k] = values[i].DeepCopy()
		}
		return cp
	default:
		return o.copyLeaf()
	}
}

func (o *Object) copyLeaf() *Object {
	cp := newObject(o.kind)
	cp.boolv = o.boolv
	cp.u64 = o.u64
	cp.i64 = o.i64
	cp.f64 = o.f64
	cp.date = o.date
	cp.str = o.str
	cp.typei = o.typei
	cp.line = o.line
	switch o.kind {
	case KindBinary:
		// Copies always own their buffer, even from a borrowed source.
		cp.bin = append([]byte(nil), o.bin...)
	case KindFD:
		cp.fd = -1
		if o.fd >= 0 {
			if dup, err := unix.Dup(o.fd); err == nil {
				cp.fd = dup
			}
		}
	case KindError:
		ev := &ErrorValue{Code: o.errv.Code, Message: o.errv.Message}
		if o.errv.Extra != nil {
			ev.Extra = o.errv.Extra.DeepCopy()
		}
		ev.Stack = append(ev.Stack, o.errv.Stack...)
		cp.errv = ev
	}
	return cp
}

// Equal reports structural equality: kinds match and values match,
// recursively for containers. Type annotations do not participate.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.kind != other.kind {
		return false
	}
	switch o.kind {
	case KindNull:
		return true
	case KindBool:
		return o.boolv == other.boolv
	case KindUint64:
		return o.u64 == other.u64
	case KindInt64:
		return o.i64 == other.i64
	case KindDouble:
		return o.f64 == other.f64
	case KindDate:
		return o.date == other.date
	case KindString:
		return o.str == other.str
	case KindBinary:
		if len(o.bin) != len(other.bin) {
			return false
		}
		for i := range o.bin {
			if o.bin[i] != other.bin[i] {
				return false
			}
		}
		return true
	case KindFD:
		return o.fd == other.fd
	case KindArray:
		a := o.snapshotArray()
		b := other.snapshotArray()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case KindDictionary:
		ak, av := o.snapshotDict()
		bk := other.Keys()
		if len(ak) != len(bk) {
			return false
		}
		for i, k := range ak {
			bv, ok := other.Get(k)
			if !ok || !av[i].Equal(bv) {
				return false
			}
		}
		return true
	case KindError:
		if o.errv.Code != other.errv.Code || o.errv.Message != other.errv.Message {
			return false
		}
		if (o.errv.Extra == nil) != (other.errv.Extra == nil) {
			return false
		}
		return o.errv.Extra == nil || o.errv.Extra.Equal(other.errv.Extra)
	default:
		return false
	}
}

func (o *Object) snapshotArray() []*Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := make([]*Object, len(o.arr))
	copy(items, o.arr)
	return items
}

func (o *Object) snapshotDict() ([]string, []*Object) {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	values := make([]*Object, 0, len(keys))
	for _, k := range keys {
		values = append(values, o.dict[k])
	}
	return keys, values
}
