package object

// Container operations. Array and dictionary objects own a reference to
// each element: inserting retains, removing releases. Apply retains the
// value for the duration of the callback so concurrent removal cannot
// destroy it mid-visit.

// =============================================================================
// ARRAY
// =============================================================================

// Append appends v to an array object, retaining it.
func (o *Object) Append(v *Object) error {
	if o.kind != KindArray {
		return NewTypeError(KindArray, o.kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.arr = append(o.arr, v.Retain())
	return nil
}

// SetIndex replaces the element at idx, releasing the previous element.
func (o *Object) SetIndex(idx int, v *Object) error {
	if o.kind != KindArray {
		return NewTypeError(KindArray, o.kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx < 0 || idx >= len(o.arr) {
		return NewRangeError(idx, len(o.arr))
	}
	old := o.arr[idx]
	o.arr[idx] = v.Retain()
	old.Release()
	return nil
}

// GetIndex returns the element at idx without transferring a reference.
func (o *Object) GetIndex(idx int) (*Object, error) {
	if o.kind != KindArray {
		return nil, NewTypeError(KindArray, o.kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx < 0 || idx >= len(o.arr) {
		return nil, NewRangeError(idx, len(o.arr))
	}
	return o.arr[idx], nil
}

// RemoveIndex removes and releases the element at idx.
func (o *Object) RemoveIndex(idx int) error {
	if o.kind != KindArray {
		return NewTypeError(KindArray, o.kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx < 0 || idx >= len(o.arr) {
		return NewRangeError(idx, len(o.arr))
	}
	old := o.arr[idx]
	o.arr = append(o.arr[:idx], o.arr[idx+1:]...)
	old.Release()
	return nil
}

// ApplyArray iterates the array in order, stopping early when cb
// returns false. The element is retained while cb holds it.
func (o *Object) ApplyArray(cb func(idx int, v *Object) bool) {
	if o.kind != KindArray {
		return
	}
	o.mu.Lock()
	snapshot := make([]*Object, len(o.arr))
	copy(snapshot, o.arr)
	for _, item := range snapshot {
		item.Retain()
	}
	o.mu.Unlock()

	for i, item := range snapshot {
		keep := cb(i, item)
		item.Release()
		if !keep {
			for _, rest := range snapshot[i+1:] {
				rest.Release()
			}
			return
		}
	}
}

// =============================================================================
// DICTIONARY
// =============================================================================

// Set inserts or replaces the value under key, retaining it and
// releasing any previous value.
func (o *Object) Set(key string, v *Object) error {
	if o.kind != KindDictionary {
		return NewTypeError(KindDictionary, o.kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if old, ok := o.dict[key]; ok {
		old.Release()
	} else {
		o.keys = append(o.keys, key)
	}
	o.dict[key] = v.Retain()
	return nil
}

// Get returns the value under key without transferring a reference.
// The second return is false when the key is absent.
func (o *Object) Get(key string) (*Object, bool) {
	if o.kind != KindDictionary {
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.dict[key]
	return v, ok
}

// Remove deletes and releases the value under key.
func (o *Object) Remove(key string) error {
	if o.kind != KindDictionary {
		return NewTypeError(KindDictionary, o.kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	old, ok := o.dict[key]
	if !ok {
		return NewKeyError(key)
	}
	delete(o.dict, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
	old.Release()
	return nil
}

// ApplyDict iterates the dictionary in insertion order, stopping early
// when cb returns false. The value is retained while cb holds it.
func (o *Object) ApplyDict(cb func(key string, v *Object) bool) {
	if o.kind != KindDictionary {
		return
	}
	o.mu.Lock()
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	values := make([]*Object, 0, len(keys))
	for _, k := range keys {
		values = append(values, o.dict[k].Retain())
	}
	o.mu.Unlock()

	for i, k := range keys {
		keep := cb(k, values[i])
		values[i].Release()
		if !keep {
			for _, rest := range values[i+1:] {
				rest.Release()
			}
			return
		}
	}
}

// Keys returns the dictionary keys in insertion order.
func (o *Object) Keys() []string {
	if o.kind != KindDictionary {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	return keys
}

// Len returns the element count for arrays and dictionaries, the byte
// length for binary and string objects, and 0 otherwise.
func (o *Object) Len() int {
	switch o.kind {
	case KindArray:
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.arr)
	case KindDictionary:
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.dict)
	case KindBinary:
		return len(o.bin)
	case KindString:
		return len(o.str)
	default:
		return 0
	}
}
