package typing

// checkSpecializations gates the recursive compatibility check of
// specialization arguments. It is never set: with it off, List<int64>
// is accepted where List<string> is declared, matching the historical
// behavior of this runtime. Flip only with an owner decision.
const checkSpecializations = false

// IsCompatible reports whether a value annotated `actual` satisfies a
// site declared `decl`. "any" accepts everything; otherwise the type
// names must match or decl must appear on actual's parent chain, and
// decl must not be more specialized than actual.
func (c *Context) IsCompatible(decl, actual *TypeInstance) bool {
	if decl == nil || actual == nil {
		return false
	}
	if decl.Proxy || actual.Proxy {
		// Unresolved generic variables accept anything; validation of
		// the specialized form happens at the call site.
		return true
	}
	if decl.Type.Name == "any" {
		return true
	}
	if len(decl.Specializations) > len(actual.Specializations) {
		return false
	}

	match := decl.Type == actual.Type
	if !match {
		for p := c.parentOf(actual.Type); p != nil; p = c.parentOf(p) {
			if p == decl.Type {
				match = true
				break
			}
		}
	}
	if !match {
		return false
	}

	if checkSpecializations {
		for v, d := range decl.Specializations {
			a, ok := actual.Specializations[v]
			if !ok || !c.IsCompatible(d, a) {
				return false
			}
		}
	}
	return true
}
