package typing

import (
	"regexp"

	"github.com/twoporeguys/librpc-go/object"
)

// Standard constraint validators, keyed (type name, constraint name).
// IDL files may attach any of these to types or members; user code can
// register more via RegisterConstraint.

func registerStandardConstraints(c *Context) {
	for _, num := range []string{"int64", "uint64", "double"} {
		c.RegisterConstraint(num, "min", constraintMin)
		c.RegisterConstraint(num, "max", constraintMax)
	}
	c.RegisterConstraint("string", "min_length", constraintMinLength)
	c.RegisterConstraint("string", "max_length", constraintMaxLength)
	c.RegisterConstraint("string", "regex", constraintRegex)
	c.RegisterConstraint("array", "min_items", constraintMinItems)
	c.RegisterConstraint("array", "max_items", constraintMaxItems)
}

func numericValue(o *object.Object) (float64, bool) {
	switch o.Kind() {
	case object.KindInt64:
		return float64(o.Int64()), true
	case object.KindUint64:
		return float64(o.Uint64()), true
	case object.KindDouble:
		return o.Double(), true
	default:
		return 0, false
	}
}

func constraintMin(arg, obj *object.Object, path string, sink *ErrorSink) bool {
	bound, ok := numericValue(arg)
	if !ok {
		sink.Add(path, "min constraint argument is not numeric")
		return false
	}
	v, ok := numericValue(obj)
	if !ok || v < bound {
		sink.Add(path, "Value %s is below minimum %g", obj, bound)
		return false
	}
	return true
}

func constraintMax(arg, obj *object.Object, path string, sink *ErrorSink) bool {
	bound, ok := numericValue(arg)
	if !ok {
		sink.Add(path, "max constraint argument is not numeric")
		return false
	}
	v, ok := numericValue(obj)
	if !ok || v > bound {
		sink.Add(path, "Value %s is above maximum %g", obj, bound)
		return false
	}
	return true
}

func constraintMinLength(arg, obj *object.Object, path string, sink *ErrorSink) bool {
	bound, _ := numericValue(arg)
	if len(obj.StringValue()) < int(bound) {
		sink.Add(path, "String shorter than %d characters", int(bound))
		return false
	}
	return true
}

func constraintMaxLength(arg, obj *object.Object, path string, sink *ErrorSink) bool {
	bound, _ := numericValue(arg)
	if len(obj.StringValue()) > int(bound) {
		sink.Add(path, "String longer than %d characters", int(bound))
		return false
	}
	return true
}

func constraintRegex(arg, obj *object.Object, path string, sink *ErrorSink) bool {
	re, err := regexp.Compile(arg.StringValue())
	if err != nil {
		sink.Add(path, "Invalid regex constraint: %v", err)
		return false
	}
	if !re.MatchString(obj.StringValue()) {
		sink.Add(path, "String does not match %q", arg.StringValue())
		return false
	}
	return true
}

func constraintMinItems(arg, obj *object.Object, path string, sink *ErrorSink) bool {
	bound, _ := numericValue(arg)
	if obj.Len() < int(bound) {
		sink.Add(path, "Array has fewer than %d items", int(bound))
		return false
	}
	return true
}

func constraintMaxItems(arg, obj *object.Object, path string, sink *ErrorSink) bool {
	bound, _ := numericValue(arg)
	if obj.Len() > int(bound) {
		sink.Add(path, "Array has more than %d items", int(bound))
		return false
	}
	return true
}
