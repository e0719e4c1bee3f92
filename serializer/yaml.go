package serializer

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/twoporeguys/librpc-go/object"
)

// Local tags for kinds YAML has no native representation for.
const (
	tagDate  = "!date"
	tagFD    = "!fd"
	tagUint  = "!uint"
	tagError = "!error"
)

func init() {
	Register(yamlCodec{})
}

type yamlCodec struct{}

func (yamlCodec) Name() string { return "yaml" }

func (yamlCodec) Marshal(o *object.Object) ([]byte, error) {
	node, err := encodeYAMLNode(o)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

func (yamlCodec) Unmarshal(data []byte) (*object.Object, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	root := &doc
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return object.NewNull(), nil
		}
		root = doc.Content[0]
	}
	return decodeYAMLNode(root)
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

func encodeYAMLNode(o *object.Object) (*yaml.Node, error) {
	switch o.Kind() {
	case object.KindNull:
		return scalar("!!null", "~"), nil
	case object.KindBool:
		return scalar("!!bool", strconv.FormatBool(o.Bool())), nil
	case object.KindUint64:
		return scalar(tagUint, strconv.FormatUint(o.Uint64(), 10)), nil
	case object.KindInt64:
		return scalar("!!int", strconv.FormatInt(o.Int64(), 10)), nil
	case object.KindDouble:
		return scalar("!!float", strconv.FormatFloat(o.Double(), 'g', -1, 64)), nil
	case object.KindDate:
		return scalar(tagDate, strconv.FormatInt(o.DateUnix(), 10)), nil
	case object.KindString:
		return scalar("!!str", o.StringValue()), nil
	case object.KindBinary:
		return scalar("!!binary", base64.StdEncoding.EncodeToString(o.BinaryValue())), nil
	case object.KindFD:
		return scalar(tagFD, strconv.Itoa(o.FD())), nil
	case object.KindArray:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		var encErr error
		o.ApplyArray(func(_ int, item *object.Object) bool {
			var child *yaml.Node
			child, encErr = encodeYAMLNode(item)
			if encErr != nil {
				return false
			}
			seq.Content = append(seq.Content, child)
			return true
		})
		return seq, encErr
	case object.KindDictionary:
		m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		var encErr error
		o.ApplyDict(func(key string, v *object.Object) bool {
			var child *yaml.Node
			child, encErr = encodeYAMLNode(v)
			if encErr != nil {
				return false
			}
			m.Content = append(m.Content, scalar("!!str", key), child)
			return true
		})
		return m, encErr
	case object.KindError:
		ev := o.Err()
		m := &yaml.Node{Kind: yaml.MappingNode, Tag: tagError}
		m.Content = append(m.Content,
			scalar("!!str", "code"), scalar("!!int", strconv.Itoa(ev.Code)),
			scalar("!!str", "message"), scalar("!!str", ev.Message))
		if ev.Extra != nil {
			extra, err := encodeYAMLNode(ev.Extra)
			if err != nil {
				return nil, err
			}
			m.Content = append(m.Content, scalar("!!str", "extra"), extra)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("cannot encode %s object as yaml", o.Kind())
	}
}

func decodeYAMLNode(node *yaml.Node) (*object.Object, error) {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}

	switch node.Kind {
	case yaml.ScalarNode:
		return decodeYAMLScalar(node)

	case yaml.SequenceNode:
		arr := object.NewArray()
		for _, child := range node.Content {
			item, err := decodeYAMLNode(child)
			if err != nil {
				arr.Release()
				return nil, err
			}
			arr.Append(item)
			item.Release()
		}
		arr.SetLine(node.Line)
		return arr, nil

	case yaml.MappingNode:
		if node.Tag == tagError {
			return decodeYAMLError(node)
		}
		dict := object.NewDictionary()
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			v, err := decodeYAMLNode(node.Content[i+1])
			if err != nil {
				dict.Release()
				return nil, err
			}
			dict.Set(key, v)
			v.Release()
		}
		dict.SetLine(node.Line)
		return dict, nil

	default:
		return nil, fmt.Errorf("unsupported yaml node kind %d at line %d", node.Kind, node.Line)
	}
}

func decodeYAMLScalar(node *yaml.Node) (*object.Object, error) {
	var o *object.Object
	switch node.Tag {
	case "!!null":
		o = object.NewNull()
	case "!!bool":
		v, err := strconv.ParseBool(node.Value)
		if err != nil {
			return nil, yamlScalarError(node, err)
		}
		o = object.NewBool(v)
	case "!!int":
		if v, err := strconv.ParseInt(node.Value, 0, 64); err == nil {
			o = object.NewInt64(v)
		} else if u, uerr := strconv.ParseUint(node.Value, 0, 64); uerr == nil {
			o = object.NewUint64(u)
		} else {
			return nil, yamlScalarError(node, err)
		}
	case tagUint:
		v, err := strconv.ParseUint(node.Value, 10, 64)
		if err != nil {
			return nil, yamlScalarError(node, err)
		}
		o = object.NewUint64(v)
	case "!!float":
		v, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return nil, yamlScalarError(node, err)
		}
		o = object.NewDouble(v)
	case "!!str":
		o = object.NewString(node.Value)
	case "!!binary":
		raw := strings.Map(func(r rune) rune {
			if r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, node.Value)
		buf, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, yamlScalarError(node, err)
		}
		o = object.NewBinary(buf, true)
	case "!!timestamp":
		t, err := time.Parse(time.RFC3339, node.Value)
		if err != nil {
			return nil, yamlScalarError(node, err)
		}
		o = object.NewDate(t)
	case tagDate:
		v, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return nil, yamlScalarError(node, err)
		}
		o = object.NewDateUnix(v)
	case tagFD:
		v, err := strconv.Atoi(node.Value)
		if err != nil {
			return nil, yamlScalarError(node, err)
		}
		o = object.NewFD(v)
	default:
		// Unknown tags decode to null; the caller gets the error flag.
		o = object.NewNull()
		o.SetLine(node.Line)
		return o, &UnknownTagError{Tag: node.Tag}
	}
	o.SetLine(node.Line)
	return o, nil
}

func decodeYAMLError(node *yaml.Node) (*object.Object, error) {
	var code int64
	var message string
	var extra *object.Object
	for i := 0; i+1 < len(node.Content); i += 2 {
		value := node.Content[i+1]
		switch node.Content[i].Value {
		case "code":
			v, err := strconv.ParseInt(value.Value, 10, 64)
			if err != nil {
				return nil, yamlScalarError(value, err)
			}
			code = v
		case "message":
			message = value.Value
		case "extra":
			v, err := decodeYAMLNode(value)
			if err != nil {
				return nil, err
			}
			extra = v
		}
	}
	o := object.NewError(int(code), message, extra)
	o.SetLine(node.Line)
	return o, nil
}

func yamlScalarError(node *yaml.Node, err error) error {
	return fmt.Errorf("bad %s scalar at line %d: %w", node.Tag, node.Line, err)
}
