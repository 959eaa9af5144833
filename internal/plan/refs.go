package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RefKey marks an argument value that should be replaced with a prior
// step's output: {"$ref": "step_1"}.
const RefKey = "$ref"

// ResolveRefs substitutes every {"$ref": id} object in args with outputs[id].
// Args that contain no references are returned unchanged.
func ResolveRefs(args json.RawMessage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 || !bytes.Contains(args, []byte(RefKey)) {
		return args, nil
	}
	var tree any
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	resolved, err := resolve(tree, outputs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func resolve(v any, outputs map[string]json.RawMessage) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t[RefKey].(string); ok && len(t) == 1 {
			out, ok := outputs[ref]
			if !ok {
				return nil, fmt.Errorf("reference to step %q has no output", ref)
			}
			if len(out) == 0 {
				return nil, nil
			}
			return out, nil
		}
		for k, child := range t {
			r, err := resolve(child, outputs)
			if err != nil {
				return nil, err
			}
			t[k] = r
		}
		return t, nil
	case []any:
		for i, child := range t {
			r, err := resolve(child, outputs)
			if err != nil {
				return nil, err
			}
			t[i] = r
		}
		return t, nil
	default:
		return v, nil
	}
}
