package dispatch

import (
	"encoding/json"
	"strconv"
	"strings"
)

// backRef is the {resultOf, name, path} shape RFC 8620 §3.7 uses to
// reference a prior call's result from a later one in the same batch.
type backRef struct {
	ResultOf string `json:"resultOf"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// isBackRef reports whether m decodes as exactly a backRef (no extra keys,
// all three required fields present) — distinguishing it from an
// ordinary object that happens to share a key name.
func isBackRef(m map[string]json.RawMessage) (backRef, bool) {
	if len(m) != 3 {
		return backRef{}, false
	}
	resultOf, okR := m["resultOf"]
	name, okN := m["name"]
	path, okP := m["path"]
	if !okR || !okN || !okP {
		return backRef{}, false
	}
	var ref backRef
	if err := json.Unmarshal(resultOf, &ref.ResultOf); err != nil {
		return backRef{}, false
	}
	if err := json.Unmarshal(name, &ref.Name); err != nil {
		return backRef{}, false
	}
	if err := json.Unmarshal(path, &ref.Path); err != nil {
		return backRef{}, false
	}
	return ref, true
}

// resolveBackRefs walks args and replaces every object shaped like a
// backRef with the resolved value from prior, recursing into nested
// objects/arrays so a back-reference can appear anywhere in the args tree
// (e.g. nested inside a filter), not just as a top-level field.
func resolveBackRefs(args json.RawMessage, prior []MethodResponse) (json.RawMessage, *MethodError) {
	var v interface{}
	if err := json.Unmarshal(args, &v); err != nil {
		return nil, newError(ErrInvalidArguments, "invalid JSON: %v", err)
	}
	resolved, merr := resolveValue(v, prior)
	if merr != nil {
		return nil, merr
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, newError(ErrInvalidArguments, "re-encode resolved args: %v", err)
	}
	return out, nil
}

func resolveValue(v interface{}, prior []MethodResponse) (interface{}, *MethodError) {
	switch t := v.(type) {
	case map[string]interface{}:
		raw := make(map[string]json.RawMessage, len(t))
		for k, vv := range t {
			b, _ := json.Marshal(vv)
			raw[k] = b
		}
		if ref, ok := isBackRef(raw); ok {
			return resolveRef(ref, prior)
		}
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			resolved, merr := resolveValue(vv, prior)
			if merr != nil {
				return nil, merr
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			resolved, merr := resolveValue(vv, prior)
			if merr != nil {
				return nil, merr
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveRef(ref backRef, prior []MethodResponse) (interface{}, *MethodError) {
	for _, r := range prior {
		if r.CallID != ref.ResultOf || r.Name != ref.Name {
			continue
		}
		if r.Err != nil {
			return nil, newError(ErrInvalidArguments,
				"back-reference to %s/%s: that call returned an error", ref.Name, ref.ResultOf)
		}
		return jsonPointer(r.Args, ref.Path)
	}
	return nil, newError(ErrInvalidArguments,
		"back-reference to unknown call %s (method %s)", ref.ResultOf, ref.Name)
}

// jsonPointer navigates path (a "/"-separated list of object keys or
// array indices, JMAP's simplified form of RFC 8620 §3.7's result
// reference paths) into v.
func jsonPointer(v interface{}, path string) (interface{}, *MethodError) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, newError(ErrInvalidArguments, "back-reference source not encodable: %v", err)
	}
	var cur interface{}
	if err := json.Unmarshal(b, &cur); err != nil {
		return nil, newError(ErrInvalidArguments, "back-reference source not decodable: %v", err)
	}

	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		switch c := cur.(type) {
		case map[string]interface{}:
			next, ok := c[seg]
			if !ok {
				return nil, newError(ErrInvalidArguments, "back-reference path %q: no field %q", path, seg)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, newError(ErrInvalidArguments, "back-reference path %q: bad index %q", path, seg)
			}
			cur = c[idx]
		default:
			return nil, newError(ErrInvalidArguments, "back-reference path %q: cannot descend into %T", path, cur)
		}
	}
	return cur, nil
}
