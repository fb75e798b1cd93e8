package patchdb

import (
	"strconv"
	"strings"

	"github.com/cuemby/startd/pkg/errdefs"
)

// Pointer is an RFC 6901 JSON pointer split into unescaped segments.
type Pointer []string

// ParsePointer parses "" (whole document) or "/a/b/0" forms.
func ParsePointer(s string) (Pointer, error) {
	if s == "" {
		return Pointer{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return nil, errdefs.Newf(errdefs.KindInvalidRequest, "invalid json pointer %q", s)
	}
	parts := strings.Split(s[1:], "/")
	out := make(Pointer, len(parts))
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		out[i] = p
	}
	return out, nil
}

func (p Pointer) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range p {
		seg = strings.ReplaceAll(seg, "~", "~0")
		seg = strings.ReplaceAll(seg, "/", "~1")
		b.WriteString("/")
		b.WriteString(seg)
	}
	return b.String()
}

// HasPrefix reports whether p is at or below prefix.
func (p Pointer) HasPrefix(prefix Pointer) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, seg := range prefix {
		if p[i] != seg {
			return false
		}
	}
	return true
}

// Get resolves the pointer against a decoded JSON value.
func (p Pointer) Get(doc interface{}) (interface{}, error) {
	cur := doc
	for _, seg := range p {
		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				return nil, errdefs.NotFoundf("no value at %s", p)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, errdefs.NotFoundf("no value at %s", p)
			}
			cur = v[idx]
		default:
			return nil, errdefs.NotFoundf("no value at %s", p)
		}
	}
	return cur, nil
}

// Set writes value at the pointer, creating intermediate objects. Returns
// the updated document, which may differ from doc when the pointer is empty
// or the root was nil.
func (p Pointer) Set(doc interface{}, value interface{}) (interface{}, error) {
	if len(p) == 0 {
		return value, nil
	}
	root, ok := doc.(map[string]interface{})
	if !ok {
		if doc != nil {
			return nil, errdefs.Newf(errdefs.KindInvalidRequest, "cannot set %s: root is not an object", p)
		}
		root = make(map[string]interface{})
	}
	cur := root
	for _, seg := range p[:len(p)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			if existing, present := cur[seg]; present && existing != nil {
				return nil, errdefs.Newf(errdefs.KindInvalidRequest, "cannot set %s: %q is not an object", p, seg)
			}
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
	cur[p[len(p)-1]] = value
	return root, nil
}

// Remove deletes the value at the pointer. Removing an absent value is a
// NotFound error.
func (p Pointer) Remove(doc interface{}) (interface{}, error) {
	if len(p) == 0 {
		return nil, nil
	}
	parent, err := p[:len(p)-1].Get(doc)
	if err != nil {
		return nil, err
	}
	obj, ok := parent.(map[string]interface{})
	if !ok {
		return nil, errdefs.NotFoundf("no value at %s", p)
	}
	if _, present := obj[p[len(p)-1]]; !present {
		return nil, errdefs.NotFoundf("no value at %s", p)
	}
	delete(obj, p[len(p)-1])
	return doc, nil
}
