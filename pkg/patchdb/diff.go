package patchdb

import "reflect"

// Op is one RFC 6902 operation.
type Op struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// Patch is an ordered list of operations produced by one commit.
type Patch []Op

// Scoped returns the subset of the patch at or below prefix, or nil when
// nothing in the patch touches that subtree.
func (p Patch) Scoped(prefix Pointer) Patch {
	if len(prefix) == 0 {
		return p
	}
	var out Patch
	for _, op := range p {
		ptr, err := ParsePointer(op.Path)
		if err != nil {
			continue
		}
		if ptr.HasPrefix(prefix) || prefix.HasPrefix(ptr) {
			out = append(out, op)
		}
	}
	return out
}

// diff computes an RFC 6902 patch transforming a into b. Objects diff
// key-by-key; arrays and scalars replace wholesale.
func diff(a, b interface{}) Patch {
	var out Patch
	diffValues(Pointer{}, a, b, &out)
	return out
}

func diffValues(path Pointer, a, b interface{}, out *Patch) {
	am, aIsMap := a.(map[string]interface{})
	bm, bIsMap := b.(map[string]interface{})
	if aIsMap && bIsMap {
		for key, av := range am {
			child := append(append(Pointer{}, path...), key)
			bv, ok := bm[key]
			if !ok {
				*out = append(*out, Op{Op: "remove", Path: child.String()})
				continue
			}
			diffValues(child, av, bv, out)
		}
		for key, bv := range bm {
			if _, ok := am[key]; !ok {
				child := append(append(Pointer{}, path...), key)
				*out = append(*out, Op{Op: "add", Path: child.String(), Value: bv})
			}
		}
		return
	}
	if !reflect.DeepEqual(a, b) {
		*out = append(*out, Op{Op: "replace", Path: path.String(), Value: b})
	}
}
