package codec

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/sharedcode/playerstore"
)

// Diff computes a deterministic, depth-first, sorted-key patch turning
// before into after. Two calls given equal (before, after) pairs always
// produce byte-identical patches: operations are emitted depth-first, map
// keys in sorted order (a trailing run of array removals from the highest
// index down), and a value is only present in the patch if it actually
// changed.
// Paths follow JSON-Pointer grammar: "/" segments, with array elements
// addressed by their numeric index (e.g. "/inventory/0").
func Diff(before, after map[string]any) playerstore.Patch {
	var patch playerstore.Patch
	diffMap(nil, before, after, &patch)
	return patch
}

// pointerPath renders segs (field names and array indices, root-to-leaf) as
// a JSON-Pointer-style path. The root itself (no segments) is "/".
func pointerPath(segs []string) string {
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

func diffValue(segs []string, before, after any, patch *playerstore.Patch) {
	beforeMap, beforeIsMap := before.(map[string]any)
	afterMap, afterIsMap := after.(map[string]any)
	if beforeIsMap && afterIsMap {
		diffMap(segs, beforeMap, afterMap, patch)
		return
	}

	beforeArr, beforeIsArr := before.([]any)
	afterArr, afterIsArr := after.([]any)
	if beforeIsArr && afterIsArr {
		diffArray(segs, beforeArr, afterArr, patch)
		return
	}

	if !reflect.DeepEqual(before, after) {
		*patch = append(*patch, playerstore.PatchOp{Op: "replace", Path: pointerPath(segs), Value: after})
	}
}

func diffMap(segs []string, before, after map[string]any, patch *playerstore.Patch) {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, k := range ordered {
		childSegs := appendSeg(segs, k)
		bv, bok := before[k]
		av, aok := after[k]
		switch {
		case !bok && aok:
			*patch = append(*patch, playerstore.PatchOp{Op: "add", Path: pointerPath(childSegs), Value: av})
		case bok && !aok:
			*patch = append(*patch, playerstore.PatchOp{Op: "remove", Path: pointerPath(childSegs)})
		default:
			diffValue(childSegs, bv, av, patch)
		}
	}
}

// diffArray diffs before and after index by index over their shared
// length, then emits a trailing run of "remove" ops (descending, so
// earlier removals don't shift the index of later ones) if after is
// shorter, or a trailing run of "add" ops (ascending) if after is longer.
// It does not attempt a minimal edit script for an insertion/deletion in
// the middle of the array — a shift there diffs as a run of per-index
// replaces, which is correct, if not minimal.
func diffArray(segs []string, before, after []any, patch *playerstore.Patch) {
	overlap := len(before)
	if len(after) < overlap {
		overlap = len(after)
	}
	for i := 0; i < overlap; i++ {
		diffValue(appendSeg(segs, strconv.Itoa(i)), before[i], after[i], patch)
	}
	switch {
	case len(after) > len(before):
		for i := len(before); i < len(after); i++ {
			*patch = append(*patch, playerstore.PatchOp{
				Op: "add", Path: pointerPath(appendSeg(segs, strconv.Itoa(i))), Value: after[i],
			})
		}
	case len(before) > len(after):
		for i := len(before) - 1; i >= len(after); i-- {
			*patch = append(*patch, playerstore.PatchOp{Op: "remove", Path: pointerPath(appendSeg(segs, strconv.Itoa(i)))})
		}
	}
}

func appendSeg(segs []string, seg string) []string {
	next := make([]string, len(segs)+1)
	copy(next, segs)
	next[len(segs)] = seg
	return next
}

// Apply replays patch against base, returning a new map; base is not
// mutated. It returns an error for a "replace" or "remove" whose path does
// not resolve against base, or an array index out of range, which signals
// the patch was computed against a different base than the one it is
// being applied to; an "add" creates any missing intermediate maps.
func Apply(base map[string]any, patch playerstore.Patch) (map[string]any, error) {
	result := deepCopyMap(base)
	for _, op := range patch {
		segs, err := parsePointerPath(op.Path)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			return nil, fmt.Errorf("codec: apply: whole-document path %q is not supported", op.Path)
		}
		if err := applyOp(result, segs, op); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// parsePointerPath splits a JSON-Pointer-style path ("/foo/0/bar") into its
// segments ("foo", "0", "bar"). "/" (the root) parses to no segments.
func parsePointerPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("codec: apply: path %q must start with /", path)
	}
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "/"), nil
}

func applyOp(root map[string]any, segs []string, op playerstore.PatchOp) error {
	key := segs[0]
	rest := segs[1:]
	if len(rest) == 0 {
		return applyMapLeaf(root, key, op)
	}

	child, ok := root[key]
	if !ok {
		if op.Op != "add" {
			return fmt.Errorf("codec: apply: path %q missing intermediate %q", op.Path, key)
		}
		child = map[string]any{}
	}
	updated, err := applyNested(child, rest, op)
	if err != nil {
		return err
	}
	root[key] = updated
	return nil
}

// applyNested applies op at the end of segs within container, a
// map[string]any or []any reached by descending from the document root. It
// returns the (possibly new, for an array that grew or shrank) value to
// store back into the caller's own parent container.
func applyNested(container any, segs []string, op playerstore.PatchOp) (any, error) {
	if m, ok := container.(map[string]any); ok {
		key := segs[0]
		rest := segs[1:]
		if len(rest) == 0 {
			if err := applyMapLeaf(m, key, op); err != nil {
				return nil, err
			}
			return m, nil
		}
		child, ok := m[key]
		if !ok {
			if op.Op != "add" {
				return nil, fmt.Errorf("codec: apply: path %q missing intermediate %q", op.Path, key)
			}
			child = map[string]any{}
		}
		updated, err := applyNested(child, rest, op)
		if err != nil {
			return nil, err
		}
		m[key] = updated
		return m, nil
	}

	arr, ok := container.([]any)
	if !ok {
		return nil, fmt.Errorf("codec: apply: path %q: cannot descend into %T", op.Path, container)
	}
	idx, err := strconv.Atoi(segs[0])
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("codec: apply: path %q: invalid array index %q", op.Path, segs[0])
	}
	rest := segs[1:]
	if len(rest) == 0 {
		return applyArrayLeaf(arr, idx, op)
	}
	if idx >= len(arr) {
		return nil, fmt.Errorf("codec: apply: path %q: array index %d out of range (len %d)", op.Path, idx, len(arr))
	}
	updated, err := applyNested(arr[idx], rest, op)
	if err != nil {
		return nil, err
	}
	arr[idx] = updated
	return arr, nil
}

func applyMapLeaf(m map[string]any, key string, op playerstore.PatchOp) error {
	switch op.Op {
	case "add":
		m[key] = op.Value
	case "replace":
		if _, ok := m[key]; !ok {
			return fmt.Errorf("codec: apply: replace on missing path %q", op.Path)
		}
		m[key] = op.Value
	case "remove":
		if _, ok := m[key]; !ok {
			return fmt.Errorf("codec: apply: remove on missing path %q", op.Path)
		}
		delete(m, key)
	default:
		return fmt.Errorf("codec: apply: unknown op %q", op.Op)
	}
	return nil
}

func applyArrayLeaf(arr []any, idx int, op playerstore.PatchOp) ([]any, error) {
	switch op.Op {
	case "add":
		if idx > len(arr) {
			return nil, fmt.Errorf("codec: apply: array index %d out of range for add (len %d)", idx, len(arr))
		}
		arr = append(arr, nil)
		copy(arr[idx+1:], arr[idx:])
		arr[idx] = op.Value
		return arr, nil
	case "replace":
		if idx >= len(arr) {
			return nil, fmt.Errorf("codec: apply: array index %d out of range (len %d)", idx, len(arr))
		}
		arr[idx] = op.Value
		return arr, nil
	case "remove":
		if idx >= len(arr) {
			return nil, fmt.Errorf("codec: apply: array index %d out of range (len %d)", idx, len(arr))
		}
		return append(arr[:idx], arr[idx+1:]...), nil
	default:
		return nil, fmt.Errorf("codec: apply: unknown op %q", op.Op)
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return t
	}
}
