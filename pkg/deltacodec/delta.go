// Package deltacodec implements the optional Delta Codec (C10):
// field-level diff/patch over entity CBOR maps, used to shrink push/pull
// payloads for entities with many unchanged fields.
package deltacodec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DefaultReplaceRatio is the fraction of changed fields above which Diff
// returns a full replace instead of a patch (cheaper to decode than a
// patch that touches almost every field anyway).
const DefaultReplaceRatio = 0.7

// ChangeKind distinguishes a patch operation from a full replace.
type ChangeKind string

const (
	KindPatch   ChangeKind = "patch"
	KindReplace ChangeKind = "replace"
)

// Delta is the result of diffing two entity versions. Set covers plain
// field replacement; Increment, ArrayAppend and ArrayRemove hold narrower
// patch ops that encode smaller than a full Set for their common cases.
type Delta struct {
	Kind        ChangeKind
	Set         map[string]any     // fields present in "after" with changed or new values
	Unset       []string           // fields present in "before" but absent in "after"
	Increment   map[string]float64 // numeric fields that changed by a delta
	ArrayAppend map[string][]any   // array fields with elements appended at the tail
	ArrayRemove map[string][]any   // array fields with elements removed, order preserved
	Replace     []byte             // full CBOR of "after", set only when Kind == KindReplace
}

// Diff compares before and after (both flat CBOR maps) and produces a
// Delta. A nil before is always a full replace (nothing to patch against).
func Diff(before, after []byte, replaceRatio float64) (Delta, error) {
	if replaceRatio <= 0 {
		replaceRatio = DefaultReplaceRatio
	}
	if before == nil {
		return Delta{Kind: KindReplace, Replace: after}, nil
	}

	var beforeMap, afterMap map[string]any
	if err := cbor.Unmarshal(before, &beforeMap); err != nil {
		return Delta{}, fmt.Errorf("deltacodec: decode before: %w", err)
	}
	if err := cbor.Unmarshal(after, &afterMap); err != nil {
		return Delta{}, fmt.Errorf("deltacodec: decode after: %w", err)
	}

	set := map[string]any{}
	var increment map[string]float64
	var arrayAppend, arrayRemove map[string][]any
	for k, av := range afterMap {
		bv, existed := beforeMap[k]
		if existed && deepEqual(bv, av) {
			continue
		}
		switch {
		case existed && asNumber(bv) != nil && asNumber(av) != nil:
			if increment == nil {
				increment = map[string]float64{}
			}
			increment[k] = *asNumber(av) - *asNumber(bv)
		case existed && isArrayAppend(bv, av):
			if arrayAppend == nil {
				arrayAppend = map[string][]any{}
			}
			arrayAppend[k] = toSlice(av)[len(toSlice(bv)):]
		case existed && isArrayRemove(bv, av):
			if arrayRemove == nil {
				arrayRemove = map[string][]any{}
			}
			arrayRemove[k] = removedElements(toSlice(bv), toSlice(av))
		default:
			set[k] = av
		}
	}
	var unset []string
	for k := range beforeMap {
		if _, stillPresent := afterMap[k]; !stillPresent {
			unset = append(unset, k)
		}
	}

	changed := len(set) + len(unset) + len(increment) + len(arrayAppend) + len(arrayRemove)
	total := len(afterMap)
	if total == 0 {
		total = 1
	}
	if float64(changed)/float64(total) > replaceRatio {
		return Delta{Kind: KindReplace, Replace: after}, nil
	}
	return Delta{
		Kind:        KindPatch,
		Set:         set,
		Unset:       unset,
		Increment:   increment,
		ArrayAppend: arrayAppend,
		ArrayRemove: arrayRemove,
	}, nil
}

// asNumber reports the float64 value of v if it is a CBOR-decoded numeric
// type, or nil otherwise.
func asNumber(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case uint64:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	default:
		return nil
	}
	return &f
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// isArrayAppend reports whether after is before with one or more elements
// appended at the tail, with the common prefix unchanged.
func isArrayAppend(before, after any) bool {
	b, ok1 := before.([]any)
	a, ok2 := after.([]any)
	if !ok1 || !ok2 || len(a) <= len(b) {
		return false
	}
	for i := range b {
		if !deepEqual(b[i], a[i]) {
			return false
		}
	}
	return true
}

// isArrayRemove reports whether after is before with some elements removed
// but the relative order of survivors preserved.
func isArrayRemove(before, after any) bool {
	b, ok1 := before.([]any)
	a, ok2 := after.([]any)
	if !ok1 || !ok2 || len(a) >= len(b) {
		return false
	}
	i := 0
	for _, bv := range b {
		if i < len(a) && deepEqual(bv, a[i]) {
			i++
		}
	}
	return i == len(a)
}

func removedElements(before, after []any) []any {
	var removed []any
	i := 0
	for _, bv := range before {
		if i < len(after) && deepEqual(bv, after[i]) {
			i++
			continue
		}
		removed = append(removed, bv)
	}
	return removed
}

// Apply applies a Delta to base, returning the resulting CBOR map.
func Apply(base []byte, d Delta) ([]byte, error) {
	if d.Kind == KindReplace {
		return d.Replace, nil
	}

	var baseMap map[string]any
	if base != nil {
		if err := cbor.Unmarshal(base, &baseMap); err != nil {
			return nil, fmt.Errorf("deltacodec: decode base: %w", err)
		}
	}
	if baseMap == nil {
		baseMap = map[string]any{}
	}
	for _, k := range d.Unset {
		delete(baseMap, k)
	}
	for k, v := range d.Set {
		baseMap[k] = v
	}
	for k, delta := range d.Increment {
		cur := asNumber(baseMap[k])
		if cur == nil {
			return nil, fmt.Errorf("deltacodec: increment on non-numeric field %q", k)
		}
		baseMap[k] = *cur + delta
	}
	for k, appended := range d.ArrayAppend {
		baseMap[k] = append(toSlice(baseMap[k]), appended...)
	}
	for k, removed := range d.ArrayRemove {
		cur := toSlice(baseMap[k])
		kept := cur[:0:0]
		for _, v := range cur {
			skip := false
			for i, r := range removed {
				if deepEqual(v, r) {
					removed = append(removed[:i], removed[i+1:]...)
					skip = true
					break
				}
			}
			if !skip {
				kept = append(kept, v)
			}
		}
		baseMap[k] = kept
	}

	out, err := cbor.Marshal(baseMap)
	if err != nil {
		return nil, fmt.Errorf("deltacodec: encode patched: %w", err)
	}
	return out, nil
}

func deepEqual(a, b any) bool {
	ab, err1 := cbor.Marshal(a)
	bb, err2 := cbor.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}
