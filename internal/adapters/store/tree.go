// Package store implements core.SignalStore over a flat set of leaves.
//
// A value written at a path is exploded into leaves (one per scalar or array
// inside it) and composed back into a document on read. Both backends keep the
// same leaf layout so they behave identically from the caller's point of view.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidPath = errors.New("invalid store path")

func cleanPath(p string) (string, error) {
	c := strings.Trim(path.Clean("/"+p), "/")
	if c == "" || c == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return c, nil
}

// within reports whether p is at or below base.
func within(p, base string) bool {
	return p == base || strings.HasPrefix(p, base+"/")
}

// related reports whether a change at p affects a subscription at base.
func related(p, base string) bool {
	return within(p, base) || within(base, p)
}

// childKey returns the first segment of p below parent.
func childKey(parent, p string) (string, bool) {
	if !strings.HasPrefix(p, parent+"/") {
		return "", false
	}
	rest := p[len(parent)+1:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, rest != ""
}

func pushKey() string {
	// v7 ids sort lexicographically by creation time
	return uuid.Must(uuid.NewV7()).String()
}

// encode marshals a caller value; json.RawMessage passes through.
func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// flatten explodes raw into leaves below base. null yields no leaves.
func flatten(base string, raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if len(raw) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value at %s: %w", base, err)
	}
	if err := flattenValue(base, v, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenValue(p string, v any, out map[string]json.RawMessage) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
		for k, child := range t {
			if k == "" || strings.Contains(k, "/") {
				return fmt.Errorf("%w: key %q under %s", ErrInvalidPath, k, p)
			}
			if err := flattenValue(p+"/"+k, child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		out[p] = b
		return nil
	}
}

// compose rebuilds the document at base from leaves. Leaves outside base are ignored.
func compose(base string, leaves map[string]json.RawMessage) (json.RawMessage, bool, error) {
	if raw, ok := leaves[base]; ok {
		return raw, true, nil
	}
	root := make(map[string]any)
	found := false
	for p, raw := range leaves {
		if !strings.HasPrefix(p, base+"/") {
			continue
		}
		found = true
		parts := strings.Split(p[len(base)+1:], "/")
		node := root
		for _, seg := range parts[:len(parts)-1] {
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[seg] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = raw
	}
	if !found {
		return nil, false, nil
	}
	b, err := json.Marshal(root)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// childKeys lists the distinct direct children of base, sorted.
func childKeys(base string, paths []string) []string {
	seen := make(map[string]struct{})
	for _, p := range paths {
		if k, ok := childKey(base, p); ok {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// write replaces the subtree at Path with Leaves (nil Leaves removes it).
type write struct {
	Path   string
	Leaves map[string]json.RawMessage
}

// plan computes which existing leaves must go and which must be stored so that
// the writes are applied in order. A leaf that is an ancestor of a written path
// is replaced, since a path cannot be both a value and an object.
func plan(existing []string, writes []write) (del []string, set map[string]json.RawMessage) {
	current := make(map[string]bool, len(existing))
	for _, p := range existing {
		current[p] = true
	}
	set = make(map[string]json.RawMessage)
	for _, w := range writes {
		for p := range current {
			if within(p, w.Path) || within(w.Path, p) {
				delete(current, p)
			}
		}
		for p := range set {
			if within(p, w.Path) || within(w.Path, p) {
				delete(set, p)
			}
		}
		for p, raw := range w.Leaves {
			set[p] = raw
		}
	}
	for _, p := range existing {
		if !current[p] {
			if _, again := set[p]; !again {
				del = append(del, p)
			}
		}
	}
	return del, set
}

func exists(base string, paths []string) bool {
	for _, p := range paths {
		if within(p, base) {
			return true
		}
	}
	return false
}
