// Package hostname implements the host-indexed action-set index: a trie
// keyed on the reversed hostname, supporting literal and wildcard
// ("*.example.com") patterns with longest-suffix-wins, literal-before-
// wildcard ordering.
//
// Case-folding is ASCII-only: hostnames and patterns are lowercased with
// strings.ToLower before insertion/lookup. This does not attempt Unicode
// case-folding of internationalized domain names.
package hostname

import "strings"

type node struct {
	children map[byte]*node
	// hasWildcard is set only on nodes that terminate a wildcard pattern's
	// suffix path (the suffix read forwards, e.g. "example.com"); the node's
	// depth is that suffix's length in bytes, which is what orders wildcard
	// matches in Lookup.
	hasWildcard bool
	wildcard    []any
	literal     []any
}

// Index is a hostname → ordered-value index. Index is built once at
// configuration time and is read-only for the lifetime of the configuration:
// it stores the compiled values directly, since the index itself *is* the
// owner of the compiled configuration for its lifetime.
type Index struct {
	root    *node
	anyHost []any
}

// New returns an empty Index.
func New() *Index {
	return &Index{root: &node{}}
}

// Insert adds value under the given hostname pattern. Order of Insert calls
// for the same pattern is preserved in Lookup results.
//
// pattern is one of:
//   - "" — matches any host.
//   - "*.example.com" — wildcard, matches one or more labels to the left of
//     "example.com".
//   - "host.example.com" — literal, exact match only.
func (idx *Index) Insert(pattern string, value any) {
	pattern = normalize(pattern)

	if pattern == "" {
		idx.anyHost = append(idx.anyHost, value)
		return
	}

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		n := idx.walkCreate(reverseString(suffix))
		n.hasWildcard = true
		n.wildcard = append(n.wildcard, value)
		return
	}

	n := idx.walkCreate(reverseString(pattern))
	n.literal = append(n.literal, value)
}

func (idx *Index) walkCreate(reversedKey string) *node {
	n := idx.root
	for i := 0; i < len(reversedKey); i++ {
		ch := reversedKey[i]
		if n.children == nil {
			n.children = map[byte]*node{}
		}
		next, ok := n.children[ch]
		if !ok {
			next = &node{}
			n.children[ch] = next
		}
		n = next
	}
	return n
}

// Lookup returns the concatenation of all values whose pattern accepts
// hostname: literal matches first (in insertion order), then wildcard matches
// ordered by decreasing suffix length, with "any host" entries (the weakest,
// zero-length wildcard) last among wildcards, and insertion order preserved
// among values at equal specificity.
func (idx *Index) Lookup(hostname string) []any {
	hostname = normalize(hostname)
	if hostname == "" {
		return append([]any(nil), idx.anyHost...)
	}
	reversed := reverseString(hostname)

	// candidates collected in increasing suffix-length order as we walk
	// deeper into the trie; reversed at the end to get decreasing order.
	var candidates [][]any
	if len(idx.anyHost) > 0 {
		candidates = append(candidates, idx.anyHost)
	}

	n := idx.root
	var literal []any
	for d := 0; d < len(reversed); d++ {
		next, ok := n.children[reversed[d]]
		if !ok {
			break
		}
		n = next
		consumed := d + 1
		// A wildcard suffix of length `consumed` only matches if there is at
		// least one more label to its left: the hostname must be strictly
		// longer than the suffix, and the next character (further left in
		// the original hostname, i.e. the next one we'd consume here) must
		// be the '.' label separator.
		if n.hasWildcard && len(reversed) > consumed+1 && reversed[consumed] == '.' {
			candidates = append(candidates, n.wildcard)
		}
		if consumed == len(reversed) {
			literal = n.literal
		}
	}

	result := make([]any, 0, len(literal))
	result = append(result, literal...)
	for i := len(candidates) - 1; i >= 0; i-- {
		result = append(result, candidates[i]...)
	}
	return result
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.TrimSuffix(s, ".")
	return s
}

func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
