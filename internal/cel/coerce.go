package cel

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CoerceToDescriptorString converts an evaluated CEL value to the
// rate-limit/auth descriptor string form: strings pass through, numbers use
// canonical decimal form, booleans become "true"/"false", null drops the
// item, and lists/maps serialize as JSON. ok=false means the item should be
// dropped.
func CoerceToDescriptorString(v ref.Val) (string, bool) {
	if types.IsError(v) {
		return "", false
	}
	switch vv := v.(type) {
	case types.String:
		return string(vv), true
	case types.Bool:
		if bool(vv) {
			return "true", true
		}
		return "false", true
	case types.Int:
		return strconv.FormatInt(int64(vv), 10), true
	case types.Uint:
		return strconv.FormatUint(uint64(vv), 10), true
	case types.Double:
		return strconv.FormatFloat(float64(vv), 'g', -1, 64), true
	case types.Null:
		return "", false
	}
	if v == types.NullValue {
		return "", false
	}

	native := v.Value()
	if native == nil {
		return "", false
	}
	b, err := json.Marshal(native)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// ResolveJSONPointer resolves an RFC 6901 JSON Pointer against a decoded
// JSON document. ok=false means the pointer
// does not resolve (missing key/index, or traversal through a scalar).
func ResolveJSONPointer(doc any, pointer string) (any, bool) {
	if pointer == "" {
		return doc, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	cur := doc
	for _, tok := range strings.Split(pointer[1:], "/") {
		tok = unescapeJSONPointerToken(tok)
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[tok]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func unescapeJSONPointerToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}
