package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Resolver resolves a dotted attribute path against host-provided request,
// response, connection and service-response state. terminal=false means
// path is a valid, known prefix (e.g.
// []string{"request"} or []string{"request","headers"}) and the caller
// should keep accumulating path segments via indexing; terminal=true means
// resolution is complete, with value as the resolved native Go value (nil
// means "known missing", surfaced to CEL as null).
type Resolver interface {
	Resolve(path []string) (value any, terminal bool)
}

// attrValue is a lazily-resolved CEL value standing in for a (possibly
// partial) host attribute path. Indexing or field selection on it resolves
// one more path segment against the Resolver; the host is only consulted
// once a full, terminal path has been assembled.
type attrValue struct {
	path     []string
	resolver Resolver
}

var (
	_ ref.Val            = (*attrValue)(nil)
	_ traits.Indexer     = (*attrValue)(nil)
	_ traits.FieldTester = (*attrValue)(nil)
)

func newAttrValue(path []string, resolver Resolver) ref.Val {
	v, terminal := resolver.Resolve(path)
	if !terminal {
		return &attrValue{path: path, resolver: resolver}
	}
	if v == nil {
		return types.NullValue
	}
	return types.DefaultTypeAdapter.NativeToValue(v)
}

func (a *attrValue) Get(index ref.Val) ref.Val {
	seg := fmt.Sprintf("%v", index.Value())
	return newAttrValue(appendPath(a.path, seg), a.resolver)
}

// IsSet backs the has() macro: a valid container prefix counts as set, and a
// terminal path counts as set only when it resolves to a non-nil value.
func (a *attrValue) IsSet(field ref.Val) ref.Val {
	seg := fmt.Sprintf("%v", field.Value())
	path := appendPath(a.path, seg)
	v, terminal := a.resolver.Resolve(path)
	if !terminal {
		return types.True
	}
	return types.Bool(v != nil)
}

func (a *attrValue) ConvertToNative(reflect.Type) (any, error) {
	return nil, fmt.Errorf("cel: attribute %q is not a concrete value (incomplete path)", joinPath(a.path))
}

func (a *attrValue) ConvertToType(typeVal ref.Type) ref.Val {
	return types.NewErr("cel: cannot convert attribute %q to %s", joinPath(a.path), typeVal.TypeName())
}

func (a *attrValue) Equal(ref.Val) ref.Val {
	return types.False
}

func (a *attrValue) Type() ref.Type {
	return attrType
}

func (a *attrValue) Value() any {
	return joinPath(a.path)
}

var attrType = types.NewOpaqueType("kuadrant.HostAttribute")

func appendPath(path []string, seg string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = seg
	return out
}

func joinPath(path []string) string {
	return EscapeDottedPath(path)
}
