package cel

import "github.com/google/cel-go/interpreter"

// rootNames are the top-level attribute roots the resolver understands.
var rootNames = map[string]bool{
	"request":     true,
	"response":    true,
	"source":      true,
	"destination": true,
	"connection":  true,
	"metadata":    true,
	"auth":        true,
	"ratelimit":   true,
}

// rootActivation resolves the attribute-universe root identifiers to lazy
// attrValues; everything past the root is resolved on demand through
// Resolver as the expression indexes deeper.
type rootActivation struct {
	resolver Resolver
}

var _ interpreter.Activation = (*rootActivation)(nil)

// NewActivation builds the per-evaluation Activation used to evaluate a
// compiled predicate or data expression against one request's state.
func NewActivation(resolver Resolver) interpreter.Activation {
	return &rootActivation{resolver: resolver}
}

func (r *rootActivation) ResolveName(name string) (any, bool) {
	if !rootNames[name] {
		return nil, false
	}
	return newAttrValue([]string{name}, r.resolver), true
}

func (r *rootActivation) Parent() interpreter.Activation {
	return nil
}
