package cel

import (
	"encoding/json"
	"regexp"
	"strings"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter/functions"
)

// functionDeclarations registers the signatures of requestBodyJSON,
// responseBodyJSON and matches at environment-build time.
// requestBodyJSON/responseBodyJSON are left unbound here — their
// implementation closes over one request's buffered body and is attached
// per evaluation via BodyFunctionBindings (cel.Program is cheap to rebuild
// from an already-checked AST).
func functionDeclarations() []celgo.EnvOption {
	return []celgo.EnvOption{
		celgo.Function("requestBodyJSON",
			celgo.Overload("requestBodyJSON_string", []*celgo.Type{celgo.StringType}, celgo.DynType)),
		celgo.Function("responseBodyJSON",
			celgo.Overload("responseBodyJSON_string", []*celgo.Type{celgo.StringType}, celgo.DynType)),
		celgo.Function("matches",
			celgo.Overload("matches_string_string", []*celgo.Type{celgo.StringType, celgo.StringType}, celgo.BoolType,
				celgo.BinaryBinding(matchesGlob))),
	}
}

// BodyFunctionBindings returns the per-request bindings for
// requestBodyJSON/responseBodyJSON. A nil body means "not buffered": the
// pointer lookup returns an evaluation error, which the surrounding
// predicate/data-item rules convert to false/dropped.
func BodyFunctionBindings(requestBody, responseBody []byte) celgo.ProgramOption {
	return celgo.Functions(
		&functions.Overload{Operator: "requestBodyJSON_string", Unary: jsonPointerFn(requestBody)},
		&functions.Overload{Operator: "responseBodyJSON_string", Unary: jsonPointerFn(responseBody)},
	)
}

func jsonPointerFn(body []byte) functions.UnaryOp {
	return func(arg ref.Val) ref.Val {
		pointer, ok := arg.Value().(string)
		if !ok {
			return types.NewErr("body JSON pointer argument must be a string")
		}
		if body == nil {
			return types.NewErr("body is not buffered")
		}
		var doc any
		if err := json.Unmarshal(body, &doc); err != nil {
			return types.NewErr("body is not valid JSON: %v", err)
		}
		val, ok := ResolveJSONPointer(doc, pointer)
		if !ok {
			return types.NewErr("json pointer %q not found", pointer)
		}
		return types.DefaultTypeAdapter.NativeToValue(val)
	}
}

func matchesGlob(a, b ref.Val) ref.Val {
	s, ok1 := a.Value().(string)
	pattern, ok2 := b.Value().(string)
	if !ok1 || !ok2 {
		return types.NewErr("matches: both operands must be strings")
	}
	re, err := regexp.Compile(globToRegex(pattern))
	if err != nil {
		return types.NewErr("matches: invalid glob %q: %v", pattern, err)
	}
	return types.Bool(re.MatchString(s))
}

// globToRegex translates the minimal glob grammar the matches() function
// accepts (`?` = 0 or 1 char, `*` = 0+, `+` = 1+) into an anchored regular
// expression.
func globToRegex(pattern string) string {
	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '?':
			sb.WriteString(".?")
		case '*':
			sb.WriteString(".*")
		case '+':
			sb.WriteString(".+")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	return sb.String()
}
