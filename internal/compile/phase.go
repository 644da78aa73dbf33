package compile

import "strings"

// Phase identifies the earliest HTTP lifecycle callback at which an action's
// expressions can resolve. Phases order the same way the lifecycle
// callbacks fire.
type Phase int

const (
	PhaseRequestHeaders Phase = iota
	PhaseRequestBody
	PhaseResponseHeaders
	PhaseResponseBody
)

func (p Phase) String() string {
	switch p {
	case PhaseRequestHeaders:
		return "RequestHeaders"
	case PhaseRequestBody:
		return "RequestBody"
	case PhaseResponseHeaders:
		return "ResponseHeaders"
	case PhaseResponseBody:
		return "ResponseBody"
	default:
		return "Unknown"
	}
}

// detectPhase inspects the raw source text of an action's predicates and
// data expressions and returns the earliest phase at which all of them can
// resolve. This is a textual heuristic rather than a walk of the checked CEL
// AST's attribute references: it looks for the body-accessor functions and
// the response.* root, which are the only ways an expression can depend on
// data unavailable before a later phase.
func detectPhase(sources []string) Phase {
	phase := PhaseRequestHeaders
	for _, src := range sources {
		switch {
		case strings.Contains(src, "responseBodyJSON("):
			phase = maxPhase(phase, PhaseResponseBody)
		case strings.Contains(src, "response."), strings.Contains(src, "response["):
			phase = maxPhase(phase, PhaseResponseHeaders)
		case strings.Contains(src, "requestBodyJSON("):
			phase = maxPhase(phase, PhaseRequestBody)
		}
	}
	return phase
}

func maxPhase(a, b Phase) Phase {
	if b > a {
		return b
	}
	return a
}
