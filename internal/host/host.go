// Package host abstracts the Proxy-Wasm hostcalls the policy engine needs,
// so the engine can be driven either by the real
// github.com/tetratelabs/proxy-wasm-go-sdk ABI (see proxywasm.go) or by an
// in-process fake (internal/testhost) for unit and scenario tests. The
// embedding host is treated as an external collaborator; this interface is
// the seam between the two.
package host

import "time"

// LogLevel mirrors the Proxy-Wasm log hostcall's level argument.
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelCritical
)

// GrpcCallback is invoked from on_grpc_response with the response status and
// the number of header/trailer metadata pairs available; the caller then
// pulls the message bytes via GetGrpcReceiveBuffer.
type GrpcCallback func(status GrpcStatus, headerPairs, trailerPairs int)

// GrpcStatus is the gRPC status the host observed for a dispatched call
// (transport-level: OK plus the taxonomy of failures a host can report before
// the call ever reaches the upstream service, such as a timeout).
type GrpcStatus struct {
	Code    int32
	Message string
}

// Host is the set of hostcalls the policy engine depends on.
type Host interface {
	// GetPluginConfiguration returns the raw bytes the host handed to
	// on_configure.
	GetPluginConfiguration() ([]byte, error)

	// GetProperty resolves a dotted attribute path (e.g. []string{"request",
	// "url_path"}) against host-provided request/connection/metadata state.
	// ok=false means the host has no such attribute.
	GetProperty(path []string) (value []byte, ok bool, err error)

	GetHttpRequestHeader(name string) (string, bool)
	GetHttpResponseHeader(name string) (string, bool)
	HttpRequestHeaders() [][2]string
	HttpResponseHeaders() [][2]string

	AddHttpRequestHeader(name, value string)
	ReplaceHttpRequestHeader(name, value string)
	AddHttpResponseHeader(name, value string)
	ReplaceHttpResponseHeader(name, value string)

	GetHttpRequestBody(start, maxSize int) ([]byte, error)
	GetHttpResponseBody(start, maxSize int) ([]byte, error)

	// SendHttpResponse short-circuits the transaction.
	SendHttpResponse(statusCode uint32, headers [][2]string, body []byte)

	// ResumeHttpRequest/ResumeHttpResponse unpause a filter iteration that
	// was previously paused by returning ActionPause from a request/response
	// phase callback while a gRPC call was dispatched. The executor's Resume
	// hook calls whichever of these matches the phase it suspended in once
	// the callback fires.
	ResumeHttpRequest()
	ResumeHttpResponse()

	// DispatchGrpcCall asks the host to issue a gRPC call out of band. The
	// returned token correlates the eventual callback invocation with this
	// call; cancel releases it early on VM shutdown.
	DispatchGrpcCall(cluster, serviceName, method string, initialMetadata [][2]string, message []byte, timeout time.Duration, cb GrpcCallback) (token uint32, err error)
	CancelGrpcCall(token uint32)
	GetGrpcReceiveBuffer() ([]byte, error)

	Log(level LogLevel, msg string)

	DefineCounterMetric(name string) (id uint32, err error)
	IncrementMetric(id uint32, offset int64) error
}
