// Package testhost provides an in-process fake of internal/host.Host so the
// policy engine can be driven end to end without a
// running Proxy-Wasm host.
package testhost

import (
	"fmt"
	"time"

	"github.com/kuadrant/wasm-policy-shim/internal/host"
)

// PendingGrpcCall records a call the engine dispatched and is waiting on.
type PendingGrpcCall struct {
	Token       uint32
	Cluster     string
	Service     string
	Method      string
	Metadata    [][2]string
	Message     []byte
	Timeout     time.Duration
	callback    host.GrpcCallback
}

// Fake is a minimal, single-request Proxy-Wasm host double.
type Fake struct {
	PluginConfiguration []byte

	Properties map[string]string // dotted-path key, e.g. "request.url_path"
	ReqHeaders [][2]string
	RespHeaders [][2]string
	ReqBody    []byte
	RespBody   []byte

	Pending     map[uint32]*PendingGrpcCall
	nextToken   uint32
	GrpcBuffer  []byte
	Canceled    []uint32

	DirectResponse *struct {
		Status  uint32
		Headers [][2]string
		Body    []byte
	}

	Logs    []string
	Metrics map[string]int64

	ResumedRequests  int
	ResumedResponses int

	metricNames map[uint32]string
	nextMetric  uint32
}

// New returns an empty Fake host.
func New() *Fake {
	return &Fake{
		Properties:  map[string]string{},
		Pending:     map[uint32]*PendingGrpcCall{},
		Metrics:     map[string]int64{},
		metricNames: map[uint32]string{},
	}
}

var _ host.Host = (*Fake)(nil)

func (f *Fake) GetPluginConfiguration() ([]byte, error) {
	return f.PluginConfiguration, nil
}

func (f *Fake) GetProperty(path []string) ([]byte, bool, error) {
	key := joinPath(path)
	v, ok := f.Properties[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}

func (f *Fake) GetHttpRequestHeader(name string) (string, bool) {
	for _, kv := range f.ReqHeaders {
		if kv[0] == name {
			return kv[1], true
		}
	}
	return "", false
}

func (f *Fake) GetHttpResponseHeader(name string) (string, bool) {
	for _, kv := range f.RespHeaders {
		if kv[0] == name {
			return kv[1], true
		}
	}
	return "", false
}

func (f *Fake) HttpRequestHeaders() [][2]string  { return f.ReqHeaders }
func (f *Fake) HttpResponseHeaders() [][2]string { return f.RespHeaders }

func (f *Fake) AddHttpRequestHeader(name, value string) {
	f.ReqHeaders = append(f.ReqHeaders, [2]string{name, value})
}

func (f *Fake) ReplaceHttpRequestHeader(name, value string) {
	for i, kv := range f.ReqHeaders {
		if kv[0] == name {
			f.ReqHeaders[i][1] = value
			return
		}
	}
	f.AddHttpRequestHeader(name, value)
}

func (f *Fake) AddHttpResponseHeader(name, value string) {
	f.RespHeaders = append(f.RespHeaders, [2]string{name, value})
}

func (f *Fake) ReplaceHttpResponseHeader(name, value string) {
	for i, kv := range f.RespHeaders {
		if kv[0] == name {
			f.RespHeaders[i][1] = value
			return
		}
	}
	f.AddHttpResponseHeader(name, value)
}

func (f *Fake) GetHttpRequestBody(start, maxSize int) ([]byte, error) {
	return sliceBody(f.ReqBody, start, maxSize), nil
}

func (f *Fake) GetHttpResponseBody(start, maxSize int) ([]byte, error) {
	return sliceBody(f.RespBody, start, maxSize), nil
}

func sliceBody(body []byte, start, maxSize int) []byte {
	if start >= len(body) {
		return nil
	}
	end := start + maxSize
	if end > len(body) {
		end = len(body)
	}
	return body[start:end]
}

func (f *Fake) SendHttpResponse(statusCode uint32, headers [][2]string, body []byte) {
	f.DirectResponse = &struct {
		Status  uint32
		Headers [][2]string
		Body    []byte
	}{statusCode, headers, body}
}

func (f *Fake) ResumeHttpRequest()  { f.ResumedRequests++ }
func (f *Fake) ResumeHttpResponse() { f.ResumedResponses++ }

func (f *Fake) DispatchGrpcCall(cluster, serviceName, method string, initialMetadata [][2]string, message []byte, timeout time.Duration, cb host.GrpcCallback) (uint32, error) {
	f.nextToken++
	token := f.nextToken
	f.Pending[token] = &PendingGrpcCall{
		Token: token, Cluster: cluster, Service: serviceName, Method: method,
		Metadata: initialMetadata, Message: message, Timeout: timeout, callback: cb,
	}
	return token, nil
}

func (f *Fake) CancelGrpcCall(token uint32) {
	delete(f.Pending, token)
	f.Canceled = append(f.Canceled, token)
}

func (f *Fake) GetGrpcReceiveBuffer() ([]byte, error) {
	return f.GrpcBuffer, nil
}

// Respond delivers a canned gRPC response to a pending call, as the host
// would via on_grpc_response.
func (f *Fake) Respond(token uint32, status host.GrpcStatus, message []byte) {
	call, ok := f.Pending[token]
	if !ok {
		return
	}
	delete(f.Pending, token)
	f.GrpcBuffer = message
	call.callback(status, 0, 0)
}

func (f *Fake) Log(level host.LogLevel, msg string) {
	f.Logs = append(f.Logs, fmt.Sprintf("%d %s", level, msg))
}

func (f *Fake) DefineCounterMetric(name string) (uint32, error) {
	f.nextMetric++
	f.metricNames[f.nextMetric] = name
	if _, ok := f.Metrics[name]; !ok {
		f.Metrics[name] = 0
	}
	return f.nextMetric, nil
}

func (f *Fake) IncrementMetric(id uint32, offset int64) error {
	name, ok := f.metricNames[id]
	if !ok {
		return fmt.Errorf("testhost: unknown metric id %d", id)
	}
	f.Metrics[name] += offset
	return nil
}
