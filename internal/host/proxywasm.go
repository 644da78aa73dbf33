package host

import (
	"errors"
	"time"

	"github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm"
	"github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm/types"
)

// ProxyWasm adapts the real Proxy-Wasm Go SDK hostcalls to the Host
// interface. It holds no state of its own — everything it touches lives on
// the host side of the ABI.
type ProxyWasm struct{}

var _ Host = ProxyWasm{}

func (ProxyWasm) GetPluginConfiguration() ([]byte, error) {
	return proxywasm.GetPluginConfiguration()
}

func (ProxyWasm) GetProperty(path []string) ([]byte, bool, error) {
	v, err := proxywasm.GetProperty(path)
	if errors.Is(err, types.ErrorStatusNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (ProxyWasm) GetHttpRequestHeader(name string) (string, bool) {
	v, err := proxywasm.GetHttpRequestHeader(name)
	if err != nil {
		return "", false
	}
	return v, true
}

func (ProxyWasm) GetHttpResponseHeader(name string) (string, bool) {
	v, err := proxywasm.GetHttpResponseHeader(name)
	if err != nil {
		return "", false
	}
	return v, true
}

func (ProxyWasm) HttpRequestHeaders() [][2]string {
	hs, _ := proxywasm.GetHttpRequestHeaders()
	return hs
}

func (ProxyWasm) HttpResponseHeaders() [][2]string {
	hs, _ := proxywasm.GetHttpResponseHeaders()
	return hs
}

func (ProxyWasm) AddHttpRequestHeader(name, value string) {
	_ = proxywasm.AddHttpRequestHeader(name, value)
}

func (ProxyWasm) ReplaceHttpRequestHeader(name, value string) {
	_ = proxywasm.ReplaceHttpRequestHeader(name, value)
}

func (ProxyWasm) AddHttpResponseHeader(name, value string) {
	_ = proxywasm.AddHttpResponseHeader(name, value)
}

func (ProxyWasm) ReplaceHttpResponseHeader(name, value string) {
	_ = proxywasm.ReplaceHttpResponseHeader(name, value)
}

func (ProxyWasm) GetHttpRequestBody(start, maxSize int) ([]byte, error) {
	return proxywasm.GetHttpRequestBody(start, maxSize)
}

func (ProxyWasm) GetHttpResponseBody(start, maxSize int) ([]byte, error) {
	return proxywasm.GetHttpResponseBody(start, maxSize)
}

func (ProxyWasm) SendHttpResponse(statusCode uint32, headers [][2]string, body []byte) {
	_ = proxywasm.SendHttpResponse(statusCode, headers, body, -1)
}

func (ProxyWasm) ResumeHttpRequest() {
	_ = proxywasm.ResumeHttpRequest()
}

func (ProxyWasm) ResumeHttpResponse() {
	_ = proxywasm.ResumeHttpResponse()
}

func (ProxyWasm) DispatchGrpcCall(cluster, serviceName, method string, initialMetadata [][2]string, message []byte, timeout time.Duration, cb GrpcCallback) (uint32, error) {
	return proxywasm.DispatchGrpcCall(cluster, serviceName, method, initialMetadata, message,
		uint32(timeout.Milliseconds()),
		func(numHeaders, bodySize, numTrailers int) {
			status, _ := proxywasm.GetGrpcReceiveStatus()
			cb(GrpcStatus{Code: int32(status)}, numHeaders, numTrailers)
		})
}

func (ProxyWasm) CancelGrpcCall(token uint32) {
	_ = proxywasm.CancelGrpcCall(token)
}

func (ProxyWasm) GetGrpcReceiveBuffer() ([]byte, error) {
	return proxywasm.GetBufferBytes(types.BufferTypeGrpcReceiveBuffer, 0, 1<<20)
}

func (ProxyWasm) Log(level LogLevel, msg string) {
	switch level {
	case LogLevelTrace:
		_ = proxywasm.LogTrace(msg)
	case LogLevelDebug:
		_ = proxywasm.LogDebug(msg)
	case LogLevelInfo:
		_ = proxywasm.LogInfo(msg)
	case LogLevelWarn:
		_ = proxywasm.LogWarn(msg)
	case LogLevelError:
		_ = proxywasm.LogError(msg)
	case LogLevelCritical:
		_ = proxywasm.LogCritical(msg)
	}
}

func (ProxyWasm) DefineCounterMetric(name string) (uint32, error) {
	return proxywasm.DefineCounterMetric(name), nil
}

func (ProxyWasm) IncrementMetric(id uint32, offset int64) error {
	return proxywasm.IncrementMetric(id, offset)
}
