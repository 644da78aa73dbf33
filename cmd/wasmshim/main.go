// Command wasmshim is the Proxy-Wasm module entrypoint: it registers the
// root VM context with the host and returns control immediately, exactly as
// the tetratelabs/proxy-wasm-go-sdk convention expects — all the real work
// happens in the VM/plugin/http context callbacks the host drives from here
// on.
package main

import (
	"github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm"

	"github.com/kuadrant/wasm-policy-shim/internal/rootctx"
)

func main() {
	proxywasm.SetVMContext(&rootctx.VMContext{})
}
