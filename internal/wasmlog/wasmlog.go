// Package wasmlog provides a logr.Logger backed by the Proxy-Wasm host's log
// hostcall, fronting go.uber.org/zap through go-logr/zapr the way kgateway's
// own logging stack is wired. The host is the only available collaborator
// for logging; a Wasm guest has no stdout/stderr.
package wasmlog

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kuadrant/wasm-policy-shim/internal/host"
)

// hostCore is a zapcore.Core that writes every accepted entry to the host's
// log hostcall instead of a file descriptor.
type hostCore struct {
	h      host.Host
	level  zapcore.LevelEnabler
	fields []zapcore.Field
}

var _ zapcore.Core = (*hostCore)(nil)

func (c *hostCore) Enabled(lvl zapcore.Level) bool { return c.level.Enabled(lvl) }

func (c *hostCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &hostCore{h: c.h, level: c.level, fields: merged}
}

func (c *hostCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *hostCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	msg := ent.Message
	if len(enc.Fields) > 0 {
		msg = fmt.Sprintf("%s %v", ent.Message, enc.Fields)
	}
	c.h.Log(toHostLevel(ent.Level), msg)
	return nil
}

func (c *hostCore) Sync() error { return nil }

func toHostLevel(l zapcore.Level) host.LogLevel {
	switch l {
	case zapcore.DebugLevel:
		return host.LogLevelDebug
	case zapcore.InfoLevel:
		return host.LogLevelInfo
	case zapcore.WarnLevel:
		return host.LogLevelWarn
	case zapcore.ErrorLevel:
		return host.LogLevelError
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return host.LogLevelCritical
	default:
		return host.LogLevelTrace
	}
}

// New builds a logr.Logger gated at levelName (the configured default log
// level; "" means info).
func New(h host.Host, levelName string) logr.Logger {
	core := &hostCore{h: h, level: parseLevel(levelName)}
	return zapr.NewLogger(zap.New(core))
}

func parseLevel(name string) zapcore.Level {
	switch name {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "critical":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
