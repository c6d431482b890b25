// Package mlog provides logging with log levels and structured fields, on top
// of log/slog.
//
// Each Log instance adds a field "pkg" for the originating package. Log levels
// can be configured per package, application-global. Variable data should be
// in fields, the logging strings themselves constant, for easier log
// processing.
package mlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// LevelTrace is below slog.LevelDebug, for protocol transcripts.
var LevelTrace = slog.Level(-8)

// Levels maps names as used in config files to slog levels.
var Levels = map[string]slog.Level{
	"error": slog.LevelError,
	"warn":  slog.LevelWarn,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": LevelTrace,
}

// LevelStrings maps levels back to their configuration names.
var LevelStrings = map[slog.Level]string{
	slog.LevelError: "error",
	slog.LevelWarn:  "warn",
	slog.LevelInfo:  "info",
	slog.LevelDebug: "debug",
	LevelTrace:      "trace",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Log wraps a *slog.Logger, adding convenience functions for logging with an
// error and for logging and continuing.
type Log struct {
	*slog.Logger
}

// New returns a Log for a package. If parent is nil, the default stderr
// handler is used.
func New(pkg string, parent *slog.Logger) Log {
	if parent == nil {
		parent = slog.New(&handler{})
	}
	return Log{parent.With(slog.String("pkg", pkg))}
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// WithCid adds a field "cid" for all logging from this Log.
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds cid from context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With adds fields for all logging from this Log.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// Check logs an error if err is not nil, and continues.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Tracex(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelTrace, msg, err, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelDebug, msg, err, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelInfo, msg, err, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelError, msg, err, attrs...)
}

// Fatalx logs and stops the program. Printed regardless of configured levels.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelError+4, msg, err, attrs...)
	os.Exit(1)
}

func (l Log) logx(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.Any("err", err))
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// handler is a slog.Handler writing logfmt-ish lines to stderr, filtering by
// the per-package configured levels. Groups are flattened.
type handler struct {
	attrs []slog.Attr
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	c := config.Load().(map[string]slog.Level)
	pkg := ""
	for _, a := range h.attrs {
		if a.Key == "pkg" {
			pkg = a.Value.String()
			break
		}
	}
	v, ok := c[pkg]
	if !ok {
		v = c[""]
	}
	return level >= v
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	// Build up a buffer for a single atomic write, so partial log lines don't
	// interleave.
	var b strings.Builder
	level, ok := LevelStrings[r.Level]
	if !ok {
		level = r.Level.String()
	}
	fmt.Fprintf(&b, "%s l=%s m=%s", r.Time.Format(time.RFC3339), level, logfmtValue(r.Message))
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteString("\n")
	_, err := os.Stderr.WriteString(b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &handler{}
	nh.attrs = append(append(nh.attrs, h.attrs...), attrs...)
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	return h
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(a.Value.String()))
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
