package logx

import (
	"context"
	"log"
	"strings"
)

type ctxKey struct{}

// ContextWith returns a copy of ctx carrying fields in addition to any it
// already carries. Loggers pick them up through Ctx.
func ContextWith(ctx context.Context, fields ...Field) context.Context {
	prev, _ := ctx.Value(ctxKey{}).([]Field)
	next := append(append([]Field(nil), prev...), fields...)
	return context.WithValue(ctx, ctxKey{}, next)
}

// Ctx returns l with the fields stored in ctx.
func (l Logger) Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	fields, _ := ctx.Value(ctxKey{}).([]Field)
	return l.With(fields...)
}

// StdLogger adapts l for APIs that want a *log.Logger, such as http.Server.ErrorLog.
// Every line is written at level.
func StdLogger(l Logger, level Level) *log.Logger {
	return log.New(stdWriter{l: l, level: level}, "", 0)
}

type stdWriter struct {
	l     Logger
	level Level
}

func (w stdWriter) Write(p []byte) (int, error) {
	w.l.log(w.level, strings.TrimRight(string(p), "\n"), nil)
	return len(p), nil
}
