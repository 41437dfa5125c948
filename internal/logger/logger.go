package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Builder 构造 zerolog.Logger
type Builder struct {
	writer  io.Writer
	level   zerolog.Level
	console bool
	fields  map[string]string
}

func New() *Builder {
	return &Builder{level: zerolog.InfoLevel, fields: map[string]string{}}
}

func (b *Builder) FromWriter(w io.Writer) *Builder {
	b.writer = w
	return b
}

// Level 解析失败时保持 info
func (b *Builder) Level(level string) *Builder {
	if l, err := zerolog.ParseLevel(level); err == nil && level != "" {
		b.level = l
	}
	return b
}

// Console 人类可读格式, 本地调试用
func (b *Builder) Console(enabled bool) *Builder {
	b.console = enabled
	return b
}

func (b *Builder) With(key, value string) *Builder {
	b.fields[key] = value
	return b
}

func (b *Builder) Make() zerolog.Logger {
	w := b.writer
	if w == nil {
		w = os.Stdout
	}
	if b.console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}
	ctx := zerolog.New(w).Level(b.level).With().Timestamp()
	for k, v := range b.fields {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger()
}

// Component 派生带组件名的子 logger
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

type traceKey struct{}

// WithTraceID 把请求的 trace id 带进 ctx, 运行日志和异步任务沿用它
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
