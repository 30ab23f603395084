package logx

import (
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap returns a *zap.Logger whose entries are written through l. It exists for
// libraries that only accept zap (the MTProto client); everything still ends
// up in the same zerolog sinks.
//
// minLevel filters noisy SDK internals independently of the logx level.
func Zap(l Logger, minLevel zapcore.Level) *zap.Logger {
	if l.IsZero() {
		return zap.NewNop()
	}
	return zap.New(&zapCore{log: l, min: minLevel})
}

type zapCore struct {
	log    Logger
	min    zapcore.Level
	fields []zapcore.Field
}

func (c *zapCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && c.log.Enabled(zerologLevel(lvl))
}

func (c *zapCore) With(fields []zapcore.Field) zapcore.Core {
	cp := *c
	cp.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &cp
}

func (c *zapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *zapCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	out := make([]Field, 0, len(enc.Fields)+2)
	if ent.LoggerName != "" {
		out = append(out, String("sdk", ent.LoggerName))
	}
	if ent.Caller.Defined {
		out = append(out, String(zerolog.CallerFieldName, filepath.Base(ent.Caller.File)+":"+strconv.Itoa(ent.Caller.Line)))
	}
	for k, v := range enc.Fields {
		out = append(out, Any(k, v))
	}
	c.log.emit(zerologLevel(ent.Level), ent.Message, out...)
	return nil
}

func (c *zapCore) Sync() error { return nil }

func zerologLevel(l zapcore.Level) zerolog.Level {
	switch {
	case l <= zapcore.DebugLevel:
		return zerolog.DebugLevel
	case l == zapcore.InfoLevel:
		return zerolog.InfoLevel
	case l == zapcore.WarnLevel:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
