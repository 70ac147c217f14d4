package slonik

import (
	"context"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapHandler bridges slog records to a zap.Logger.
// It respects zap's level filter and forwards attributes as zap fields.
type zapHandler struct {
	logger *zap.Logger
	group  string
	attrs  []slog.Attr
}

// NewZapLogger builds a slog.Logger whose records are written by logger.
func NewZapLogger(logger *zap.Logger) *slog.Logger {
	return slog.New(&zapHandler{logger: logger})
}

// UseZapLogger routes this pool's logs through logger and enables logging.
func (p *Pool) UseZapLogger(logger *zap.Logger) {
	if p == nil {
		return
	}
	p.SetLogger(NewZapLogger(logger))
	p.EnableLogging(true)
}

func (h *zapHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.Core().Enabled(zapLevel(level))
}

func (h *zapHandler) Handle(_ context.Context, r slog.Record) error {
	ce := h.logger.Check(zapLevel(r.Level), r.Message)
	if ce == nil {
		return nil
	}
	fields := make([]zap.Field, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields = appendZapFields(fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		fields = appendZapFields(fields, h.group, a)
		return true
	})
	ce.Write(fields...)
	return nil
}

func (h *zapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *zapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group == "" {
		nh.group = name
	} else {
		nh.group = nh.group + "." + name
	}
	return &nh
}

// appendZapFields flattens groups into dotted keys.
func appendZapFields(fields []zap.Field, prefix string, a slog.Attr) []zap.Field {
	v := a.Value.Resolve()
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			fields = appendZapFields(fields, key, ga)
		}
		return fields
	}
	if key == "" {
		return fields
	}
	return append(fields, zap.Any(key, v.Any()))
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
