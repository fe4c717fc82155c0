package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler forwarding records into l.
// Libraries that expect an *slog.Logger can be pointed at the engine log.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogAdapter{log: l}
}

type slogAdapter struct {
	log   *Logger
	attrs []slog.Attr
	group string
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	return slogLevel(level) >= h.log.GetLevel()
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(record.Message)

	appendAttr := func(attr slog.Attr) {
		if attr.Equal(slog.Attr{}) {
			return
		}
		key := attr.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&sb, " %s=%v", key, attr.Value)
	}
	for _, attr := range h.attrs {
		appendAttr(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(attr)
		return true
	})

	msg := sb.String()
	switch {
	case record.Level >= slog.LevelError:
		h.log.Error("%s", msg)
	case record.Level >= slog.LevelWarn:
		h.log.Warn("%s", msg)
	case record.Level >= slog.LevelInfo:
		h.log.Info("%s", msg)
	default:
		h.log.Debug("%s", msg)
	}
	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &slogAdapter{log: h.log, attrs: merged, group: h.group}
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	group := h.group
	if name != "" {
		if group != "" {
			group += "." + name
		} else {
			group = name
		}
	}
	return &slogAdapter{log: h.log, attrs: h.attrs, group: group}
}

func slogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}
