package observability

import (
	"context"
	"io"
	"log/slog"
	"sort"

	"github.com/sirupsen/logrus"
)

// NewLogrusBridge returns a logrus logger that forwards every entry to logger.
// It exists for libraries such as go-rtmp that only accept a logrus.FieldLogger.
// Library chatter below error level is demoted to debug.
func NewLogrusBridge(logger *slog.Logger) *logrus.Logger {
	if logger == nil {
		logger = slog.Default()
	}

	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.InfoLevel)
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		l.SetLevel(logrus.DebugLevel)
	}
	l.AddHook(&slogHook{logger: logger})
	return l
}

type slogHook struct {
	logger *slog.Logger
}

func (h *slogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *slogHook) Fire(entry *logrus.Entry) error {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		v := entry.Data[k]
		if err, ok := v.(error); ok {
			attrs = append(attrs, slog.String(k, err.Error()))
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}

	h.logger.LogAttrs(context.Background(), slogLevel(entry.Level), entry.Message, attrs...)
	return nil
}

func slogLevel(l logrus.Level) slog.Level {
	if l <= logrus.ErrorLevel {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}
