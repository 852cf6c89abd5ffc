package everything

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/MegaGrindStone/go-cxp"
)

// levelHandler drops records below a level that can change while the server runs.
type levelHandler struct {
	slog.Handler
	level slog.Leveler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.Handler.Enabled(ctx, level)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

// configure applies the everything key of the client's settings. Settings that cannot be read
// leave the previous ones in effect.
func (s *Server) configure(cascade cxp.ConfigurationCascade) {
	if len(cascade.Merged) == 0 {
		return
	}

	var merged struct {
		Everything Settings `json:"everything"`
	}
	if err := json.Unmarshal(cascade.Merged, &merged); err != nil {
		s.logger.Warn("ignoring invalid settings", slog.String("err", err.Error()))
		return
	}

	level := slog.LevelInfo
	if merged.Everything.LogLevel != "" {
		if err := level.UnmarshalText([]byte(merged.Everything.LogLevel)); err != nil {
			s.logger.Warn("ignoring invalid log level", slog.String("err", err.Error()))
			return
		}
	}

	s.mu.Lock()
	s.settings = merged.Everything
	s.mu.Unlock()
	s.level.Set(level)

	s.logger.Debug("settings changed", slog.String("logLevel", level.String()))
}
