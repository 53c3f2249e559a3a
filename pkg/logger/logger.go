package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type Options struct {
	Service   string
	Env       string
	NodeID    string
	Level     string
	AddSource bool
	Output    io.Writer
}

// New builds the process logger and installs it as the slog default.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	h := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     parseLevel(opts.Level),
		AddSource: opts.AddSource,
	})

	base := slog.New(h).With(
		"service", opts.Service,
		"env", opts.Env,
	)
	if opts.NodeID != "" {
		base = base.With("node", opts.NodeID)
	}

	slog.SetDefault(base)
	return base
}

// NewRaft builds the hclog logger raft requires, writing JSON lines at the
// same level as the process logger.
func NewRaft(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "raft",
		Level:      hclog.LevelFromString(normalizeLevel(opts.Level)),
		Output:     out,
		JSONFormat: true,
	}).With("service", opts.Service, "node", opts.NodeID)
}

func parseLevel(lvl string) slog.Level {
	switch normalizeLevel(lvl) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func normalizeLevel(lvl string) string {
	switch l := strings.ToLower(strings.TrimSpace(lvl)); l {
	case "debug", "error":
		return l
	case "warn", "warning":
		return "warn"
	default:
		return "info"
	}
}
