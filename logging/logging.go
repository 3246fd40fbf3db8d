package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/phsym/console-slog"
	slogmulti "github.com/samber/slog-multi"
	"github.com/samber/oops"

	"memory-graph-go/config"
)

// Preinit installs a debug console logger on stderr. stdout carries the
// stdio JSON-RPC stream and must stay clean.
func Preinit() {
	slog.SetDefault(slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	})))
}

// New builds the process logger: console output on stderr plus, when
// configured, JSON lines appended to a file. The returned closer releases
// the file.
func New(cfg config.Log) (*slog.Logger, io.Closer, error) {
	return build(os.Stderr, cfg)
}

func build(w io.Writer, cfg config.Log) (*slog.Logger, io.Closer, error) {
	level := cfg.SlogLevel()
	handlers := []slog.Handler{consoleHandler(w, level)}
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, oops.In("logging").With("file", cfg.File).Wrapf(err, "failed to open log file")
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

func consoleHandler(w io.Writer, level slog.Level) slog.Handler {
	return console.NewHandler(w, &console.HandlerOptions{
		AddSource: level == slog.LevelDebug,
		Level:     level,
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
