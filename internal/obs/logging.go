// Package obs bootstraps the default structured logger shared by every
// component: mandate store, registry client, policy evaluator, and so on.
package obs

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the default slog logger from ASSAY_LOG_LEVEL and an
// optional -log-level / --log-level CLI flag (flag wins). It returns args
// with the flag stripped so downstream flag parsers don't choke on it.
func InitLogging(args []string) []string {
	levelStr := os.Getenv("ASSAY_LOG_LEVEL")
	if levelStr == "" {
		levelStr = "info"
	}

	var remaining []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "--log-level=") {
			levelStr = strings.TrimPrefix(arg, "--log-level=")
			continue
		}
		if strings.HasPrefix(arg, "-log-level=") {
			levelStr = strings.TrimPrefix(arg, "-log-level=")
			continue
		}
		if arg == "-log-level" || arg == "--log-level" {
			if i+1 < len(args) {
				levelStr = args[i+1]
				i++
			}
			continue
		}

		remaining = append(remaining, arg)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(levelStr)})
	slog.SetDefault(slog.New(handler))

	return remaining
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
