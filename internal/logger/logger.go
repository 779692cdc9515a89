package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

var levelVar = new(slog.LevelVar)

// L is the process-wide structured logger.
var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// ForUpdate returns a logger scoped to a single inbound update. Every line
// carries a fresh request id plus the user and chat identifiers, so one
// update's path through the pipeline can be followed across packages.
func ForUpdate(userID, chatID int64) *slog.Logger {
	return L.With("request_id", uuid.NewString(), "user_id", userID, "chat_id", chatID)
}
