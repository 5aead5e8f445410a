// Package logger provides leveled logging for all sharebroker components.
//
// Output is a single line per event, either text or JSON, written to
// stdout, stderr or a file. Configuration happens once at startup via
// Configure; the default is INFO-level text on stdout.
package logger

import (
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const (
	// FormatText writes "[timestamp] [LEVEL] message".
	FormatText = "text"
	// FormatJSON writes {"ts":..., "level":..., "msg":...}.
	FormatJSON = "json"
)

var (
	mu            sync.RWMutex
	currentLevel  = LevelInfo
	currentFormat = FormatText
	logger        = stdlog.New(os.Stdout, "", 0)
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SetLevel sets the minimum level that will be emitted.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

// Configure sets level, format ("text" or "json") and output ("stdout",
// "stderr" or a file path, opened for append).
func Configure(level, format, output string) error {
	SetLevel(level)

	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(format) {
	case FormatJSON:
		currentFormat = FormatJSON
	case FormatText, "":
		currentFormat = FormatText
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	switch output {
	case "stdout", "":
		logger = stdlog.New(os.Stdout, "", 0)
	case "stderr":
		logger = stdlog.New(os.Stderr, "", 0)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log output %q: %w", output, err)
		}
		logger = stdlog.New(f, "", 0)
	}
	return nil
}

func log(level Level, format string, v ...any) {
	mu.RLock()
	emit := level >= currentLevel
	outFormat := currentFormat
	out := logger
	mu.RUnlock()

	if !emit {
		return
	}

	message := fmt.Sprintf(format, v...)
	if outFormat == FormatJSON {
		line, err := json.Marshal(map[string]string{
			"ts":    time.Now().Format(time.RFC3339),
			"level": level.String(),
			"msg":   message,
		})
		if err == nil {
			out.Println(string(line))
			return
		}
		// Fall through to text on marshal failure.
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	out.Println(fmt.Sprintf("[%s] [%s] ", timestamp, level.String()) + message)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
