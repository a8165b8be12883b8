package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	mu sync.RWMutex
)

func init() {
	// Info level, JSON to stdout until Init is called
	setLogger(zerolog.New(os.Stdout).With().Timestamp().Caller().Logger())
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// ParseLevel maps a config/flag level string to a zerolog level.
// Unknown values fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger with the specified level and output.
// Pretty output uses the console writer, otherwise JSON lines are written.
func Init(level string, pretty bool) {
	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}
	InitWithWriter(level, out)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(level string, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	setLogger(zerolog.New(out).With().Timestamp().Caller().Logger())
}

func setLogger(l zerolog.Logger) {
	mu.Lock()
	Logger = l
	log.Logger = l
	mu.Unlock()
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := Logger
	return &l
}

// WithComponent returns a logger with a component field set
func WithComponent(component string) *zerolog.Logger {
	mu.RLock()
	l := Logger.With().Str("component", component).Logger()
	mu.RUnlock()
	return &l
}

// WithStream returns a component logger tagged with an output stream index.
func WithStream(component string, stream int) *zerolog.Logger {
	l := WithComponent(component).With().Int("stream", stream).Logger()
	return &l
}
