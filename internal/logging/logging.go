package logging

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const redactedPlaceholder = "[REDACTED]"

// RedactingWriter is an io.Writer that masks registered secrets before
// forwarding log output to the underlying writer
type RedactingWriter struct {
	mu      sync.RWMutex
	out     io.Writer
	secrets [][]byte
}

// NewRedactingWriter wraps out with secret masking
func NewRedactingWriter(out io.Writer) *RedactingWriter {
	return &RedactingWriter{out: out}
}

// Register adds values to the redaction set. Empty values are ignored.
func (w *RedactingWriter) Register(values ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, v := range values {
		if v == "" {
			continue
		}
		w.secrets = append(w.secrets, []byte(v))
	}
}

// Write masks all registered secrets in p and forwards the result.
// The returned length refers to the original input so callers do not
// treat the rewrite as a short write.
func (w *RedactingWriter) Write(p []byte) (int, error) {
	w.mu.RLock()
	secrets := w.secrets
	w.mu.RUnlock()

	masked := p
	for _, s := range secrets {
		if bytes.Contains(masked, s) {
			masked = bytes.ReplaceAll(masked, s, []byte(redactedPlaceholder))
		}
	}

	if _, err := w.out.Write(masked); err != nil {
		return 0, err
	}
	return len(p), nil
}

var defaultRedactor = NewRedactingWriter(os.Stderr)

// Redact registers secrets with the process-wide log redactor
func Redact(values ...string) {
	defaultRedactor.Register(values...)
}

// Setup configures the global logger. All output flows through the
// redacting writer so credentials never reach the log sink verbatim.
func Setup(level, environment string) {
	var sink io.Writer = defaultRedactor
	if environment == "development" {
		sink = zerolog.ConsoleWriter{Out: defaultRedactor}
	}
	log.Logger = zerolog.New(sink).With().Timestamp().Logger()

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
