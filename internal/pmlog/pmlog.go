// Package pmlog is the small structured logger every shockpkg
// component writes lifecycle and error lines through. It is a thin
// wrapper over the standard log package, not a replacement for one.
package pmlog

import (
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/shockpkg-go/shockpkg/internal/pmerr"
)

// Logger writes tag-prefixed lines to an underlying *log.Logger,
// stripping the query string from every URL-shaped token before it is
// written; no other field is redacted.
type Logger struct {
	mu    sync.Mutex
	std   *log.Logger
	debug bool
}

// New creates a Logger writing to w. debug gates Debugf output and the
// inclusion of a pmerr caller site in formatted errors.
func New(w io.Writer, debug bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{std: log.New(w, "", log.LstdFlags), debug: debug}
}

// Default is the package-level logger used when a component isn't
// handed one explicitly (mirrors the convenience of stdlib log's
// package-level functions).
var Default = New(os.Stderr, false)

func (l *Logger) emit(tag, format string, args ...any) {
	msg := redact(fmt.Sprintf(format, args...))
	if l.debug {
		// In debug mode, surface the construction site a pmerr.Error
		// captured; ordinary output stays a one-line message.
		for _, a := range args {
			if perr, ok := a.(*pmerr.Error); ok && perr.Caller != "" {
				msg += " (at " + perr.Caller + ")"
				break
			}
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Printf("[%s] %s", tag, msg)
}

// Infof logs a normal lifecycle line under the given tag, e.g. "install", "fetch", "lock".
func (l *Logger) Infof(tag, format string, args ...any) { l.emit(tag, format, args...) }

// Errorf logs a failure line under the given tag.
func (l *Logger) Errorf(tag, format string, args ...any) { l.emit(tag+":error", format, args...) }

// Debugf logs only when the logger was constructed with debug=true.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if !l.debug {
		return
	}
	l.emit(tag+":debug", format, args...)
}

// redact strips query strings from any URL-shaped token before it
// reaches a log line. Manifest and mirror URLs may carry signed query
// parameters; those never belong in diagnostic output.
func redact(msg string) string {
	fields := strings.Fields(msg)
	for i, f := range fields {
		if u, err := url.Parse(f); err == nil && u.Scheme != "" && u.RawQuery != "" {
			u.RawQuery = ""
			fields[i] = u.String()
		}
	}
	return strings.Join(fields, " ")
}
