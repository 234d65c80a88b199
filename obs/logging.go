// Package obs is the logging layer shared by every other package in
// this module: a thin, structured wrapper over logrus that stamps a
// component name and correlation fields on every line.
package obs

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger adds a standard set of fields (component, and whatever the
// caller attaches) to every log line emitted through it.
type Logger struct {
	component string
	fields    logrus.Fields
}

// New returns a Logger scoped to component (e.g. "uasc", "token",
// "cert").
func New(component string) *Logger {
	return &Logger{
		component: component,
		fields: logrus.Fields{
			"component": component,
		},
	}
}

// WithChannel scopes the logger to a specific secure channel id, the
// correlation field every uasc log line carries.
func (l *Logger) WithChannel(secureChannelID uint32) *Logger {
	return l.WithField("secure_channel_id", secureChannelID)
}

// WithCaller records the file:line of whoever called WithCaller.
func (l *Logger) WithCaller() *Logger {
	next := l.clone()
	if pc, file, line, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name := fn.Name()
			if idx := strings.LastIndex(name, "/"); idx >= 0 {
				name = name[idx+1:]
			}
			next.fields["caller"] = fmt.Sprintf("%s:%d", file, line)
			next.fields["caller_func"] = name
		}
	}
	return next
}

// WithField returns a copy of l with key=value attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	next := l.clone()
	next.fields[key] = value
	return next
}

// WithFields returns a copy of l with every entry in fields attached.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	next := l.clone()
	for k, v := range fields {
		next.fields[k] = v
	}
	return next
}

// WithError attaches err and an operation label.
func (l *Logger) WithError(err error, operation string) *Logger {
	next := l.clone()
	next.fields["error"] = err.Error()
	next.fields["operation"] = operation
	return next
}

func (l *Logger) clone() *Logger {
	fields := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) Debug(msg string) { logrus.WithFields(l.fields).Debug(msg) }
func (l *Logger) Info(msg string)  { logrus.WithFields(l.fields).Info(msg) }
func (l *Logger) Warn(msg string)  { logrus.WithFields(l.fields).Warn(msg) }
func (l *Logger) Error(msg string) { logrus.WithFields(l.fields).Error(msg) }

// KeyPreview is a log-safe preview of sensitive byte material (nonces,
// keys, thumbprints) that never reveals more than its first 8 bytes.
func KeyPreview(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := 8
		if len(data) < n {
			n = len(data)
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
