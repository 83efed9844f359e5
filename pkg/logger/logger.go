package logger

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's ordering so callers can stay decoupled from it.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
)

// SetLevel adjusts the global threshold. Safe to call at any time.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	switch l {
	case DEBUG:
		log = log.Level(zerolog.DebugLevel)
	case INFO:
		log = log.Level(zerolog.InfoLevel)
	case WARN:
		log = log.Level(zerolog.WarnLevel)
	case ERROR:
		log = log.Level(zerolog.ErrorLevel)
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w *os.File) {
	mu.Lock()
	defer mu.Unlock()
	log = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
}

func event(e *zerolog.Event, component, msg string, fields map[string]interface{}) {
	e = e.Str("component", component)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func DebugC(component, msg string) { DebugCF(component, msg, nil) }
func InfoC(component, msg string)  { InfoCF(component, msg, nil) }
func WarnC(component, msg string)  { WarnCF(component, msg, nil) }
func ErrorC(component, msg string) { ErrorCF(component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Debug(), component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Info(), component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Warn(), component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Error(), component, msg, fields)
}
