package scheduler

import (
	"log"
)

type Logger interface {
	Error(format string, args ...any)
	Warn(format string, args ...any)
	Info(format string, args ...any)
}

// NewStdLogger returns a Logger writing through the standard library's log
// package. It is the default when no logger is configured.
func NewStdLogger() Logger {
	return stdLogger{}
}

type stdLogger struct{}

func (stdLogger) Error(format string, args ...any) {
	log.Printf("ERROR "+format, args...)
}

func (stdLogger) Warn(format string, args ...any) {
	log.Printf("WARN "+format, args...)
}

func (stdLogger) Info(format string, args ...any) {
	log.Printf("INFO "+format, args...)
}
