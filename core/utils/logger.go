package utils

import (
	"log"
	"os"
	"sync"
)

// Logger is a small leveled wrapper used by all background components.
// Engines keep it nilable: callers guard with `if logger != nil`.
type Logger struct {
	mu  sync.Mutex
	out *log.Logger
}

func NewLogger() *Logger {
	return &Logger{out: log.New(os.Stdout, "", log.LstdFlags|log.LUTC)}
}

func (l *Logger) Infof(format string, args ...any) {
	l.printf("INFO", format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.printf("WARN", format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.printf("ERROR", format, args...)
}

func (l *Logger) printf(level, format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf(level+" "+format, args...)
}
