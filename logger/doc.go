// Package logger provides structured logging for the application.
//
// It wraps zap configuration so every component receives a logger built
// from the same mode (development or production) and level settings.
package logger
