// Package log provides the library's structured logging surface, built on
// go.uber.org/zap. Components inside lease/ take an injected *zap.Logger;
// this package is for hosts that want the same Setup/Get convenience the
// rest of this module's ambient stack uses.
package log

import (
	"go.uber.org/zap"

	"leasekit/pkg/runmode"
)

var (
	Logger     *zap.SugaredLogger
	baseLogger *zap.Logger
	LoggerMap  = make(map[string]*zap.SugaredLogger)
)

var (
	mode          = runmode.Dev
	defaultLogger = "default"
)

// Setup initializes the logging system with the given run mode.
func Setup(m string) error {
	mode = m
	Logger = Get(defaultLogger)

	if mode != runmode.Prod {
		baseLogger = zap.Must(zap.NewDevelopment(zap.WithCaller(false)))
	} else {
		baseLogger = zap.Must(zap.NewProduction(zap.WithCaller(false)))
	}

	return nil
}

// Base returns the underlying zap.Logger for components that want typed
// fields instead of a sugared logger; this is what's passed into
// lease.Manager, chaos.Backend, and the provider constructors.
func Base() *zap.Logger {
	if baseLogger == nil {
		baseLogger = zap.Must(zap.NewDevelopment(zap.WithCaller(false)))
	}
	return baseLogger
}

// Get returns a named sugared logger, creating and caching it on first use.
func Get(name string) *zap.SugaredLogger {
	if sugaredLogger, ok := LoggerMap[name]; ok {
		return sugaredLogger
	}

	var sugaredLogger *zap.SugaredLogger

	if mode != runmode.Prod {
		logger := zap.Must(zap.NewDevelopment(zap.WithCaller(false)))
		if name == defaultLogger {
			sugaredLogger = logger.Sugar()
		} else {
			sugaredLogger = logger.Sugar().Named(name)
		}
	} else {
		logger := zap.Must(zap.NewProduction(zap.WithCaller(false)))
		sugaredLogger = logger.Sugar().Named(name)
	}

	LoggerMap[name] = sugaredLogger
	return sugaredLogger
}
