// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides a package-level structured logger used across the
// gateway. It wraps go.uber.org/zap behind a small singleton so the rest of
// the codebase never imports zap directly.
package logger

import (
	"os"
	"sync/atomic"

	"github.com/go-logr/zapr"
	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

// Initialize builds the default logger from the DEBUG environment variable
// and installs it as the singleton. Safe to call more than once; the last
// call wins.
func Initialize() {
	level := zapcore.InfoLevel
	if v := os.Getenv("DEBUG"); v == "1" || v == "true" {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), level)
	l := zap.New(core).Sugar()
	singleton.Store(l)
}

// Get returns the current singleton logger, initializing a default one if
// Initialize was never called.
func Get() *zap.SugaredLogger {
	if l := singleton.Load(); l != nil {
		return l
	}
	Initialize()
	return singleton.Load()
}

// NewLogr adapts the singleton into a logr.Logger for libraries that expect
// that interface.
func NewLogr() logr.Logger {
	return zapr.NewLogger(Get().Desugar())
}

func Debug(args ...interface{})                  { Get().Debug(args...) }
func Debugf(template string, args ...interface{}) { Get().Debugf(template, args...) }
func Debugw(msg string, kv ...interface{})        { Get().Debugw(msg, kv...) }

func Info(args ...interface{})                  { Get().Info(args...) }
func Infof(template string, args ...interface{}) { Get().Infof(template, args...) }
func Infow(msg string, kv ...interface{})        { Get().Infow(msg, kv...) }

func Warn(args ...interface{})                  { Get().Warn(args...) }
func Warnf(template string, args ...interface{}) { Get().Warnf(template, args...) }
func Warnw(msg string, kv ...interface{})        { Get().Warnw(msg, kv...) }

func Error(args ...interface{})                  { Get().Error(args...) }
func Errorf(template string, args ...interface{}) { Get().Errorf(template, args...) }
func Errorw(msg string, kv ...interface{})        { Get().Errorw(msg, kv...) }

// DPanic logs at DPanic level: panics in development builds, logs only in
// production. zap's own DPanic semantics apply unchanged.
func DPanic(args ...interface{})                  { Get().DPanic(args...) }
func DPanicf(template string, args ...interface{}) { Get().DPanicf(template, args...) }
func DPanicw(msg string, kv ...interface{})        { Get().DPanicw(msg, kv...) }

func Panic(args ...interface{})                  { Get().Panic(args...) }
func Panicf(template string, args ...interface{}) { Get().Panicf(template, args...) }
func Panicw(msg string, kv ...interface{})        { Get().Panicw(msg, kv...) }
