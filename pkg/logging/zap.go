// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package logging builds the zap loggers used by sbupdate.
package logging

import (
	"io"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Destination is a writer with its own level filter and console encoding.
type Destination struct {
	enabler zapcore.LevelEnabler
	writer  io.Writer
	encoder zapcore.EncoderConfig
}

// EncoderOption tweaks the encoder of a Destination.
type EncoderOption func(*zapcore.EncoderConfig)

// WithoutTimestamp drops the time field.
func WithoutTimestamp() EncoderOption {
	return func(cfg *zapcore.EncoderConfig) {
		cfg.TimeKey = zapcore.OmitKey
	}
}

// WithoutLevel drops the level field, messages are printed as plain lines.
func WithoutLevel() EncoderOption {
	return func(cfg *zapcore.EncoderConfig) {
		cfg.LevelKey = zapcore.OmitKey
	}
}

// WithColoredLevel prints the level in color.
func WithColoredLevel() EncoderOption {
	return func(cfg *zapcore.EncoderConfig) {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
}

// NewDestination creates a Destination writing entries accepted by enabler.
func NewDestination(w io.Writer, enabler zapcore.LevelEnabler, opts ...EncoderOption) *Destination {
	encoder := zap.NewDevelopmentEncoderConfig()
	encoder.ConsoleSeparator = " "
	encoder.CallerKey = zapcore.OmitKey
	encoder.NameKey = zapcore.OmitKey
	encoder.StacktraceKey = zapcore.OmitKey

	for _, opt := range opts {
		opt(&encoder)
	}

	return &Destination{
		enabler: enabler,
		writer:  w,
		encoder: encoder,
	}
}

// ZapLogger tees the destinations into a single logger.
func ZapLogger(dests ...*Destination) *zap.Logger {
	if len(dests) == 0 {
		panic("at least one destination must be defined")
	}

	return zap.New(zapcore.NewTee(xslices.Map(dests, func(dest *Destination) zapcore.Core {
		return zapcore.NewCore(zapcore.NewConsoleEncoder(dest.encoder), zapcore.AddSync(dest.writer), dest.enabler)
	})...))
}

// Options configures New.
type Options struct {
	// Verbose enables debug messages on the error stream.
	Verbose bool
	// Color enables colored levels on the error stream.
	Color bool
}

// New creates the command logger.
//
// Progress messages (info level) are printed to stdout as plain lines,
// warnings and errors go to stderr. Debug messages go to stderr only if verbose.
func New(stdout, stderr io.Writer, opts Options) *zap.Logger {
	progress := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl == zapcore.InfoLevel
	})

	diagnostics := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.WarnLevel || (opts.Verbose && lvl == zapcore.DebugLevel)
	})

	stderrOpts := []EncoderOption{WithoutTimestamp()}

	if opts.Color {
		stderrOpts = append(stderrOpts, WithColoredLevel())
	}

	return ZapLogger(
		NewDestination(stdout, progress, WithoutTimestamp(), WithoutLevel()),
		NewDestination(stderr, diagnostics, stderrOpts...),
	)
}
