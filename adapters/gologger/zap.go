package gologger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger backs the glog contract with a sugared zap logger. Arguments are
// key/value pairs, as in the rest of the codebase.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{sugar: logger.Sugar()}
}

// NewProductionZapLogger builds a JSON zap logger at the given level
// (debug, info, warn, error).
func NewProductionZapLogger(level string) (*ZapLogger, error) {
	config := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil && strings.TrimSpace(level) != "" {
		return nil, fmt.Errorf("gologger: invalid level %q: %w", level, err)
	}
	if err == nil {
		config.Level = zap.NewAtomicLevelAt(parsed)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("gologger: build zap logger: %w", err)
	}
	return NewZapLogger(logger), nil
}

func (l *ZapLogger) Trace(msg string, args ...any) {
	l.sugared().Debugw(msg, args...)
}

func (l *ZapLogger) Debug(msg string, args ...any) {
	l.sugared().Debugw(msg, args...)
}

func (l *ZapLogger) Info(msg string, args ...any) {
	l.sugared().Infow(msg, args...)
}

func (l *ZapLogger) Warn(msg string, args ...any) {
	l.sugared().Warnw(msg, args...)
}

func (l *ZapLogger) Error(msg string, args ...any) {
	l.sugared().Errorw(msg, args...)
}

func (l *ZapLogger) Fatal(msg string, args ...any) {
	l.sugared().Fatalw(msg, args...)
}

func (l *ZapLogger) WithContext(context.Context) glog.Logger {
	return l
}

func (l *ZapLogger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return &ZapLogger{sugar: l.sugared().With(args...)}
}

func (l *ZapLogger) Sync() error {
	return l.sugared().Sync()
}

// Provider returns a provider whose loggers share this logger's core.
func (l *ZapLogger) Provider() *ZapProvider {
	return NewZapProvider(l.sugared().Desugar())
}

func (l *ZapLogger) sugared() *zap.SugaredLogger {
	if l == nil || l.sugar == nil {
		return zap.NewNop().Sugar()
	}
	return l.sugar
}

// ZapProvider hands out named children of one zap logger.
type ZapProvider struct {
	logger *zap.Logger
}

func NewZapProvider(logger *zap.Logger) *ZapProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapProvider{logger: logger}
}

func (p *ZapProvider) GetLogger(name string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return NewZapLogger(p.logger)
	}
	return NewZapLogger(p.logger.Named(name))
}

var (
	_ glog.Logger         = (*ZapLogger)(nil)
	_ glog.FieldsLogger   = (*ZapLogger)(nil)
	_ glog.LoggerProvider = (*ZapProvider)(nil)
)
