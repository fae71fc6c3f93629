// Package logger builds the process logger.
package logger

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Mode selects where log lines go.
type Mode string

const (
	// Production writes INFO lines to audit.log, WARN and above to error.log
	// and mirrors errors to stderr.
	Production Mode = "production"
	// Debug writes everything from DEBUG up to stdout in console format.
	Debug Mode = "debug"
)

const (
	AuditFile = "audit.log"
	ErrorFile = "error.log"
)

// ParseMode accepts the mode names case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Production, "":
		return Production, nil
	case Debug:
		return Debug, nil
	default:
		return "", errors.Errorf("unknown logging mode %q (want production or debug)", s)
	}
}

// New builds a logger for mode. dir holds the production log files. The
// returned cleanup flushes and closes them.
func New(mode Mode, dir string) (*zap.Logger, func(), error) {
	if mode == Debug {
		return newDebug(zapcore.Lock(os.Stdout)), func() {}, nil
	}
	return newProduction(dir, zapcore.Lock(os.Stderr))
}

func newDebug(out zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), out, zapcore.DebugLevel)
	return zap.New(core, zap.AddCaller(), zap.Development())
}

func newProduction(dir string, console zapcore.WriteSyncer) (*zap.Logger, func(), error) {
	const op = errors.Op("logger_new_production")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.E(op, err)
	}

	auditSink, closeAudit, err := zap.Open(filepath.Join(dir, AuditFile))
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	errorSink, closeError, err := zap.Open(filepath.Join(dir, ErrorFile))
	if err != nil {
		closeAudit()
		return nil, nil, errors.E(op, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileEnc := zapcore.NewJSONEncoder(encCfg)
	consoleEnc := zapcore.NewConsoleEncoder(encCfg)

	infoOnly := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l == zapcore.InfoLevel
	})
	// Skipped attachments and rejected deliveries are WARN lines.
	warnUp := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.WarnLevel
	})
	errorsUp := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(fileEnc, auditSink, infoOnly),
		zapcore.NewCore(fileEnc, errorSink, warnUp),
		zapcore.NewCore(consoleEnc, console, errorsUp),
	)

	log := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.PanicLevel))
	cleanup := func() {
		_ = log.Sync()
		closeAudit()
		closeError()
	}
	return log, cleanup, nil
}
