// Package logger constructs the structured logger used across every Ember
// subsystem. All components receive a *zap.SugaredLogger through their
// Config struct rather than reaching for a package-level logger, which keeps
// the engine testable and lets embedders route logs wherever they want.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-grade sugared logger tagged with the service name.
// The encoder writes ISO8601 timestamps and lowercase levels to stderr.
func New(service string) *zap.SugaredLogger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.LowercaseLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(config),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)

	return zap.New(core).Sugar().With("service", service)
}

// NewNop returns a logger that discards everything. Used by tests that do
// not assert on log output.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
