// Package logger builds the structured loggers used throughout Ignite.
// It centralizes zap construction so every subsystem (engine, storage,
// index, transaction manager, trie) logs with the same encoding and
// the same "service" / "component" fields, instead of each package
// standing up its own zap.Config.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Env selects which base zap configuration to build from.
type Env string

const (
	// EnvProduction emits JSON logs at Info level and above.
	EnvProduction Env = "production"
	// EnvDevelopment emits human-readable console logs at Debug level and above.
	EnvDevelopment Env = "development"
)

// New builds a named *zap.SugaredLogger for the given service, defaulting
// to a production configuration. The returned logger always carries a
// "service" field so multi-instance deployments can tell their log lines
// apart.
func New(service string, envs ...Env) *zap.SugaredLogger {
	env := EnvProduction
	if len(envs) > 0 {
		env = envs[0]
	}

	var cfg zap.Config
	if env == EnvDevelopment {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build()
	if err != nil {
		// Construction only fails on a malformed config; fall back to a
		// minimal logger rather than taking the process down over logging.
		base = zap.NewExample()
	}

	return base.Named(service).Sugar()
}

// Component returns a derived logger tagged with the owning subsystem, so
// log lines can be filtered by component without string matching messages.
// Nothing in this repository calls it.
func Component(log *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if log == nil {
		return New(name)
	}
	return log.With("component", name)
}

// Noop returns a logger that discards everything, used by tests that don't
// care about log output but still need to satisfy a *zap.SugaredLogger
// dependency.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
