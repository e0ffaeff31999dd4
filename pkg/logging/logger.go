package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is replaced by InitLogger; it discards output until then.
var Logger = zap.NewNop()

// InitLogger replaces Logger. An empty level means info and an empty format
// means json; anything else unknown is rejected.
func InitLogger(level string, format string) error {
	var config zap.Config

	switch format {
	case "json", "":
		config = zap.NewProductionConfig()
	case "console":
		config = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("unknown log level %q", level)
		}
		lvl = parsed
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	// Disable caller and stack trace for cleaner logs
	config.DisableCaller = true
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger

	return nil
}

// WithRun tags every subsequent line with the invocation's run id.
func WithRun(runID string) {
	Logger = Logger.With(zap.String("run_id", runID))
}

// ForPackage returns a child logger carrying the fields shared by every
// step taken on one package.
func ForPackage(org, packageName, tag string) *zap.Logger {
	return Logger.With(
		zap.String("org", org),
		zap.String("package", packageName),
		zap.String("tag", tag),
	)
}
