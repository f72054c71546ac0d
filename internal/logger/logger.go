package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. level is one of debug, info, warn, error
// (anything else means info); format is json or console.
func New(level, format string) (*zap.Logger, error) {
	return build(level, format, []string{"stdout"})
}

func build(level, format string, outputs []string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.Encoding = "json"
	if format == "console" {
		config.Encoding = "console"
	}
	config.OutputPaths = outputs
	config.ErrorOutputPaths = []string{"stderr"}
	config.InitialFields = map[string]interface{}{"service": "rastercache"}

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Tile loops log at debug; sampling would drop most of them.
	config.Sampling = nil

	return config.Build()
}
