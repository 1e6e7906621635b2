package util

import (
	"os"
	"time"

	"github.com/thessem/zap-prettyconsole"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const consoleTimeFormat = "15:04:05"

// NewLogger builds the service logger. Production runs want json
// machine-readable lines; dev runs get the pretty console encoder.
func NewLogger(json bool) *zap.Logger {
	enc := consoleEncoder()
	if json {
		enc = jsonEncoder()
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zap.DebugLevel)
	return zap.New(core)
}

func jsonEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
}

func consoleEncoder() zapcore.Encoder {
	cfg := prettyconsole.NewEncoderConfig()
	// Date and zone are noise on a dev console.
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(consoleTimeFormat))
	}
	return prettyconsole.NewEncoder(cfg)
}
