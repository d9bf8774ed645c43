package logger

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing every level to w. Tools and tests use
// this directly; the daemon builds its logger from a Config.
func New(w io.Writer) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(newEncoderConfig()),
		zapcore.Lock(zapcore.AddSync(w)),
		zapcore.DebugLevel,
	))
}

// New builds the process logger described by the config.
func (c Config) New(w io.Writer) (*zap.Logger, error) {
	var enc zapcore.Encoder
	switch c.Format {
	case "", "auto", "console":
		enc = zapcore.NewConsoleEncoder(newEncoderConfig())
	case "json":
		enc = zapcore.NewJSONEncoder(newEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown logging format: %q", c.Format)
	}
	return zap.New(zapcore.NewCore(
		enc,
		zapcore.Lock(zapcore.AddSync(w)),
		c.Level,
	)), nil
}

func newEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return config
}
