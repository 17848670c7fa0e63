package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger profile.
type Config struct {
	Level       string // debug, info, warn, error; empty means info
	Development bool   // console encoding, caller info
}

// New builds a zap logger from the config.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

// NewDefault returns a production logger, panicking only on the impossible
// case of the default config failing to build.
func NewDefault() *zap.Logger {
	l, err := New(Config{})
	if err != nil {
		panic(err)
	}
	return l
}
