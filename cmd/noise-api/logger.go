package main

import (
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/config"
	"github.com/septivank/tracket-noise-api/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.Log.Level, cfg.Log.Format)
}
