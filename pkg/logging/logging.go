// Package logging wires up the gateway's two loggers: a per-component
// *logrus.Logger passed in by constructors, and a process-wide zap logger
// installed as zap.L() (no package in this repository calls zap.L()). Both are
// configured here so every daemon starts from the same baseline instead of
// each cmd/ picking its own defaults.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// NewLogrus builds the *logrus.Logger injected into constructors such as
// fetch.New, importer.New, and index.Open.
func NewLogrus(component string, debug bool) *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(os.Stderr)
	lg.SetFormatter(&logrus.JSONFormatter{})
	if debug {
		lg.SetLevel(logrus.DebugLevel)
	} else {
		lg.SetLevel(logrus.InfoLevel)
	}
	return lg.WithField("component", component).Logger
}

// InitZap installs the process-wide zap logger returned by zap.L(); no
// package in this repository calls zap.L(). Call once from each cmd/ main.
func InitZap(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	lg, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(lg)
	return lg, nil
}
