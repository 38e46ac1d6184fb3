package config

import "go.uber.org/zap"

// NewLogger builds the zap logger for the given environment and installs it
// as the global logger. The returned function flushes buffered entries.
func NewLogger(environment string) (func(), error) {
	var (
		logger *zap.Logger
		err    error
	)
	if environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	undo := zap.ReplaceGlobals(logger)
	return func() {
		_ = logger.Sync()
		undo()
	}, nil
}
