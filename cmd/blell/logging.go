package main

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blell/pkg/config"
)

// cliLogLevels are the levels --log-level accepts.
var cliLogLevels = []logrus.Level{
	logrus.TraceLevel,
	logrus.DebugLevel,
	logrus.InfoLevel,
	logrus.WarnLevel,
	logrus.ErrorLevel,
}

// configureLogger builds the command logger on stderr. --log-level wins over
// the boolean flag named verboseFlag; with neither set the logger is silent.
func configureLogger(cmd *cobra.Command, verboseFlag string) (*logrus.Logger, error) {
	level, err := cliLogLevel(cmd, verboseFlag)
	if err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	cfg.LogLevel = level
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}

func cliLogLevel(cmd *cobra.Command, verboseFlag string) (logrus.Level, error) {
	if name, _ := cmd.Flags().GetString("log-level"); name != "" {
		level, err := logrus.ParseLevel(name)
		if err != nil || !slices.Contains(cliLogLevels, level) {
			return 0, fmt.Errorf("invalid log level: %s (must be one of %v)", name, cliLogLevels)
		}
		return level, nil
	}
	if verbose, _ := cmd.Flags().GetBool(verboseFlag); verbose {
		return logrus.DebugLevel, nil
	}
	return logrus.PanicLevel, nil
}
