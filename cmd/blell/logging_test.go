//go:build test

package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    logrus.Level
		wantErr bool
	}{
		{name: "silent by default", want: logrus.PanicLevel},
		{name: "verbose", args: []string{"--verbose"}, want: logrus.DebugLevel},
		{name: "log level wins over verbose", args: []string{"--verbose", "--log-level", "warn"}, want: logrus.WarnLevel},
		{name: "trace", args: []string{"--log-level", "trace"}, want: logrus.TraceLevel},
		{name: "panic is not offered", args: []string{"--log-level", "panic"}, wantErr: true},
		{name: "unknown level", args: []string{"--log-level", "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			cmd.Flags().String("log-level", "", "")
			cmd.Flags().Bool("verbose", false, "")
			var stderr bytes.Buffer
			cmd.SetErr(&stderr)
			require.NoError(t, cmd.Flags().Parse(tt.args))

			logger, err := configureLogger(cmd, "verbose")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())

			logger.Error("radio overrun")
			if tt.want >= logrus.ErrorLevel {
				assert.Contains(t, stderr.String(), "radio overrun", "logs MUST go to the command's stderr")
			} else {
				assert.Empty(t, stderr.String())
			}
		})
	}
}
