//go:build test

package main

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blell/internal/testutils"
)

// CommandTestSuite runs blell commands in-process and asserts on their
// output. All cmd/blell test suites embed it.
type CommandTestSuite struct {
	suite.Suite
}

// SetupTest resets every flag so values do not leak between tests.
func (s *CommandTestSuite) SetupTest() {
	var reset func(cmd *cobra.Command)
	reset = func(cmd *cobra.Command) {
		for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			})
		}
		for _, c := range cmd.Commands() {
			reset(c)
		}
	}
	reset(rootCmd)
}

// ExecuteCommand runs rootCmd with args and returns stdout and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// WriteFile writes content to a file in a temporary directory and returns
// its path.
func (s *CommandTestSuite) WriteFile(name, content string) string {
	path := filepath.Join(s.T().TempDir(), name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "writing %s MUST succeed", name)
	return path
}

// Text returns a text asserter for table output.
func (s *CommandTestSuite) Text() *testutils.TextAsserter {
	return testutils.NewTextAsserter(s.T(), testutils.WithCollapseColumns(true))
}

// JSON returns a JSON asserter.
func (s *CommandTestSuite) JSON() *testutils.JSONAsserter {
	return testutils.NewJSONAsserter(s.T())
}
