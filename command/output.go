package command

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

const (
	JSONOutputFlag = "json"
	LogLevelFlag   = "log-level"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OutputFormatter collects the result or the error of a command and writes it once
type OutputFormatter interface {
	SetError(err error)
	SetCommandResult(result CommandResult)
	WriteOutput()
}

type CommandResult interface {
	GetOutput() string
}

// InitializeOutputter writes to the command's streams, as json when --json is set
func InitializeOutputter(cmd *cobra.Command) OutputFormatter {
	return newOutputter(cmd.OutOrStdout(), cmd.ErrOrStderr(), shouldOutputJSON(cmd))
}

func shouldOutputJSON(cmd *cobra.Command) bool {
	flag := cmd.Flag(JSONOutputFlag)

	return flag != nil && flag.Changed
}

type outputter struct {
	stdout io.Writer
	stderr io.Writer
	asJSON bool

	err    error
	result CommandResult
}

func newOutputter(stdout, stderr io.Writer, asJSON bool) *outputter {
	return &outputter{stdout: stdout, stderr: stderr, asJSON: asJSON}
}

func (o *outputter) SetError(err error) {
	o.err = err
}

func (o *outputter) SetCommandResult(result CommandResult) {
	o.result = result
}

// WriteOutput prints the error to stderr if one was set, the result to stdout otherwise
func (o *outputter) WriteOutput() {
	switch {
	case o.err != nil:
		_, _ = fmt.Fprintln(o.stderr, o.errorOutput())
	case o.result != nil:
		_, _ = fmt.Fprintln(o.stdout, o.commandOutput())
	}
}

func (o *outputter) errorOutput() string {
	if !o.asJSON {
		return o.err.Error()
	}

	return marshalJSONToString(
		struct {
			Err string `json:"error"`
		}{
			Err: o.err.Error(),
		},
	)
}

func (o *outputter) commandOutput() string {
	if !o.asJSON {
		return o.result.GetOutput()
	}

	return marshalJSONToString(o.result)
}

func marshalJSONToString(input interface{}) string {
	bytes, err := json.Marshal(input)
	if err != nil {
		return err.Error()
	}

	return string(bytes)
}
