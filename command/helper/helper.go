package helper

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xPolygon/covtrace/command"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
)

var errForcedShutdown = errors.New("shutdown forced before close completed")

// shutdownTimeout bounds how long the close callback may run after a signal
const shutdownTimeout = 15 * time.Second

// HandleSignals is a helper method for handling signals sent to the console
// Like stop, error, etc.
func HandleSignals(
	closeFn func() error,
	outputter command.OutputFormatter,
) error {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-signalCh

	closeMessage := fmt.Sprintf("\n[SIGNAL] Caught signal: %v\n", sig)
	closeMessage += "Gracefully shutting down the proxy...\n"

	outputter.SetCommandResult(
		&ShutdownResult{
			Message: closeMessage,
		},
	)

	outputter.WriteOutput()

	gracefulCh := make(chan error, 1)

	go func() {
		if closeFn != nil {
			gracefulCh <- closeFn()
		}

		close(gracefulCh)
	}()

	select {
	case <-signalCh:
		return errForcedShutdown
	case <-time.After(shutdownTimeout):
		return errForcedShutdown
	case err := <-gracefulCh:
		return err
	}
}

type ShutdownResult struct {
	Message string `json:"message"`
}

func (r *ShutdownResult) GetOutput() string {
	return r.Message
}

// FormatKV formats key value pairs:
//
// Key = Value
//
// Key = <none>
func FormatKV(in []string) string {
	columnConf := columnize.DefaultConfig()
	columnConf.Empty = "<none>"
	columnConf.Glue = " = "

	return columnize.Format(in, columnConf)
}

// FormatList formats a list, using a specific blank value replacement
func FormatList(in []string) string {
	columnConf := columnize.DefaultConfig()
	columnConf.Empty = "<none>"

	return columnize.Format(in, columnConf)
}

// ResolveAddr resolves the passed in TCP address
func ResolveAddr(raw string) (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse addr '%s': %w", raw, err)
	}

	if addr.IP == nil {
		addr.IP = net.ParseIP("127.0.0.1")
	}

	return addr, nil
}

// RegisterJSONOutputFlag registers the --json output setting for all child commands
func RegisterJSONOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().Bool(
		command.JSONOutputFlag,
		false,
		"get all outputs in json format (default false)",
	)
}
