package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wbocian/go-can-console/internal/logging"
	"github.com/wbocian/go-can-console/internal/metrics"
	"github.com/wbocian/go-can-console/internal/monitor"
	"github.com/wbocian/go-can-console/internal/session"
)

// app carries the process-wide state shared by the one-shot commands and the
// interactive shell: resolved configuration, logger, the controller registry
// and the trace writer dumps stream into.
type app struct {
	cfg   *appConfig
	flags *pflag.FlagSet
	trace *traceWriter
	log   *slog.Logger
	reg   *session.Registry

	ready      bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metricsSrv *http.Server
}

func newApp(out io.Writer) *app {
	return &app{cfg: defaultConfig(), trace: newTraceWriter(out), log: logging.L()}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "can-console",
		Short:         "Diagnostic console for CAN bus controllers",
		Long:          "can-console transmits and captures CAN frames on loopback, SLCAN and SocketCAN controllers,\nas one-shot commands or an interactive shell.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runShell()
		},
	}
	pf := root.PersistentFlags()
	pf.StringSliceVar(&a.cfg.controllers, "controllers", a.cfg.controllers, "Controller names to register")
	pf.StringVar(&a.cfg.backend, "driver", a.cfg.backend, "Controller driver: loopback|slcan|socketcan")
	pf.StringVar(&a.cfg.port, "port", a.cfg.port, "Serial device path (slcan)")
	pf.IntVar(&a.cfg.baud, "baud", a.cfg.baud, "Serial baud rate (slcan)")
	pf.DurationVar(&a.cfg.readTO, "read-timeout", a.cfg.readTO, "Serial read timeout (slcan)")
	pf.IntVar(&a.cfg.bitrate, "bitrate", a.cfg.bitrate, "Default arbitration bitrate (bps)")
	pf.IntVar(&a.cfg.fdBitrate, "fd-bitrate", a.cfg.fdBitrate, "Default FD data bitrate (bps), 0 disables FD")
	pf.DurationVar(&a.cfg.txTimeout, "tx-timeout", a.cfg.txTimeout, "Transmit confirmation timeout")
	pf.IntVar(&a.cfg.queueSize, "queue-size", a.cfg.queueSize, "Capture queue depth (frames)")
	pf.DurationVar(&a.cfg.pollTimeout, "poll-timeout", a.cfg.pollTimeout, "Capture consumer poll timeout")
	pf.StringVar(&a.cfg.logFormat, "log-format", a.cfg.logFormat, "Log format: text|json")
	pf.StringVar(&a.cfg.logLevel, "log-level", a.cfg.logLevel, "Log level: debug|info|warn|error")
	pf.StringVar(&a.cfg.metricsAddr, "metrics-addr", a.cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	pf.DurationVar(&a.cfg.logMetricsEvery, "log-metrics-interval", a.cfg.logMetricsEvery, "If >0, periodically log metrics counters")
	a.flags = pf

	root.AddCommand(
		newInitCmd(a),
		newDeinitCmd(a),
		newInfoCmd(a),
		newResetCmd(a),
		newSendCmd(a),
		newDumpCmd(a),
		newShellCmd(a),
	)
	return root
}

// setup resolves configuration and builds the registry. Idempotent so the
// shell's nested command dispatch can share it with one-shot runs.
func (a *app) setup() error {
	if a.ready {
		return nil
	}
	if err := applyEnvOverrides(a.cfg, a.flags.Changed); err != nil {
		return err
	}
	if err := a.cfg.validate(); err != nil {
		return err
	}
	l := logging.New(a.cfg.logFormat, logging.ParseLevel(a.cfg.logLevel), os.Stderr).With("app", "can-console")
	logging.Set(l)
	a.log = l

	open := a.cfg.opener()
	a.reg = session.NewRegistry()
	for _, name := range a.cfg.controllers {
		s := session.New(name, open,
			session.WithOutput(a.trace),
			session.WithLogger(l),
			session.WithDefaults(a.cfg.defaults()),
			session.WithTxTimeout(a.cfg.txTimeout),
			session.WithPipelineOptions(
				monitor.WithQueueSize(a.cfg.queueSize),
				monitor.WithPollTimeout(a.cfg.pollTimeout),
			),
		)
		if err := a.reg.Add(s); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	startMetricsLogger(ctx, a.cfg.logMetricsEvery, l, &a.wg)
	if a.cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		a.metricsSrv = metrics.StartHTTP(a.cfg.metricsAddr)
	}
	a.ready = true
	return nil
}

// close deinitializes every controller and stops background workers. Safe to
// call when setup never ran (help, version, bad flags).
func (a *app) close() error {
	if !a.ready {
		return nil
	}
	err := a.reg.Shutdown()
	a.cancel()
	if a.metricsSrv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = a.metricsSrv.Shutdown(shCtx)
		shCancel()
	}
	a.wg.Wait()
	a.ready = false
	return err
}
