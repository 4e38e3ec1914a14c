package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/frametext"
	"github.com/wbocian/go-can-console/internal/session"
)

// splitTarget separates "can0,110:7F0,300-4FF" into the controller name and
// the filter list.
func splitTarget(arg string) (name, filterText string) {
	if i := strings.IndexByte(arg, ','); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}

// ensureUp auto-initializes a controller with the configured defaults so
// one-shot send/dump work without an explicit init.
func (a *app) ensureUp(s *session.Session) error {
	if s.Configured() {
		return nil
	}
	return s.Init(driver.Config{})
}

func (a *app) echoTx(w io.Writer, name string, f can.Frame) {
	fmt.Fprint(w, frametext.FormatLine(&f, name, ""))
}

func newInitCmd(a *app) *cobra.Command {
	var cfg driver.Config
	cmd := &cobra.Command{
		Use:   "init <controller>",
		Short: "Configure and start a controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.reg.Get(args[0])
			if err != nil {
				return err
			}
			return s.Init(cfg)
		},
	}
	cmd.Flags().IntVar(&cfg.Bitrate, "bitrate", 0, "Arbitration bitrate (0 = configured default)")
	cmd.Flags().IntVar(&cfg.FDBitrate, "fd-bitrate", 0, "FD data bitrate (0 = configured default)")
	cmd.Flags().BoolVar(&cfg.Loopback, "loopback", false, "Echo transmitted frames back")
	cmd.Flags().BoolVar(&cfg.ListenOnly, "listen-only", false, "Never drive the bus")
	return cmd
}

func newDeinitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deinit <controller>",
		Short: "Stop a controller and release its driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.reg.Get(args[0])
			if err != nil {
				return err
			}
			return s.Deinit()
		},
	}
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info [controller]",
		Short: "Show controller status and counters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				s, err := a.reg.Get(args[0])
				if err != nil {
					return err
				}
				return s.Info(cmd.OutOrStdout())
			}
			// No argument: list every registered controller, configured
			// or not.
			for _, name := range a.reg.Names() {
				s, err := a.reg.Get(name)
				if err != nil {
					return err
				}
				_ = s.Info(cmd.OutOrStdout())
			}
			return nil
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <controller>",
		Short: "Restore default configuration, restarting any capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.reg.Get(args[0])
			if err != nil {
				return err
			}
			return s.Reset()
		},
	}
}

func newSendCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <controller> <frame>",
		Short: "Transmit one frame and wait for the bus confirmation",
		Long:  "Frame syntax: ID#DATA (classic), ID#R[dlc] (remote), ID##F[DATA] (FD with flags nibble).\nExamples: 123#DEADBEEF, 7FF#R5, 123##1DEADBEEF",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.reg.Get(args[0])
			if err != nil {
				return err
			}
			if err := a.ensureUp(s); err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			f, err := s.Send(args[1], timeout)
			if err != nil {
				return err
			}
			a.echoTx(cmd.OutOrStdout(), s.Name(), f)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "Transmit confirmation timeout (0 = configured default)")
	return cmd
}

func newDumpCmd(a *app) *cobra.Command {
	var (
		mode     string
		colorize bool
	)
	cmd := &cobra.Command{
		Use:   "dump <controller>[,filter...] ...",
		Short: "Stream captured frames until interrupted",
		Long:  "Filters: ID:MASK (mask match) or LOW-HIGH (range), comma separated.\nExample: dump can0,110:7F0,300-4FF -t d",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if colorize {
				a.trace.SetColor(color.New(color.FgCyan))
				defer a.trace.SetColor(nil)
			}
			var started []*session.Session
			stopAll := func() error {
				g := new(errgroup.Group)
				for _, s := range started {
					g.Go(s.DumpStop)
				}
				return g.Wait()
			}
			for _, arg := range args {
				name, filterText := splitTarget(arg)
				s, err := a.reg.Get(name)
				if err == nil {
					err = a.ensureUp(s)
				}
				if err == nil {
					err = s.DumpStart(filterText, mode)
				}
				if err != nil {
					_ = stopAll()
					return err
				}
				started = append(started, s)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "dumping, press ctrl-c to stop")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return stopAll()
		},
	}
	cmd.Flags().StringVarP(&mode, "timestamp", "t", "n", "Timestamp mode: a(bsolute)|d(elta)|z(ero)|n(one)")
	cmd.Flags().BoolVar(&colorize, "color", false, "Colorize trace lines")
	return cmd
}

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive console; controllers stay configured between commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runShell()
		},
	}
}
