package main

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"

	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/session"
)

// runShell starts the interactive console. Controllers initialized here stay
// up until deinit or shell exit, so send/dump can be mixed freely.
func (a *app) runShell() error {
	sh := ishell.New()
	sh.Println("can-console " + version + " - type 'help' for commands")
	sh.SetPrompt("can> ")

	sh.AddCmd(&ishell.Cmd{
		Name: "controllers",
		Help: "list registered controllers and their state",
		Func: func(c *ishell.Context) {
			for _, name := range a.reg.Names() {
				s, err := a.reg.Get(name)
				if err != nil {
					c.Err(err)
					return
				}
				state := "down"
				switch {
				case s.Running():
					state = "dumping"
				case s.Configured():
					state = "up"
				}
				c.Printf("%-10s %s\n", name, state)
			}
		},
	})

	sh.AddCmd(&ishell.Cmd{
		Name: "init",
		Help: "init <controller> [bitrate=N] [fd-bitrate=N] [loopback] [listen-only]",
		Func: a.withSession(func(c *ishell.Context, s *session.Session, args []string) {
			cfg, err := parseInitArgs(args)
			if err != nil {
				c.Err(err)
				return
			}
			if err := s.Init(cfg); err != nil {
				c.Err(err)
			}
		}),
	})

	sh.AddCmd(&ishell.Cmd{
		Name: "deinit",
		Help: "deinit <controller>",
		Func: a.withSession(func(c *ishell.Context, s *session.Session, args []string) {
			if err := s.Deinit(); err != nil {
				c.Err(err)
			}
		}),
	})

	sh.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "info <controller>",
		Func: a.withSession(func(c *ishell.Context, s *session.Session, args []string) {
			var buf bytes.Buffer
			if err := s.Info(&buf); err != nil {
				c.Err(err)
				return
			}
			c.Print(buf.String())
		}),
	})

	sh.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "reset <controller>",
		Func: a.withSession(func(c *ishell.Context, s *session.Session, args []string) {
			if err := s.Reset(); err != nil {
				c.Err(err)
			}
		}),
	})

	sh.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "send <controller> <frame>   e.g. send can0 123#DEADBEEF",
		Func: a.withSession(func(c *ishell.Context, s *session.Session, args []string) {
			if len(args) != 1 {
				c.Err(fmt.Errorf("usage: send <controller> <frame>"))
				return
			}
			f, err := s.Send(args[0], 0)
			if err != nil {
				c.Err(err)
				return
			}
			var buf bytes.Buffer
			a.echoTx(&buf, s.Name(), f)
			c.Print(buf.String())
		}),
	})

	sh.AddCmd(&ishell.Cmd{
		Name: "dump",
		Help: "dump <controller>[,filter...] [-t a|d|z|n] | dump <controller> stop",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(fmt.Errorf("usage: dump <controller>[,filter...] [-t mode]"))
				return
			}
			name, filterText := splitTarget(c.Args[0])
			s, err := a.reg.Get(name)
			if err != nil {
				c.Err(err)
				return
			}
			rest := c.Args[1:]
			if len(rest) == 1 && rest[0] == "stop" {
				if err := s.DumpStop(); err != nil {
					c.Err(err)
				}
				return
			}
			mode := "n"
			for i := 0; i < len(rest); i++ {
				if rest[i] == "-t" && i+1 < len(rest) {
					mode = rest[i+1]
					i++
					continue
				}
				c.Err(fmt.Errorf("unknown argument %q", rest[i]))
				return
			}
			if err := a.ensureUp(s); err != nil {
				c.Err(err)
				return
			}
			if err := s.DumpStart(filterText, mode); err != nil {
				c.Err(err)
				return
			}
			c.Println("dump started; 'dump " + name + " stop' to stop")
		},
	})

	sh.Run()
	return nil
}

// withSession resolves the first argument as a controller name before
// handing off to the command body.
func (a *app) withSession(fn func(c *ishell.Context, s *session.Session, rest []string)) func(*ishell.Context) {
	return func(c *ishell.Context) {
		if len(c.Args) == 0 {
			c.Err(fmt.Errorf("controller name required (one of: %s)", strings.Join(a.reg.Names(), ", ")))
			return
		}
		s, err := a.reg.Get(c.Args[0])
		if err != nil {
			c.Err(err)
			return
		}
		fn(c, s, c.Args[1:])
	}
}

// parseInitArgs reads the shell init command's key=value and bare-word
// options into a controller config.
func parseInitArgs(args []string) (driver.Config, error) {
	var cfg driver.Config
	for _, arg := range args {
		switch {
		case arg == "loopback":
			cfg.Loopback = true
		case arg == "listen-only":
			cfg.ListenOnly = true
		case strings.HasPrefix(arg, "bitrate="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "bitrate="))
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("invalid bitrate %q", arg)
			}
			cfg.Bitrate = n
		case strings.HasPrefix(arg, "fd-bitrate="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "fd-bitrate="))
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("invalid fd-bitrate %q", arg)
			}
			cfg.FDBitrate = n
		default:
			return cfg, fmt.Errorf("unknown option %q", arg)
		}
	}
	return cfg, nil
}
