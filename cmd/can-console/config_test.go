package main

import (
	"testing"
	"time"
)

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*appConfig)
	}{
		{"driver", func(c *appConfig) { c.backend = "vcan" }},
		{"log-format", func(c *appConfig) { c.logFormat = "xml" }},
		{"log-level", func(c *appConfig) { c.logLevel = "trace" }},
		{"controllers", func(c *appConfig) { c.controllers = nil }},
		{"baud", func(c *appConfig) { c.baud = 0 }},
		{"bitrate", func(c *appConfig) { c.bitrate = -1 }},
		{"queue-size", func(c *appConfig) { c.queueSize = 0 }},
		{"poll-timeout", func(c *appConfig) { c.pollTimeout = 0 }},
		{"tx-timeout", func(c *appConfig) { c.txTimeout = 0 }},
	}
	for _, tc := range cases {
		cfg := defaultConfig()
		tc.mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("%s: invalid config accepted", tc.name)
		}
	}
	if err := defaultConfig().validate(); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAN_CONSOLE_DRIVER", "loopback")
	t.Setenv("CAN_CONSOLE_BITRATE", "250000")
	t.Setenv("CAN_CONSOLE_TX_TIMEOUT", "2s")
	t.Setenv("CAN_CONSOLE_CONTROLLERS", "can0,can1")
	cfg := defaultConfig()
	if err := applyEnvOverrides(cfg, func(string) bool { return false }); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.backend != "loopback" || cfg.bitrate != 250000 || cfg.txTimeout != 2*time.Second {
		t.Errorf("env not applied: %+v", cfg)
	}
	if len(cfg.controllers) != 2 || cfg.controllers[1] != "can1" {
		t.Errorf("controllers = %v", cfg.controllers)
	}
}

func TestEnvOverridesFlagWins(t *testing.T) {
	t.Setenv("CAN_CONSOLE_BITRATE", "250000")
	cfg := defaultConfig()
	cfg.bitrate = 1000000
	if err := applyEnvOverrides(cfg, func(f string) bool { return f == "bitrate" }); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.bitrate != 1000000 {
		t.Errorf("explicit flag overridden by env: %d", cfg.bitrate)
	}
}

func TestEnvOverridesReportBadValues(t *testing.T) {
	t.Setenv("CAN_CONSOLE_BAUD", "fast")
	cfg := defaultConfig()
	if err := applyEnvOverrides(cfg, func(string) bool { return false }); err == nil {
		t.Error("invalid CAN_CONSOLE_BAUD accepted")
	}
}

func TestSplitTarget(t *testing.T) {
	for _, tc := range []struct{ in, name, filters string }{
		{"can0", "can0", ""},
		{"can0,110:7F0", "can0", "110:7F0"},
		{"can1,110:7F0,300-4FF", "can1", "110:7F0,300-4FF"},
	} {
		name, filters := splitTarget(tc.in)
		if name != tc.name || filters != tc.filters {
			t.Errorf("splitTarget(%q) = %q, %q", tc.in, name, filters)
		}
	}
}
