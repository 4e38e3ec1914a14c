package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/driver/loopback"
	"github.com/wbocian/go-can-console/internal/driver/slcan"
	"github.com/wbocian/go-can-console/internal/driver/socketcan"
)

type appConfig struct {
	controllers []string
	backend     string // loopback|slcan|socketcan
	port        string // serial device (slcan)
	baud        int
	readTO      time.Duration

	bitrate   int
	fdBitrate int
	txTimeout time.Duration

	queueSize   int
	pollTimeout time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

func defaultConfig() *appConfig {
	return &appConfig{
		controllers: []string{"can0"},
		backend:     "socketcan",
		port:        "/dev/ttyUSB0",
		baud:        115200,
		readTO:      50 * time.Millisecond,
		bitrate:     500000,
		txTimeout:   time.Second,
		queueSize:   32,
		pollTimeout: 100 * time.Millisecond,
		logFormat:   "text",
		logLevel:    "info",
	}
}

// validate performs basic semantic validation of the resolved configuration.
// It does not attempt to open devices — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.backend {
	case "loopback", "slcan", "socketcan":
	default:
		return fmt.Errorf("invalid driver: %s", c.backend)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if len(c.controllers) == 0 {
		return errors.New("at least one controller is required")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.readTO <= 0 {
		return errors.New("read-timeout must be > 0")
	}
	if c.bitrate <= 0 {
		return fmt.Errorf("bitrate must be > 0 (got %d)", c.bitrate)
	}
	if c.fdBitrate < 0 {
		return fmt.Errorf("fd-bitrate must be >= 0 (got %d)", c.fdBitrate)
	}
	if c.txTimeout <= 0 {
		return errors.New("tx-timeout must be > 0")
	}
	if c.queueSize <= 0 {
		return fmt.Errorf("queue-size must be > 0 (got %d)", c.queueSize)
	}
	if c.pollTimeout <= 0 {
		return errors.New("poll-timeout must be > 0")
	}
	return nil
}

// opener picks the backend's open function. For slcan the controller name is
// a logical label; the configured serial device is what gets opened.
func (c *appConfig) opener() driver.OpenFunc {
	switch c.backend {
	case "loopback":
		return loopback.Open
	case "slcan":
		base := slcan.Opener(c.baud, c.readTO)
		return func(name string, dcfg driver.Config) (driver.Driver, error) {
			dev := c.port
			if dev == "" {
				dev = name
			}
			return base(dev, dcfg)
		}
	default:
		return socketcan.Open
	}
}

// defaults returns the controller configuration Init falls back to and Reset
// restores.
func (c *appConfig) defaults() driver.Config {
	return driver.Config{Bitrate: c.bitrate, FDBitrate: c.fdBitrate}
}

// applyEnvOverrides maps CAN_CONSOLE_* environment variables to config fields
// unless the corresponding flag was explicitly set (flag wins). Empty values
// are ignored; durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set func(flag string) bool) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flag, env string, dst *string) {
		if set(flag) {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flag, env string, dst *int) {
		if set(flag) {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	dur := func(flag, env string, dst *time.Duration) {
		if set(flag) {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	if !set("controllers") {
		if v, ok := get("CAN_CONSOLE_CONTROLLERS"); ok && v != "" {
			c.controllers = strings.Split(v, ",")
		}
	}
	str("driver", "CAN_CONSOLE_DRIVER", &c.backend)
	str("port", "CAN_CONSOLE_PORT", &c.port)
	num("baud", "CAN_CONSOLE_BAUD", &c.baud)
	dur("read-timeout", "CAN_CONSOLE_READ_TIMEOUT", &c.readTO)
	num("bitrate", "CAN_CONSOLE_BITRATE", &c.bitrate)
	num("fd-bitrate", "CAN_CONSOLE_FD_BITRATE", &c.fdBitrate)
	dur("tx-timeout", "CAN_CONSOLE_TX_TIMEOUT", &c.txTimeout)
	num("queue-size", "CAN_CONSOLE_QUEUE_SIZE", &c.queueSize)
	dur("poll-timeout", "CAN_CONSOLE_POLL_TIMEOUT", &c.pollTimeout)
	str("log-format", "CAN_CONSOLE_LOG_FORMAT", &c.logFormat)
	str("log-level", "CAN_CONSOLE_LOG_LEVEL", &c.logLevel)
	if !set("metrics-addr") {
		if v, ok := get("CAN_CONSOLE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "CAN_CONSOLE_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	return firstErr
}
