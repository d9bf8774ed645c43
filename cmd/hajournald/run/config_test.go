package run_test

import (
	"math"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/hajournal/hajournal/cmd/hajournald/run"
)

// Ensure the configuration can be parsed.
func TestConfig_Parse(t *testing.T) {
	// Parse configuration.
	var c run.Config
	if err := c.FromToml(`
[journal]
dir = "/var/lib/hajournald/data"
strategy = "worm"
page-size = "16k"

[halog]
dir = "/var/lib/hajournald/halog"
sync-writes = false

[pipeline]
max-in-flight = 16
forward-timeout = "3s"

[coordinator]
write-timeout = "15s"

[quorum]
token = 7
members = [
	"11111111-1111-1111-1111-111111111111@host-a:7810",
	"22222222-2222-2222-2222-222222222222@host-b:7810",
	"33333333-3333-3333-3333-333333333333@host-c:7810",
]

[monitor]
enabled = false
interval = "2s"
ping-timeout = "500ms"
failure-threshold = 5

[resync]
check-interval = "250ms"
fetch-timeout = "45s"

[failover]
max-retries = 1

[http]
bind-address = ":7811"

[logging]
format = "json"
level = "warn"
`); err != nil {
		t.Fatal(err)
	}

	// Validate configuration.
	if c.Journal.Dir != "/var/lib/hajournald/data" {
		t.Fatalf("unexpected journal dir: %s", c.Journal.Dir)
	} else if c.Journal.Strategy != "worm" {
		t.Fatalf("unexpected journal strategy: %s", c.Journal.Strategy)
	} else if c.Journal.PageSize != 16*1024 {
		t.Fatalf("unexpected journal page-size: %d", c.Journal.PageSize)
	} else if c.HALog.Dir != "/var/lib/hajournald/halog" {
		t.Fatalf("unexpected halog dir: %s", c.HALog.Dir)
	} else if c.HALog.SyncWrites {
		t.Fatalf("unexpected halog sync-writes: %v", c.HALog.SyncWrites)
	} else if c.Pipeline.MaxInFlight != 16 {
		t.Fatalf("unexpected pipeline max-in-flight: %d", c.Pipeline.MaxInFlight)
	} else if time.Duration(c.Pipeline.ForwardTimeout) != 3*time.Second {
		t.Fatalf("unexpected pipeline forward-timeout: %s", c.Pipeline.ForwardTimeout)
	} else if time.Duration(c.Coordinator.WriteTimeout) != 15*time.Second {
		t.Fatalf("unexpected coordinator write-timeout: %s", c.Coordinator.WriteTimeout)
	} else if c.Quorum.Token != 7 {
		t.Fatalf("unexpected quorum token: %d", c.Quorum.Token)
	} else if len(c.Quorum.Members) != 3 {
		t.Fatalf("unexpected quorum members: %v", c.Quorum.Members)
	} else if c.Monitor.Enabled {
		t.Fatalf("unexpected monitor enabled: %v", c.Monitor.Enabled)
	} else if time.Duration(c.Monitor.Interval) != 2*time.Second {
		t.Fatalf("unexpected monitor interval: %s", c.Monitor.Interval)
	} else if time.Duration(c.Monitor.PingTimeout) != 500*time.Millisecond {
		t.Fatalf("unexpected monitor ping-timeout: %s", c.Monitor.PingTimeout)
	} else if c.Monitor.FailureThreshold != 5 {
		t.Fatalf("unexpected monitor failure-threshold: %d", c.Monitor.FailureThreshold)
	} else if time.Duration(c.Resync.CheckInterval) != 250*time.Millisecond {
		t.Fatalf("unexpected resync check-interval: %s", c.Resync.CheckInterval)
	} else if time.Duration(c.Resync.FetchTimeout) != 45*time.Second {
		t.Fatalf("unexpected resync fetch-timeout: %s", c.Resync.FetchTimeout)
	} else if c.Failover.MaxRetries != 1 {
		t.Fatalf("unexpected failover max-retries: %d", c.Failover.MaxRetries)
	} else if c.HTTP.BindAddress != ":7811" {
		t.Fatalf("unexpected http bind-address: %s", c.HTTP.BindAddress)
	} else if c.Logging.Format != "json" {
		t.Fatalf("unexpected logging format: %s", c.Logging.Format)
	} else if c.Logging.Level != zapcore.WarnLevel {
		t.Fatalf("unexpected logging level: %s", c.Logging.Level)
	}

	if err := c.Validate(); err != nil {
		t.Fatalf("failed to validate config: %s", err)
	}
}

// Ensure the configuration can be parsed from a file that opens with a
// UTF-8 byte-order-mark.
func TestConfig_Parse_UTF8_ByteOrderMark(t *testing.T) {
	f, err := os.CreateTemp("", "hajournald-config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString("﻿[journal]\ndir = \"/var/lib/hajournald/data\"\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	var c run.Config
	if err := c.FromTomlFile(f.Name()); err != nil {
		t.Fatal(err)
	}
	if c.Journal.Dir != "/var/lib/hajournald/data" {
		t.Fatalf("unexpected journal dir: %s", c.Journal.Dir)
	}
}

// Ensure the configuration can be parsed from a file a Windows editor saved
// as UTF-16 with a byte-order-mark.
func TestConfig_Parse_UTF16_ByteOrderMark(t *testing.T) {
	f, err := os.CreateTemp("", "hajournald-config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())

	utf16 := unicode.UTF16(unicode.BigEndian, unicode.UseBOM)
	w := transform.NewWriter(f, utf16.NewEncoder())
	if _, err := w.Write([]byte("[journal]\ndir = \"/var/lib/hajournald/data\"\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	var c run.Config
	if err := c.FromTomlFile(f.Name()); err != nil {
		t.Fatal(err)
	}
	if c.Journal.Dir != "/var/lib/hajournald/data" {
		t.Fatalf("unexpected journal dir: %s", c.Journal.Dir)
	}
}

// Ensure the configuration can have fields overridden by the environment.
func TestConfig_Parse_EnvOverride(t *testing.T) {
	var c run.Config
	if err := c.FromToml(`
[journal]
dir = "/var/lib/hajournald/data"

[coordinator]
write-timeout = "15s"

[http]
bind-address = ":7811"
`); err != nil {
		t.Fatal(err)
	}

	getenv := func(s string) string {
		switch s {
		case "HAJOURNALD_JOURNAL_STRATEGY":
			return "worm"
		case "HAJOURNALD_JOURNAL_PAGE_SIZE":
			return "8k"
		case "HAJOURNALD_HALOG_SYNC_WRITES":
			return "false"
		case "HAJOURNALD_COORDINATOR_WRITE_TIMEOUT":
			return "90s"
		case "HAJOURNALD_QUORUM_TOKEN":
			return "42"
		case "HAJOURNALD_MONITOR_FAILURE_THRESHOLD":
			return "9"
		case "HAJOURNALD_HTTP_BIND_ADDRESS":
			return "host-a:9999"
		case "HAJOURNALD_LOGGING_LEVEL":
			return "error"
		}
		return ""
	}
	if err := c.ApplyEnvOverrides(getenv); err != nil {
		t.Fatal(err)
	}

	if c.Journal.Dir != "/var/lib/hajournald/data" {
		t.Fatalf("unexpected journal dir: %s", c.Journal.Dir)
	} else if c.Journal.Strategy != "worm" {
		t.Fatalf("unexpected journal strategy: %s", c.Journal.Strategy)
	} else if c.Journal.PageSize != 8*1024 {
		t.Fatalf("unexpected journal page-size: %d", c.Journal.PageSize)
	} else if c.HALog.SyncWrites {
		t.Fatalf("unexpected halog sync-writes: %v", c.HALog.SyncWrites)
	} else if time.Duration(c.Coordinator.WriteTimeout) != 90*time.Second {
		t.Fatalf("unexpected coordinator write-timeout: %s", c.Coordinator.WriteTimeout)
	} else if c.Quorum.Token != 42 {
		t.Fatalf("unexpected quorum token: %d", c.Quorum.Token)
	} else if c.Monitor.FailureThreshold != 9 {
		t.Fatalf("unexpected monitor failure-threshold: %d", c.Monitor.FailureThreshold)
	} else if c.HTTP.BindAddress != "host-a:9999" {
		t.Fatalf("unexpected http bind-address: %s", c.HTTP.BindAddress)
	} else if c.Logging.Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected logging level: %s", c.Logging.Level)
	}
}

// Ensure validation accepts a standalone replica and rejects broken settings.
func TestConfig_Validate(t *testing.T) {
	// A config with a journal dir and no members runs standalone.
	c := run.NewConfig()
	c.Journal.Dir = "/var/lib/hajournald/data"
	if err := c.Validate(); err != nil {
		t.Fatalf("failed to validate standalone config: %s", err)
	}

	bad := run.NewConfig()
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for missing journal dir")
	}

	bad = run.NewConfig()
	bad.Journal.Dir = "/var/lib/hajournald/data"
	bad.Journal.Strategy = "append-maybe"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for unknown strategy")
	}

	bad = run.NewConfig()
	bad.Journal.Dir = "/var/lib/hajournald/data"
	bad.Journal.PageSize = math.MaxUint64
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for oversized page-size")
	}

	bad = run.NewConfig()
	bad.Journal.Dir = "/var/lib/hajournald/data"
	bad.Quorum.Members = []string{"not-a-member"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for malformed member")
	}

	bad = run.NewConfig()
	bad.Journal.Dir = "/var/lib/hajournald/data"
	bad.Coordinator.WriteTimeout = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero write-timeout")
	}

	bad = run.NewConfig()
	bad.Journal.Dir = "/var/lib/hajournald/data"
	bad.HTTP.BindAddress = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for missing bind address")
	}
}

// Ensure the demo configuration is valid as generated.
func TestNewDemoConfig(t *testing.T) {
	c, err := run.NewDemoConfig()
	if err != nil {
		t.Fatalf("error creating demo config: %s", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("failed to validate demo config: %s", err)
	}
}
