package main

import (
	"testing"
	"time"

	"github.com/FreeKopcap/meshcore-analyzer/internal/config"
)

func TestApplyFlagsOverridesOnlyPassedFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.SerialPort = "/dev/ttyACM0"
	cfg.Report.Nodes = true
	cfg.Report.Neighbors = true

	set := map[string]bool{"port": true, "interval": true, "hops": true}
	applyFlags(&cfg, set, flagOverrides{
		port:     "/dev/ttyUSB1",
		baud:     9600,
		interval: 30 * time.Second,
		hops:     true,
	})

	if cfg.Connection.SerialPort != "/dev/ttyUSB1" {
		t.Fatalf("port not overridden: %q", cfg.Connection.SerialPort)
	}
	if cfg.Connection.SerialBaud != config.DefaultSerialBaud {
		t.Fatalf("baud overridden without flag: %d", cfg.Connection.SerialBaud)
	}
	if cfg.Report.IntervalSeconds != 30 {
		t.Fatalf("interval not overridden: %d", cfg.Report.IntervalSeconds)
	}
	if !cfg.Report.Hops {
		t.Fatal("hops flag not applied")
	}
	if !cfg.Report.Nodes || !cfg.Report.Neighbors {
		t.Fatal("configured tables lost without flags")
	}
}

func TestApplyFlagsCanDisableConfiguredTable(t *testing.T) {
	cfg := config.Default()
	cfg.Report.Nodes = true
	cfg.Report.Neighbors = true

	applyFlags(&cfg, map[string]bool{"nodes": true}, flagOverrides{nodes: false})

	if cfg.Report.Nodes {
		t.Fatal("nodes table should be disabled")
	}
	if !cfg.Report.Neighbors {
		t.Fatal("neighbors table should stay enabled")
	}
}

func TestApplyFlagsZeroIntervalFallsBackToDefault(t *testing.T) {
	cfg := config.Default()

	applyFlags(&cfg, map[string]bool{"interval": true}, flagOverrides{interval: 0})

	if cfg.Report.Interval() != config.DefaultReportInterval {
		t.Fatalf("unexpected interval: %v", cfg.Report.Interval())
	}
}
