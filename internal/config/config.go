package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultSerialBaud     = 115200
	DefaultReportInterval = 60 * time.Second

	// Address prefixes of the operator's own nodes. Everything else is
	// classified as foreign.
	DefaultCompanionPrefix = "10"
	DefaultRepeaterPrefix  = "33"

	// Bot publishing repeater routes as "XX: description" lines in group
	// channels.
	DefaultPathBotSender = "AetherByte\U0001f916"
)

// DefaultChannels are the public channels tried for group-message
// decryption, in trial order.
var DefaultChannels = []string{
	"Public",
	"#connections",
	"#robot",
	"#test",
	"#bot-test",
	"#server",
	"#zapad",
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig contains the observer serial link parameters.
type ConnectionConfig struct {
	SerialPort string `json:"serial_port"`
	SerialBaud int    `json:"serial_baud"`
}

// AnalyzerConfig controls node classification and channel decryption.
type AnalyzerConfig struct {
	CompanionPrefix string   `json:"companion_prefix"`
	RepeaterPrefix  string   `json:"repeater_prefix"`
	Channels        []string `json:"channels"`
	PathBotSender   string   `json:"path_bot_sender"`
}

// ReportConfig selects which tables are rendered and how often.
type ReportConfig struct {
	IntervalSeconds int  `json:"interval_seconds"`
	Nodes           bool `json:"nodes"`
	Neighbors       bool `json:"neighbors"`
	Hops            bool `json:"hops"`
	Verbose         bool `json:"verbose"`
}

func (r ReportConfig) Interval() time.Duration {
	if r.IntervalSeconds <= 0 {
		return DefaultReportInterval
	}

	return time.Duration(r.IntervalSeconds) * time.Second
}

// AppConfig is the root analyzer configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Logging    LoggingConfig    `json:"logging"`
	Analyzer   AnalyzerConfig   `json:"analyzer"`
	Report     ReportConfig     `json:"report"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Analyzer: AnalyzerConfig{
			CompanionPrefix: DefaultCompanionPrefix,
			RepeaterPrefix:  DefaultRepeaterPrefix,
			Channels:        append([]string(nil), DefaultChannels...),
			PathBotSender:   DefaultPathBotSender,
		},
		Report: ReportConfig{
			IntervalSeconds: int(DefaultReportInterval / time.Second),
			Nodes:           true,
		},
	}
}

// Load reads the configuration file, falling back to defaults when the file
// does not exist.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the operator's own --config flag.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Analyzer.CompanionPrefix) == "" {
		c.Analyzer.CompanionPrefix = DefaultCompanionPrefix
	}
	if strings.TrimSpace(c.Analyzer.RepeaterPrefix) == "" {
		c.Analyzer.RepeaterPrefix = DefaultRepeaterPrefix
	}
	if len(c.Analyzer.Channels) == 0 {
		c.Analyzer.Channels = append([]string(nil), DefaultChannels...)
	}
	if c.Analyzer.PathBotSender == "" {
		c.Analyzer.PathBotSender = DefaultPathBotSender
	}
	if c.Report.IntervalSeconds <= 0 {
		c.Report.IntervalSeconds = int(DefaultReportInterval / time.Second)
	}
	if !c.Report.Nodes && !c.Report.Neighbors && !c.Report.Hops {
		// At least one table must be enabled or the analyzer is silent.
		c.Report.Nodes = true
	}
}

// Validate rejects configurations the run loop cannot work with.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Connection.SerialPort) == "" {
		return errors.New("serial port is required: set --port or connection.serial_port")
	}
	if c.Connection.SerialBaud <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", c.Connection.SerialBaud)
	}

	return nil
}
