package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/FreeKopcap/meshcore-analyzer/internal/app"
	"github.com/FreeKopcap/meshcore-analyzer/internal/bus"
	"github.com/FreeKopcap/meshcore-analyzer/internal/channel"
	"github.com/FreeKopcap/meshcore-analyzer/internal/config"
	"github.com/FreeKopcap/meshcore-analyzer/internal/events"
	"github.com/FreeKopcap/meshcore-analyzer/internal/logging"
	"github.com/FreeKopcap/meshcore-analyzer/internal/observer"
	"github.com/FreeKopcap/meshcore-analyzer/internal/report"
	"github.com/FreeKopcap/meshcore-analyzer/internal/stats"
	"github.com/FreeKopcap/meshcore-analyzer/internal/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run analyzer", "error", err)
		os.Exit(1)
	}
}

func run() error {
	port := flag.String("port", "", "serial port of the observer node, e.g. /dev/ttyACM0")
	baud := flag.Int("baud", 0, "serial baud rate")
	configPath := flag.String("config", "", "config file path (default: user config dir)")
	interval := flag.Duration("interval", 0, "report interval, e.g. 30s")
	nodes := flag.Bool("nodes", false, "render the node table")
	neighbors := flag.Bool("neighbors", false, "render the neighbor tables")
	hops := flag.Bool("hops", false, "render the hop record panel")
	verbose := flag.Bool("verbose", false, "render per-node hop histograms")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfgFile := paths.ConfigFile
	if strings.TrimSpace(*configPath) != "" {
		cfgFile = strings.TrimSpace(*configPath)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(&cfg, setFlags, flagOverrides{
		port:      *port,
		baud:      *baud,
		interval:  *interval,
		nodes:     *nodes,
		neighbors: *neighbors,
		hops:      *hops,
		verbose:   *verbose,
		logLevel:  *logLevel,
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("cli")
	logger.Info("starting meshcore analyzer",
		"version", app.BuildVersion(),
		"build_date", app.BuildDateYMD(),
		"port", cfg.Connection.SerialPort,
		"baud", cfg.Connection.SerialBaud,
		"channels", len(cfg.Analyzer.Channels),
		"interval", cfg.Report.Interval())

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	registry := channel.NewRegistry(cfg.Analyzer.Channels...)
	decryptor := channel.NewDecryptor(registry)
	agg := stats.NewAggregator(logMgr.Logger("stats"), stats.Config{
		CompanionPrefix: cfg.Analyzer.CompanionPrefix,
		RepeaterPrefix:  cfg.Analyzer.RepeaterPrefix,
		PathBotSender:   cfg.Analyzer.PathBotSender,
	}, decryptor)

	tr := transport.NewSerialTransport(cfg.Connection.SerialPort, cfg.Connection.SerialBaud)
	svc := observer.NewService(logMgr.Logger("observer"), b, tr)
	emitter := report.NewEmitter(logMgr.Logger("report"), agg, cfg.Report, os.Stdout)

	watchConnection(ctx, b, logger)

	// The aggregator subscribes before the observer goroutine starts, so the
	// first published events already have a consumer.
	aggDone := agg.Start(ctx, b)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		emitter.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	<-aggDone

	return nil
}

type flagOverrides struct {
	port      string
	baud      int
	interval  time.Duration
	nodes     bool
	neighbors bool
	hops      bool
	verbose   bool
	logLevel  string
}

// applyFlags lets explicit flags win over the config file. Only flags the
// operator actually passed are applied, so boolean tables keep their
// configured state.
func applyFlags(cfg *config.AppConfig, set map[string]bool, o flagOverrides) {
	if set["port"] {
		cfg.Connection.SerialPort = o.port
	}
	if set["baud"] {
		cfg.Connection.SerialBaud = o.baud
	}
	if set["interval"] {
		cfg.Report.IntervalSeconds = int(o.interval / time.Second)
	}
	if set["nodes"] {
		cfg.Report.Nodes = o.nodes
	}
	if set["neighbors"] {
		cfg.Report.Neighbors = o.neighbors
	}
	if set["hops"] {
		cfg.Report.Hops = o.hops
	}
	if set["verbose"] {
		cfg.Report.Verbose = o.verbose
	}
	if set["log-level"] {
		cfg.Logging.Level = o.logLevel
	}
	cfg.FillMissingDefaults()
}

// watchConnection logs serial link state transitions published by the
// observer service.
func watchConnection(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	sub := b.Subscribe(events.TopicConnStatus)

	go func() {
		defer b.Unsubscribe(sub, events.TopicConnStatus)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				status, ok := raw.(events.ConnectionStatus)
				if !ok {
					continue
				}
				if status.Err != "" {
					logger.Warn("connection", "state", status.State, "port", status.Port, "error", status.Err)
					continue
				}
				logger.Info("connection", "state", status.State, "port", status.Port)
			}
		}
	}()
}
