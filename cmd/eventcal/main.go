package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"eventcal/internal/capture"
	"eventcal/internal/config"
	"eventcal/internal/ics"
	appLog "eventcal/internal/log"
	"eventcal/internal/metrics"
	"eventcal/internal/service"
	"eventcal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
	snapshot   string
}

func main() {
	os.Exit(run(parseFlags()))
}

// run wires the application and returns the process exit code.
func run(flags flagConfig) int {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		return 1
	}

	appLog.Info("eventcal starting",
		"listen", conf.Listen,
		"feed", appLog.RedactURL(conf.FeedURL),
		"strategies", len(conf.Strategies),
		"timezone", conf.Timezone,
		"horizon_days", conf.HorizonDays,
		"refresh", conf.RefreshCron,
		"once", flags.once,
		"snapshot", flags.snapshot,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()

	specs := make([]ics.StrategySpec, 0, len(conf.Strategies))
	for _, s := range conf.Strategies {
		specs = append(specs, ics.StrategySpec{Kind: s.Kind, URL: s.URL})
	}
	acq, err := ics.NewAcquirer(conf.FeedURL, specs, conf.CacheDir, conf.FetchTimeout(), rec)
	if err != nil {
		appLog.Error("failed to build feed acquirer", err)
		return 1
	}

	cal := service.New(acq, service.Options{WindowDays: conf.HorizonDays, Metrics: rec})
	server := web.NewServer(conf, cal, rec)

	switch {
	case flags.once:
		return runOnce(ctx, cal, server)
	case flags.snapshot != "":
		return runSnapshot(ctx, conf, cal, server, flags.snapshot)
	}

	if err := cal.Start(ctx, conf.RefreshCron); err != nil {
		appLog.Error("failed to schedule refresh", err, "cron", conf.RefreshCron)
		return 1
	}
	if err := server.Run(ctx); err != nil {
		appLog.Error("HTTP server failed", err)
		return 1
	}
	appLog.Info("eventcal exiting")
	return 0
}

// runOnce refreshes a single time and prints the listing as JSON.
func runOnce(ctx context.Context, cal *service.Calendar, server *web.Server) int {
	refreshErr := cal.Refresh(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(server.EventsPayload()); err != nil {
		appLog.Error("failed to write events", err)
		return 1
	}
	if refreshErr != nil {
		return 2
	}
	return 0
}

// runSnapshot refreshes, serves the widget briefly and captures it to a PNG.
func runSnapshot(ctx context.Context, conf *config.Config, cal *service.Calendar, server *web.Server, out string) int {
	_ = cal.Refresh(ctx)

	ln, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		appLog.Error("snapshot listen failed", err, "listen", conf.Listen)
		return 1
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- server.Serve(serveCtx, ln) }()

	err = capture.WidgetPNG(ctx, capture.Options{
		URL:        "http://" + ln.Addr().String() + "/",
		OutputPath: out,
	})
	cancel()
	if serveErr := <-served; serveErr != nil {
		appLog.Error("snapshot server failed", serveErr)
	}
	if err != nil {
		appLog.Error("widget snapshot failed", err, "output", out)
		return 1
	}
	appLog.Info("widget snapshot written", "output", out)
	return 0
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/eventcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh the feed once, print the listing as JSON and exit")
	flag.StringVar(&cfg.snapshot, "snapshot", "", "Refresh once, capture the widget to this PNG path and exit")

	flag.Parse()

	return cfg
}
