package main

import (
	"fmt"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"os"
	"projekt/room/cmd/base"
	"projekt/room/lib/config"
)

func main() {
	flags := pflag.NewFlagSet("room", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path of the YAML configuration file")
	listen := flags.String("listen", "", "TLS control address")
	sessionAddress := flags.String("session", "", "tunnel session address")
	keyFile := flags.String("key", "", "file of the room key, generated if missing")
	metricsAddress := flags.String("metrics", "", "address to serve Prometheus metrics on")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	development := flags.Bool("development", false, "human readable logs")
	_ = flags.Parse(os.Args[1:])

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
			os.Exit(1)
		}
	}
	if flags.Changed("listen") {
		cfg.ListenAddress = *listen
	}
	if flags.Changed("session") {
		cfg.SessionAddress = *sessionAddress
	}
	if flags.Changed("key") {
		cfg.KeyFile = *keyFile
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddress = *metricsAddress
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("development") {
		cfg.Development = *development
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := base.NewLogger(cfg.LogLevel, cfg.Development)
	defer func() {
		_ = log.Sync()
	}()
	fx.New(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		Module,
	).Run()
}
