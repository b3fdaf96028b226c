package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"os"
	"os/signal"
	"projekt/room/cmd/base"
	"projekt/room/lib/relay"
	"sort"
	"syscall"
)

type command func(ctx context.Context, client *relay.Client, args []string, log *zap.SugaredLogger) error

var commands = map[string]command{
	"announce":  announce,
	"endpoints": endpoints,
	"connect":   connect,
	"listen":    listen,
	"ping":      ping,
}

func usage(flags *pflag.FlagSet) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(os.Stderr, "usage: peer [flags] <command> [args]\n\ncommands: %v\n\nflags:\n", names)
	flags.PrintDefaults()
}

func main() {
	flags := pflag.NewFlagSet("peer", pflag.ExitOnError)
	flags.SetInterspersed(false)
	roomAddress := flags.StringP("room", "r", base.RoomAddress, "address of the room (host and port)")
	keyFile := flags.StringP("key", "k", "peer.key", "file of the peer key, generated if missing")
	logLevel := flags.String("log-level", "warn", "debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])
	args := flags.Args()
	if len(args) == 0 {
		usage(flags)
		os.Exit(2)
	}
	run, ok := commands[args[0]]
	if !ok {
		usage(flags)
		os.Exit(2)
	}

	logger := base.NewLogger(*logLevel, true)
	defer func() {
		_ = logger.Sync()
	}()
	log := logger.Sugar()
	key, err := base.LoadKey(*keyFile, log.Named("key"))
	if err != nil {
		log.Fatalw("failed to load key", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	dialCtx, cancel := context.WithTimeout(ctx, base.Timeout)
	client, err := relay.Dial(dialCtx, key, *roomAddress, log.Named("relay.client"))
	cancel()
	if err != nil {
		log.Fatalw("failed to connect to room", "room", *roomAddress, "error", err)
	}
	defer client.Close()

	err = run(ctx, client, args[1:], log)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}
