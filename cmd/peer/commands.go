package main

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"io"
	"net"
	"os"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/relay"
	"projekt/room/lib/secure"
	"strings"
	"time"
)

func announce(ctx context.Context, client *relay.Client, args []string, log *zap.SugaredLogger) error {
	flags := pflag.NewFlagSet("announce", pflag.ExitOnError)
	name := flags.StringP("name", "n", "", "name shown to other peers")
	_ = flags.Parse(args)
	err := client.Announce(ctx, &directory.AnnounceOptions{Name: *name})
	if err != nil {
		return err
	}
	fmt.Println(directory.Address(client.Room(), client.ID()))
	// The endpoint is visible for as long as the connection is up.
	<-ctx.Done()
	return nil
}

func endpoints(ctx context.Context, client *relay.Client, args []string, log *zap.SugaredLogger) error {
	flags := pflag.NewFlagSet("endpoints", pflag.ExitOnError)
	watch := flags.BoolP("watch", "w", false, "print every change until interrupted")
	_ = flags.Parse(args)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lists, err := client.Endpoints(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	for list := range lists {
		if err := encoder.Encode(list); err != nil {
			return err
		}
		if !*watch {
			return nil
		}
	}
	return ctx.Err()
}

func connect(ctx context.Context, client *relay.Client, args []string, log *zap.SugaredLogger) error {
	flags := pflag.NewFlagSet("connect", pflag.ExitOnError)
	plain := flags.Bool("plain", false, "do not encrypt the tunnel end to end")
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		return fmt.Errorf("expected the peer id or address of the target")
	}
	target, err := parseTarget(flags.Arg(0), client.Room())
	if err != nil {
		return err
	}
	var conn net.Conn
	if *plain {
		conn, err = client.Connect(ctx, target, nil)
	} else {
		conn, err = client.ConnectSecure(ctx, target, nil)
	}
	if err != nil {
		return err
	}
	log.Infow("tunnel established", "target", target.Short())
	return pipeStdio(ctx, conn)
}

func listen(ctx context.Context, client *relay.Client, args []string, log *zap.SugaredLogger) error {
	flags := pflag.NewFlagSet("listen", pflag.ExitOnError)
	name := flags.StringP("name", "n", "", "name shown to other peers")
	trusted := flags.String("trust", "", "only accept tunnels of this peer")
	plain := flags.Bool("plain", false, "do not encrypt the tunnel end to end")
	_ = flags.Parse(args)
	var trust secure.Trust = secure.TrustAny{}
	if *trusted != "" {
		identity, err := device.ParsePeerID(*trusted)
		if err != nil {
			return err
		}
		trust = secure.TrustOne{Identity: identity}
	}
	err := client.Announce(ctx, &directory.AnnounceOptions{Name: *name})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "listening as", directory.Address(client.Room(), client.ID()))
	var conn net.Conn
	var inv *relay.Invitation
	if *plain {
		conn, inv, err = client.Accept(ctx)
	} else {
		conn, inv, err = client.AcceptSecure(ctx, trust)
	}
	if err != nil {
		return err
	}
	log.Infow("tunnel accepted", "origin", inv.Origin.Short(), "params", inv.Params)
	return pipeStdio(ctx, conn)
}

func ping(ctx context.Context, client *relay.Client, args []string, log *zap.SugaredLogger) error {
	start := time.Now()
	now, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("room time %v, round trip %v\n", now.Format(time.RFC3339Nano), time.Since(start))
	return nil
}

// parseTarget accepts a bare peer id or a tunnel address of room.
func parseTarget(s string, room device.PeerID) (device.PeerID, error) {
	if !strings.HasPrefix(s, directory.AddressScheme+":") {
		if _, err := device.ParsePeerID(s); err != nil {
			return "", err
		}
		return device.PeerID(s), nil
	}
	addressRoom, peer, err := directory.ParseAddress(s)
	if err != nil {
		return "", err
	}
	if addressRoom != room {
		return "", fmt.Errorf("address belongs to room %s, connected to %s", addressRoom.Short(), room.Short())
	}
	return peer, nil
}

// pipeStdio connects stdin and stdout to conn until either side ends.
func pipeStdio(ctx context.Context, conn net.Conn) error {
	var eg errgroup.Group
	stop := make(chan struct{})
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
		return nil
	})
	eg.Go(func() error {
		defer close(stop)
		_, err := io.Copy(os.Stdout, conn)
		return err
	})
	// Stdin cannot be interrupted, it is left behind when the tunnel ends.
	go func() {
		_, _ = io.Copy(conn, os.Stdin)
	}()
	err := eg.Wait()
	_ = conn.Close()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
