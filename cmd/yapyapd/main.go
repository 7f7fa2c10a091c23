// cmd/yapyapd is the main entrypoint for a YapYap node.
//
// Configuration is entirely via flags/environment so a single binary can
// run any node in a deployment.
//
// Example:
//
//	./yapyapd --data-dir /var/yapyap/node1 --listen-addr /ip4/0.0.0.0/tcp/4001
//	./yapyapd --data-dir /var/yapyap/node2 --listen-addr /ip4/0.0.0.0/tcp/4002 \
//	          --bootstrap-addrs /ip4/127.0.0.1/tcp/4001/p2p/<peer-id-of-node1>
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"yapyap/internal/config"
	"yapyap/internal/logging"
	"yapyap/internal/node"
)

func main() {
	fs := flag.NewFlagSet("yapyapd", flag.ExitOnError)
	cfg, err := config.FromEnvAndFlags(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("FATAL: parse config: %v", err)
	}

	logger := logging.NewDefault(cfg.LogLevel)

	sup, err := node.New(cfg, logger)
	if err != nil {
		log.Fatalf("FATAL: assemble node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Infof("yapyapd: signal received, shutting down")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		log.Fatalf("FATAL: node run: %v", err)
	}
	sup.Stop()
}
