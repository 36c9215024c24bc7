package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	routercmd "github.com/oakmund/storyrouter/internal/cmd/router"
)

func main() {
	cfg, err := routercmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[ROUTER] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := routercmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
