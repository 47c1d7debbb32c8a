// Package main starts the communications realtime service and handles
// termination.
//
// The process is a transport adapter around chat rooms and notification
// fan-out so startup and investor profiles remain owned by the forum
// domain services.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	communicationscmd "github.com/venturebridge/forum/internal/cmd/communications"
)

func main() {
	// Local development reads secrets from a .env file when present.
	_ = godotenv.Load()

	cfg, err := communicationscmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[COMMUNICATIONS] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := communicationscmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
