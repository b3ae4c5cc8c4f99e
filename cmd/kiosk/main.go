package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	kioskcmd "github.com/openrep/kioskgate/internal/cmd/kiosk"
	"github.com/openrep/kioskgate/internal/platform/config"
)

func main() {
	cfg, err := kioskcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[KIOSK] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kioskcmd.Run(ctx, cfg, kioskcmd.Deps{}); err != nil {
		log.Fatalf("kiosk agent: %v", err)
	}
}
