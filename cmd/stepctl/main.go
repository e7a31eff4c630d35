package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/stepwise/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "node config path (defaults apply when empty)")
	flag.Parse()

	cfg, err := loadNodeConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stepctl: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("stepctl", cfg.Log.Logging())

	n, err := newNode(cfg)
	if err != nil {
		log.Error().Err(err).Msg("node setup failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Str("node", cfg.Name).Str("admin", cfg.Admin.Addr).Msg("node starting")
	if err := n.run(ctx); err != nil {
		log.Error().Err(err).Msg("node stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("node stopped")
}
