package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumen-gallery/lumen/internal"
	"github.com/lumen-gallery/lumen/pkg/logger"
)

var log = logger.Get("Main")

// main is the entry point to the program. It loads the user's Lumen
// configuration, constructs the server and runs it until interrupted.
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logger.SetMinLoggingLevel(logger.DEBUG.Level())
	}

	config := internal.LumenConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %s\n", err.Error())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lumen := internal.New(config)
	if err := lumen.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Lumen stopped with error: %s\n", err.Error())
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Lumen has stopped\n")
}
