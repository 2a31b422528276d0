package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/skalekit/cmd/internal/setup"
	"github.com/fako1024/skalekit/pkg/api"
	"github.com/fako1024/skalekit/pkg/channel"
	"github.com/fako1024/skalekit/pkg/config"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {

	// Parse command line options
	var cfgPath, listen string

	flag.StringVar(&cfgPath, "config", "", "path to config file")
	flag.StringVar(&listen, "listen", "", "API listen address (overrides config)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %s", err)
	}
	if listen != "" {
		cfg.API.Listen = listen
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := setup.Session(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize scale session: %s", err)
	}

	h := channel.New(s,
		channel.WithPicker(cfg.Picker()),
		channel.WithPickerTimeout(cfg.API.PickerTimeout),
		channel.WithBatteryTimeout(cfg.API.BatteryTimeout),
		channel.WithLogger(log),
	)
	srv := api.New(h, api.WithLogger(log))

	go func() {
		if err := srv.Listen(cfg.API.Listen); err != nil {
			log.Errorf("API server failed: %s", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Infof("Got signal, shutting down")

	// Closing the session first terminates all open event streams
	if err := s.Close(); err != nil {
		log.Errorf("Failed to close scale session: %s", err)
	}
	if err := srv.Shutdown(); err != nil {
		log.Errorf("Failed to shut down API server: %s", err)
	}
}
