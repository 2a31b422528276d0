package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/skalekit/cmd/internal/setup"
	"github.com/fako1024/skalekit/pkg/config"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {

	// Parse command line options
	var (
		cfgPath, name, addr string
		transport           string
	)

	flag.StringVar(&cfgPath, "config", "", "path to config file")
	flag.StringVar(&name, "name", "", "name (prefix) of remote peripheral")
	flag.StringVar(&addr, "addr", "", "address of remote peripheral (MAC on Linux, UUID on OS X)")
	flag.StringVar(&transport, "transport", "", "bluetooth transport (gatt, tinygo or mock)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %s", err)
	}
	if name != "" {
		cfg.Device.Name = name
	}
	if addr != "" {
		cfg.Device.ID = addr
	}
	if transport != "" {
		cfg.Transport = transport
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
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf("Failed to close scale session: %s", err)
		}
	}()

	s.ConnectionState().Subscribe(func(st scale.ConnectionStatus) {
		entry := log.WithField("state", st.State)
		if st.Error != nil {
			entry.WithField("code", scale.CodeOf(st.Error)).WithError(st.Error).Warn("State change")
			return
		}
		entry.Info("State change")
	})
	s.Weight().Subscribe(func(dp scale.DataPoint) {
		log.WithFields(logrus.Fields{
			"weight":    dp.Weight,
			"connected": s.ConnectedFor(),
		}).Info("Measurement")
	})
	s.Buttons().Subscribe(func(ev scale.ButtonEvent) {
		log.WithField("button", ev.Button).Info("Button pressed")
	})

	if err := s.ShowDevicePicker(ctx, cfg.Picker()); err != nil {
		log.Errorf("Failed to connect to scale: %s", err)
		return
	}

	if level, err := s.GetBatteryLevel(ctx); err != nil {
		log.Warnf("Failed to read battery level: %s", err)
	} else {
		log.WithField("battery", level).Info("Connected to scale")
	}

	<-ctx.Done()
	log.Infof("Got signal, terminating connection to device")
}
