package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/skalekit/cmd/internal/setup"
	"github.com/fako1024/skalekit/pkg/config"
	"github.com/sirupsen/logrus"
)

type options struct {
	cfgPath string
	name    string

	tare    bool
	led     string
	battery bool
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var opts options

	flag.StringVar(&opts.cfgPath, "config", "", "Path to config file")
	flag.StringVar(&opts.name, "name", "", "Name (prefix) of remote peripheral")

	flag.BoolVar(&opts.tare, "t", false, "Tare the scale")
	flag.StringVar(&opts.led, "led", "", "Turn the LED display on / off")
	flag.BoolVar(&opts.battery, "b", false, "Print the battery level")
	flag.Parse()

	var ledOn bool
	switch opts.led {
	case "", "on", "off":
		ledOn = opts.led == "on"
	default:
		return fmt.Errorf("invalid LED display mode `%s`, must be on or off", opts.led)
	}

	cfg, err := config.LoadOrDefault(opts.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.name != "" {
		cfg.Device.Name, cfg.Device.ID = opts.name, ""
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := setup.Session(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize scale session: %w", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.ShowDevicePicker(ctx, cfg.Picker()); err != nil {
		return fmt.Errorf("failed to connect to scale: %w", err)
	}

	if opts.tare {
		if err := s.Tare(); err != nil {
			return fmt.Errorf("failed to tare scale: %w", err)
		}
	}
	if opts.led != "" {
		if err := s.SetLEDDisplay(ledOn); err != nil {
			return fmt.Errorf("failed to set LED display: %w", err)
		}
	}
	if opts.battery {
		level, err := s.GetBatteryLevel(ctx)
		if err != nil {
			return fmt.Errorf("failed to read battery level: %w", err)
		}
		fmt.Printf("%d%%\n", level)
	}

	return nil
}
