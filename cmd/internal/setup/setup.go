// Package setup wires the configured transport and session for the binaries
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/fako1024/skalekit/pkg/config"
	"github.com/fako1024/skalekit/pkg/mock"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/fako1024/skalekit/pkg/session"
	"github.com/fako1024/skalekit/pkg/transport"
	"github.com/fako1024/skalekit/pkg/transport/gatt"
	"github.com/fako1024/skalekit/pkg/transport/tinygo"
)

const (
	mockInterval       = 100 * time.Millisecond
	mockGramsPerSecond = 1.5
)

// Session instantiates a new session on top of the configured transport. The
// simulated scale of the mock transport pours until ctx is cancelled
func Session(ctx context.Context, cfg *config.Config) (*session.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	id := session.NewID()
	logger, err := scale.NewSessionLogger(cfg.Debug, id)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate logger: %w", err)
	}

	t, err := Transport(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return session.New(t,
		session.WithID(id),
		session.WithLogger(logger),
		session.WithConnectTimeout(cfg.ConnectTimeout),
		session.WithAutoConnect(cfg.AutoConnect),
	), nil
}

// Transport instantiates the configured transport
func Transport(ctx context.Context, cfg *config.Config, logger scale.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportGATT:
		t, err := gatt.New(gatt.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gatt transport: %w", err)
		}
		return t, nil
	case config.TransportTinyGo:
		return tinygo.New(tinygo.WithLogger(logger)), nil
	case config.TransportMock:
		m := mock.New(mock.WithLogger(logger))
		m.StartPour(mockGramsPerSecond)
		go m.Run(ctx, mockInterval)
		return m, nil
	}

	return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
}
