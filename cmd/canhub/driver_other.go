//go:build !linux

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/notnil/canhub"
	"github.com/notnil/canhub/config"
)

func openSocketCAN(b config.BusConfig, _ *zap.Logger) (canhub.ControllerOps, func(context.Context) error, error) {
	return nil, nil, fmt.Errorf("%w: socketcan %s needs linux", canhub.ErrNotSupported, b.Interface)
}
