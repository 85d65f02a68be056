//go:build linux

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/notnil/canhub"
	"github.com/notnil/canhub/config"
	"github.com/notnil/canhub/socketcan"
)

func openSocketCAN(b config.BusConfig, logger *zap.Logger) (canhub.ControllerOps, func(context.Context) error, error) {
	drv, err := socketcan.Dial(b.Interface,
		socketcan.WithLogger(logger.Named("socketcan")),
		socketcan.WithInterfaceOptions(socketcan.InterfaceOptions{
			RestartMs:  b.RestartMs,
			TxQueueLen: b.TxQueueLen,
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return drv, drv.Run, nil
}
