package main

import (
	"fmt"

	"github.com/Zereker/dvc"
	"github.com/Zereker/dvc/internal/config"
)

func open(cfg config.Config, opts ...dvc.Option) (*dvc.Channel, error) {
	if cfg.Transport != config.TransportUnix {
		return nil, fmt.Errorf("transport %q is not available on linux", cfg.Transport)
	}
	return dvc.Dial(cfg.SocketPath(), opts...)
}
