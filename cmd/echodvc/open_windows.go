package main

import (
	"fmt"

	"github.com/Zereker/dvc"
	"github.com/Zereker/dvc/internal/config"
)

func open(cfg config.Config, opts ...dvc.Option) (*dvc.Channel, error) {
	if cfg.Transport != config.TransportWTS {
		return nil, fmt.Errorf("transport %q is not available on windows", cfg.Transport)
	}
	return dvc.Open(cfg.Channel, opts...)
}
