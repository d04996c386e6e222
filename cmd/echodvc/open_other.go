//go:build !linux && !windows

package main

import (
	"fmt"
	"runtime"

	"github.com/Zereker/dvc"
	"github.com/Zereker/dvc/internal/config"
)

func open(cfg config.Config, _ ...dvc.Option) (*dvc.Channel, error) {
	return nil, fmt.Errorf("no %s transport on %s", cfg.Transport, runtime.GOOS)
}
