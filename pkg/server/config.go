package server

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/malbeclabs/stakehouse/pkg/ledger"
	"github.com/malbeclabs/stakehouse/pkg/staking"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger *slog.Logger

	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Engine      *staking.Engine
	Registry    staking.Registry
	Params      *staking.ParameterStore
	Provisioner ledger.Provisioner

	// RequestRate and RequestBurst bound per-IP request throughput on the
	// /api routes.
	RequestRate  rate.Limit
	RequestBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Engine == nil {
		return errors.New("staking engine is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Params == nil {
		return errors.New("parameter store is required")
	}
	if cfg.Provisioner == nil {
		return errors.New("account provisioner is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RequestRate == 0 {
		cfg.RequestRate = rate.Every(time.Minute / 300)
	}
	if cfg.RequestBurst == 0 {
		cfg.RequestBurst = 50
	}
	return nil
}
