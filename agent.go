package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dotside-studios/davi-isodep-agent/buildinfo"
	"github.com/dotside-studios/davi-isodep-agent/certs"
	"github.com/dotside-studios/davi-isodep-agent/config"
	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/dotside-studios/davi-isodep-agent/nfc/multimanager"
	"github.com/dotside-studios/davi-isodep-agent/nfc/pn532uart"
	"github.com/dotside-studios/davi-isodep-agent/nfc/remotenfc"
	"github.com/dotside-studios/davi-isodep-agent/server"
	"github.com/rs/zerolog/log"
)

// Agent ties the configured transport to the card transactions.
type Agent struct {
	Config   *config.Config
	Options  nfc.Options
	Sessions nfc.SessionManager
	Relay    *remotenfc.Relay // set when the remote transport is used

	mu sync.Mutex // one card transaction at a time
}

// NewAgent builds the session manager named by cfg.Transport.
func NewAgent(cfg *config.Config) (*Agent, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts.Observer = nfc.LogObserver{Logger: log.Logger}

	a := &Agent{Config: cfg, Options: opts}
	switch cfg.Transport {
	case config.TransportPCSC:
		a.Sessions = nfc.NewPCSCSessionManager(cfg.Device)
	case config.TransportLibNFC:
		a.Sessions = nfc.NewLibNFCSessionManager(cfg.Device)
	case config.TransportPN532:
		a.Sessions = pn532uart.NewSessionManager(cfg.Device)
	case config.TransportRemote:
		a.Relay = remotenfc.NewRelay(0)
		a.Sessions = a.Relay
	case config.TransportAuto:
		a.Relay = remotenfc.NewRelay(0)
		a.Sessions = multimanager.NewMultiManager(
			multimanager.ManagerEntry{Name: config.TransportPCSC, Manager: nfc.NewPCSCSessionManager(cfg.Device)},
			multimanager.ManagerEntry{Name: config.TransportRemote, Manager: a.Relay},
		)
	case config.TransportSimulator:
		sim := nfc.NewSimulator(opts.Key)
		sim.Cipher = nfc.Cipher{Mode: opts.KeyMode}
		a.Sessions = sim
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	log.Info().Str("transport", cfg.Transport).Str("device", cfg.Device).Msg("agent ready")
	return a, nil
}

// Run performs one transaction.
func (a *Agent) Run(ctx context.Context, kind nfc.TransactionKind) (*nfc.TransactionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return nfc.Run(ctx, kind, a.Sessions, a.Options)
}

// Server returns the websocket API server for this agent. The relay
// endpoint is mounted when a phone relay is part of the transport.
func (a *Agent) Server() (*server.Server, error) {
	cfg := server.Config{
		Sessions:  a.Sessions,
		Options:   a.Options,
		Port:      a.Config.Server.Port,
		APISecret: a.Config.Server.APISecret,
		MDNS:      a.Config.Server.MDNS,
		TxnLock:   &a.mu,
	}
	if a.Relay != nil {
		cfg.Relay = a.Relay
	}
	if a.Config.Server.TLS {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		m := certs.NewManager(filepath.Join(dir, buildinfo.DirName))
		tlsConfig, err := m.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		cfg.TLS = tlsConfig
		cfg.BootstrapPort = a.Config.Server.BootstrapPort
		cfg.Bootstrap = certs.BootstrapHandler(m, cfg.Port, cfg.BootstrapPort)
	}
	return server.New(cfg), nil
}

// Close releases the transport.
func (a *Agent) Close() error {
	if c, ok := a.Sessions.(nfc.SessionManagerCloser); ok {
		return c.Close()
	}
	return a.Sessions.Release()
}
